package config

import (
	"encoding/json"
	"os"
)

// Params holds the marketplace tunables. Defaults reproduce the original
// deployment; the point tier schedule is deliberately not configurable
// (see package points).
type Params struct {
	LeaderboardCapacity int    `json:"leaderboard_capacity"` // bounded top-K size
	ThresholdStep       uint64 `json:"threshold_step"`       // new users before auto recompute
	VerifierShareBps    uint64 `json:"verifier_share_bps"`   // of 10_000
	GracePeriodSeconds  int64  `json:"grace_period_seconds"` // emergency withdraw delay past deadline
	MaxDescriptionLen   int    `json:"max_description_len"`
	MaxQueryLimit       int    `json:"max_query_limit"` // leaderboard + registry pagination cap
}

// Default returns the production parameter set.
func Default() Params {
	return Params{
		LeaderboardCapacity: 100,
		ThresholdStep:       10,
		VerifierShareBps:    500, // 5%
		GracePeriodSeconds:  30 * 24 * 60 * 60,
		MaxDescriptionLen:   512,
		MaxQueryLimit:       100,
	}
}

// Load reads a JSON params file from path; absent fields keep defaults.
func Load(path string) (Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, err
	}
	p := Default()
	if err := json.Unmarshal(data, &p); err != nil {
		return Params{}, err
	}
	return p, nil
}

// Save writes the params to path as formatted JSON.
func Save(p Params, path string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
