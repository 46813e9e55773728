// Package indexer maintains a denormalized read cache over marketplace
// events so API layers can serve per-creator, per-solver, and per-user
// lookups without scanning core state. It consumes only event payloads,
// never core state, which doubles as a check that events carry everything
// a cache rebuild needs.
package indexer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/proofmarket/core"
	"github.com/tolelom/proofmarket/events"
	"github.com/tolelom/proofmarket/storage"
)

const (
	prefixCreatorChallenges = "idx:creator:chal:"
	prefixSolverSubmissions = "idx:solver:sub:"
	prefixUserStats         = "idx:stats:"
)

// UserStats is the aggregate a leaderboard/profile page needs, mirroring
// what the event stream reveals about one address.
type UserStats struct {
	Address            string `json:"address"`
	Points             uint64 `json:"points"`
	ChallengesWon      uint64 `json:"challenges_won"`
	ChallengesVerified uint64 `json:"challenges_verified"`
	AmountWon          uint64 `json:"amount_won"`
}

// Indexer subscribes to marketplace events and updates secondary lookup
// tables.
type Indexer struct {
	db      storage.DB
	emitter *events.Emitter
}

// New creates an Indexer backed by db and subscribes to relevant events.
func New(db storage.DB, emitter *events.Emitter) *Indexer {
	idx := &Indexer{db: db, emitter: emitter}
	emitter.Subscribe(events.EventChallengeCreated, idx.onChallengeCreated)
	emitter.Subscribe(events.EventSolutionSubmitted, idx.onSolutionSubmitted)
	emitter.Subscribe(events.EventReputationUpdate, idx.onReputationUpdate)
	emitter.Subscribe(events.EventChallengeSettled, idx.onChallengeSettled)
	return idx
}

// ChallengesByCreator returns "handle:id" refs of challenges the address
// created, in creation order.
func (idx *Indexer) ChallengesByCreator(creator string) ([]string, error) {
	return idx.getList(prefixCreatorChallenges + creator)
}

// SubmissionsBySolver returns "handle:challenge:submission" refs of the
// solver's submissions, in submission order.
func (idx *Indexer) SubmissionsBySolver(solver string) ([]string, error) {
	return idx.getList(prefixSolverSubmissions + solver)
}

// Stats returns the cached aggregate for an address (zero-valued when the
// address never appeared in the event stream).
func (idx *Indexer) Stats(address string) (*UserStats, error) {
	data, err := idx.db.Get([]byte(prefixUserStats + address))
	if errors.Is(err, core.ErrNotFound) {
		return &UserStats{Address: address}, nil
	}
	if err != nil {
		return nil, err
	}
	var stats UserStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("indexer unmarshal: %w", err)
	}
	return &stats, nil
}

// ---- event handlers ----

func (idx *Indexer) onChallengeCreated(ev events.Event) {
	creator, _ := ev.Data["creator"].(string)
	id, ok := ev.Data["challenge_id"].(uint64)
	if creator == "" || !ok || ev.Instance == "" {
		return
	}
	_ = idx.addToList(prefixCreatorChallenges+creator, fmt.Sprintf("%s:%d", ev.Instance, id))
}

func (idx *Indexer) onSolutionSubmitted(ev events.Event) {
	solver, _ := ev.Data["solver"].(string)
	challengeID, okC := ev.Data["challenge_id"].(uint64)
	submissionID, okS := ev.Data["submission_id"].(uint64)
	if solver == "" || !okC || !okS || ev.Instance == "" {
		return
	}
	_ = idx.addToList(prefixSolverSubmissions+solver,
		fmt.Sprintf("%s:%d:%d", ev.Instance, challengeID, submissionID))
}

func (idx *Indexer) onReputationUpdate(ev events.Event) {
	address, _ := ev.Data["address"].(string)
	total, okT := ev.Data["total_points"].(uint64)
	role, _ := ev.Data["role"].(string)
	if address == "" || !okT {
		return
	}
	stats, err := idx.Stats(address)
	if err != nil {
		return
	}
	stats.Points = total
	if role == "verifier" {
		stats.ChallengesVerified++
	} else {
		stats.ChallengesWon++
	}
	_ = idx.putStats(stats)
}

func (idx *Indexer) onChallengeSettled(ev events.Event) {
	winner, _ := ev.Data["winner"].(string)
	winnerShare, okW := ev.Data["winner_share"].(uint64)
	if winner != "" && okW {
		if stats, err := idx.Stats(winner); err == nil {
			stats.AmountWon += winnerShare
			_ = idx.putStats(stats)
		}
	}
	verifier, _ := ev.Data["verifier"].(string)
	verifierShare, okV := ev.Data["verifier_share"].(uint64)
	if verifier != "" && okV {
		if stats, err := idx.Stats(verifier); err == nil {
			stats.AmountWon += verifierShare
			_ = idx.putStats(stats)
		}
	}
}

// ---- storage helpers ----

func (idx *Indexer) putStats(stats *UserStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(prefixUserStats+stats.Address), data)
}

func (idx *Indexer) getList(key string) ([]string, error) {
	data, err := idx.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil // empty list
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("indexer unmarshal: %w", err)
	}
	return ids, nil
}

func (idx *Indexer) addToList(key, value string) error {
	ids, _ := idx.getList(key)
	ids = append(ids, value)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(key), data)
}
