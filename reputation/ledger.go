// Package reputation owns per-participant scores, the bounded top-K
// leaderboard, and the dynamic verifier-qualification threshold.
package reputation

import (
	"sync"

	"github.com/tolelom/proofmarket/config"
	"github.com/tolelom/proofmarket/core"
	"github.com/tolelom/proofmarket/events"
	"github.com/tolelom/proofmarket/points"
)

// Ledger is the single writer for all reputation state. Every mutation is
// serialized through its mutex and applied atomically against the state's
// write buffer, so records, leaderboard, and histogram never diverge.
type Ledger struct {
	mu      sync.Mutex
	state   core.State
	emitter *events.Emitter
	params  config.Params
}

// NewLedger creates a Ledger over state. emitter may be nil.
func NewLedger(state core.State, emitter *events.Emitter, params config.Params) *Ledger {
	return &Ledger{state: state, emitter: emitter, params: params}
}

// Update applies one scoring event to user. amount is the settled share that
// earned the points, isVerifier selects the role column of the tier table.
func (l *Ledger) Update(user string, amount uint64, isVerifier bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var pending []events.Event
	err := core.Atomic(l.state, func() error {
		meta, err := l.state.GetReputationMeta()
		if err != nil {
			return err
		}
		if err := l.apply(meta, user, amount, isVerifier, &pending); err != nil {
			return err
		}
		l.maybeRecompute(meta, &pending)
		return l.state.SetReputationMeta(meta)
	})
	if err != nil {
		return err
	}
	l.emitAll(pending)
	return nil
}

// BatchUpdate applies the three parallel arrays in order. Entries with an
// empty user or zero amount are skipped, not failed. At most one threshold
// recompute fires, at the end.
func (l *Ledger) BatchUpdate(users []string, amounts []uint64, verifierRoles []bool) error {
	if len(users) != len(amounts) || len(users) != len(verifierRoles) {
		return core.ErrLengthMismatch
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var pending []events.Event
	err := core.Atomic(l.state, func() error {
		meta, err := l.state.GetReputationMeta()
		if err != nil {
			return err
		}
		for i := range users {
			if users[i] == "" || amounts[i] == 0 {
				continue
			}
			if err := l.apply(meta, users[i], amounts[i], verifierRoles[i], &pending); err != nil {
				return err
			}
		}
		l.maybeRecompute(meta, &pending)
		return l.state.SetReputationMeta(meta)
	})
	if err != nil {
		return err
	}
	l.emitAll(pending)
	return nil
}

// apply mutates one record plus the shared meta (counters, histogram,
// leaderboard) and queues the update event on pending. The caller persists
// meta, handles recompute triggers, and emits pending only after the whole
// operation committed.
func (l *Ledger) apply(meta *core.ReputationMeta, user string, amount uint64, isVerifier bool, pending *[]events.Event) error {
	if user == "" {
		return core.ErrInvalidUser
	}
	if amount == 0 {
		return core.ErrInvalidAmount
	}

	rec, err := l.state.GetReputation(user)
	if err != nil {
		return err
	}
	first := rec.ChallengeCount == 0
	prior := rec.TotalPoints

	pts := points.ForAmount(amount, isVerifier)
	rec.TotalPoints += pts
	rec.ChallengeCount++
	if isVerifier {
		rec.VerifierPoints += pts
		rec.VerifierCount++
	} else {
		rec.WinnerCount++
	}

	meta.Height++
	rec.LastUpdateHeight = meta.Height
	if first {
		meta.TotalUsers++
	}

	// Move the user's total within the points-distribution histogram.
	if !first {
		if n := meta.Distribution[prior]; n <= 1 {
			delete(meta.Distribution, prior)
		} else {
			meta.Distribution[prior] = n - 1
		}
	}
	meta.Distribution[rec.TotalPoints]++

	b := newBoard(meta.Leaderboard)
	b.record(user, rec.TotalPoints, l.params.LeaderboardCapacity)
	meta.Leaderboard = b.entries

	if err := l.state.SetReputation(rec); err != nil {
		return err
	}

	role := "winner"
	if isVerifier {
		role = "verifier"
	}
	*pending = append(*pending, events.Event{
		Type: events.EventReputationUpdate,
		Data: map[string]any{
			"address":      user,
			"amount":       amount,
			"points_added": pts,
			"total_points": rec.TotalPoints,
			"role":         role,
			"height":       rec.LastUpdateHeight,
		},
	})
	return nil
}

// emitAll delivers the queued events of a committed operation.
func (l *Ledger) emitAll(pending []events.Event) {
	if l.emitter == nil {
		return
	}
	for _, ev := range pending {
		l.emitter.Emit(ev)
	}
}

// maybeRecompute fires the throttled automatic recompute: only once the user
// base has grown by more than ThresholdStep since the last recompute.
func (l *Ledger) maybeRecompute(meta *core.ReputationMeta, pending *[]events.Event) {
	if meta.TotalUsers > meta.LastThresholdCount+l.params.ThresholdStep {
		l.recompute(meta, pending)
	}
}

// recompute derives the "top 10%" threshold from the leaderboard: the
// floor(total_users/step)-th entry, falling back to the top entry while the
// user base is small and to the last entry when the decile index runs past
// the bounded board.
func (l *Ledger) recompute(meta *core.ReputationMeta, pending *[]events.Event) {
	if len(meta.Leaderboard) == 0 {
		return
	}
	topCount := meta.TotalUsers / l.params.ThresholdStep
	idx := 0
	switch {
	case topCount == 0:
		// With <= step users the threshold pins to the single top
		// performer. Harsh bootstrapping, preserved on purpose.
		idx = 0
	case int(topCount) > len(meta.Leaderboard):
		idx = len(meta.Leaderboard) - 1
	default:
		idx = int(topCount) - 1
	}
	newThreshold := meta.Leaderboard[idx].Points
	meta.LastThresholdCount = meta.TotalUsers
	if newThreshold == meta.Threshold {
		return
	}
	old := meta.Threshold
	meta.Threshold = newThreshold
	*pending = append(*pending, events.Event{
		Type: events.EventThresholdChanged,
		Data: map[string]any{
			"old_threshold": old,
			"new_threshold": newThreshold,
			"total_users":   meta.TotalUsers,
		},
	})
}

// RecomputeThreshold recomputes the qualification threshold immediately,
// bypassing the growth throttle. Safe to call redundantly; the changed event
// fires only if the value moved.
func (l *Ledger) RecomputeThreshold() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var pending []events.Event
	err := core.Atomic(l.state, func() error {
		meta, err := l.state.GetReputationMeta()
		if err != nil {
			return err
		}
		l.recompute(meta, &pending)
		return l.state.SetReputationMeta(meta)
	})
	if err != nil {
		return err
	}
	l.emitAll(pending)
	return nil
}

// IsQualifiedVerifier reports whether user's total clears the threshold.
func (l *Ledger) IsQualifiedVerifier(user string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, err := l.state.GetReputation(user)
	if err != nil {
		return false, err
	}
	meta, err := l.state.GetReputationMeta()
	if err != nil {
		return false, err
	}
	return rec.TotalPoints >= meta.Threshold, nil
}

// Record returns the full reputation record for user (zero-valued when the
// user has never scored).
func (l *Ledger) Record(user string) (*core.ReputationRecord, error) {
	if user == "" {
		return nil, core.ErrInvalidUser
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.GetReputation(user)
}

// Leaderboard returns up to limit entries in descending point order.
func (l *Ledger) Leaderboard(limit int) ([]core.LeaderboardEntry, error) {
	if limit < 0 || limit > l.params.LeaderboardCapacity {
		return nil, core.ErrExcessiveLimit
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	meta, err := l.state.GetReputationMeta()
	if err != nil {
		return nil, err
	}
	if limit > len(meta.Leaderboard) {
		limit = len(meta.Leaderboard)
	}
	out := make([]core.LeaderboardEntry, limit)
	copy(out, meta.Leaderboard[:limit])
	return out, nil
}

// TotalUsers returns the number of distinct addresses that ever scored.
func (l *Ledger) TotalUsers() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	meta, err := l.state.GetReputationMeta()
	if err != nil {
		return 0, err
	}
	return meta.TotalUsers, nil
}

// Threshold returns the current qualification threshold.
func (l *Ledger) Threshold() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	meta, err := l.state.GetReputationMeta()
	if err != nil {
		return 0, err
	}
	return meta.Threshold, nil
}
