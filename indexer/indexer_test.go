package indexer_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/proofmarket/events"
	"github.com/tolelom/proofmarket/indexer"
	"github.com/tolelom/proofmarket/internal/testutil"
)

const inst = "feedfacefeedfacefeedfacefeedfacefeedface"

func newIndexer(t *testing.T) (*indexer.Indexer, *events.Emitter) {
	t.Helper()
	em := events.NewEmitter()
	return indexer.New(testutil.NewMemDB(), em), em
}

func TestChallengesByCreator(t *testing.T) {
	idx, em := newIndexer(t)

	em.Emit(events.Event{
		Type:     events.EventChallengeCreated,
		Instance: inst,
		Data:     map[string]any{"creator": "alice", "challenge_id": uint64(1)},
	})
	em.Emit(events.Event{
		Type:     events.EventChallengeCreated,
		Instance: inst,
		Data:     map[string]any{"creator": "alice", "challenge_id": uint64(2)},
	})
	em.Emit(events.Event{
		Type:     events.EventChallengeCreated,
		Instance: inst,
		Data:     map[string]any{"creator": "bob", "challenge_id": uint64(3)},
	})

	refs, err := idx.ChallengesByCreator("alice")
	require.NoError(t, err)
	require.Equal(t, []string{inst + ":1", inst + ":2"}, refs)

	refs, err = idx.ChallengesByCreator("nobody")
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestSubmissionsBySolver(t *testing.T) {
	idx, em := newIndexer(t)

	em.Emit(events.Event{
		Type:     events.EventSolutionSubmitted,
		Instance: inst,
		Data: map[string]any{
			"solver":        "carol",
			"challenge_id":  uint64(1),
			"submission_id": uint64(1),
		},
	})

	refs, err := idx.SubmissionsBySolver("carol")
	require.NoError(t, err)
	require.Equal(t, []string{inst + ":1:1"}, refs)
}

func TestStatsAggregation(t *testing.T) {
	idx, em := newIndexer(t)

	em.Emit(events.Event{
		Type: events.EventReputationUpdate,
		Data: map[string]any{
			"address":      "carol",
			"total_points": uint64(100),
			"role":         "winner",
		},
	})
	em.Emit(events.Event{
		Type: events.EventReputationUpdate,
		Data: map[string]any{
			"address":      "carol",
			"total_points": uint64(102),
			"role":         "verifier",
		},
	})
	em.Emit(events.Event{
		Type:     events.EventChallengeSettled,
		Instance: inst,
		Data: map[string]any{
			"winner":         "carol",
			"winner_share":   uint64(950),
			"verifier":       "dave",
			"verifier_share": uint64(50),
		},
	})

	stats, err := idx.Stats("carol")
	require.NoError(t, err)
	require.Equal(t, uint64(102), stats.Points)
	require.Equal(t, uint64(1), stats.ChallengesWon)
	require.Equal(t, uint64(1), stats.ChallengesVerified)
	require.Equal(t, uint64(950), stats.AmountWon)

	stats, err = idx.Stats("dave")
	require.NoError(t, err)
	require.Equal(t, uint64(50), stats.AmountWon)

	// Unknown addresses read as zero-valued stats.
	stats, err = idx.Stats("nobody")
	require.NoError(t, err)
	require.Equal(t, uint64(0), stats.Points)
}

func TestMalformedPayloadIgnored(t *testing.T) {
	idx, em := newIndexer(t)

	// Missing instance and wrong types must not corrupt the cache.
	em.Emit(events.Event{
		Type: events.EventChallengeCreated,
		Data: map[string]any{"creator": "alice", "challenge_id": "one"},
	})

	refs, err := idx.ChallengesByCreator("alice")
	require.NoError(t, err)
	require.Empty(t, refs)
}
