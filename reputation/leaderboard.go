package reputation

import "github.com/tolelom/proofmarket/core"

// board wraps the persisted leaderboard slice with an address → position map
// for O(1) membership lookup. It is rebuilt from ReputationMeta on every
// operation and written back afterwards.
type board struct {
	entries []core.LeaderboardEntry
	pos     map[string]int
}

func newBoard(entries []core.LeaderboardEntry) *board {
	b := &board{entries: entries, pos: make(map[string]int, len(entries))}
	for i, e := range entries {
		b.pos[e.Address] = i
	}
	return b
}

// record places user with points into the bounded board:
//   - already present: update in place and bubble up;
//   - free capacity: append and bubble up;
//   - full and strictly above the current lowest: evict the last entry,
//     take its slot, bubble up;
//   - otherwise: no change. The user's rise stays invisible to the board
//     even though their raw record is updated (boundedness trade-off).
func (b *board) record(user string, points uint64, capacity int) {
	if i, ok := b.pos[user]; ok {
		b.entries[i].Points = points
		b.bubbleUp(i)
		return
	}
	if len(b.entries) < capacity {
		b.entries = append(b.entries, core.LeaderboardEntry{Address: user, Points: points})
		b.pos[user] = len(b.entries) - 1
		b.bubbleUp(len(b.entries) - 1)
		return
	}
	last := len(b.entries) - 1
	if points > b.entries[last].Points {
		delete(b.pos, b.entries[last].Address)
		b.entries[last] = core.LeaderboardEntry{Address: user, Points: points}
		b.pos[user] = last
		b.bubbleUp(last)
	}
}

// bubbleUp is a single-element insertion pass: swap the entry leftward while
// its predecessor scores strictly less, so ties keep the earlier entry ahead.
func (b *board) bubbleUp(i int) {
	for i > 0 && b.entries[i-1].Points < b.entries[i].Points {
		b.entries[i-1], b.entries[i] = b.entries[i], b.entries[i-1]
		b.pos[b.entries[i-1].Address] = i - 1
		b.pos[b.entries[i].Address] = i
		i--
	}
}
