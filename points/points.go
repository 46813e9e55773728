// Package points maps settled reward amounts to reputation point awards.
package points

// tier is one row of the fixed award schedule. Upper is exclusive; amounts
// at or above the last boundary fall into the open-ended top tier.
type tier struct {
	upper    uint64
	winner   uint64
	verifier uint64
}

// The verifier column is always exactly winner/5. The two columns must be
// changed in lockstep; the ratio is an invariant, not recomputed.
var schedule = []tier{
	{upper: 100, winner: 10, verifier: 2},
	{upper: 500, winner: 50, verifier: 10},
	{upper: 1000, winner: 100, verifier: 20},
}

// Top-tier awards for amounts >= 1000. No upper bound.
const (
	topWinner   = 200
	topVerifier = 40
)

// ForAmount returns the point award for settling amount in the given role.
// Pure and total: every amount maps to a tier, zero included.
func ForAmount(amount uint64, isVerifier bool) uint64 {
	for _, t := range schedule {
		if amount < t.upper {
			if isVerifier {
				return t.verifier
			}
			return t.winner
		}
	}
	if isVerifier {
		return topVerifier
	}
	return topWinner
}
