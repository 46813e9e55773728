package core

import "fmt"

// State is the full marketplace state interface. Implementations must be
// snapshot-able so failed operations can roll back without partial effects.
type State interface {
	// Accounts (token balances, including instance escrow accounts)
	GetAccount(address string) (*Account, error)
	SetAccount(account *Account) error

	// Reputation records. GetReputation returns a zero-value record for
	// unknown addresses; a record with ChallengeCount == 0 has never scored.
	GetReputation(address string) (*ReputationRecord, error)
	SetReputation(record *ReputationRecord) error

	// Ledger-global state (leaderboard, threshold, counters).
	// GetReputationMeta returns an initialized empty meta when absent.
	GetReputationMeta() (*ReputationMeta, error)
	SetReputationMeta(meta *ReputationMeta) error

	// Challenges, keyed by owning instance handle and challenge id.
	GetChallenge(instance string, id uint64) (*Challenge, error)
	SetChallenge(instance string, c *Challenge) error

	// Deployed instances
	GetInstance(handle string) (*InstanceRecord, error)
	SetInstance(rec *InstanceRecord) error

	// Registry fleet record. GetRegistry returns an initialized empty
	// record when absent.
	GetRegistry() (*RegistryRecord, error)
	SetRegistry(rec *RegistryRecord) error

	// Snapshot / rollback / commit
	Snapshot() (int, error)
	RevertToSnapshot(id int) error
	// ComputeRoot returns the deterministic state root from the current
	// write buffer without flushing.
	ComputeRoot() string
	// Commit flushes the write buffer to the underlying DB and clears it.
	Commit() error
}

// Atomic runs fn inside a state snapshot. If fn returns an error the write
// buffer is reverted, so a failing operation leaves no partial effects.
func Atomic(s State, fn func() error) error {
	snapID, err := s.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if err := fn(); err != nil {
		if revertErr := s.RevertToSnapshot(snapID); revertErr != nil {
			return fmt.Errorf("revert snapshot after failure: %w (revert: %v)", err, revertErr)
		}
		return err
	}
	return nil
}
