// Package registry is the factory and authorization boundary of the
// marketplace: it deploys challenge instances at deterministic handles,
// tracks the fleet for discovery, and is the only caller allowed to mutate
// the reputation ledger on an instance's behalf.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/tolelom/proofmarket/config"
	"github.com/tolelom/proofmarket/core"
	"github.com/tolelom/proofmarket/crypto"
	"github.com/tolelom/proofmarket/escrow"
	"github.com/tolelom/proofmarket/events"
	"github.com/tolelom/proofmarket/reputation"
)

// handleLen is the hex length of an instance handle, matching the 40-char
// address format derived from public keys.
const handleLen = 40

// Registry deploys and tracks ChallengeInstances and mediates between them
// and the ReputationLedger.
type Registry struct {
	mu        sync.Mutex
	state     core.State
	emitter   *events.Emitter
	params    config.Params
	now       func() time.Time
	ledger    *reputation.Ledger
	instances map[string]*escrow.Instance // handle → wrapper cache
}

// New creates a Registry over state. The ledger is bound separately via
// SetReputationLedger. emitter and now may be nil.
func New(state core.State, emitter *events.Emitter, params config.Params, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		state:     state,
		emitter:   emitter,
		params:    params,
		now:       now,
		instances: make(map[string]*escrow.Instance),
	}
}

// PredictHandle returns the handle DeployChallenge will assign for the given
// (deployer, salt) pair. Pure function: callers can precompute the escrow
// account address before deploying.
func PredictHandle(deployer, salt string) string {
	return crypto.Hash([]byte(deployer + ":instance:" + salt))[:handleLen]
}

// SetReputationLedger binds the ledger exactly once.
func (r *Registry) SetReputationLedger(l *reputation.Ledger) error {
	if l == nil {
		return core.ErrInvalidAddress
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ledger != nil {
		return core.ErrAlreadySet
	}
	r.ledger = l
	return nil
}

// DeployChallenge creates a new ChallengeInstance at the deterministic
// handle for (deployer, salt), records it for enumeration, and returns the
// wired instance.
func (r *Registry) DeployChallenge(deployer, salt string) (*escrow.Instance, error) {
	if deployer == "" {
		return nil, core.ErrInvalidAddress
	}
	handle := PredictHandle(deployer, salt)

	r.mu.Lock()
	defer r.mu.Unlock()
	err := core.Atomic(r.state, func() error {
		reg, err := r.state.GetRegistry()
		if err != nil {
			return err
		}
		if reg.Deployed(handle) {
			return core.ErrInstanceExists
		}
		rec := &core.InstanceRecord{
			Handle:     handle,
			Deployer:   deployer,
			Salt:       salt,
			DeployedAt: r.now().Unix(),
		}
		if err := r.state.SetInstance(rec); err != nil {
			return err
		}
		reg.Handles = append(reg.Handles, handle)
		reg.Deployers[handle] = deployer
		reg.ByCreator[deployer] = append(reg.ByCreator[deployer], handle)
		return r.state.SetRegistry(reg)
	})
	if err != nil {
		return nil, err
	}

	inst := escrow.NewInstance(handle, r.state, r.emitter, r, r.params, r.now)
	r.instances[handle] = inst

	if r.emitter != nil {
		r.emitter.Emit(events.Event{
			Type:     events.EventInstanceDeployed,
			Instance: handle,
			Data: map[string]any{
				"deployer": deployer,
				"salt":     salt,
			},
		})
	}
	return inst, nil
}

// Instance returns the wrapper for a previously deployed handle, rebuilding
// it from the persisted record if needed (e.g. after a restart).
func (r *Registry) Instance(handle string) (*escrow.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[handle]; ok {
		return inst, nil
	}
	reg, err := r.state.GetRegistry()
	if err != nil {
		return nil, err
	}
	if !reg.Deployed(handle) {
		return nil, core.ErrUnknownInstance
	}
	inst := escrow.NewInstance(handle, r.state, r.emitter, r, r.params, r.now)
	r.instances[handle] = inst
	return inst, nil
}

// UpdateReputation forwards a settlement's scoring event to the ledger.
// Only handles deployed by this registry may call it; the re-emitted event
// tags the triggering instance.
func (r *Registry) UpdateReputation(callerHandle, user string, amount uint64, isVerifier bool) error {
	r.mu.Lock()
	ledger := r.ledger
	reg, err := r.state.GetRegistry()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if !reg.Deployed(callerHandle) {
		return core.ErrNotAuthorizedCaller
	}
	if ledger == nil {
		return core.ErrLedgerNotSet
	}
	if err := ledger.Update(user, amount, isVerifier); err != nil {
		return fmt.Errorf("forward reputation update: %w", err)
	}

	if r.emitter != nil {
		role := "winner"
		if isVerifier {
			role = "verifier"
		}
		r.emitter.Emit(events.Event{
			Type:     events.EventReputationForwarded,
			Instance: callerHandle,
			Data: map[string]any{
				"address": user,
				"amount":  amount,
				"role":    role,
			},
		})
	}
	return nil
}

// IsQualifiedVerifier forwards the qualification check to the ledger.
func (r *Registry) IsQualifiedVerifier(user string) (bool, error) {
	r.mu.Lock()
	ledger := r.ledger
	r.mu.Unlock()
	if ledger == nil {
		return false, core.ErrLedgerNotSet
	}
	return ledger.IsQualifiedVerifier(user)
}

// Count returns the number of deployed instances.
func (r *Registry) Count() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, err := r.state.GetRegistry()
	if err != nil {
		return 0, err
	}
	return len(reg.Handles), nil
}

// List returns a page of deployed handles in deployment order.
func (r *Registry) List(offset, limit int) ([]string, error) {
	if limit < 0 || limit > r.params.MaxQueryLimit {
		return nil, core.ErrExcessiveQuerySize
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, err := r.state.GetRegistry()
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset >= len(reg.Handles) {
		return nil, core.ErrIndexOutOfBounds
	}
	end := offset + limit
	if end > len(reg.Handles) {
		end = len(reg.Handles)
	}
	return append([]string(nil), reg.Handles[offset:end]...), nil
}

// ByCreator returns all handles deployed by the given address.
func (r *Registry) ByCreator(deployer string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, err := r.state.GetRegistry()
	if err != nil {
		return nil, err
	}
	return append([]string(nil), reg.ByCreator[deployer]...), nil
}

// Recent returns up to n handles, most recently deployed first.
func (r *Registry) Recent(n int) ([]string, error) {
	if n < 0 || n > r.params.MaxQueryLimit {
		return nil, core.ErrExcessiveQuerySize
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, err := r.state.GetRegistry()
	if err != nil {
		return nil, err
	}
	if n > len(reg.Handles) {
		n = len(reg.Handles)
	}
	out := make([]string, 0, n)
	for i := len(reg.Handles) - 1; i >= len(reg.Handles)-n; i-- {
		out = append(out, reg.Handles[i])
	}
	return out, nil
}

// ValidateBatch reports, per input handle, whether it was deployed by this
// registry.
func (r *Registry) ValidateBatch(handles []string) ([]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, err := r.state.GetRegistry()
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(handles))
	for i, h := range handles {
		out[i] = reg.Deployed(h)
	}
	return out, nil
}

// statically assert the gateway wiring stays intact.
var _ escrow.Gateway = (*Registry)(nil)
