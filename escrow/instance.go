// Package escrow implements the challenge lifecycle state machine. An
// Instance custodies reward funds on its own account (keyed by the instance
// handle) and reports settlements back through the registry gateway it was
// constructed with.
package escrow

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tolelom/proofmarket/config"
	"github.com/tolelom/proofmarket/core"
	"github.com/tolelom/proofmarket/events"
	"github.com/tolelom/proofmarket/token"
)

// bpsDenominator is the basis-point scale for the verifier share.
const bpsDenominator = 10_000

// Gateway is the trusted back-reference an instance receives from the
// registry that deployed it. The instance identifies itself by handle; the
// registry authorizes the call against its deployed-instance set.
type Gateway interface {
	UpdateReputation(callerHandle, user string, amount uint64, isVerifier bool) error
	IsQualifiedVerifier(user string) (bool, error)
}

// Instance is one deployed challenge escrow. All operations are serialized
// through its mutex and applied atomically: a failing operation leaves no
// partial state.
type Instance struct {
	mu      sync.Mutex
	handle  string
	state   core.State
	emitter *events.Emitter
	gateway Gateway
	params  config.Params
	now     func() time.Time
}

// NewInstance wires an instance to its persisted record. now may be nil
// (defaults to time.Now); emitter may be nil.
func NewInstance(handle string, state core.State, emitter *events.Emitter,
	gateway Gateway, params config.Params, now func() time.Time) *Instance {
	if now == nil {
		now = time.Now
	}
	return &Instance{
		handle:  handle,
		state:   state,
		emitter: emitter,
		gateway: gateway,
		params:  params,
		now:     now,
	}
}

// Handle returns the instance's deterministic handle, which is also its
// escrow account address.
func (in *Instance) Handle() string { return in.handle }

// Create opens a new challenge and locks reward funds from the creator's
// balance into the instance's custody account.
func (in *Instance) Create(caller string, reward uint64, deadline int64, description string) (uint64, error) {
	if caller == "" {
		return 0, core.ErrInvalidAddress
	}
	if reward == 0 {
		return 0, core.ErrZeroReward
	}
	if deadline <= in.now().Unix() {
		return 0, core.ErrDeadlineInPast
	}
	if len(description) > in.params.MaxDescriptionLen {
		return 0, core.ErrDescriptionTooLong
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	var id uint64
	err := core.Atomic(in.state, func() error {
		rec, err := in.state.GetInstance(in.handle)
		if errors.Is(err, core.ErrNotFound) {
			return core.ErrUnknownInstance
		}
		if err != nil {
			return err
		}

		if err := token.Transfer(in.state, in.emitter, caller, in.handle, reward); err != nil {
			return fmt.Errorf("lock reward: %w", err)
		}

		rec.ChallengeCount++
		id = rec.ChallengeCount
		c := &core.Challenge{
			ID:           id,
			Creator:      caller,
			Status:       core.StatusOpen,
			Deadline:     deadline,
			RewardAmount: reward,
			Description:  description,
			CreatedAt:    in.now().Unix(),
			Approvals:    make(map[uint64]uint8),
		}
		if err := in.state.SetChallenge(in.handle, c); err != nil {
			return err
		}
		return in.state.SetInstance(rec)
	})
	if err != nil {
		return 0, err
	}

	in.emit(events.EventChallengeCreated, map[string]any{
		"challenge_id": id,
		"creator":      caller,
		"reward":       reward,
		"deadline":     deadline,
	})
	return id, nil
}

// ProposeAsVerifier records caller as a verifier candidate. Only qualified
// addresses may propose, only while the challenge is Open and undeadlined.
func (in *Instance) ProposeAsVerifier(caller string, challengeID uint64) error {
	if caller == "" {
		return core.ErrInvalidAddress
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	err := core.Atomic(in.state, func() error {
		c, err := in.challenge(challengeID)
		if err != nil {
			return err
		}
		if c.Status != core.StatusOpen {
			return core.ErrInvalidStatus
		}
		if in.now().Unix() > c.Deadline {
			return core.ErrDeadlinePassed
		}
		qualified, err := in.gateway.IsQualifiedVerifier(caller)
		if err != nil {
			return err
		}
		if !qualified {
			return core.ErrNotQualifiedVerifier
		}
		if c.HasProposed(caller) {
			return core.ErrAlreadyProposed
		}
		c.Proposals = append(c.Proposals, caller)
		return in.state.SetChallenge(in.handle, c)
	})
	if err != nil {
		return err
	}

	in.emit(events.EventVerifierProposed, map[string]any{
		"challenge_id": challengeID,
		"verifier":     caller,
	})
	return nil
}

// SelectVerifier is creator-only; it consumes the proposal set, re-validates
// qualification, and moves the challenge Open → Active.
func (in *Instance) SelectVerifier(caller string, challengeID uint64, verifier string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	err := core.Atomic(in.state, func() error {
		c, err := in.challenge(challengeID)
		if err != nil {
			return err
		}
		if caller != c.Creator {
			return core.ErrNotCreator
		}
		if c.Status != core.StatusOpen {
			return core.ErrInvalidStatus
		}
		if !c.HasProposed(verifier) {
			return core.ErrNotProposed
		}
		qualified, err := in.gateway.IsQualifiedVerifier(verifier)
		if err != nil {
			return err
		}
		if !qualified {
			return core.ErrNotQualifiedVerifier // qualification lapsed since proposing
		}
		c.Verifier = verifier
		c.Status = core.StatusActive
		c.Proposals = nil // consumed
		return in.state.SetChallenge(in.handle, c)
	})
	if err != nil {
		return err
	}

	in.emit(events.EventVerifierSelected, map[string]any{
		"challenge_id": challengeID,
		"verifier":     verifier,
	})
	return nil
}

// SubmitSolution records a solver's solution. One submission per solver per
// challenge; the external UID is stored opaquely for off-chain correlation.
func (in *Instance) SubmitSolution(caller string, challengeID uint64, solutionRef, externalUID string) (uint64, error) {
	if caller == "" {
		return 0, core.ErrInvalidAddress
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	var subID uint64
	err := core.Atomic(in.state, func() error {
		c, err := in.challenge(challengeID)
		if err != nil {
			return err
		}
		if c.Status != core.StatusActive {
			return core.ErrInvalidStatus
		}
		if in.now().Unix() > c.Deadline {
			return core.ErrDeadlinePassed
		}
		if c.HasSubmitted(caller) {
			return core.ErrAlreadySubmitted
		}
		c.SubmissionCount++
		subID = c.SubmissionCount
		c.Submissions = append(c.Submissions, core.Submission{
			ID:          subID,
			Solver:      caller,
			SubmittedAt: in.now().Unix(),
			SolutionRef: solutionRef,
			ExternalUID: externalUID,
		})
		return in.state.SetChallenge(in.handle, c)
	})
	if err != nil {
		return 0, err
	}

	in.emit(events.EventSolutionSubmitted, map[string]any{
		"challenge_id":  challengeID,
		"submission_id": subID,
		"solver":        caller,
		"solution_ref":  solutionRef,
		"external_uid":  externalUID,
	})
	return subID, nil
}

// ApproveSolution sets the verifier's approval bit on a submission.
func (in *Instance) ApproveSolution(caller string, challengeID, submissionID uint64) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	err := core.Atomic(in.state, func() error {
		c, err := in.challenge(challengeID)
		if err != nil {
			return err
		}
		if c.Status != core.StatusActive {
			return core.ErrInvalidStatus
		}
		if caller != c.Verifier {
			return core.ErrNotVerifier
		}
		if c.Submission(submissionID) == nil {
			return core.ErrSubmissionNotFound
		}
		if c.Approvals[submissionID]&core.ApprovalVerifier != 0 {
			return core.ErrAlreadyApproved
		}
		c.Approvals[submissionID] |= core.ApprovalVerifier
		return in.state.SetChallenge(in.handle, c)
	})
	if err != nil {
		return err
	}

	in.emit(events.EventSolutionApproved, map[string]any{
		"challenge_id":  challengeID,
		"submission_id": submissionID,
		"approver":      caller,
		"role":          "verifier",
	})
	return nil
}

// AwardSolution records the creator's approval and settles once both
// approval bits are set. The creator may approve before the verifier; once
// both bits are present anyone can trigger settlement.
func (in *Instance) AwardSolution(caller string, challengeID, submissionID uint64) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	var settled bool
	var creatorApproved bool
	var settleData map[string]any
	err := core.Atomic(in.state, func() error {
		c, err := in.challenge(challengeID)
		if err != nil {
			return err
		}
		if c.Status != core.StatusActive {
			return core.ErrInvalidStatus
		}
		sub := c.Submission(submissionID)
		if sub == nil {
			return core.ErrSubmissionNotFound
		}

		bits := c.Approvals[submissionID]
		if bits != core.ApprovalBoth && caller == c.Creator {
			if bits&core.ApprovalCreator != 0 {
				return core.ErrAlreadyApproved
			}
			bits |= core.ApprovalCreator
			c.Approvals[submissionID] = bits
			creatorApproved = true
		}
		if bits != core.ApprovalBoth {
			if creatorApproved {
				// Creator approved first; settlement waits for the verifier.
				return in.state.SetChallenge(in.handle, c)
			}
			return core.ErrMissingApprovals
		}

		settleData, err = in.settle(c, sub)
		if err != nil {
			return err
		}
		settled = true
		return in.state.SetChallenge(in.handle, c)
	})
	if err != nil {
		return err
	}

	if creatorApproved {
		in.emit(events.EventSolutionApproved, map[string]any{
			"challenge_id":  challengeID,
			"submission_id": submissionID,
			"approver":      caller,
			"role":          "creator",
		})
	}
	if settled {
		in.emit(events.EventChallengeSettled, settleData)
	}
	return nil
}

// settle splits the escrowed reward, pays winner and verifier, and reports
// both reputation updates through the registry. verifier share is integer
// basis points rounded down, winner share the exact remainder, so the sum
// always equals the original reward.
func (in *Instance) settle(c *core.Challenge, sub *core.Submission) (map[string]any, error) {
	// floor(reward*bps/10000) computed in two parts so reward*bps cannot
	// overflow uint64 for very large escrows.
	q, m := c.RewardAmount/bpsDenominator, c.RewardAmount%bpsDenominator
	verifierShare := q*in.params.VerifierShareBps + m*in.params.VerifierShareBps/bpsDenominator
	winnerShare := c.RewardAmount - verifierShare

	if err := token.Transfer(in.state, in.emitter, in.handle, sub.Solver, winnerShare); err != nil {
		return nil, fmt.Errorf("pay winner: %w", err)
	}
	if err := in.gateway.UpdateReputation(in.handle, sub.Solver, winnerShare, false); err != nil {
		return nil, fmt.Errorf("winner reputation: %w", err)
	}
	// A tiny reward can round the verifier share down to zero; there is
	// nothing to transfer or score then.
	if verifierShare > 0 {
		if err := token.Transfer(in.state, in.emitter, in.handle, c.Verifier, verifierShare); err != nil {
			return nil, fmt.Errorf("pay verifier: %w", err)
		}
		if err := in.gateway.UpdateReputation(in.handle, c.Verifier, verifierShare, true); err != nil {
			return nil, fmt.Errorf("verifier reputation: %w", err)
		}
	}

	c.Status = core.StatusCompleted
	c.WinningSubmission = sub.ID

	return map[string]any{
		"challenge_id":   c.ID,
		"submission_id":  sub.ID,
		"winner":         sub.Solver,
		"verifier":       c.Verifier,
		"winner_share":   winnerShare,
		"verifier_share": verifierShare,
		"reward":         c.RewardAmount,
	}, nil
}

// CancelChallenge refunds the full escrow to the creator. Allowed while Open,
// or Active with no submissions yet.
func (in *Instance) CancelChallenge(caller string, challengeID uint64) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	var refund uint64
	err := core.Atomic(in.state, func() error {
		c, err := in.challenge(challengeID)
		if err != nil {
			return err
		}
		if caller != c.Creator {
			return core.ErrNotCreator
		}
		cancellable := c.Status == core.StatusOpen ||
			(c.Status == core.StatusActive && c.SubmissionCount == 0)
		if !cancellable {
			return core.ErrInvalidStatus
		}
		if err := token.Transfer(in.state, in.emitter, in.handle, c.Creator, c.RewardAmount); err != nil {
			return fmt.Errorf("refund: %w", err)
		}
		refund = c.RewardAmount
		c.Status = core.StatusCancelled
		return in.state.SetChallenge(in.handle, c)
	})
	if err != nil {
		return err
	}

	in.emit(events.EventChallengeCancelled, map[string]any{
		"challenge_id": challengeID,
		"creator":      caller,
		"refund":       refund,
	})
	return nil
}

// EmergencyWithdraw is the stuck-challenge escape hatch: after the deadline
// plus the grace period the creator can reclaim the escrow of any challenge
// that never reached a terminal state.
func (in *Instance) EmergencyWithdraw(caller string, challengeID uint64) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	var refund uint64
	err := core.Atomic(in.state, func() error {
		c, err := in.challenge(challengeID)
		if err != nil {
			return err
		}
		if caller != c.Creator {
			return core.ErrNotCreator
		}
		if c.Status == core.StatusCompleted || c.Status == core.StatusCancelled {
			return core.ErrInvalidStatus
		}
		if in.now().Unix() < c.Deadline+in.params.GracePeriodSeconds {
			return core.ErrGracePeriodActive
		}
		if err := token.Transfer(in.state, in.emitter, in.handle, c.Creator, c.RewardAmount); err != nil {
			return fmt.Errorf("refund: %w", err)
		}
		refund = c.RewardAmount
		c.Status = core.StatusCancelled
		return in.state.SetChallenge(in.handle, c)
	})
	if err != nil {
		return err
	}

	in.emit(events.EventEmergencyWithdrawal, map[string]any{
		"challenge_id": challengeID,
		"creator":      caller,
		"refund":       refund,
	})
	return nil
}

// ---- read-only queries ----

// Challenge returns the challenge with the given id.
func (in *Instance) Challenge(challengeID uint64) (*core.Challenge, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.challenge(challengeID)
}

// Submission returns one submission of a challenge.
func (in *Instance) Submission(challengeID, submissionID uint64) (*core.Submission, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	c, err := in.challenge(challengeID)
	if err != nil {
		return nil, err
	}
	sub := c.Submission(submissionID)
	if sub == nil {
		return nil, core.ErrSubmissionNotFound
	}
	return sub, nil
}

// Proposals returns the pending verifier proposals for a challenge.
func (in *Instance) Proposals(challengeID uint64) ([]string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	c, err := in.challenge(challengeID)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), c.Proposals...), nil
}

// Approvals returns the approval bitmap of a submission.
func (in *Instance) Approvals(challengeID, submissionID uint64) (uint8, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	c, err := in.challenge(challengeID)
	if err != nil {
		return 0, err
	}
	if c.Submission(submissionID) == nil {
		return 0, core.ErrSubmissionNotFound
	}
	return c.Approvals[submissionID], nil
}

// challenge loads a challenge or maps storage misses to a domain error.
func (in *Instance) challenge(id uint64) (*core.Challenge, error) {
	c, err := in.state.GetChallenge(in.handle, id)
	if errors.Is(err, core.ErrNotFound) {
		return nil, core.ErrChallengeNotFound
	}
	return c, err
}

func (in *Instance) emit(typ events.EventType, data map[string]any) {
	if in.emitter == nil {
		return
	}
	in.emitter.Emit(events.Event{Type: typ, Instance: in.handle, Data: data})
}
