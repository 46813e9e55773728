package escrow_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/proofmarket/config"
	"github.com/tolelom/proofmarket/core"
	"github.com/tolelom/proofmarket/escrow"
	"github.com/tolelom/proofmarket/events"
	"github.com/tolelom/proofmarket/internal/testutil"
	"github.com/tolelom/proofmarket/storage"
	"github.com/tolelom/proofmarket/token"
)

const (
	handle   = "feedfacefeedfacefeedfacefeedfacefeedface"
	creator  = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	verifier = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	solver   = "cccccccccccccccccccccccccccccccccccccccc"
	stranger = "dddddddddddddddddddddddddddddddddddddddd"
)

// stubGateway stands in for the registry: a fixed qualification set and a
// log of forwarded reputation updates.
type stubGateway struct {
	qualified map[string]bool
	updates   []repUpdate
}

type repUpdate struct {
	handle     string
	user       string
	amount     uint64
	isVerifier bool
}

func (g *stubGateway) UpdateReputation(callerHandle, user string, amount uint64, isVerifier bool) error {
	g.updates = append(g.updates, repUpdate{callerHandle, user, amount, isVerifier})
	return nil
}

func (g *stubGateway) IsQualifiedVerifier(user string) (bool, error) {
	return g.qualified[user], nil
}

// fakeClock is a settable time source.
type fakeClock struct{ unix int64 }

func (c *fakeClock) now() time.Time     { return time.Unix(c.unix, 0) }
func (c *fakeClock) advance(secs int64) { c.unix += secs }

type fixture struct {
	state   *storage.StateDB
	gateway *stubGateway
	clock   *fakeClock
	inst    *escrow.Instance
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	state := testutil.NewStateDB()
	require.NoError(t, state.SetInstance(&core.InstanceRecord{
		Handle:   handle,
		Deployer: creator,
	}))
	require.NoError(t, state.SetAccount(&core.Account{Address: creator, Balance: 10_000}))

	gw := &stubGateway{qualified: map[string]bool{verifier: true}}
	clock := &fakeClock{unix: 1_000_000}
	inst := escrow.NewInstance(handle, state, events.NewEmitter(), gw, config.Default(), clock.now)
	return &fixture{state: state, gateway: gw, clock: clock, inst: inst}
}

func (f *fixture) balance(t *testing.T, addr string) uint64 {
	t.Helper()
	b, err := token.BalanceOf(f.state, addr)
	require.NoError(t, err)
	return b
}

// createActive drives a challenge to Active with one submission and returns
// (challengeID, submissionID).
func (f *fixture) createActive(t *testing.T, reward uint64) (uint64, uint64) {
	t.Helper()
	id, err := f.inst.Create(creator, reward, f.clock.unix+3600, "prove it")
	require.NoError(t, err)
	require.NoError(t, f.inst.ProposeAsVerifier(verifier, id))
	require.NoError(t, f.inst.SelectVerifier(creator, id, verifier))
	subID, err := f.inst.SubmitSolution(solver, id, "ref-1", "uid-1")
	require.NoError(t, err)
	return id, subID
}

func TestCreateLocksFunds(t *testing.T) {
	f := newFixture(t)

	id, err := f.inst.Create(creator, 1000, f.clock.unix+3600, "prove it")
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)
	require.Equal(t, uint64(9000), f.balance(t, creator))
	require.Equal(t, uint64(1000), f.balance(t, handle))

	c, err := f.inst.Challenge(id)
	require.NoError(t, err)
	require.Equal(t, core.StatusOpen, c.Status)
	require.Equal(t, creator, c.Creator)
	require.Equal(t, uint64(1000), c.RewardAmount)

	// Sequential ids per instance.
	id2, err := f.inst.Create(creator, 500, f.clock.unix+3600, "again")
	require.NoError(t, err)
	require.Equal(t, uint64(2), id2)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	deadline := f.clock.unix + 3600

	_, err := f.inst.Create(creator, 0, deadline, "x")
	require.ErrorIs(t, err, core.ErrZeroReward)

	_, err = f.inst.Create(creator, 100, f.clock.unix, "x")
	require.ErrorIs(t, err, core.ErrDeadlineInPast)

	long := make([]byte, config.Default().MaxDescriptionLen+1)
	_, err = f.inst.Create(creator, 100, deadline, string(long))
	require.ErrorIs(t, err, core.ErrDescriptionTooLong)

	// Insufficient funds: no partial state, no challenge created.
	_, err = f.inst.Create(creator, 1_000_000, deadline, "x")
	require.ErrorIs(t, err, core.ErrInsufficientFunds)
	require.Equal(t, uint64(10_000), f.balance(t, creator))
	_, err = f.inst.Challenge(1)
	require.ErrorIs(t, err, core.ErrChallengeNotFound)
}

func TestProposeRequiresQualification(t *testing.T) {
	f := newFixture(t)
	id, err := f.inst.Create(creator, 1000, f.clock.unix+3600, "prove it")
	require.NoError(t, err)

	err = f.inst.ProposeAsVerifier(stranger, id)
	require.ErrorIs(t, err, core.ErrNotQualifiedVerifier)

	require.NoError(t, f.inst.ProposeAsVerifier(verifier, id))
	err = f.inst.ProposeAsVerifier(verifier, id)
	require.ErrorIs(t, err, core.ErrAlreadyProposed)

	props, err := f.inst.Proposals(id)
	require.NoError(t, err)
	require.Equal(t, []string{verifier}, props)
}

func TestSelectVerifier(t *testing.T) {
	f := newFixture(t)
	id, err := f.inst.Create(creator, 1000, f.clock.unix+3600, "prove it")
	require.NoError(t, err)
	require.NoError(t, f.inst.ProposeAsVerifier(verifier, id))

	err = f.inst.SelectVerifier(stranger, id, verifier)
	require.ErrorIs(t, err, core.ErrNotCreator)

	err = f.inst.SelectVerifier(creator, id, stranger)
	require.ErrorIs(t, err, core.ErrNotProposed)

	require.NoError(t, f.inst.SelectVerifier(creator, id, verifier))
	c, err := f.inst.Challenge(id)
	require.NoError(t, err)
	require.Equal(t, core.StatusActive, c.Status)
	require.Equal(t, verifier, c.Verifier)
	require.Empty(t, c.Proposals) // consumed

	// Already Active: no second selection, no late proposals.
	err = f.inst.SelectVerifier(creator, id, verifier)
	require.ErrorIs(t, err, core.ErrInvalidStatus)
	err = f.inst.ProposeAsVerifier(verifier, id)
	require.ErrorIs(t, err, core.ErrInvalidStatus)
}

func TestSelectVerifierLapsedQualification(t *testing.T) {
	f := newFixture(t)
	id, err := f.inst.Create(creator, 1000, f.clock.unix+3600, "prove it")
	require.NoError(t, err)
	require.NoError(t, f.inst.ProposeAsVerifier(verifier, id))

	f.gateway.qualified[verifier] = false
	err = f.inst.SelectVerifier(creator, id, verifier)
	require.ErrorIs(t, err, core.ErrNotQualifiedVerifier)
}

func TestSubmitSolution(t *testing.T) {
	f := newFixture(t)
	id, err := f.inst.Create(creator, 1000, f.clock.unix+3600, "prove it")
	require.NoError(t, err)

	// Submissions only while Active.
	_, err = f.inst.SubmitSolution(solver, id, "ref", "uid")
	require.ErrorIs(t, err, core.ErrInvalidStatus)

	require.NoError(t, f.inst.ProposeAsVerifier(verifier, id))
	require.NoError(t, f.inst.SelectVerifier(creator, id, verifier))

	subID, err := f.inst.SubmitSolution(solver, id, "ref", "uid")
	require.NoError(t, err)
	require.Equal(t, uint64(1), subID)

	_, err = f.inst.SubmitSolution(solver, id, "ref2", "uid2")
	require.ErrorIs(t, err, core.ErrAlreadySubmitted)

	// Deadline cuts off new submissions.
	f.clock.advance(7200)
	_, err = f.inst.SubmitSolution(stranger, id, "ref", "uid")
	require.ErrorIs(t, err, core.ErrDeadlinePassed)
}

func TestSettlementVerifierFirst(t *testing.T) {
	f := newFixture(t)
	id, subID := f.createActive(t, 1000)

	require.NoError(t, f.inst.ApproveSolution(verifier, id, subID))
	require.NoError(t, f.inst.AwardSolution(creator, id, subID))

	c, err := f.inst.Challenge(id)
	require.NoError(t, err)
	require.Equal(t, core.StatusCompleted, c.Status)
	require.Equal(t, subID, c.WinningSubmission)

	// 5% of 1000 to the verifier, remainder to the winner, escrow emptied.
	require.Equal(t, uint64(950), f.balance(t, solver))
	require.Equal(t, uint64(50), f.balance(t, verifier))
	require.Equal(t, uint64(0), f.balance(t, handle))

	require.Equal(t, []repUpdate{
		{handle, solver, 950, false},
		{handle, verifier, 50, true},
	}, f.gateway.updates)
}

func TestSettlementCreatorFirst(t *testing.T) {
	f := newFixture(t)
	id, subID := f.createActive(t, 1000)

	// Creator approval alone records the bit but does not settle.
	require.NoError(t, f.inst.AwardSolution(creator, id, subID))
	c, err := f.inst.Challenge(id)
	require.NoError(t, err)
	require.Equal(t, core.StatusActive, c.Status)
	bits, err := f.inst.Approvals(id, subID)
	require.NoError(t, err)
	require.Equal(t, core.ApprovalCreator, bits)

	require.NoError(t, f.inst.ApproveSolution(verifier, id, subID))

	// Both bits set: anyone may trigger settlement.
	require.NoError(t, f.inst.AwardSolution(stranger, id, subID))
	c, err = f.inst.Challenge(id)
	require.NoError(t, err)
	require.Equal(t, core.StatusCompleted, c.Status)
	require.Equal(t, uint64(950), f.balance(t, solver))
	require.Equal(t, uint64(50), f.balance(t, verifier))
}

func TestAwardRequiresApprovals(t *testing.T) {
	f := newFixture(t)
	id, subID := f.createActive(t, 1000)

	err := f.inst.AwardSolution(stranger, id, subID)
	require.ErrorIs(t, err, core.ErrMissingApprovals)

	err = f.inst.AwardSolution(creator, id, 99)
	require.ErrorIs(t, err, core.ErrSubmissionNotFound)

	err = f.inst.ApproveSolution(stranger, id, subID)
	require.ErrorIs(t, err, core.ErrNotVerifier)

	require.NoError(t, f.inst.ApproveSolution(verifier, id, subID))
	err = f.inst.ApproveSolution(verifier, id, subID)
	require.ErrorIs(t, err, core.ErrAlreadyApproved)

	// Verifier bit alone does not settle for a non-creator caller.
	err = f.inst.AwardSolution(stranger, id, subID)
	require.ErrorIs(t, err, core.ErrMissingApprovals)
	require.Equal(t, uint64(1000), f.balance(t, handle))
}

func TestSettlementLargeReward(t *testing.T) {
	f := newFixture(t)
	// Near the uint64 ceiling: the naive reward*bps product would overflow.
	const reward = uint64(10_000_000_000_000_000_000)
	require.NoError(t, f.state.SetAccount(&core.Account{Address: creator, Balance: reward}))

	id, subID := f.createActive(t, reward)
	require.NoError(t, f.inst.ApproveSolution(verifier, id, subID))
	require.NoError(t, f.inst.AwardSolution(creator, id, subID))

	const verifierShare = uint64(500_000_000_000_000_000) // exactly 5%
	require.Equal(t, verifierShare, f.balance(t, verifier))
	require.Equal(t, reward-verifierShare, f.balance(t, solver))
	require.Equal(t, uint64(0), f.balance(t, handle))
}

func TestSettlementTinyReward(t *testing.T) {
	f := newFixture(t)
	// 5% of 19 rounds down to 0: the whole reward goes to the winner and
	// the verifier gets no scoring event.
	id, subID := f.createActive(t, 19)

	require.NoError(t, f.inst.ApproveSolution(verifier, id, subID))
	require.NoError(t, f.inst.AwardSolution(creator, id, subID))

	require.Equal(t, uint64(19), f.balance(t, solver))
	require.Equal(t, uint64(0), f.balance(t, verifier))
	require.Equal(t, []repUpdate{{handle, solver, 19, false}}, f.gateway.updates)
}

func TestCancelChallenge(t *testing.T) {
	f := newFixture(t)
	id, err := f.inst.Create(creator, 1000, f.clock.unix+3600, "prove it")
	require.NoError(t, err)

	err = f.inst.CancelChallenge(stranger, id)
	require.ErrorIs(t, err, core.ErrNotCreator)

	require.NoError(t, f.inst.CancelChallenge(creator, id))
	c, err := f.inst.Challenge(id)
	require.NoError(t, err)
	require.Equal(t, core.StatusCancelled, c.Status)
	require.Equal(t, uint64(10_000), f.balance(t, creator))
	require.Equal(t, uint64(0), f.balance(t, handle))
}

func TestCancelActiveNoSubmissions(t *testing.T) {
	f := newFixture(t)
	id, err := f.inst.Create(creator, 1000, f.clock.unix+3600, "prove it")
	require.NoError(t, err)
	require.NoError(t, f.inst.ProposeAsVerifier(verifier, id))
	require.NoError(t, f.inst.SelectVerifier(creator, id, verifier))

	require.NoError(t, f.inst.CancelChallenge(creator, id))
	require.Equal(t, uint64(10_000), f.balance(t, creator))
}

func TestCancelBlockedBySubmission(t *testing.T) {
	f := newFixture(t)
	id, _ := f.createActive(t, 1000)

	err := f.inst.CancelChallenge(creator, id)
	require.ErrorIs(t, err, core.ErrInvalidStatus)
	require.Equal(t, uint64(1000), f.balance(t, handle))
}

func TestEmergencyWithdraw(t *testing.T) {
	f := newFixture(t)
	id, _ := f.createActive(t, 1000)
	grace := config.Default().GracePeriodSeconds

	err := f.inst.EmergencyWithdraw(creator, id)
	require.ErrorIs(t, err, core.ErrGracePeriodActive)

	// Just short of deadline+grace is still locked.
	f.clock.advance(3600 + grace - 1)
	err = f.inst.EmergencyWithdraw(creator, id)
	require.ErrorIs(t, err, core.ErrGracePeriodActive)

	f.clock.advance(1)
	err = f.inst.EmergencyWithdraw(stranger, id)
	require.ErrorIs(t, err, core.ErrNotCreator)

	require.NoError(t, f.inst.EmergencyWithdraw(creator, id))
	c, err := f.inst.Challenge(id)
	require.NoError(t, err)
	require.Equal(t, core.StatusCancelled, c.Status)
	require.Equal(t, uint64(10_000), f.balance(t, creator))

	// Terminal state: no double withdraw.
	err = f.inst.EmergencyWithdraw(creator, id)
	require.ErrorIs(t, err, core.ErrInvalidStatus)
}

func TestFundConservation(t *testing.T) {
	f := newFixture(t)
	id, subID := f.createActive(t, 777)
	require.NoError(t, f.inst.ApproveSolution(verifier, id, subID))
	require.NoError(t, f.inst.AwardSolution(creator, id, subID))

	total := f.balance(t, creator) + f.balance(t, solver) +
		f.balance(t, verifier) + f.balance(t, handle)
	require.Equal(t, uint64(10_000), total)

	// Integer split: shares always sum to the reward.
	require.Equal(t, uint64(777), f.balance(t, solver)+f.balance(t, verifier))
}
