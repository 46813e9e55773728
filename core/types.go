package core

// Account holds a participant's token balance.
// Address is a 40-char hex string derived from an ed25519 public key.
// Escrow instances hold custodied funds on their own account, keyed by the
// instance handle.
type Account struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
}

// ReputationRecord is a participant's cumulative score across all roles.
// Created lazily on the first scoring event and never deleted.
type ReputationRecord struct {
	Address          string `json:"address"`
	TotalPoints      uint64 `json:"total_points"`
	ChallengeCount   uint64 `json:"challenge_count"`
	LastUpdateHeight uint64 `json:"last_update_height"` // ledger sequence, not wall-clock
	VerifierPoints   uint64 `json:"verifier_points"`
	WinnerCount      uint64 `json:"winner_count"`
	VerifierCount    uint64 `json:"verifier_count"`
}

// LeaderboardEntry pairs an address with its cached point total inside the
// bounded leaderboard.
type LeaderboardEntry struct {
	Address string `json:"address"`
	Points  uint64 `json:"points"`
}

// ReputationMeta is the ledger's global state: user count, the qualification
// threshold with its recompute throttle marker, the bounded leaderboard, and
// the points-distribution histogram (points total → number of users).
type ReputationMeta struct {
	TotalUsers         uint64             `json:"total_users"`
	Threshold          uint64             `json:"threshold"`
	LastThresholdCount uint64             `json:"last_threshold_count"`
	Height             uint64             `json:"height"` // monotonic update sequence
	Leaderboard        []LeaderboardEntry `json:"leaderboard"`
	Distribution       map[uint64]uint64  `json:"distribution"`
}

// ChallengeStatus is the lifecycle state of a challenge.
type ChallengeStatus string

const (
	StatusOpen      ChallengeStatus = "open"
	StatusActive    ChallengeStatus = "active"
	StatusCompleted ChallengeStatus = "completed"
	StatusCancelled ChallengeStatus = "cancelled"
)

// Approval bitmap bits. Settlement requires both.
const (
	ApprovalVerifier uint8 = 1 << 0
	ApprovalCreator  uint8 = 1 << 1
	ApprovalBoth           = ApprovalVerifier | ApprovalCreator
)

// Submission records a solver's solution for a challenge. SolutionRef is an
// opaque hash/URI; ExternalUID correlates to off-chain stored content and is
// never interpreted by the core.
type Submission struct {
	ID          uint64 `json:"id"`
	Solver      string `json:"solver"`
	SubmittedAt int64  `json:"submitted_at"`
	SolutionRef string `json:"solution_ref"`
	ExternalUID string `json:"external_uid"`
}

// Challenge is one escrowed challenge owned by a ChallengeInstance.
// Submissions, approval bits, and verifier proposals are embedded so every
// lifecycle operation mutates a single state entry.
type Challenge struct {
	ID                uint64           `json:"id"`
	Creator           string           `json:"creator"`
	Status            ChallengeStatus  `json:"status"`
	Deadline          int64            `json:"deadline"` // unix seconds
	RewardAmount      uint64           `json:"reward_amount"`
	Description       string           `json:"description"`
	Verifier          string           `json:"verifier,omitempty"`
	SubmissionCount   uint64           `json:"submission_count"`
	WinningSubmission uint64           `json:"winning_submission,omitempty"` // 0 = none
	CreatedAt         int64            `json:"created_at"`
	Submissions       []Submission     `json:"submissions,omitempty"`
	Approvals         map[uint64]uint8 `json:"approvals,omitempty"` // submission id → bits
	Proposals         []string         `json:"proposals,omitempty"` // verifier candidates, insertion order
}

// Submission returns the submission with the given id, or nil.
func (c *Challenge) Submission(id uint64) *Submission {
	for i := range c.Submissions {
		if c.Submissions[i].ID == id {
			return &c.Submissions[i]
		}
	}
	return nil
}

// HasSubmitted reports whether solver already has a submission here.
func (c *Challenge) HasSubmitted(solver string) bool {
	for i := range c.Submissions {
		if c.Submissions[i].Solver == solver {
			return true
		}
	}
	return false
}

// HasProposed reports whether addr already proposed to verify this challenge.
func (c *Challenge) HasProposed(addr string) bool {
	for _, p := range c.Proposals {
		if p == addr {
			return true
		}
	}
	return false
}

// InstanceRecord is the persisted identity of a deployed ChallengeInstance.
// ChallengeCount doubles as the next challenge id source.
type InstanceRecord struct {
	Handle         string `json:"handle"`
	Deployer       string `json:"deployer"`
	Salt           string `json:"salt"`
	DeployedAt     int64  `json:"deployed_at"`
	ChallengeCount uint64 `json:"challenge_count"`
}

// RegistryRecord tracks the fleet of deployed instances: deployment order,
// a reverse index to the deployer, and per-deployer lists.
type RegistryRecord struct {
	Handles   []string            `json:"handles"`
	Deployers map[string]string   `json:"deployers"`  // handle → deployer
	ByCreator map[string][]string `json:"by_creator"` // deployer → handles
}

// Deployed reports whether handle belongs to a registry-deployed instance.
func (r *RegistryRecord) Deployed(handle string) bool {
	_, ok := r.Deployers[handle]
	return ok
}
