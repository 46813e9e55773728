package core

import "errors"

// ErrNotFound is returned when a requested object does not exist in storage.
var ErrNotFound = errors.New("not found")

// Input validation errors. Reported immediately, no state change.
var (
	ErrInvalidUser        = errors.New("invalid user address")
	ErrInvalidAmount      = errors.New("amount must be > 0")
	ErrInvalidAddress     = errors.New("invalid address")
	ErrLengthMismatch     = errors.New("input array lengths differ")
	ErrExcessiveLimit     = errors.New("leaderboard limit exceeds capacity")
	ErrExcessiveQuerySize = errors.New("query limit exceeds maximum page size")
	ErrIndexOutOfBounds   = errors.New("query offset beyond total deployed")
	ErrZeroReward         = errors.New("reward amount must be > 0")
	ErrDeadlineInPast     = errors.New("deadline must be in the future")
	ErrDescriptionTooLong = errors.New("description exceeds maximum length")
)

// State/precondition errors.
var (
	ErrInvalidStatus      = errors.New("challenge is in the wrong lifecycle state")
	ErrDeadlinePassed     = errors.New("challenge deadline has passed")
	ErrNotProposed        = errors.New("address never proposed as verifier")
	ErrMissingApprovals   = errors.New("settlement requires both verifier and creator approval")
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrChallengeNotFound  = errors.New("challenge not found")
	ErrUnknownInstance    = errors.New("instance not deployed by this registry")
	ErrLedgerNotSet       = errors.New("reputation ledger not configured")
	ErrGracePeriodActive  = errors.New("emergency grace period has not elapsed")
)

// Authorization errors.
var (
	ErrNotCreator           = errors.New("caller is not the challenge creator")
	ErrNotVerifier          = errors.New("caller is not the selected verifier")
	ErrNotQualifiedVerifier = errors.New("caller does not meet the verifier threshold")
	ErrNotAuthorizedCaller  = errors.New("caller is not an authorized instance")
)

// Idempotency-violation errors.
var (
	ErrAlreadyProposed  = errors.New("verifier already proposed")
	ErrAlreadySubmitted = errors.New("solver already submitted to this challenge")
	ErrAlreadyApproved  = errors.New("approval already recorded")
	ErrAlreadySet       = errors.New("one-time field already set")
	ErrInstanceExists   = errors.New("instance already deployed for this deployer and salt")
)

// Fund-custody errors.
var ErrInsufficientFunds = errors.New("insufficient balance")
