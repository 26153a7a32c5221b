package database

import "errors"

// Domain errors surfaced by the transactional store guards. The state machine
// re-exports these to callers; input-validation failures never mutate state.
var (
	ErrInvalidConfig      = errors.New("invalid run config")
	ErrSingleRunViolation = errors.New("another run is already in progress")
	ErrRunNotFound        = errors.New("run not found")
	ErrLobbyFull          = errors.New("lobby is full")
	ErrLobbyClosed        = errors.New("lobby is closed")
	ErrDepositOutOfRange  = errors.New("deposit out of range")
	ErrAlreadyJoined      = errors.New("user already joined")
	ErrNotParticipant     = errors.New("user is not a participant")
	ErrVoteWindowClosed   = errors.New("vote window closed")
	ErrDuplicateVote      = errors.New("vote already cast for this round")
	ErrNotWithdrawable    = errors.New("run not settled, withdrawals blocked")
	ErrInvariantViolation = errors.New("state invariant violation")
)
