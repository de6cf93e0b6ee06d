package pool

import (
	"errors"

	"shieldpool/internal/merkle"
)

var (
	// ErrCapacityExceeded is returned when the outputs do not fit in the tree. Not retryable.
	ErrCapacityExceeded = merkle.ErrCapacityExceeded

	// ErrUnknownRoot is returned for a root that is neither current nor in the history window.
	// The caller should refresh its snapshot and prove again.
	ErrUnknownRoot = errors.New("pool: unknown merkle root")

	// ErrAlreadySpent is returned when an input nullifier was already accepted.
	ErrAlreadySpent = errors.New("pool: input is already spent")

	ErrInvalidProof = errors.New("pool: invalid transaction proof")

	// ErrAmountMismatch is returned when the custody movement disagrees with the proven amounts.
	ErrAmountMismatch = errors.New("pool: amount does not match proof")

	ErrMalformedTransaction = errors.New("pool: malformed transaction")
	ErrExtDataHash          = errors.New("pool: incorrect external data hash")
	ErrAmountOutOfRange     = errors.New("pool: amount out of range")

	// ErrPoolHalted is returned after a persistence failure left custody and ledger out of step.
	ErrPoolHalted = errors.New("pool: halted after storage failure")
)

// Retryable reports whether err is resolved by proving again against a fresher root.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnknownRoot)
}

// rejectReason is the metrics label of a rejection.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity"
	case errors.Is(err, ErrUnknownRoot):
		return "unknown_root"
	case errors.Is(err, ErrAlreadySpent):
		return "already_spent"
	case errors.Is(err, ErrInvalidProof):
		return "invalid_proof"
	case errors.Is(err, ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, ErrExtDataHash):
		return "ext_data_hash"
	case errors.Is(err, ErrAmountOutOfRange):
		return "amount_range"
	case errors.Is(err, ErrMalformedTransaction):
		return "malformed"
	case errors.Is(err, ErrPoolHalted):
		return "halted"
	default:
		return "other"
	}
}
