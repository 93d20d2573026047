package rewardhold

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidID              = errors.New("invalid identifier")
	ErrInvalidAmount          = errors.New("reward amount must be greater than zero")
	ErrSelfClaim              = errors.New("founder cannot claim their own reward")
	ErrNotListingOwner        = errors.New("caller does not own this listing")
	ErrListingNotFound        = errors.New("listing not found")
	ErrHoldNotFound           = errors.New("reward hold not found")
	ErrAlreadyResolved        = errors.New("reward hold already resolved")
	ErrClaimerAlreadyAssigned = errors.New("reward hold already has a claimer")
	ErrNoClaimer              = errors.New("reward hold has no claimer assigned")
	ErrCodeMismatch           = errors.New("delivery code does not match")
	ErrLedgerUnavailable      = errors.New("ledger call failed")
	ErrLedgerRefused          = errors.New("ledger declined the movement")

	// ErrInsufficientFunds is wrapped by Ledger implementations when the
	// founder's available balance cannot cover the reward. It arrives inside
	// a LedgerError, so its Kind is still KindCollaborator.
	ErrInsufficientFunds = errors.New("insufficient funds for reward")
)

// Kind groups errors by how a caller should react to them.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindMissingPrecondition Kind = "missing_precondition"
	KindVerification        Kind = "verification_failed"
	KindCollaborator        Kind = "collaborator_failure"
	KindInternal            Kind = "internal"
)

// Retryable reports whether repeating the same request can succeed without
// the caller changing anything.
func (k Kind) Retryable() bool {
	return k == KindCollaborator
}

// LedgerError wraps a failed ledger call. The hold it concerns is still
// pending when this is returned.
type LedgerError struct {
	Op     string
	HoldID string
	Err    error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger %s for hold %s: %v", e.Op, e.HoldID, e.Err)
}

func (e *LedgerError) Unwrap() []error { return []error{ErrLedgerUnavailable, e.Err} }

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidID), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrSelfClaim):
		return KindInvalidInput
	case errors.Is(err, ErrNotListingOwner):
		return KindForbidden
	case errors.Is(err, ErrListingNotFound), errors.Is(err, ErrHoldNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrClaimerAlreadyAssigned):
		return KindConflict
	case errors.Is(err, ErrNoClaimer):
		return KindMissingPrecondition
	case errors.Is(err, ErrCodeMismatch):
		return KindVerification
	case errors.Is(err, ErrLedgerUnavailable), errors.Is(err, ErrLedgerRefused):
		return KindCollaborator
	}
	return KindInternal
}
