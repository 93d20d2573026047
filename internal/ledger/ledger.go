// Package ledger talks to the wallet service that owns user balances.
//
// Client is the production HTTP client. MemoryLedger is an in-process
// stand-in for demo mode and tests; it keeps available and held balances per
// account and honours idempotency keys the same way the real service does.
package ledger

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInsufficientHeld  = errors.New("held balance too low for this movement")
	ErrInvalidAmount     = errors.New("amount must be greater than zero")
	ErrUnavailable       = errors.New("ledger unavailable")
	ErrMissingReference  = errors.New("ledger response has no transaction reference")
)

// Refused reports whether err proves the ledger did not apply the movement:
// a business refusal, an open circuit (no request was sent) or a 4xx answer
// other than a timeout. Transport errors, 5xx answers and 2xx answers
// without a reference leave the outcome unknown.
func Refused(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInsufficientHeld),
		errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrUnavailable):
		return true
	}
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.Status >= 400 && serr.Status < 500 && serr.Status != http.StatusRequestTimeout
	}
	return false
}

// StatusError is a non-2xx response from the ledger service.
type StatusError struct {
	Op     string
	Status int
	Code   string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("ledger %s: HTTP %d (%s)", e.Op, e.Status, e.Code)
	}
	return fmt.Sprintf("ledger %s: HTTP %d", e.Op, e.Status)
}

// Movement types recorded in the journal.
const (
	EntryHold     = "hold"
	EntryTransfer = "transfer"
	EntryRefund   = "refund"
)
