package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Balance is one account's position.
type Balance struct {
	AccountID string          `json:"accountId"`
	Available decimal.Decimal `json:"available"`
	Held      decimal.Decimal `json:"held"`
}

// Entry is one applied movement.
type Entry struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	AccountID      string          `json:"accountId"`
	CounterpartyID string          `json:"counterpartyId,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	SubjectID      string          `json:"subjectId"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotencyKey"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// MemoryLedger is an in-memory ledger for demo/development mode.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]*Balance
	entries  []*Entry
	applied  map[string]*Entry // idempotency key -> first result
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]*Balance),
		applied:  make(map[string]*Entry),
	}
}

// Deposit credits an account's available balance.
func (m *MemoryLedger) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.account(accountID)
	bal.Available = bal.Available.Add(amount)
	return nil
}

// GetBalance returns a copy of the account's balance. Unknown accounts are zero.
func (m *MemoryLedger) GetBalance(ctx context.Context, accountID string) Balance {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bal, ok := m.balances[accountID]; ok {
		return *bal
	}
	return Balance{AccountID: accountID}
}

// Entries returns the journal in the order movements were applied.
func (m *MemoryLedger) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, len(m.entries))
	for i, e := range m.entries {
		out[i] = *e
	}
	return out
}

func (m *MemoryLedger) HoldFunds(ctx context.Context, ownerID string, amount decimal.Decimal, subjectID, reason, idempotencyKey string) (string, error) {
	e, err := m.apply(idempotencyKey, &Entry{
		Type: EntryHold, AccountID: ownerID, Amount: amount, SubjectID: subjectID, Reason: reason,
	}, func() error {
		bal := m.account(ownerID)
		if bal.Available.LessThan(amount) {
			return fmt.Errorf("%w: available %s, need %s", ErrInsufficientFunds, bal.Available, amount)
		}
		bal.Available = bal.Available.Sub(amount)
		bal.Held = bal.Held.Add(amount)
		return nil
	})
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

func (m *MemoryLedger) CompleteEscrowTransfer(ctx context.Context, fromID, toID string, amount decimal.Decimal, subjectID, reason, idempotencyKey string) error {
	_, err := m.apply(idempotencyKey, &Entry{
		Type: EntryTransfer, AccountID: fromID, CounterpartyID: toID, Amount: amount, SubjectID: subjectID, Reason: reason,
	}, func() error {
		from := m.account(fromID)
		if from.Held.LessThan(amount) {
			return ErrInsufficientHeld
		}
		to := m.account(toID)
		from.Held = from.Held.Sub(amount)
		to.Available = to.Available.Add(amount)
		return nil
	})
	return err
}

func (m *MemoryLedger) RefundHeldFunds(ctx context.Context, ownerID string, amount decimal.Decimal, subjectID, reason, idempotencyKey string) error {
	_, err := m.apply(idempotencyKey, &Entry{
		Type: EntryRefund, AccountID: ownerID, Amount: amount, SubjectID: subjectID, Reason: reason,
	}, func() error {
		bal := m.account(ownerID)
		if bal.Held.LessThan(amount) {
			return ErrInsufficientHeld
		}
		bal.Held = bal.Held.Sub(amount)
		bal.Available = bal.Available.Add(amount)
		return nil
	})
	return err
}

// apply runs move once per idempotency key. A replayed key returns the entry
// recorded the first time; a failed move records nothing, so it may be retried.
func (m *MemoryLedger) apply(idempotencyKey string, e *Entry, move func() error) (*Entry, error) {
	if !e.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if idempotencyKey != "" {
		if prev, ok := m.applied[idempotencyKey]; ok {
			return prev, nil
		}
	}
	if err := move(); err != nil {
		return nil, err
	}

	e.ID = "ltx_" + uuid.NewString()
	e.IdempotencyKey = idempotencyKey
	e.CreatedAt = time.Now().UTC()
	m.entries = append(m.entries, e)
	if idempotencyKey != "" {
		m.applied[idempotencyKey] = e
	}
	return e, nil
}

// account must be called with m.mu held.
func (m *MemoryLedger) account(id string) *Balance {
	bal, ok := m.balances[id]
	if !ok {
		bal = &Balance{AccountID: id}
		m.balances[id] = bal
	}
	return bal
}
