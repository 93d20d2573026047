package rewardhold

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ledgerCall struct {
	op      string
	from    string
	to      string
	amount  decimal.Decimal
	subject string
	reason  string
	key     string
	ctxErr  error
}

// fakeLedger records every call and can be told to fail or stall.
type fakeLedger struct {
	mu          sync.Mutex
	calls       []ledgerCall
	holdErr     error
	transferErr error
	refundErr   error
	delay       time.Duration
	// onHold runs after every successful HoldFunds.
	onHold func()
	// flakyHolds fails this many HoldFunds calls with errLedgerDown before
	// holdErr applies.
	flakyHolds int
}

func (f *fakeLedger) record(ctx context.Context, c ledgerCall, err error) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	c.ctxErr = ctx.Err()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return err
}

func (f *fakeLedger) HoldFunds(ctx context.Context, ownerID string, amount decimal.Decimal, subjectID, reason, key string) (string, error) {
	f.mu.Lock()
	err := f.holdErr
	if f.flakyHolds > 0 {
		f.flakyHolds--
		err = errLedgerDown
	}
	f.mu.Unlock()
	c := ledgerCall{op: "hold", from: ownerID, amount: amount, subject: subjectID, reason: reason, key: key}
	if err := f.record(ctx, c, err); err != nil {
		return "", err
	}
	if f.onHold != nil {
		f.onHold()
	}
	return "ltx-" + key, nil
}

func (f *fakeLedger) CompleteEscrowTransfer(ctx context.Context, fromID, toID string, amount decimal.Decimal, subjectID, reason, key string) error {
	f.mu.Lock()
	err := f.transferErr
	f.mu.Unlock()
	return f.record(ctx, ledgerCall{op: "transfer", from: fromID, to: toID, amount: amount, subject: subjectID, reason: reason, key: key}, err)
}

func (f *fakeLedger) RefundHeldFunds(ctx context.Context, ownerID string, amount decimal.Decimal, subjectID, reason, key string) error {
	f.mu.Lock()
	err := f.refundErr
	f.mu.Unlock()
	return f.record(ctx, ledgerCall{op: "refund", from: ownerID, amount: amount, subject: subjectID, reason: reason, key: key}, err)
}

func (f *fakeLedger) setErrors(hold, transfer, refund error) {
	f.mu.Lock()
	f.holdErr, f.transferErr, f.refundErr = hold, transfer, refund
	f.mu.Unlock()
}

func (f *fakeLedger) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

func (f *fakeLedger) last(op string) ledgerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].op == op {
			return f.calls[i]
		}
	}
	return ledgerCall{}
}

type fakeListings struct {
	mu       sync.Mutex
	listings map[string]*Listing
	err      error
}

func newFakeListings() *fakeListings {
	return &fakeListings{listings: make(map[string]*Listing)}
}

func (f *fakeListings) add(ownerID, reward string) string {
	id := uuid.NewString()
	f.mu.Lock()
	f.listings[id] = &Listing{ID: id, OwnerID: ownerID, RewardAmount: decimal.RequireFromString(reward)}
	f.mu.Unlock()
	return id
}

func (f *fakeListings) GetListing(ctx context.Context, id string) (*Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	l, ok := f.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

// failingStore fails Create and passes everything else through.
type failingStore struct {
	*MemoryStore
	createErr error
}

func (f *failingStore) Create(ctx context.Context, h *RewardHold) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.MemoryStore.Create(ctx, h)
}

var errLedgerDown = errors.New("connection refused")

type fixture struct {
	svc      *Service
	store    *MemoryStore
	ledger   *fakeLedger
	listings *fakeListings
	founder  string
	claimer  string
	clock    *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    NewMemoryStore(),
		ledger:   &fakeLedger{},
		listings: newFakeListings(),
		founder:  uuid.NewString(),
		claimer:  uuid.NewString(),
		clock:    &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
	}
	f.svc = NewService(f.store, f.ledger, f.listings).
		WithLogger(quietLogger()).
		WithClock(f.clock.Now).
		WithCodeGenerator(func() string { return "4821" }).
		WithHoldRetry(3, time.Millisecond)
	return f
}

// pendingHold creates a hold on a fresh listing with the given reward.
func (f *fixture) pendingHold(t *testing.T, reward string) *RewardHold {
	t.Helper()
	listingID := f.listings.add(f.founder, reward)
	h, err := f.svc.CreateHold(context.Background(), f.founder, listingID)
	if err != nil {
		t.Fatalf("CreateHold: %v", err)
	}
	return h
}

// claimedHold creates a hold and assigns the fixture's claimer.
func (f *fixture) claimedHold(t *testing.T, reward string) *RewardHold {
	t.Helper()
	h := f.pendingHold(t, reward)
	h, err := f.svc.AssignClaimer(context.Background(), h.ID, f.claimer)
	if err != nil {
		t.Fatalf("AssignClaimer: %v", err)
	}
	return h
}
