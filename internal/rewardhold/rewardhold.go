// Package rewardhold escrows the reward a founder attaches to a lost & found
// listing (a "maarouf").
//
// Flow:
//  1. Founder creates a hold → ledger moves the reward: available → held
//  2. Founder names the claimer who found the item
//  3. At handoff the claimer enters the delivery code (or the founder
//     releases directly) → ledger moves held → claimer
//  4. Founder refunds instead → ledger moves held → founder's available
//
// A hold leaves pending exactly once. The ledger call for a transition always
// happens before the status is written, so a failed call leaves the hold
// pending and safe to retry.
package rewardhold

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/rewardescrow/internal/idgen"
	"github.com/mbd888/rewardescrow/internal/logging"
	"github.com/mbd888/rewardescrow/internal/metrics"
	"github.com/mbd888/rewardescrow/internal/retry"
	"github.com/mbd888/rewardescrow/internal/traces"
	"github.com/mbd888/rewardescrow/internal/validation"
)

// Status represents the state of a reward hold.
type Status string

const (
	StatusPending  Status = "pending"  // Funds held, awaiting release or refund
	StatusReleased Status = "released" // Funds paid to the claimer
	StatusRefunded Status = "refunded" // Funds returned to the founder
)

const (
	defaultHoldAttempts   = 3
	defaultHoldRetryDelay = 200 * time.Millisecond
	compensateTimeout     = 10 * time.Second
)

// Ledger reasons passed alongside every movement.
const (
	ReasonReward       = "reward"
	ReasonRewardRefund = "reward_refund"
)

// RewardHold is the audit record of one escrowed reward.
type RewardHold struct {
	ID           string          `json:"id"`
	FounderID    string          `json:"founderId"`
	ClaimerID    string          `json:"claimerId,omitempty"`
	ListingID    string          `json:"listingId"`
	Amount       decimal.Decimal `json:"amount"`
	Status       Status          `json:"status"`
	LedgerTxRef  string          `json:"ledgerTxRef"`
	DeliveryCode string          `json:"-"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	ResolvedAt   *time.Time      `json:"resolvedAt,omitempty"`
}

// IsTerminal returns true if the hold has been released or refunded.
func (h *RewardHold) IsTerminal() bool {
	return h.Status == StatusReleased || h.Status == StatusRefunded
}

func (h *RewardHold) clone() *RewardHold {
	cp := *h
	if h.ResolvedAt != nil {
		t := *h.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Listing is the slice of a lost & found listing the escrow needs.
type Listing struct {
	ID           string
	OwnerID      string
	RewardAmount decimal.Decimal
}

// ListingLookup resolves listings. Implementations return ErrListingNotFound
// for unknown ids.
type ListingLookup interface {
	GetListing(ctx context.Context, listingID string) (*Listing, error)
}

// Ledger moves the money. Every call carries an idempotency key that is
// stable per hold transition, so a repeated call for the same transition is
// applied at most once by the ledger. Errors for movements the ledger
// declined wrap ErrLedgerRefused or ErrInsufficientFunds; any other error
// means the movement may have been applied.
type Ledger interface {
	HoldFunds(ctx context.Context, ownerID string, amount decimal.Decimal, subjectID, reason, idempotencyKey string) (string, error)
	CompleteEscrowTransfer(ctx context.Context, fromID, toID string, amount decimal.Decimal, subjectID, reason, idempotencyKey string) error
	RefundHeldFunds(ctx context.Context, ownerID string, amount decimal.Decimal, subjectID, reason, idempotencyKey string) error
}

// MutateFunc inspects and changes a freshly loaded hold. Returning an error
// aborts the mutation and nothing is written.
type MutateFunc func(ctx context.Context, h *RewardHold) error

// Store persists reward holds.
type Store interface {
	Create(ctx context.Context, h *RewardHold) error
	Get(ctx context.Context, id string) (*RewardHold, error)
	// Mutate locks the hold, runs fn on a copy and writes the copy back only
	// if the stored status still equals the status fn observed and the stored
	// claimer is empty or unchanged. A failed condition is ErrAlreadyResolved.
	Mutate(ctx context.Context, id string, fn MutateFunc) (*RewardHold, error)
	// ListByListing returns every hold for a listing, newest first.
	ListByListing(ctx context.Context, listingID string) ([]*RewardHold, error)
	// ListPendingBefore returns pending holds created before the cutoff,
	// oldest first. limit <= 0 means no limit.
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*RewardHold, error)
}

// Service implements the reward escrow state machine.
type Service struct {
	store    Store
	ledger   Ledger
	listings ListingLookup
	logger   *slog.Logger
	now      func() time.Time
	newCode  func() string

	holdAttempts   int
	holdRetryDelay time.Duration
}

// NewService creates a new reward hold service.
func NewService(store Store, ledger Ledger, listings ListingLookup) *Service {
	return &Service{
		store:    store,
		ledger:   ledger,
		listings: listings,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		newCode:  idgen.DeliveryCode,

		holdAttempts:   defaultHoldAttempts,
		holdRetryDelay: defaultHoldRetryDelay,
	}
}

// WithLogger sets the fallback logger used when the context carries none.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithCodeGenerator overrides delivery code generation.
func (s *Service) WithCodeGenerator(gen func() string) *Service {
	s.newCode = gen
	return s
}

// WithHoldRetry sets how often CreateHold repeats a hold whose outcome is
// unknown before giving up and refunding it.
func (s *Service) WithHoldRetry(attempts int, delay time.Duration) *Service {
	s.holdAttempts = attempts
	s.holdRetryDelay = delay
	return s
}

// CreateHold escrows the reward of listingID out of the founder's balance.
func (s *Service) CreateHold(ctx context.Context, founderID, listingID string) (*RewardHold, error) {
	ctx, span := traces.StartSpan(ctx, "rewardhold.CreateHold",
		traces.UserID(founderID), traces.ListingID(listingID))
	defer span.End()

	founderID, ok1 := validation.NormalizeID(founderID)
	listingID, ok2 := validation.NormalizeID(listingID)
	if !ok1 || !ok2 {
		return nil, s.reject(ctx, "create", "", ErrInvalidID)
	}

	listing, err := s.listings.GetListing(ctx, listingID)
	if err != nil {
		if errors.Is(err, ErrListingNotFound) {
			return nil, s.reject(ctx, "create", "", err)
		}
		return nil, fmt.Errorf("look up listing %s: %w", listingID, err)
	}
	owner, _ := validation.NormalizeID(listing.OwnerID)
	if owner != founderID {
		return nil, s.reject(ctx, "create", "", ErrNotListingOwner)
	}
	if !listing.RewardAmount.IsPositive() {
		return nil, s.reject(ctx, "create", "", ErrInvalidAmount)
	}

	now := s.now()
	hold := &RewardHold{
		ID:           idgen.New(),
		FounderID:    founderID,
		ListingID:    listingID,
		Amount:       listing.RewardAmount,
		Status:       StatusPending,
		DeliveryCode: s.newCode(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	span.SetAttributes(traces.HoldID(hold.ID), traces.Amount(hold.Amount.String()))

	// Every attempt reuses the hold's key, so a hold that was applied but
	// whose answer got lost is replayed by the ledger instead of doubled.
	err = s.ledgerCall(ctx, "hold", hold.ID, func(ctx context.Context) error {
		return retry.Do(ctx, s.holdAttempts, s.holdRetryDelay, func() error {
			ref, err := s.ledger.HoldFunds(ctx, founderID, hold.Amount, listingID, ReasonReward, idempotencyKey(hold.ID, "hold"))
			if err != nil {
				if ledgerRefused(err) {
					return retry.Permanent(err)
				}
				return err
			}
			hold.LedgerTxRef = ref
			return nil
		})
	})
	if err != nil {
		span.SetStatus(codes.Error, "ledger hold failed")
		if !ledgerRefused(err) {
			// The hold may have been applied; undo it before reporting.
			s.compensateHold(ctx, hold, err)
		}
		return nil, s.reject(ctx, "create", hold.ID, err)
	}

	if err := s.store.Create(ctx, hold); err != nil {
		// Funds are held with no record pointing at them; give them back.
		s.compensateHold(ctx, hold, err)
		return nil, fmt.Errorf("persist reward hold: %w", err)
	}

	metrics.RewardHoldsCreatedTotal.Inc()
	s.log(ctx).Info("reward hold created",
		"holdId", hold.ID, "listingId", listingID, "founder", founderID,
		"amount", hold.Amount.String(), "ledgerTxRef", hold.LedgerTxRef)

	return hold.clone(), nil
}

// AssignClaimer names the party that will receive the reward. No funds move.
// Assigning the already assigned claimer again succeeds without change.
func (s *Service) AssignClaimer(ctx context.Context, holdID, claimerID string) (*RewardHold, error) {
	ctx, span := traces.StartSpan(ctx, "rewardhold.AssignClaimer",
		traces.HoldID(holdID), traces.UserID(claimerID))
	defer span.End()

	holdID, ok1 := validation.NormalizeID(holdID)
	claimerID, ok2 := validation.NormalizeID(claimerID)
	if !ok1 || !ok2 {
		return nil, s.reject(ctx, "assign_claimer", holdID, ErrInvalidID)
	}

	hold, err := s.store.Mutate(ctx, holdID, func(_ context.Context, h *RewardHold) error {
		if h.IsTerminal() {
			return ErrAlreadyResolved
		}
		if h.FounderID == claimerID {
			return ErrSelfClaim
		}
		if h.ClaimerID != "" && h.ClaimerID != claimerID {
			return ErrClaimerAlreadyAssigned
		}
		h.ClaimerID = claimerID
		h.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, s.reject(ctx, "assign_claimer", holdID, err)
	}

	s.log(ctx).Info("reward hold claimer assigned", "holdId", holdID, "claimer", claimerID)
	return hold, nil
}

// ReleaseHold pays the held reward to the assigned claimer.
func (s *Service) ReleaseHold(ctx context.Context, holdID string) (*RewardHold, error) {
	ctx, span := traces.StartSpan(ctx, "rewardhold.ReleaseHold", traces.HoldID(holdID))
	defer span.End()

	return s.release(ctx, "release", holdID, nil)
}

// VerifyCodeAndRelease releases the hold if code matches its delivery code.
// A wrong code changes nothing and never reaches the ledger.
func (s *Service) VerifyCodeAndRelease(ctx context.Context, holdID, code string) (*RewardHold, error) {
	ctx, span := traces.StartSpan(ctx, "rewardhold.VerifyCodeAndRelease", traces.HoldID(holdID))
	defer span.End()

	hold, err := s.release(ctx, "verify_release", holdID, func(h *RewardHold) error {
		if subtle.ConstantTimeCompare([]byte(h.DeliveryCode), []byte(code)) != 1 {
			return ErrCodeMismatch
		}
		return nil
	})
	if errors.Is(err, ErrCodeMismatch) {
		metrics.VerifyFailuresTotal.Inc()
	}
	return hold, err
}

// RefundHold returns the held reward to the founder. A claimer is not needed.
func (s *Service) RefundHold(ctx context.Context, holdID string) (*RewardHold, error) {
	ctx, span := traces.StartSpan(ctx, "rewardhold.RefundHold", traces.HoldID(holdID))
	defer span.End()

	holdID, ok := validation.NormalizeID(holdID)
	if !ok {
		return nil, s.reject(ctx, "refund", holdID, ErrInvalidID)
	}

	var fundsMoved bool
	hold, err := s.store.Mutate(ctx, holdID, func(ctx context.Context, h *RewardHold) error {
		if h.IsTerminal() {
			return ErrAlreadyResolved
		}
		err := s.ledgerCall(ctx, "refund", h.ID, func(ctx context.Context) error {
			return s.ledger.RefundHeldFunds(ctx, h.FounderID, h.Amount, h.ListingID, ReasonRewardRefund, idempotencyKey(h.ID, "refund"))
		})
		if err != nil {
			return err
		}
		fundsMoved = true
		s.resolve(h, StatusRefunded)
		return nil
	})
	if err != nil {
		return nil, s.transitionFailed(ctx, "refund", holdID, fundsMoved, err)
	}

	s.resolved(ctx, hold)
	return hold, nil
}

// GetHold returns a hold by ID.
func (s *Service) GetHold(ctx context.Context, holdID string) (*RewardHold, error) {
	holdID, ok := validation.NormalizeID(holdID)
	if !ok {
		return nil, ErrInvalidID
	}
	return s.store.Get(ctx, holdID)
}

// ListByMaarouf returns every hold created for a listing, newest first.
func (s *Service) ListByMaarouf(ctx context.Context, listingID string) ([]*RewardHold, error) {
	listingID, ok := validation.NormalizeID(listingID)
	if !ok {
		return nil, ErrInvalidID
	}
	return s.store.ListByListing(ctx, listingID)
}

func (s *Service) release(ctx context.Context, op, holdID string, gate func(*RewardHold) error) (*RewardHold, error) {
	holdID, ok := validation.NormalizeID(holdID)
	if !ok {
		return nil, s.reject(ctx, op, holdID, ErrInvalidID)
	}

	var fundsMoved bool
	hold, err := s.store.Mutate(ctx, holdID, func(ctx context.Context, h *RewardHold) error {
		if h.IsTerminal() {
			return ErrAlreadyResolved
		}
		if h.ClaimerID == "" {
			return ErrNoClaimer
		}
		if gate != nil {
			if err := gate(h); err != nil {
				return err
			}
		}
		err := s.ledgerCall(ctx, "transfer", h.ID, func(ctx context.Context) error {
			return s.ledger.CompleteEscrowTransfer(ctx, h.FounderID, h.ClaimerID, h.Amount, h.ListingID, ReasonReward, idempotencyKey(h.ID, "release"))
		})
		if err != nil {
			return err
		}
		fundsMoved = true
		s.resolve(h, StatusReleased)
		return nil
	})
	if err != nil {
		return nil, s.transitionFailed(ctx, op, holdID, fundsMoved, err)
	}

	s.resolved(ctx, hold)
	return hold, nil
}

func (s *Service) resolve(h *RewardHold, status Status) {
	now := s.now()
	h.Status = status
	h.ResolvedAt = &now
	h.UpdatedAt = now
}

func (s *Service) resolved(ctx context.Context, h *RewardHold) {
	metrics.RewardHoldsResolvedTotal.WithLabelValues(string(h.Status)).Inc()
	if h.ResolvedAt != nil {
		metrics.RewardHoldTimeToResolution.Observe(h.ResolvedAt.Sub(h.CreatedAt).Seconds())
	}
	s.log(ctx).Info("reward hold resolved",
		"holdId", h.ID, "status", h.Status, "founder", h.FounderID,
		"claimer", h.ClaimerID, "amount", h.Amount.String())
}

// transitionFailed reports a failed transition. When the ledger already moved
// the funds the status write is what failed; retrying the same transition is
// safe because the ledger de-duplicates on the idempotency key.
func (s *Service) transitionFailed(ctx context.Context, op, holdID string, fundsMoved bool, err error) error {
	if !fundsMoved {
		return s.reject(ctx, op, holdID, err)
	}
	s.log(ctx).Error("ledger applied transition but hold status not persisted",
		"critical", true, "op", op, "holdId", holdID, "error", err)
	return fmt.Errorf("persist %s of hold %s after ledger success (retry the same request): %w", op, holdID, err)
}

// reject records a refused operation and passes err through unchanged.
func (s *Service) reject(ctx context.Context, op, holdID string, err error) error {
	kind := KindOf(err)
	switch kind {
	case KindInternal:
		return err
	case KindCollaborator:
		s.log(ctx).Warn("ledger call failed, hold left pending", "op", op, "holdId", holdID, "error", err)
	default:
		s.log(ctx).Debug("reward hold operation rejected", "op", op, "holdId", holdID, "kind", kind, "error", err)
	}
	metrics.RewardHoldsRejectedTotal.WithLabelValues(string(kind)).Inc()
	return err
}

func (s *Service) ledgerCall(ctx context.Context, op, holdID string, fn func(context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "ledger."+op, traces.HoldID(holdID))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.LedgerCallDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())

	if err != nil {
		return &LedgerError{Op: op, HoldID: holdID, Err: err}
	}
	return nil
}

// compensateHold refunds the funds of a hold that will not be recorded. It
// runs even when the request context has already ended.
func (s *Service) compensateHold(ctx context.Context, hold *RewardHold, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()

	cerr := s.ledgerCall(ctx, "compensate", hold.ID, func(ctx context.Context) error {
		return s.ledger.RefundHeldFunds(ctx, hold.FounderID, hold.Amount, hold.ListingID, ReasonRewardRefund, idempotencyKey(hold.ID, "compensate"))
	})
	if cerr != nil {
		s.log(ctx).Error("reward hold not recorded and compensating refund failed",
			"critical", true, "holdId", hold.ID, "founder", hold.FounderID,
			"amount", hold.Amount.String(), "ledgerTxRef", hold.LedgerTxRef,
			"cause", cause, "compensationError", cerr)
		return
	}
	s.log(ctx).Warn("reward hold not recorded, held funds refunded",
		"holdId", hold.ID, "founder", hold.FounderID, "amount", hold.Amount.String(), "cause", cause)
}

// ledgerRefused reports whether the ledger answered that it did not apply a
// movement, as opposed to failing in a way that leaves the outcome unknown.
func ledgerRefused(err error) bool {
	return errors.Is(err, ErrLedgerRefused) || errors.Is(err, ErrInsufficientFunds)
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	if logging.HasLogger(ctx) {
		return logging.L(ctx)
	}
	return s.logger
}

func idempotencyKey(holdID, transition string) string {
	return holdID + ":" + transition
}

// PendingOlderThan returns up to limit pending holds created more than age
// ago, oldest first.
func (s *Service) PendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]*RewardHold, error) {
	return s.store.ListPendingBefore(ctx, s.now().Add(-age), limit)
}
