package rewardhold

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists reward holds in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed reward hold store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const holdColumns = `id, founder_id, claimer_id, listing_id, amount, status,
		       ledger_tx_ref, delivery_code, created_at, updated_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, h *RewardHold) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reward_holds (
			id, founder_id, claimer_id, listing_id, amount, status,
			ledger_tx_ref, delivery_code, created_at, updated_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(20,6), $6, $7, $8, $9, $10, $11)`,
		h.ID, h.FounderID, nullString(h.ClaimerID), h.ListingID, h.Amount.String(), string(h.Status),
		h.LedgerTxRef, h.DeliveryCode, h.CreatedAt, h.UpdatedAt, nullTime(h.ResolvedAt),
	)
	return mapPQError(err)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*RewardHold, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM reward_holds WHERE id = $1`, id)

	h, err := scanHold(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	return h, mapPQError(err)
}

// Mutate holds a row lock on the hold for the whole of fn, including any
// ledger call fn makes. Only this hold's row is locked.
func (p *PostgresStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*RewardHold, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin hold transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM reward_holds WHERE id = $1 FOR UPDATE`, id)
	h, err := scanHold(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, mapPQError(err)
	}
	observed := h.Status

	if err := fn(ctx, h); err != nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE reward_holds SET
			claimer_id = $1, status = $2, updated_at = $3, resolved_at = $4
		WHERE id = $5
		  AND status = $6
		  AND (claimer_id IS NULL OR claimer_id = $1)`,
		nullString(h.ClaimerID), string(h.Status), h.UpdatedAt, nullTime(h.ResolvedAt),
		h.ID, string(observed),
	)
	if err != nil {
		return nil, mapPQError(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrAlreadyResolved
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit hold transaction: %w", err)
	}
	return h, nil
}

func (p *PostgresStore) ListByListing(ctx context.Context, listingID string) ([]*RewardHold, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+holdColumns+`
		FROM reward_holds
		WHERE listing_id = $1
		ORDER BY created_at DESC, id DESC`, listingID)
	if err != nil {
		return nil, mapPQError(err)
	}
	defer func() { _ = rows.Close() }()

	return scanHolds(rows)
}

func (p *PostgresStore) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*RewardHold, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+holdColumns+`
		FROM reward_holds
		WHERE status = 'pending'
		  AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, before, limitArg(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanHolds(rows)
}

// limitArg maps limit <= 0 to NULL, which Postgres reads as LIMIT ALL.
func limitArg(limit int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanHold(s scanner) (*RewardHold, error) {
	h := &RewardHold{}
	var (
		claimerID  sql.NullString
		status     string
		resolvedAt sql.NullTime
	)

	err := s.Scan(
		&h.ID, &h.FounderID, &claimerID, &h.ListingID, &h.Amount, &status,
		&h.LedgerTxRef, &h.DeliveryCode, &h.CreatedAt, &h.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	h.Status = Status(status)
	h.ClaimerID = claimerID.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		h.ResolvedAt = &t
	}
	return h, nil
}

func scanHolds(rows *sql.Rows) ([]*RewardHold, error) {
	var result []*RewardHold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

// mapPQError turns malformed-uuid errors into ErrInvalidID.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "22P02" {
		return ErrInvalidID
	}
	return err
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
