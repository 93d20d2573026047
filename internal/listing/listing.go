// Package listing reads the lost & found listings ("maaroufs") that reward
// holds are attached to. The catalog service owns the table; this package
// only reads the columns the escrow needs.
package listing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/rewardescrow/internal/retry"
)

var ErrNotFound = errors.New("listing not found")

// Listing is the escrow's view of a maarouf.
type Listing struct {
	ID      string          `db:"id" json:"id"`
	OwnerID string          `db:"owner_id" json:"ownerId"`
	Reward  decimal.Decimal `db:"reward" json:"reward"`
}

// PostgresLookup reads listings from the maaroufs read model.
type PostgresLookup struct {
	db          *sqlx.DB
	maxAttempts int
	baseDelay   time.Duration
}

func NewPostgresLookup(db *sql.DB) *PostgresLookup {
	return &PostgresLookup{
		db:          sqlx.NewDb(db, "postgres"),
		maxAttempts: 3,
		baseDelay:   50 * time.Millisecond,
	}
}

// Get returns the listing with id. Connection-level failures are retried;
// a missing row or malformed id is not.
func (p *PostgresLookup) Get(ctx context.Context, id string) (*Listing, error) {
	var l Listing
	err := retry.Do(ctx, p.maxAttempts, p.baseDelay, func() error {
		err := p.db.GetContext(ctx, &l, `SELECT id, owner_id, reward FROM maaroufs WHERE id = $1`, id)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, sql.ErrNoRows):
			return retry.Permanent(ErrNotFound)
		case !transient(err):
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get listing %s: %w", id, err)
	}
	l.ID = strings.ToLower(l.ID)
	l.OwnerID = strings.ToLower(l.OwnerID)
	return &l, nil
}

// transient reports whether err looks like a dropped connection or a
// server-side interruption rather than a problem with the query.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57": // connection, rollback, resources, operator intervention
			return true
		case "22": // 22P02: malformed uuid and friends
			return false
		}
		return false
	}
	return true
}

// MemoryDirectory is an in-memory listing source for demo mode and tests.
type MemoryDirectory struct {
	mu       sync.RWMutex
	listings map[string]Listing
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{listings: make(map[string]Listing)}
}

// Put adds or replaces a listing.
func (m *MemoryDirectory) Put(l Listing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.ID = strings.ToLower(l.ID)
	l.OwnerID = strings.ToLower(l.OwnerID)
	m.listings[l.ID] = l
}

func (m *MemoryDirectory) Get(ctx context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[strings.ToLower(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}
