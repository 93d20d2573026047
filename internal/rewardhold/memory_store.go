package rewardhold

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/rewardescrow/internal/syncutil"
)

// MemoryStore is an in-memory reward hold store for demo/development mode.
type MemoryStore struct {
	holds map[string]*RewardHold
	mu    sync.RWMutex
	locks *syncutil.KeyedMutex
}

// NewMemoryStore creates a new in-memory reward hold store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		holds: make(map[string]*RewardHold),
		locks: syncutil.NewKeyedMutex(),
	}
}

func (m *MemoryStore) Create(ctx context.Context, h *RewardHold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.holds[h.ID] = h.clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*RewardHold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.holds[id]
	if !ok {
		return nil, ErrHoldNotFound
	}
	return h.clone(), nil
}

func (m *MemoryStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*RewardHold, error) {
	unlock, err := m.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	observed := current.Status

	if err := fn(ctx, current); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Same condition as the SQL update: status unchanged, claimer never replaced.
	stored, ok := m.holds[id]
	if !ok {
		return nil, ErrHoldNotFound
	}
	if stored.Status != observed || (stored.ClaimerID != "" && stored.ClaimerID != current.ClaimerID) {
		return nil, ErrAlreadyResolved
	}
	m.holds[id] = current.clone()
	return current, nil
}

func (m *MemoryStore) ListByListing(ctx context.Context, listingID string) ([]*RewardHold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*RewardHold
	for _, h := range m.holds {
		if h.ListingID == listingID {
			result = append(result, h.clone())
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func (m *MemoryStore) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*RewardHold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*RewardHold
	for _, h := range m.holds {
		if h.Status == StatusPending && h.CreatedAt.Before(before) {
			result = append(result, h.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortNewestFirst(holds []*RewardHold) {
	sort.SliceStable(holds, func(i, j int) bool {
		if holds[i].CreatedAt.Equal(holds[j].CreatedAt) {
			return holds[i].ID > holds[j].ID
		}
		return holds[i].CreatedAt.After(holds[j].CreatedAt)
	})
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
