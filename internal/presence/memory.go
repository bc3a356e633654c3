package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/contractops/contractops/pkg/types"
)

// pairKey identifies one (contract, user) presence record.
type pairKey struct {
	contractID int64
	userID     int64
}

// MemoryStore is a thread-safe in-memory presence store. A background
// goroutine (Run) periodically evicts records that have not been refreshed
// within the configured retention.
type MemoryStore struct {
	activeWindow time.Duration
	retention    time.Duration

	mu   sync.RWMutex
	recs map[pairKey]types.PresenceRecord

	now func() time.Time // injectable for deterministic tests
}

// NewMemoryStore creates a MemoryStore. activeWindow bounds how recently a
// record must have been refreshed to count as active; retention is how long
// records are kept at all.
func NewMemoryStore(activeWindow, retention time.Duration) *MemoryStore {
	return &MemoryStore{
		activeWindow: activeWindow,
		retention:    retention,
		recs:         make(map[pairKey]types.PresenceRecord),
		now:          time.Now,
	}
}

// Upsert stores or refreshes the record, stamping LastSeen.
func (s *MemoryStore) Upsert(_ context.Context, rec types.PresenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.LastSeen = s.now()
	s.recs[pairKey{contractID: rec.ContractID, userID: rec.UserID}] = rec
	return nil
}

// Get returns the record for the pair, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, userID, contractID int64) (types.PresenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[pairKey{contractID: contractID, userID: userID}]
	if !ok {
		return types.PresenceRecord{}, ErrNotFound
	}
	return rec, nil
}

// Deactivate marks the pair's record inactive. Missing records are a no-op.
func (s *MemoryStore) Deactivate(_ context.Context, userID, contractID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pairKey{contractID: contractID, userID: userID}
	rec, ok := s.recs[k]
	if !ok {
		return nil
	}
	rec.IsActive = false
	rec.CurrentAction = "disconnected"
	rec.LastSeen = s.now()
	s.recs[k] = rec
	return nil
}

// Remove deletes the pair's record.
func (s *MemoryStore) Remove(_ context.Context, userID, contractID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, pairKey{contractID: contractID, userID: userID})
	return nil
}

// ActiveUsers returns the records on the contract that are active and were
// refreshed within the active window. Stale records that have not yet been
// evicted are excluded.
func (s *MemoryStore) ActiveUsers(_ context.Context, contractID int64) ([]types.PresenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-s.activeWindow)
	out := make([]types.PresenceRecord, 0)
	for k, rec := range s.recs {
		if k.contractID != contractID {
			continue
		}
		if rec.IsActive && rec.LastSeen.After(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ActiveContracts returns the contracts the user has an active record on.
func (s *MemoryStore) ActiveContracts(_ context.Context, userID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-s.activeWindow)
	out := make([]int64, 0)
	for k, rec := range s.recs {
		if k.userID != userID {
			continue
		}
		if rec.IsActive && rec.LastSeen.After(cutoff) {
			out = append(out, k.contractID)
		}
	}
	return out, nil
}

// Count returns the total number of records currently held, including
// inactive and stale ones.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}

// Evict removes records whose LastSeen is older than now minus retention.
// It returns the number of records removed.
func (s *MemoryStore) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.retention)
	removed := 0
	for k, rec := range s.recs {
		if !rec.LastSeen.After(cutoff) {
			delete(s.recs, k)
			removed++
		}
	}
	return removed
}

// Run starts the background retention eviction loop. It ticks at half the
// retention interval (minimum 1 second) so records are evicted promptly.
// Run blocks until ctx is cancelled.
func (s *MemoryStore) Run(ctx context.Context) {
	interval := s.retention / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("presence: evicted stale records", "count", n)
			}
		}
	}
}
