package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/contractops/contractops/pkg/types"
)

// keyPrefix namespaces all presence keys so the store can share a redis
// database with other services.
const keyPrefix = "presence:"

// RedisStore persists presence records in redis, one JSON value per
// (contract, user) pair. Records carry the retention as TTL, so redis
// handles eviction and nothing needs a background sweeper.
type RedisStore struct {
	client       *redis.Client
	activeWindow time.Duration
	retention    time.Duration

	now func() time.Time // injectable for deterministic tests
}

// NewRedisStore connects to the redis at url and verifies the connection
// before returning.
func NewRedisStore(url string, activeWindow, retention time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("presence: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("presence: ping redis: %w", err)
	}

	return &RedisStore{
		client:       client,
		activeWindow: activeWindow,
		retention:    retention,
		now:          time.Now,
	}, nil
}

// Close releases the underlying redis client.
func (s *RedisStore) Close() error { return s.client.Close() }

func recordKey(contractID, userID int64) string {
	return fmt.Sprintf("%s%d:%d", keyPrefix, contractID, userID)
}

// Upsert stores or refreshes the record, stamping LastSeen.
func (s *RedisStore) Upsert(ctx context.Context, rec types.PresenceRecord) error {
	rec.LastSeen = s.now()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("presence: marshal record: %w", err)
	}
	key := recordKey(rec.ContractID, rec.UserID)
	if err := s.client.Set(ctx, key, data, s.retention).Err(); err != nil {
		return fmt.Errorf("presence: set %s: %w", key, err)
	}
	return nil
}

// Get returns the record for the pair, or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, userID, contractID int64) (types.PresenceRecord, error) {
	key := recordKey(contractID, userID)
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.PresenceRecord{}, ErrNotFound
	}
	if err != nil {
		return types.PresenceRecord{}, fmt.Errorf("presence: get %s: %w", key, err)
	}
	var rec types.PresenceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return types.PresenceRecord{}, fmt.Errorf("presence: decode %s: %w", key, err)
	}
	return rec, nil
}

// Deactivate marks the pair's record inactive. Missing records are a no-op.
func (s *RedisStore) Deactivate(ctx context.Context, userID, contractID int64) error {
	rec, err := s.Get(ctx, userID, contractID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	rec.IsActive = false
	rec.CurrentAction = "disconnected"
	rec.LastSeen = s.now()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("presence: marshal record: %w", err)
	}
	key := recordKey(contractID, userID)
	if err := s.client.Set(ctx, key, data, s.retention).Err(); err != nil {
		return fmt.Errorf("presence: set %s: %w", key, err)
	}
	return nil
}

// Remove deletes the pair's record.
func (s *RedisStore) Remove(ctx context.Context, userID, contractID int64) error {
	key := recordKey(contractID, userID)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("presence: del %s: %w", key, err)
	}
	return nil
}

// ActiveUsers returns the records on the contract that are active and were
// refreshed within the active window.
func (s *RedisStore) ActiveUsers(ctx context.Context, contractID int64) ([]types.PresenceRecord, error) {
	keys, err := s.scanKeys(ctx, fmt.Sprintf("%s%d:*", keyPrefix, contractID))
	if err != nil {
		return nil, err
	}
	recs, err := s.loadRecords(ctx, keys)
	if err != nil {
		return nil, err
	}

	cutoff := s.now().Add(-s.activeWindow)
	out := make([]types.PresenceRecord, 0, len(recs))
	for _, rec := range recs {
		if rec.IsActive && rec.LastSeen.After(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ActiveContracts returns the contracts the user has an active record on.
func (s *RedisStore) ActiveContracts(ctx context.Context, userID int64) ([]int64, error) {
	keys, err := s.scanKeys(ctx, fmt.Sprintf("%s*:%d", keyPrefix, userID))
	if err != nil {
		return nil, err
	}
	recs, err := s.loadRecords(ctx, keys)
	if err != nil {
		return nil, err
	}

	cutoff := s.now().Add(-s.activeWindow)
	out := make([]int64, 0, len(recs))
	for _, rec := range recs {
		if rec.UserID != userID {
			continue
		}
		if rec.IsActive && rec.LastSeen.After(cutoff) {
			out = append(out, rec.ContractID)
		}
	}
	return out, nil
}

// scanKeys walks the keyspace for pattern, following the cursor to the end.
func (s *RedisStore) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("presence: scan %q: %w", pattern, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// loadRecords fetches and decodes the records behind keys. Keys that expired
// between scan and fetch, and values that fail to decode, are skipped.
func (s *RedisStore) loadRecords(ctx context.Context, keys []string) ([]types.PresenceRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: mget: %w", err)
	}
	out := make([]types.PresenceRecord, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec types.PresenceRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
