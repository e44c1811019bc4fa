package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"geo-prize-system/models"

	"github.com/redis/go-redis/v9"
)

// DefaultLocationTTL bounds how long a last-known position is kept. Past
// that the teleport check simply has no history (GPS cold start).
const DefaultLocationTTL = 5 * time.Minute

// LocationStore holds the single last-known position per user. Concurrent
// writers converge to whichever lands last; it feeds heuristics, never
// authorization.
type LocationStore interface {
	Get(ctx context.Context, userID string) (models.LocationSample, bool, error)
	Put(ctx context.Context, sample models.LocationSample) error
}

// RedisLocationStore keeps samples in redis under loc:<userID> with a TTL, so
// horizontally-scaled instances share history.
type RedisLocationStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisLocationStore(rdb *redis.Client, ttl time.Duration) *RedisLocationStore {
	if ttl <= 0 {
		ttl = DefaultLocationTTL
	}
	return &RedisLocationStore{rdb: rdb, ttl: ttl}
}

func locationKey(userID string) string {
	return "loc:" + userID
}

func (s *RedisLocationStore) Get(ctx context.Context, userID string) (models.LocationSample, bool, error) {
	var sample models.LocationSample
	data, err := s.rdb.Get(ctx, locationKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return sample, false, nil
	}
	if err != nil {
		return sample, false, fmt.Errorf("failed to read location sample: %w", err)
	}
	if err := json.Unmarshal(data, &sample); err != nil {
		return sample, false, fmt.Errorf("failed to decode location sample: %w", err)
	}
	return sample, true, nil
}

func (s *RedisLocationStore) Put(ctx context.Context, sample models.LocationSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, locationKey(sample.UserID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store location sample: %w", err)
	}
	return nil
}

// MemoryLocationStore is the in-process LocationStore for tests and
// single-instance dev runs.
type MemoryLocationStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memoryLocationEntry
	now     func() time.Time
}

type memoryLocationEntry struct {
	sample    models.LocationSample
	expiresAt time.Time
}

func NewMemoryLocationStore(ttl time.Duration) *MemoryLocationStore {
	if ttl <= 0 {
		ttl = DefaultLocationTTL
	}
	return &MemoryLocationStore{
		ttl:     ttl,
		entries: make(map[string]memoryLocationEntry),
		now:     time.Now,
	}
}

func (s *MemoryLocationStore) Get(_ context.Context, userID string) (models.LocationSample, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[userID]
	s.mu.RUnlock()
	if !ok || s.now().After(entry.expiresAt) {
		return models.LocationSample{}, false, nil
	}
	return entry.sample, true, nil
}

func (s *MemoryLocationStore) Put(_ context.Context, sample models.LocationSample) error {
	s.mu.Lock()
	s.entries[sample.UserID] = memoryLocationEntry{
		sample:    sample,
		expiresAt: s.now().Add(s.ttl),
	}
	s.mu.Unlock()
	return nil
}
