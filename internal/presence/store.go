package presence

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/domain"
)

// StatusStore keeps the last known presence of each user.
type StatusStore interface {
	Set(ctx context.Context, p *domain.Presence) error
	// Get returns domain.ErrNotFound for users never seen.
	Get(ctx context.Context, userID string) (*domain.Presence, error)
}

// MemoryStatusStore is a process-local StatusStore.
type MemoryStatusStore struct {
	mu      sync.RWMutex
	entries map[string]domain.Presence
}

// NewMemoryStatusStore creates an empty MemoryStatusStore.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{entries: make(map[string]domain.Presence)}
}

func (s *MemoryStatusStore) Set(_ context.Context, p *domain.Presence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[p.UserID] = *p
	return nil
}

func (s *MemoryStatusStore) Get(_ context.Context, userID string) (*domain.Presence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.entries[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

// RedisStatusStore stores presence as one hash per user so every instance
// answers presence queries the same way.
type RedisStatusStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStatusStore creates a store on client. Entries expire after ttl
// unless refreshed; zero keeps them forever.
func NewRedisStatusStore(client *redis.Client, ttl time.Duration) *RedisStatusStore {
	return &RedisStatusStore{client: client, ttl: ttl}
}

func statusKey(userID string) string {
	return fmt.Sprintf("presence:user:%s", userID)
}

func (s *RedisStatusStore) Set(ctx context.Context, p *domain.Presence) error {
	key := statusKey(p.UserID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"is_online":  strconv.FormatBool(p.IsOnline),
		"status":     p.Status,
		"updated_at": p.UpdatedAt.UnixMilli(),
	})
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStatusStore) Get(ctx context.Context, userID string) (*domain.Presence, error) {
	vals, err := s.client.HGetAll(ctx, statusKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, domain.ErrNotFound
	}
	return presenceFromHash(userID, vals)
}

func presenceFromHash(userID string, vals map[string]string) (*domain.Presence, error) {
	online, err := strconv.ParseBool(vals["is_online"])
	if err != nil {
		return nil, fmt.Errorf("corrupt presence hash for %s: is_online: %w", userID, err)
	}
	updatedMs, err := strconv.ParseInt(vals["updated_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt presence hash for %s: updated_at: %w", userID, err)
	}
	return &domain.Presence{
		UserID:    userID,
		IsOnline:  online,
		Status:    vals["status"],
		UpdatedAt: time.UnixMilli(updatedMs),
	}, nil
}
