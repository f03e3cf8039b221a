// Package idempotency gives funds-moving POST endpoints first-writer-wins
// semantics across processes. A request that replays a completed key gets
// the recorded response back; a request racing an in-flight key is refused.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const pendingMarker = "__pending__"

// Result is the recorded outcome of a completed request.
type Result struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// Store records idempotency keys.
type Store interface {
	// Begin claims key. It returns claimed=true when this caller is first.
	// When a prior request completed, its result is returned. When a prior
	// request is still in flight, claimed is false and prior is nil.
	Begin(ctx context.Context, key string) (claimed bool, prior *Result, err error)
	// Complete records the outcome for replay. Keys expire eventually.
	Complete(ctx context.Context, key string, res Result) error
	// Abandon frees a claimed key after a failure so the client may retry.
	Abandon(ctx context.Context, key string) error
}

// RedisStore implements Store on a redis client.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store with the given key lifetime.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

func redisKey(key string) string { return "idem:" + key }

func (s *RedisStore) Begin(ctx context.Context, key string) (bool, *Result, error) {
	ok, err := s.client.SetNX(ctx, redisKey(key), pendingMarker, s.ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("idempotency claim: %w", err)
	}
	if ok {
		return true, nil, nil
	}
	raw, err := s.client.Get(ctx, redisKey(key)).Result()
	if err == redis.Nil {
		// expired between SetNX and Get; let the caller retry
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	if raw == pendingMarker {
		return false, nil, nil
	}
	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return false, nil, fmt.Errorf("idempotency decode: %w", err)
	}
	return false, &res, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, res Result) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("idempotency encode: %w", err)
	}
	if err := s.client.Set(ctx, redisKey(key), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency record: %w", err)
	}
	return nil
}

func (s *RedisStore) Abandon(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisKey(key)).Err()
}

// MemoryStore implements Store in process memory, for tests and single-node
// deployments without redis.
type MemoryStore struct {
	mu      sync.Mutex
	pending map[string]bool
	done    map[string]Result
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending: make(map[string]bool),
		done:    make(map[string]Result),
	}
}

func (s *MemoryStore) Begin(_ context.Context, key string) (bool, *Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.done[key]; ok {
		return false, &res, nil
	}
	if s.pending[key] {
		return false, nil, nil
	}
	s.pending[key] = true
	return true, nil, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, res Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key)
	s.done[key] = res
	return nil
}

func (s *MemoryStore) Abandon(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key)
	return nil
}
