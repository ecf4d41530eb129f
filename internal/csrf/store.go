package csrf

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Entry is the stored form of an issued token.
type Entry struct {
	SessionID string
	IssuedAt  time.Time
	Nonce     string
}

// ConsumeResult is the outcome of redeeming a token.
type ConsumeResult int

const (
	NotFound ConsumeResult = iota
	Consumed
	Replayed
)

// Store records issued tokens and redeems them atomically.
type Store interface {
	Save(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	// Consume redeems key once and writes tombstone for tombstoneTTL.
	Consume(ctx context.Context, key, tombstone string, tombstoneTTL time.Duration) (ConsumeResult, error)
}

// consumeTokenLua redeems a token in one step.
// KEYS[1] = token entry key
// KEYS[2] = tombstone key
// ARGV[1] = tombstone ttl in ms
//
// Returns 1 consumed, 0 not found, 2 replayed.
var consumeTokenLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 2
end
local used = redis.call('HGET', KEYS[1], 'used')
if not used then
  return 0
end
if used == '1' then
  return 2
end
redis.call('HSET', KEYS[1], 'used', '1')
redis.call('DEL', KEYS[1])
redis.call('SET', KEYS[2], '1', 'PX', ARGV[1])
return 1
`)

var _ Store = (*RedisStore)(nil)

// RedisStore keeps tokens as Redis hashes.
type RedisStore struct {
	redis redis.UniversalClient
}

// NewRedisStore returns a store over client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{redis: client}
}

func (s *RedisStore) Save(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"session_id", entry.SessionID,
			"issued_at", strconv.FormatInt(entry.IssuedAt.UnixMilli(), 10),
			"nonce", entry.Nonce,
			"used", "0",
		)
		p.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Consume(ctx context.Context, key, tombstone string, tombstoneTTL time.Duration) (ConsumeResult, error) {
	ms := tombstoneTTL.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	n, err := consumeTokenLua.Run(ctx, s.redis, []string{key, tombstone}, ms).Int()
	if err != nil {
		return NotFound, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	switch n {
	case 1:
		return Consumed, nil
	case 2:
		return Replayed, nil
	default:
		return NotFound, nil
	}
}

var _ Store = (*LocalStore)(nil)

// LocalStore keeps tokens in process memory. Tokens issued by one instance
// cannot be redeemed on another.
type LocalStore struct {
	mu         sync.Mutex
	entries    *gocache.Cache
	tombstones *gocache.Cache
}

// NewLocalStore returns an empty LocalStore.
func NewLocalStore() *LocalStore {
	return &LocalStore{
		entries:    gocache.New(30*time.Minute, time.Minute),
		tombstones: gocache.New(30*time.Minute, time.Minute),
	}
}

func (s *LocalStore) Save(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Set(key, entry, ttl)
	return nil
}

func (s *LocalStore) Consume(_ context.Context, key, tombstone string, tombstoneTTL time.Duration) (ConsumeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tombstones.Get(tombstone); ok {
		return Replayed, nil
	}
	if _, ok := s.entries.Get(key); !ok {
		return NotFound, nil
	}
	s.entries.Delete(key)
	if tombstoneTTL <= 0 {
		tombstoneTTL = time.Millisecond
	}
	s.tombstones.Set(tombstone, struct{}{}, tombstoneTTL)
	return Consumed, nil
}
