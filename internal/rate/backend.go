package rate

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Result is the outcome of one counted request.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Backend counts a request against key and reports the window state.
type Backend interface {
	Hit(ctx context.Context, key string, window time.Duration, max int, now time.Time) (Result, error)
}

var _ Backend = (*RedisBackend)(nil)

// RedisBackend is the sliding-log backend shared by every instance.
type RedisBackend struct {
	redis redis.UniversalClient
}

// NewRedisBackend returns a backend over client.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{redis: client}
}

func (b *RedisBackend) Hit(ctx context.Context, key string, window time.Duration, max int, now time.Time) (Result, error) {
	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()
	member := strconv.FormatInt(nowMs, 10) + ":" + uuid.NewString()

	var (
		card   *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	_, err := b.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(nowMs-windowMs, 10))
		p.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: member})
		card = p.ZCard(ctx, key)
		oldest = p.ZRangeWithScores(ctx, key, 0, 0)
		p.PExpire(ctx, key, window)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	count := int(card.Val())
	resetAt := now.Add(window)
	if z := oldest.Val(); len(z) > 0 {
		resetAt = time.UnixMilli(int64(z[0].Score) + windowMs)
	}
	return newResult(count, max, now, resetAt), nil
}

var _ Backend = (*LocalBackend)(nil)

type fixedWindow struct {
	count   int
	resetAt time.Time
}

// LocalBackend is an in-process fixed-window backend.
type LocalBackend struct {
	mu      sync.Mutex
	windows *gocache.Cache
}

// NewLocalBackend returns an empty LocalBackend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{windows: gocache.New(time.Minute, time.Minute)}
}

func (b *LocalBackend) Hit(_ context.Context, key string, window time.Duration, max int, now time.Time) (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var w *fixedWindow
	if v, ok := b.windows.Get(key); ok {
		w = v.(*fixedWindow)
	}
	if w == nil || !now.Before(w.resetAt) {
		w = &fixedWindow{resetAt: now.Add(window)}
	}
	w.count++
	b.windows.Set(key, w, window)

	return newResult(w.count, max, now, w.resetAt), nil
}

func newResult(count, max int, now, resetAt time.Time) Result {
	res := Result{
		Allowed:   count <= max,
		Limit:     max,
		Remaining: max - count,
		ResetAt:   resetAt,
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !res.Allowed {
		res.RetryAfter = resetAt.Sub(now)
		if res.RetryAfter < 0 {
			res.RetryAfter = 0
		}
	}
	return res
}
