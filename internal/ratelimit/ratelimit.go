package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultMax    = 20
	DefaultWindow = time.Minute
)

// Limiter answers whether another request from key fits in the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type window struct {
	count   int
	resetAt time.Time
}

// Memory is a fixed-window limiter held in process memory. Read and
// increment happen under one lock, so concurrent callers cannot both take
// the last slot.
type Memory struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	now     func() time.Time
	windows map[string]*window
}

func NewMemory(max int, win time.Duration) *Memory {
	return NewMemoryWithClock(max, win, time.Now)
}

func NewMemoryWithClock(max int, win time.Duration, now func() time.Time) *Memory {
	if max <= 0 {
		max = DefaultMax
	}
	if win <= 0 {
		win = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Memory{max: max, window: win, now: now, windows: map[string]*window{}}
}

func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || now.After(w.resetAt) {
		m.windows[key] = &window{count: 1, resetAt: now.Add(m.window)}
		return true, nil
	}
	w.count++
	return w.count <= m.max, nil
}

// Prune drops windows that have already reset.
func (m *Memory) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, w := range m.windows {
		if now.After(w.resetAt) {
			delete(m.windows, key)
			removed++
		}
	}
	return removed
}

// Redis shares the fixed window across processes. INCR and EXPIRE NX run in
// one MULTI block so the first hit of a window sets its TTL.
type Redis struct {
	client *redis.Client
	max    int
	window time.Duration
	prefix string
}

func NewRedis(addr, password string, db, max int, win time.Duration) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisWithClient(client, max, win)
}

func NewRedisWithClient(client *redis.Client, max int, win time.Duration) *Redis {
	if max <= 0 {
		max = DefaultMax
	}
	if win <= 0 {
		win = DefaultWindow
	}
	return &Redis{client: client, max: max, window: win, prefix: "payagent:ratelimit:"}
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := r.prefix + key
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, r.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis rate limit: %w", err)
	}
	return incr.Val() <= int64(r.max), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
