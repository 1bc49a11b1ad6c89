// Package dedup guards against the same slip being submitted twice in a short window.
package dedup

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/phenomenon0/parlay-desk/pkg/wager/slip"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	DefaultTTL    = 30 * time.Second
	defaultPrefix = "slip:dedup"
)

// Guard claims submission keys. Claim returns false when the key is already held.
type Guard interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
	Close() error
}

// Key identifies a submission: the user, the order-independent set of picks and the stake.
func Key(userID string, legs []slip.Selection, stake decimal.Decimal) string {
	picks := strings.Join(slip.Fingerprint(legs), ",")
	hash := sha256.Sum256([]byte(picks))
	return fmt.Sprintf("%s:%x:%s", userID, hash[:8], stake.StringFixed(2))
}

// RedisGuard holds keys in Redis with SET NX and a TTL, so every slipd
// instance shares one window.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisGuard connects to Redis at addr.
func NewRedisGuard(addr, password string, db int, ttl time.Duration) (*RedisGuard, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisGuard{client: client, ttl: ttl, prefix: defaultPrefix}, nil
}

// Ping checks the connection.
func (g *RedisGuard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

func (g *RedisGuard) key(k string) string {
	return g.prefix + ":" + k
}

func (g *RedisGuard) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.key(key), "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim dedup key: %w", err)
	}
	return ok, nil
}

func (g *RedisGuard) Release(ctx context.Context, key string) error {
	return g.client.Del(ctx, g.key(key)).Err()
}

func (g *RedisGuard) Close() error {
	return g.client.Close()
}

// MemoryGuard is a single-process Guard.
type MemoryGuard struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu      sync.Mutex
	expires map[string]time.Time
}

// NewMemoryGuard creates an in-memory guard. A nil clock uses the system clock.
func NewMemoryGuard(ttl time.Duration, clk clockwork.Clock) *MemoryGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &MemoryGuard{clock: clk, ttl: ttl, expires: make(map[string]time.Time)}
}

func (g *MemoryGuard) Claim(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	for k, exp := range g.expires {
		if !now.Before(exp) {
			delete(g.expires, k)
		}
	}

	if _, held := g.expires[key]; held {
		return false, nil
	}
	g.expires[key] = now.Add(g.ttl)
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	delete(g.expires, key)
	g.mu.Unlock()
	return nil
}

func (g *MemoryGuard) Close() error { return nil }
