package lock

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultKeyPrefix = "approvalflow:lock:"
	DefaultTTL       = 5 * time.Minute
)

// Delete the lock only if it still carries our token.
// - KEYS[1] = lock key
// - ARGV[1] = token
var releaseCmd = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Push the expiry out only if the lock still carries our token.
// - KEYS[1] = lock key
// - ARGV[1] = token
// - ARGV[2] = ttl in milliseconds
var extendCmd = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a Locker shared by every process talking to the same
// Redis. A held lock is extended every third of its TTL until released, so
// long runs keep it while a crashed writer's lock still expires.
type RedisLocker struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	clock  clock.Clock
}

// NewRedisLocker creates a Redis-backed locker. Zero values select the
// defaults.
func NewRedisLocker(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{rdb: rdb, prefix: prefix, ttl: ttl, clock: clock.New()}
}

// NewRedisLockerFromURL parses a redis:// URL and connects lazily
func NewRedisLockerFromURL(redisURL, prefix string, ttl time.Duration) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	return NewRedisLocker(redis.NewClient(opts), prefix, ttl), nil
}

// Acquire takes the lock with SET NX PX
func (l *RedisLocker) Acquire(ctx context.Context, requestID string) (Release, error) {
	key := l.prefix + requestID
	token := uuid.New().String()

	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("could not acquire lock for %s: %w", requestID, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	refreshCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	ticker := l.clock.Ticker(l.ttl / 3)
	go func() {
		defer close(done)
		keepAlive(refreshCtx, ticker, requestID, func(ctx context.Context) (bool, error) {
			n, err := extendCmd.Run(ctx, l.rdb, []string{key}, token, l.ttl.Milliseconds()).Int()
			return n == 1, err
		})
	}()

	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() {
			stop()
			<-done
		})
		if err := releaseCmd.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("could not release lock for %s: %w", requestID, err)
		}
		return nil
	}, nil
}

// keepAlive calls extend on every tick until ctx is done or the lock is
// gone. A failed extend is retried on the next tick.
func keepAlive(ctx context.Context, ticker *clock.Ticker, requestID string, extend func(context.Context) (bool, error)) {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := extend(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("[Lock] Warning: failed to extend lock for %s: %v", requestID, err)
				continue
			}
			if !held {
				log.Printf("[Lock] Lock for %s expired before it could be extended", requestID)
				return
			}
		}
	}
}

// Ping checks connectivity
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}

// Close closes the underlying client
func (l *RedisLocker) Close() error {
	return l.rdb.Close()
}
