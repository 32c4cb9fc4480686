package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLocker shares the bench between processes through a Redis key that
// holds "<owner>/<token>" with a TTL. Holders refresh the TTL at a third of
// its length.
type RedisLocker struct {
	rdb    redis.UniversalClient
	key    string
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithTTL sets the lease lifetime between refreshes.
func WithTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithPollInterval sets how often a waiting Acquire retries.
func WithPollInterval(d time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if d > 0 {
			l.poll = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RedisOption {
	return func(l *RedisLocker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewRedisLocker creates a locker on key.
func NewRedisLocker(rdb redis.UniversalClient, key string, opts ...RedisOption) (*RedisLocker, error) {
	if key == "" {
		return nil, errors.New("lease key cannot be empty")
	}
	l := &RedisLocker{
		rdb:    rdb,
		key:    key,
		ttl:    30 * time.Second,
		poll:   250 * time.Millisecond,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, owner string) (Lease, error) {
	value := owner + "/" + uuid.NewString()
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.rdb.SetNX(ctx, l.key, value, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", l.key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	lease := &redisLease{
		l:      l,
		owner:  owner,
		value:  value,
		lost:   make(chan struct{}),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go lease.refresh(refreshCtx)
	l.logger.Info("Bench lease acquired", "owner", owner, "key", l.key)
	return lease, nil
}

func (l *RedisLocker) Holder(ctx context.Context) (string, error) {
	v, err := l.rdb.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", l.key, err)
	}
	if i := strings.LastIndex(v, "/"); i >= 0 {
		return v[:i], nil
	}
	return v, nil
}

type redisLease struct {
	l     *RedisLocker
	owner string
	value string

	lost     chan struct{}
	lostOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

func (h *redisLease) Owner() string         { return h.owner }
func (h *redisLease) Lost() <-chan struct{} { return h.lost }

func (h *redisLease) markLost() {
	h.lostOnce.Do(func() { close(h.lost) })
}

func (h *redisLease) refresh(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := refreshScript.Run(ctx, h.l.rdb, []string{h.l.key}, h.value, h.l.ttl.Milliseconds()).Int()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			h.l.logger.Warn("Bench lease refresh failed", "owner", h.owner, "error", err)
			continue
		}
		if n == 0 {
			h.l.logger.Error("Bench lease lost", "owner", h.owner, "key", h.l.key)
			h.markLost()
			return
		}
	}
}

func (h *redisLease) Release(ctx context.Context) error {
	h.cancel()
	<-h.done

	n, err := releaseScript.Run(ctx, h.l.rdb, []string{h.l.key}, h.value).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", h.l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	h.l.logger.Info("Bench lease released", "owner", h.owner)
	return nil
}
