package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"livecast/internal/errs"
)

const (
	defaultLockExpiry = 2 * time.Minute
	defaultLockTries  = 32
	lockKeyPattern    = "livecast:lock:%s"
)

// RedisLocker is a Locker shared by every process pointed at the same Redis.
type RedisLocker struct {
	rs     *redsync.Redsync
	expiry time.Duration
	tries  int
	delay  time.Duration
	logger *slog.Logger
}

type RedisOption func(*RedisLocker)

// WithExpiry bounds how long a crashed holder can keep an owner locked.
func WithExpiry(expiry time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if expiry > 0 {
			l.expiry = expiry
		}
	}
}

// WithRetry sets how many times acquisition is attempted and the pause
// between attempts.
func WithRetry(tries int, delay time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if tries > 0 {
			l.tries = tries
		}
		if delay > 0 {
			l.delay = delay
		}
	}
}

func WithLogger(logger *slog.Logger) RedisOption {
	return func(l *RedisLocker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewRedisLocker(client redis.UniversalClient, opts ...RedisOption) *RedisLocker {
	locker := &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: defaultLockExpiry,
		tries:  defaultLockTries,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(locker)
	}
	return locker
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	options := []redsync.Option{redsync.WithExpiry(l.expiry), redsync.WithTries(l.tries)}
	if l.delay > 0 {
		options = append(options, redsync.WithRetryDelay(l.delay))
	}
	mutex := l.rs.NewMutex(fmt.Sprintf(lockKeyPattern, key), options...)
	if err := mutex.LockContext(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// Retries exhausted or key held elsewhere.
		return nil, &errs.Error{Kind: errs.ErrConflict, Op: "acquire lock", Msg: "another operation is in progress for " + key, Err: err}
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ok, err := mutex.UnlockContext(ctx); err != nil || !ok {
			l.logger.Warn("release owner lock", "key", key, "error", err)
		}
	}, nil
}
