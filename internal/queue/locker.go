package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mediarender/internal/pkg/logger"
)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

const (
	defaultLockTTL   = 2 * time.Minute
	lockRetryBackoff = 50 * time.Millisecond
	lockOpTimeout    = 5 * time.Second
)

// RedisLocker serializes work on a job across processes. A held lock is
// renewed every ttl/3; one whose holder died expires after ttl so a crashed
// holder cannot wedge the job.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	log    *logger.Logger
}

func NewRedisLocker(rdb *redis.Client, prefix string, ttl time.Duration, log *logger.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if log == nil {
		log = logger.Discard()
	}
	return &RedisLocker{rdb: rdb, prefix: prefix, ttl: ttl, log: log.WithComponent("locker")}
}

// Lock blocks until the job's lock is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, jobID string) (func(), error) {
	key := l.prefix + jobID
	token := uuid.NewString()

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", jobID, err)
		}
		if ok {
			break
		}

		t := time.NewTimer(lockRetryBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.renew(stop, jobID, key, token)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-renewed

			// the holder's ctx may already be cancelled
			rctx, cancel := context.WithTimeout(context.Background(), lockOpTimeout)
			defer cancel()
			if err := releaseScript.Run(rctx, l.rdb, []string{key}, token).Err(); err != nil {
				l.log.WithError(err).Warn("release job lock failed; it expires with its ttl",
					"job_id", jobID, "ttl", l.ttl)
			}
		})
	}, nil
}

// renew extends the lock until stop is closed or the lock is no longer ours.
func (l *RedisLocker) renew(stop <-chan struct{}, jobID, key, token string) {
	interval := l.ttl / 3
	if interval <= 0 {
		interval = l.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		rctx, cancel := context.WithTimeout(context.Background(), lockOpTimeout)
		n, err := renewScript.Run(rctx, l.rdb, []string{key}, token, l.ttl.Milliseconds()).Int()
		cancel()
		if err != nil {
			l.log.WithError(err).Warn("renew job lock failed", "job_id", jobID)
			continue
		}
		if n == 0 {
			l.log.Warn("job lock lost before release", "job_id", jobID)
			return
		}
	}
}
