// Package queue holds the Redis structures shared by the API and the poll
// worker: the delayed poll queue and the distributed job lock.
package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript pops up to ARGV[2] members whose score is <= ARGV[1].
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
end
return ids
`)

// PollQueue is a sorted set of job IDs scored by the unix millisecond at
// which the job should next be polled.
type PollQueue struct {
	rdb *redis.Client
	key string
	now func() time.Time
}

func NewPollQueue(rdb *redis.Client, key string) *PollQueue {
	return &PollQueue{rdb: rdb, key: key, now: time.Now}
}

// SchedulePoll makes jobID due afterSeconds from now. Scheduling a job that
// is already queued moves it.
func (q *PollQueue) SchedulePoll(ctx context.Context, jobID string, afterSeconds int) error {
	return q.Schedule(ctx, jobID, time.Duration(afterSeconds)*time.Second)
}

func (q *PollQueue) Schedule(ctx context.Context, jobID string, after time.Duration) error {
	if after < 0 {
		after = 0
	}
	due := q.now().Add(after).UnixMilli()
	return q.rdb.ZAdd(ctx, q.key, redis.Z{Score: float64(due), Member: jobID}).Err()
}

// ClaimDue atomically removes and returns up to limit due job IDs, oldest
// first. Each ID goes to exactly one caller.
func (q *PollQueue) ClaimDue(ctx context.Context, limit int) ([]string, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	res, err := claimScript.Run(ctx, q.rdb, []string{q.key}, now, limit).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	return res, err
}

func (q *PollQueue) Remove(ctx context.Context, jobID string) error {
	return q.rdb.ZRem(ctx, q.key, jobID).Err()
}

func (q *PollQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, q.key).Result()
}

// NextDue reports when the earliest job becomes due; ok is false when the
// queue is empty.
func (q *PollQueue) NextDue(ctx context.Context) (due time.Time, ok bool, err error) {
	res, err := q.rdb.ZRangeWithScores(ctx, q.key, 0, 0).Result()
	if err != nil || len(res) == 0 {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(res[0].Score)), true, nil
}
