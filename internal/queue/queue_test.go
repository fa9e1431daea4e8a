package queue

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"mediarender/internal/pkg/logger"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestPollQueueClaimDue(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := NewPollQueue(rdb, "polls")
	q.now = func() time.Time { return now }

	q.SchedulePoll(ctx, "rj_late", 60)
	q.SchedulePoll(ctx, "rj_b", 5)
	q.SchedulePoll(ctx, "rj_a", 0)

	ids, err := q.ClaimDue(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimDue failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "rj_a" {
		t.Errorf("expected [rj_a], got %v", ids)
	}

	now = now.Add(10 * time.Second)
	ids, _ = q.ClaimDue(ctx, 10)
	if len(ids) != 1 || ids[0] != "rj_b" {
		t.Errorf("expected [rj_b], got %v", ids)
	}

	// claimed ids are gone
	ids, _ = q.ClaimDue(ctx, 10)
	if len(ids) != 0 {
		t.Errorf("expected nothing due, got %v", ids)
	}

	n, _ := q.Len(ctx)
	if n != 1 {
		t.Errorf("expected 1 queued job, got %d", n)
	}
	due, ok, err := q.NextDue(ctx)
	if err != nil || !ok || !due.Equal(time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)) {
		t.Errorf("unexpected next due %v %v %v", due, ok, err)
	}
}

func TestPollQueueRescheduleMovesJob(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()
	q := NewPollQueue(rdb, "polls")

	q.Schedule(ctx, "rj_1", time.Hour)
	q.Schedule(ctx, "rj_1", 0)

	n, _ := q.Len(ctx)
	if n != 1 {
		t.Errorf("expected one entry per job, got %d", n)
	}
	ids, _ := q.ClaimDue(ctx, 10)
	if len(ids) != 1 {
		t.Errorf("expected rescheduled job due, got %v", ids)
	}

	q.Schedule(ctx, "rj_2", 0)
	q.Remove(ctx, "rj_2")
	if ids, _ := q.ClaimDue(ctx, 10); len(ids) != 0 {
		t.Errorf("expected removed job not claimed, got %v", ids)
	}
}

func TestPollQueueClaimLimit(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()
	q := NewPollQueue(rdb, "polls")

	for _, id := range []string{"rj_1", "rj_2", "rj_3"} {
		q.Schedule(ctx, id, 0)
	}
	ids, _ := q.ClaimDue(ctx, 2)
	if len(ids) != 2 {
		t.Errorf("expected 2 claimed, got %v", ids)
	}
	ids, _ = q.ClaimDue(ctx, 2)
	if len(ids) != 1 {
		t.Errorf("expected 1 remaining, got %v", ids)
	}
}

func TestRedisLockerSerializes(t *testing.T) {
	_, rdb := newRedis(t)
	l := NewRedisLocker(rdb, "lock:", time.Minute, nil)
	ctx := context.Background()

	release, err := l.Lock(ctx, "rj_1")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	// another job is independent
	other, err := l.Lock(ctx, "rj_2")
	if err != nil {
		t.Fatalf("Lock(rj_2) failed: %v", err)
	}
	other()

	var (
		mu    sync.Mutex
		order []string
	)
	done := make(chan struct{})
	go func() {
		r, err := l.Lock(ctx, "rj_1")
		if err != nil {
			t.Errorf("second Lock failed: %v", err)
			close(done)
			return
		}
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		r()
		close(done)
	}()

	time.Sleep(120 * time.Millisecond)
	mu.Lock()
	order = append(order, "first")
	mu.Unlock()
	release()
	release() // idempotent

	<-done
	if len(order) != 2 || order[0] != "first" {
		t.Errorf("expected first then second, got %v", order)
	}
}

func TestRedisLockerContextCancel(t *testing.T) {
	_, rdb := newRedis(t)
	l := NewRedisLocker(rdb, "lock:", time.Minute, nil)

	release, err := l.Lock(context.Background(), "rj_1")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "rj_1"); err == nil {
		t.Error("expected error when ctx expires while waiting")
	}
}

func TestRedisLockerReleaseKeepsForeignLock(t *testing.T) {
	mr, rdb := newRedis(t)
	l := NewRedisLocker(rdb, "lock:", time.Second, nil)
	ctx := context.Background()

	release, err := l.Lock(ctx, "rj_1")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	// the lock expires and another holder takes it
	mr.FastForward(2 * time.Second)
	release2, err := l.Lock(ctx, "rj_1")
	if err != nil {
		t.Fatalf("Lock after expiry failed: %v", err)
	}
	defer release2()

	release()
	if !mr.Exists("lock:rj_1") {
		t.Error("expected stale release not to delete the new holder's lock")
	}
}

func TestRedisLockerRenewsWhileHeld(t *testing.T) {
	mr, rdb := newRedis(t)
	l := NewRedisLocker(rdb, "lock:", 300*time.Millisecond, nil)
	ctx := context.Background()

	release, err := l.Lock(ctx, "rj_1")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	// a slow holder outlives the original ttl in steps
	for i := 0; i < 3; i++ {
		mr.FastForward(250 * time.Millisecond)
		time.Sleep(150 * time.Millisecond)
	}
	if !mr.Exists("lock:rj_1") {
		t.Fatal("expected lock to be renewed while held")
	}

	wctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(wctx, "rj_1"); err == nil {
		t.Error("expected second Lock to wait while the first is held")
	}

	release()
	if mr.Exists("lock:rj_1") {
		t.Error("expected release to delete the lock")
	}
}

func TestRedisLockerReleaseFailureLogged(t *testing.T) {
	_, rdb := newRedis(t)
	var buf bytes.Buffer
	log := logger.New(logger.Config{Level: "warn", Format: "json", Output: &buf})
	l := NewRedisLocker(rdb, "lock:", time.Minute, log)

	release, err := l.Lock(context.Background(), "rj_1")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	rdb.Close()
	release()

	out := buf.String()
	if !strings.Contains(out, "release job lock failed") || !strings.Contains(out, `"job_id":"rj_1"`) {
		t.Errorf("expected warn log for failed release, got %q", out)
	}
	if !strings.Contains(out, `"level":"WARN"`) {
		t.Errorf("expected WARN level, got %q", out)
	}
}
