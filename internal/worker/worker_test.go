package worker

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"mediarender/internal/adapters/storage/localfs"
	"mediarender/internal/pkg/errors"
	"mediarender/internal/pkg/logger"
	"mediarender/internal/providers/stub"
	"mediarender/internal/queue"
	"mediarender/internal/render"
	"mediarender/internal/repositories"
)

type memQueue struct {
	mu        sync.Mutex
	due       []string
	scheduled map[string]time.Duration
}

func newMemQueue(ids ...string) *memQueue {
	return &memQueue{due: ids, scheduled: map[string]time.Duration{}}
}

func (q *memQueue) Schedule(_ context.Context, id string, after time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.scheduled[id] = after
	return nil
}

func (q *memQueue) ClaimDue(_ context.Context, limit int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(limit, len(q.due))
	out := q.due[:n]
	q.due = q.due[n:]
	return out, nil
}

func (q *memQueue) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.due)), nil
}

type scriptedPoller struct {
	results map[string]func() (*render.Job, error)
}

func (p scriptedPoller) Poll(_ context.Context, id string) (*render.Job, error) {
	return p.results[id]()
}

func job(status render.Status) func() (*render.Job, error) {
	return func() (*render.Job, error) { return &render.Job{Status: status}, nil }
}

func fail(err error) func() (*render.Job, error) {
	return func() (*render.Job, error) { return nil, err }
}

func TestRunOnceReschedulesByOutcome(t *testing.T) {
	q := newMemQueue("running", "published", "transient", "retry3", "exhausted", "missing", "finalize")
	w := New(Deps{
		Orchestrator: scriptedPoller{results: map[string]func() (*render.Job, error){
			"running":   job(render.StatusRunning),
			"published": job(render.StatusPublished),
			"transient": fail(errors.New(errors.CodeUnavailable, "poll error; will retry").WithField("retry_count", 1)),
			"retry3":    fail(errors.New(errors.CodeUnavailable, "poll error; will retry").WithField("retry_count", 3)),
			"exhausted": fail(errors.New(errors.CodeMaxRetriesExceeded, "retry budget exhausted")),
			"missing":   fail(errors.NotFound("render job", "missing")),
			"finalize":  fail(errors.New(errors.CodeFinalizationFailed, "upload failed").WithField("retry_count", 2)),
		}},
		Queue:       q,
		Log:         logger.Discard(),
		Concurrency: 3,
		Interval:    10 * time.Second,
		BackoffBase: time.Second,
		BackoffMax:  3 * time.Second,
	})

	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 7 {
		t.Errorf("expected 7 claimed, got %d", n)
	}

	want := map[string]time.Duration{
		"running":   10 * time.Second,
		"transient": time.Second,
		"retry3":    3 * time.Second, // 4s capped
		"finalize":  2 * time.Second,
	}
	if len(q.scheduled) != len(want) {
		var got []string
		for id := range q.scheduled {
			got = append(got, id)
		}
		sort.Strings(got)
		t.Fatalf("expected %d rescheduled, got %v", len(want), got)
	}
	for id, d := range want {
		if q.scheduled[id] != d {
			t.Errorf("%s: expected delay %v, got %v", id, d, q.scheduled[id])
		}
	}
}

func TestBackoff(t *testing.T) {
	w := New(Deps{BackoffBase: time.Second, BackoffMax: time.Minute, Log: logger.Discard()})
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{7, time.Minute},
		{50, time.Minute},
	}
	for _, tt := range tests {
		if got := w.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d): expected %v, got %v", tt.attempt, tt.want, got)
		}
	}
}

type listRunning []string

func (l listRunning) ListRunning(context.Context, int) ([]string, error) { return l, nil }

func TestReseed(t *testing.T) {
	q := newMemQueue()
	w := New(Deps{Queue: q, Store: listRunning{"rj_1", "rj_2"}, Log: logger.Discard()})

	if err := w.Reseed(context.Background()); err != nil {
		t.Fatalf("Reseed failed: %v", err)
	}
	if len(q.scheduled) != 2 || q.scheduled["rj_1"] != 0 {
		t.Errorf("expected both jobs due now, got %v", q.scheduled)
	}
}

// End to end: submit through the orchestrator, let the worker drive the
// stub provider to completion through the Redis poll queue.
func TestWorkerPublishesJob(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := repositories.NewMemoryJobStore()
	pq := queue.NewPollQueue(rdb, "polls")
	reg := render.NewRegistry(logger.Discard())
	reg.Register(stub.New(stub.Config{PollsUntilComplete: 2}))

	orch := render.NewOrchestrator(render.Deps{
		Registry:  reg,
		Store:     store,
		Finalizer: render.NewFinalizer(localfs.New(t.TempDir(), "http://api.test/assets"), logger.Discard()),
		Scheduler: pq,
		Log:       logger.Discard(),
	}, render.Options{})

	ctx := context.Background()
	created, err := orch.Create(ctx, render.CreateRequest{
		TenantID: "tenant-1",
		EntityID: "creative-1",
		Kind:     render.KindImage,
		Provider: stub.Name,
		Model:    "sd-1.5",
		Params:   map[string]any{"prompt": "a lighthouse"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := orch.Submit(ctx, created.ID); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- Run(runCtx, Deps{
			Orchestrator: orch,
			Queue:        pq,
			Store:        store,
			Log:          logger.Discard(),
			Interval:     time.Millisecond,
			Idle:         5 * time.Millisecond,
		})
	}()

	deadline := time.Now().Add(5 * time.Second)
	var final *render.Job
	for time.Now().Before(deadline) {
		final, _ = orch.Get(ctx, created.ID)
		if final.Status == render.StatusPublished {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if final.Status != render.StatusPublished {
		t.Fatalf("expected published, got %s", final.Status)
	}
	if final.OutputURLs.Primary != "http://api.test/assets/renders/tenant-1/image/"+created.ID+".png" {
		t.Errorf("unexpected output url %q", final.OutputURLs.Primary)
	}
	if n, _ := pq.Len(ctx); n != 0 {
		t.Errorf("expected published job to leave the queue, got %d queued", n)
	}
}
