package worker

import (
	"context"
	"time"

	"mediarender/internal/pkg/logger"
	"mediarender/internal/render"
)

// Poller applies one provider status check to a job.
type Poller interface {
	Poll(ctx context.Context, id string) (*render.Job, error)
}

// Queue holds job IDs until their next poll is due.
type Queue interface {
	Schedule(ctx context.Context, jobID string, after time.Duration) error
	ClaimDue(ctx context.Context, limit int) ([]string, error)
	Len(ctx context.Context) (int64, error)
}

// RunningLister finds jobs to re-enqueue on startup.
type RunningLister interface {
	ListRunning(ctx context.Context, limit int) ([]string, error)
}

// QueueGauge receives the queue depth after every claim.
type QueueGauge interface {
	SetPollQueueSize(n int64)
}

type Deps struct {
	Orchestrator Poller
	Queue        Queue
	Store        RunningLister
	Gauge        QueueGauge
	Log          *logger.Logger

	Concurrency int
	BatchSize   int
	// Interval between polls of a job whose provider answered normally.
	Interval time.Duration
	// BackoffBase and BackoffMax bound the delay after a transient failure.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Idle is how long the loop sleeps when nothing is due.
	Idle time.Duration
}

func (d *Deps) setDefaults() {
	if d.Log == nil {
		d.Log = logger.NewDefault()
	}
	if d.Concurrency <= 0 {
		d.Concurrency = 4
	}
	if d.BatchSize <= 0 {
		d.BatchSize = d.Concurrency * 4
	}
	if d.Interval <= 0 {
		d.Interval = 10 * time.Second
	}
	if d.BackoffBase <= 0 {
		d.BackoffBase = 5 * time.Second
	}
	if d.BackoffMax <= 0 {
		d.BackoffMax = 5 * time.Minute
	}
	if d.Idle <= 0 {
		d.Idle = time.Second
	}
}
