package worker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"mediarender/internal/pkg/logger"
)

// reseedLimit caps how many running jobs are re-enqueued at startup.
const reseedLimit = 10000

type Worker struct {
	orch        Poller
	queue       Queue
	store       RunningLister
	gauge       QueueGauge
	log         *logger.Logger
	concurrency int
	batchSize   int
	interval    time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration
	idle        time.Duration
}

func New(d Deps) *Worker {
	d.setDefaults()
	return &Worker{
		orch:        d.Orchestrator,
		queue:       d.Queue,
		store:       d.Store,
		gauge:       d.Gauge,
		log:         d.Log.WithComponent("worker"),
		concurrency: d.Concurrency,
		batchSize:   d.BatchSize,
		interval:    d.Interval,
		backoffBase: d.BackoffBase,
		backoffMax:  d.BackoffMax,
		idle:        d.Idle,
	}
}

// Run re-enqueues running jobs, then claims due polls until ctx is done.
func Run(ctx context.Context, d Deps) error {
	return New(d).Run(ctx)
}

func (w *Worker) Run(ctx context.Context) error {
	if err := w.Reseed(ctx); err != nil {
		w.log.WithError(err).Warn("reseed failed; relying on queued polls")
	}

	w.log.Info("worker started", "concurrency", w.concurrency, "interval", w.interval.String())

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker context canceled, stopping")
			return ctx.Err()
		default:
		}

		n, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.log.Info("worker stopping due to context cancellation")
				return ctx.Err()
			}
			w.log.Warn("queue claim error, retrying", "error", err.Error())
		}
		if n > 0 {
			continue
		}

		t := time.NewTimer(w.idle)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
}

// RunOnce claims one batch of due jobs and polls them with bounded
// concurrency. It returns how many jobs were claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	ids, err := w.queue.ClaimDue(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	if w.gauge != nil {
		if n, err := w.queue.Len(ctx); err == nil {
			w.gauge.SetPollQueueSize(n)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			w.pollJob(ctx, id)
			return nil
		})
	}
	return len(ids), g.Wait()
}

// Reseed schedules an immediate poll for every running job so polls lost
// while no worker was up are recovered.
func (w *Worker) Reseed(ctx context.Context) error {
	if w.store == nil {
		return nil
	}
	ids, err := w.store.ListRunning(ctx, reseedLimit)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := w.queue.Schedule(ctx, id, 0); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		w.log.Info("re-enqueued running jobs", "count", len(ids))
	}
	return nil
}
