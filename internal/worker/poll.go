package worker

import (
	"context"
	"time"

	"mediarender/internal/pkg/errors"
	"mediarender/internal/pkg/logger"
	"mediarender/internal/render"
)

// pollJob polls one job and puts it back on the queue when another poll
// is needed.
func (w *Worker) pollJob(ctx context.Context, jobID string) {
	jobCtx := logger.ContextWithJobID(ctx, jobID)
	log := w.log.WithJobID(jobID)

	log.Debug("polling job")
	startTime := time.Now()

	job, err := w.orch.Poll(jobCtx, jobID)
	if err == nil {
		if job.Status == render.StatusRunning {
			w.reschedule(ctx, log, jobID, w.interval)
			return
		}
		log.Info("job left polling",
			"status", job.Status,
			"duration_ms", time.Since(startTime).Milliseconds(),
		)
		return
	}

	switch errors.GetCode(err) {
	case errors.CodeUnavailable, errors.CodeFinalizationFailed, errors.CodeInternal:
		delay := w.backoff(retryCount(err))
		log.WithError(err).Warn("poll failed, backing off", "delay_ms", delay.Milliseconds())
		w.reschedule(ctx, log, jobID, delay)
	default:
		l := log.WithError(err)
		if errors.IsCallerError(err) {
			// deleted, never submitted or provider no longer registered
			l.Warn("job dropped from polling", "code", errors.GetCode(err))
			return
		}
		l.Error("job dropped from polling",
			"code", errors.GetCode(err),
			"duration_ms", time.Since(startTime).Milliseconds(),
		)
	}
}

func (w *Worker) reschedule(ctx context.Context, log *logger.Logger, jobID string, after time.Duration) {
	// reschedule even when shutdown cancelled ctx so the job is not lost
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.queue.Schedule(sctx, jobID, after); err != nil {
		log.WithError(err).Error("failed to reschedule poll")
	}
}

// backoff returns base * 2^(attempt-1), capped at max.
func (w *Worker) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := w.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.backoffMax {
			return w.backoffMax
		}
	}
	if d > w.backoffMax {
		return w.backoffMax
	}
	return d
}

func retryCount(err error) int {
	if n, ok := errors.GetFields(err)["retry_count"].(int); ok {
		return n
	}
	return 1
}
