package render

import (
	"context"
	stderrors "errors"
)

// ErrJobNotFound is returned by stores for unknown job IDs.
var ErrJobNotFound = stderrors.New("render job not found")

// ErrSkipUpdate aborts an Update without writing. Update then returns the
// unchanged job and a nil error.
var ErrSkipUpdate = stderrors.New("skip update")

// Mutation edits a job in place inside Store.Update.
type Mutation func(job *Job) error

// Store persists jobs. Update must apply the mutation atomically with
// respect to other Updates of the same job.
type Store interface {
	Insert(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, id string, mutate Mutation) (*Job, error)
}

// Notifier tells the owning entity that an asset is ready.
type Notifier interface {
	NotifyAssetReady(ctx context.Context, entityID string, kind Kind, url string) error
}

// PollScheduler arranges for a future Poll of a job. The worker's queue
// implements it; a nil scheduler means polling is caller-driven only.
type PollScheduler interface {
	SchedulePoll(ctx context.Context, jobID string, afterSeconds int) error
}
