package render

import (
	"context"
	"sync"
)

// Locker serializes work on a single job. The returned release func must be
// called exactly once.
type Locker interface {
	Lock(ctx context.Context, jobID string) (release func(), err error)
}

// LocalLocker is an in-process Locker keyed by job ID. Entries are removed
// once no goroutine holds or waits for them.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*jobLock
}

type jobLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*jobLock)}
}

// Lock blocks until the job's lock is held or ctx is done.
func (l *LocalLocker) Lock(ctx context.Context, jobID string) (func(), error) {
	l.mu.Lock()
	jl, ok := l.locks[jobID]
	if !ok {
		jl = &jobLock{ch: make(chan struct{}, 1)}
		l.locks[jobID] = jl
	}
	jl.refs++
	l.mu.Unlock()

	select {
	case jl.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(jobID, jl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-jl.ch
			l.unref(jobID, jl)
		})
	}, nil
}

func (l *LocalLocker) unref(jobID string, jl *jobLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	jl.refs--
	if jl.refs == 0 {
		delete(l.locks, jobID)
	}
}

// held reports how many lock entries exist. Used by tests.
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
