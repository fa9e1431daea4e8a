package repositories

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"mediarender/internal/render"
)

// MemoryJobStore keeps jobs in process memory. Used for local development
// (STORE_DRIVER=memory) and tests.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]*render.Job
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*render.Job)}
}

func (s *MemoryJobStore) Insert(ctx context.Context, job *render.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryJobStore) Get(ctx context.Context, id string) (*render.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, render.ErrJobNotFound
	}
	return job.Clone(), nil
}

// Update runs mutate on a copy and commits it only when mutate succeeds.
func (s *MemoryJobStore) Update(ctx context.Context, id string, mutate render.Mutation) (*render.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[id]
	if !ok {
		return nil, render.ErrJobNotFound
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		if errors.Is(err, render.ErrSkipUpdate) {
			return current.Clone(), nil
		}
		return nil, err
	}
	s.jobs[id] = next
	return next.Clone(), nil
}

// Len reports the number of stored jobs.
func (s *MemoryJobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// ListRunning returns the IDs of running jobs, least recently updated first.
func (s *MemoryJobStore) ListRunning(ctx context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	running := make([]*render.Job, 0)
	for _, j := range s.jobs {
		if j.Status == render.StatusRunning {
			running = append(running, j)
		}
	}
	sort.Slice(running, func(a, b int) bool { return running[a].UpdatedAt.Before(running[b].UpdatedAt) })
	if limit > 0 && len(running) > limit {
		running = running[:limit]
	}
	ids := make([]string, len(running))
	for i, j := range running {
		ids[i] = j.ID
	}
	return ids, nil
}
