package render_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"mediarender/internal/pkg/logger"
	"mediarender/internal/ports"
	"mediarender/internal/render"
	"mediarender/internal/repositories"
)

// countingStorage records uploads in memory.
type countingStorage struct {
	mu      sync.Mutex
	puts    int
	objects map[string][]byte
	err     error
}

func newCountingStorage() *countingStorage {
	return &countingStorage{objects: make(map[string][]byte)}
}

func (s *countingStorage) Provider() string { return "counting" }

func (s *countingStorage) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.err != nil {
		return ports.PutObjectOutput{}, s.err
	}
	data, err := io.ReadAll(in.Reader)
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	s.objects[in.ObjectKey] = data
	return ports.PutObjectOutput{
		ObjectKey: in.ObjectKey,
		Size:      int64(len(data)),
		URL:       "https://cdn.test/" + in.ObjectKey,
	}, nil
}

func (s *countingStorage) GetObject(ctx context.Context, key string) (io.ReadCloser, string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, "", 0, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), "application/octet-stream", int64(len(data)), nil
}

func (s *countingStorage) DeleteObject(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *countingStorage) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

type notification struct {
	entityID string
	kind     render.Kind
	url      string
}

// countingNotifier records NotifyAssetReady calls.
type countingNotifier struct {
	mu    sync.Mutex
	calls []notification
	err   error
}

func (n *countingNotifier) NotifyAssetReady(ctx context.Context, entityID string, kind render.Kind, url string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{entityID, kind, url})
	return n.err
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type recordingScheduler struct {
	mu     sync.Mutex
	jobIDs []string
}

func (s *recordingScheduler) SchedulePoll(ctx context.Context, jobID string, afterSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobIDs = append(s.jobIDs, jobID)
	return nil
}

type harness struct {
	orch      *render.Orchestrator
	store     *repositories.MemoryJobStore
	storage   *countingStorage
	notifier  *countingNotifier
	scheduler *recordingScheduler
	registry  *render.Registry
	// logs holds the orchestrator's warn and error records as JSON lines.
	logs *bytes.Buffer
}

func newHarness(t *testing.T, providers ...render.Provider) *harness {
	t.Helper()
	h := &harness{
		store:     repositories.NewMemoryJobStore(),
		storage:   newCountingStorage(),
		notifier:  &countingNotifier{},
		scheduler: &recordingScheduler{},
		registry:  render.NewRegistry(logger.Discard()),
		logs:      &bytes.Buffer{},
	}
	for _, p := range providers {
		h.registry.Register(p)
	}
	h.orch = render.NewOrchestrator(render.Deps{
		Registry:  h.registry,
		Store:     h.store,
		Finalizer: render.NewFinalizer(h.storage, logger.Discard()),
		Notifier:  h.notifier,
		Scheduler: h.scheduler,
		Log:       logger.New(logger.Config{Level: "warn", Format: "json", Output: h.logs}),
	}, render.Options{})
	return h
}

func imageRequest(provider string) render.CreateRequest {
	return render.CreateRequest{
		TenantID: "tenant-1",
		EntityID: "creative-1",
		Kind:     render.KindImage,
		Provider: provider,
		Model:    "sd-1.5",
		Params:   map[string]any{"prompt": "cat"},
	}
}

// checkInvariants asserts the record-level invariants that hold for every job.
func checkInvariants(t *testing.T, job *render.Job) {
	t.Helper()
	if job.ProviderJobID != "" && job.Status == render.StatusQueued {
		t.Errorf("job %s has providerJobId while queued", job.ID)
	}
	if job.Status == render.StatusPublished {
		if job.OutputURLs == nil || job.OutputURLs.Primary == "" {
			t.Errorf("published job %s has no primary output", job.ID)
		}
		if job.CompletedAt == nil {
			t.Errorf("published job %s has no completedAt", job.ID)
		}
	} else if job.OutputURLs != nil {
		t.Errorf("job %s in status %s has output URLs", job.ID, job.Status)
	}
	if job.RetryCount > job.MaxRetries {
		t.Errorf("job %s retryCount %d exceeds maxRetries %d", job.ID, job.RetryCount, job.MaxRetries)
	}
	for i := 1; i < len(job.Logs); i++ {
		if job.Logs[i].Timestamp.Before(job.Logs[i-1].Timestamp) {
			t.Errorf("job %s logs out of order at %d", job.ID, i)
		}
	}
}
