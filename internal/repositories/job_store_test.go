package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"

	pkgerrors "mediarender/internal/pkg/errors"
	"mediarender/internal/render"
)

func newMockStore(t *testing.T) (*JobStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	return NewJobStore(mock), mock
}

func sampleJob() *render.Job {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &render.Job{
		ID:         "rj_1",
		TenantID:   "tenant-1",
		EntityID:   "creative-1",
		Kind:       render.KindImage,
		Provider:   "stub",
		Model:      "sd",
		Params:     map[string]any{"prompt": "cat"},
		Status:     render.StatusRunning,
		MaxRetries: 3,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func docOf(t *testing.T, job *render.Job) []byte {
	t.Helper()
	b, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestJobStoreInsert(t *testing.T) {
	store, mock := newMockStore(t)
	job := sampleJob()

	mock.ExpectExec(`INSERT INTO render_jobs`).
		WithArgs("rj_1", "tenant-1", "creative-1", nil, "image", "stub", "running", nil,
			pgxmock.AnyArg(), job.CreatedAt, job.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := store.Insert(context.Background(), job); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestJobStoreInsertDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO render_jobs`).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := store.Insert(context.Background(), sampleJob())
	if !errors.Is(err, ErrJobExists) {
		t.Errorf("expected ErrJobExists, got %v", err)
	}
}

func TestJobStoreGet(t *testing.T) {
	store, mock := newMockStore(t)
	job := sampleJob()

	mock.ExpectQuery(`SELECT doc FROM render_jobs WHERE id`).
		WithArgs("rj_1").
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow(docOf(t, job)))

	got, err := store.Get(context.Background(), "rj_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != "rj_1" || got.Status != render.StatusRunning || got.Prompt() != "cat" {
		t.Errorf("unexpected job %+v", got)
	}
}

func TestJobStoreGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT doc FROM render_jobs WHERE id`).
		WithArgs("rj_missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.Get(context.Background(), "rj_missing")
	if !errors.Is(err, render.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobStoreUpdate(t *testing.T) {
	store, mock := newMockStore(t)
	job := sampleJob()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT doc FROM render_jobs WHERE id=\$1 FOR UPDATE`).
		WithArgs("rj_1").
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow(docOf(t, job)))
	mock.ExpectExec(`UPDATE render_jobs`).
		WithArgs("rj_1", "published", "pred-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	got, err := store.Update(context.Background(), "rj_1", func(j *render.Job) error {
		j.Status = render.StatusPublished
		j.ProviderJobID = "pred-1"
		j.OutputURLs = &render.OutputURLs{Primary: "https://x/img.png"}
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got.Status != render.StatusPublished || got.OutputURLs.Primary != "https://x/img.png" {
		t.Errorf("unexpected job %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestJobStoreUpdateSkip(t *testing.T) {
	store, mock := newMockStore(t)
	job := sampleJob()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT doc FROM render_jobs`).
		WithArgs("rj_1").
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow(docOf(t, job)))
	mock.ExpectRollback()

	got, err := store.Update(context.Background(), "rj_1", func(j *render.Job) error {
		j.Status = render.StatusFailed
		return render.ErrSkipUpdate
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got.Status != render.StatusRunning {
		t.Errorf("expected unchanged job, got status %s", got.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestJobStoreUpdateMutationError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT doc FROM render_jobs`).
		WithArgs("rj_1").
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow(docOf(t, sampleJob())))
	mock.ExpectRollback()

	want := pkgerrors.New(pkgerrors.CodeInvalidState, "cannot cancel")
	_, err := store.Update(context.Background(), "rj_1", func(j *render.Job) error { return want })
	if !errors.Is(err, want) {
		t.Errorf("expected mutation error to pass through, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestJobStoreUpdateNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT doc FROM render_jobs`).
		WithArgs("rj_missing").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.Update(context.Background(), "rj_missing", func(j *render.Job) error { return nil })
	if !errors.Is(err, render.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobStoreListRunning(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id\s+FROM render_jobs\s+WHERE status='running'`).
		WithArgs(50).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("rj_1").AddRow("rj_2"))

	ids, err := store.ListRunning(context.Background(), 50)
	if err != nil {
		t.Fatalf("ListRunning failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "rj_1" || ids[1] != "rj_2" {
		t.Errorf("unexpected ids %v", ids)
	}
}

func TestJobStorePingMissingTable(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT 1 FROM render_jobs`).
		WillReturnError(&pgconn.PgError{Code: "42P01"})

	if err := store.Ping(context.Background()); err == nil {
		t.Error("expected error for missing table")
	}
}
