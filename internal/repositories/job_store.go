package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"mediarender/internal/render"
)

// DB is the subset of *pgxpool.Pool used by the repositories.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// JobStore persists render jobs in Postgres. The full record lives in the
// doc JSONB column; status and correlation columns are denormalized for
// indexing.
type JobStore struct {
	db DB
}

func NewJobStore(db DB) *JobStore {
	return &JobStore{db: db}
}

func (r *JobStore) Insert(ctx context.Context, job *render.Job) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode render job: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO render_jobs
			(id, tenant_id, entity_id, campaign_id, kind, provider, status, provider_job_id, doc, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, job.ID, job.TenantID, job.EntityID, nullable(job.CampaignID), string(job.Kind), job.Provider,
		string(job.Status), nullable(job.ProviderJobID), doc, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
		}
		return err
	}
	return nil
}

func (r *JobStore) Get(ctx context.Context, id string) (*render.Job, error) {
	var doc []byte
	err := r.db.QueryRow(ctx, `SELECT doc FROM render_jobs WHERE id=$1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, render.ErrJobNotFound
		}
		return nil, err
	}
	return decodeJob(doc)
}

// Update locks the row with SELECT ... FOR UPDATE, applies mutate and writes
// the result in the same transaction.
func (r *JobStore) Update(ctx context.Context, id string, mutate render.Mutation) (*render.Job, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}

	var doc []byte
	err = tx.QueryRow(ctx, `SELECT doc FROM render_jobs WHERE id=$1 FOR UPDATE`, id).Scan(&doc)
	if err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, render.ErrJobNotFound
		}
		return nil, err
	}

	job, err := decodeJob(doc)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	before := job.Clone()

	if err := mutate(job); err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, render.ErrSkipUpdate) {
			return before, nil
		}
		return nil, err
	}

	next, err := json.Marshal(job)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("encode render job: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE render_jobs
		SET status=$2, provider_job_id=$3, doc=$4, updated_at=$5
		WHERE id=$1
	`, id, string(job.Status), nullable(job.ProviderJobID), next, job.UpdatedAt)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return job, nil
}

// ListRunning returns the IDs of running jobs, oldest first.
func (r *JobStore) ListRunning(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id
		FROM render_jobs
		WHERE status='running'
		ORDER BY updated_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Ping verifies the render_jobs table is reachable.
func (r *JobStore) Ping(ctx context.Context) error {
	var one int
	err := r.db.QueryRow(ctx, `SELECT 1 FROM render_jobs LIMIT 1`).Scan(&one)
	if err == nil || errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if IsUndefinedTable(err) {
		return fmt.Errorf("render_jobs table missing, run migrations: %w", err)
	}
	return err
}

func decodeJob(doc []byte) (*render.Job, error) {
	var job render.Job
	if err := json.Unmarshal(doc, &job); err != nil {
		return nil, fmt.Errorf("decode render job: %w", err)
	}
	return &job, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
