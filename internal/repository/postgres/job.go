package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mnemosyne-ai/mnemosyne/internal/repository"
)

// JobRepo implements repository.JobRepository
type JobRepo struct {
	db *DB
}

// NewJobRepo creates a new job repository
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

// Create records a new ingestion attempt
func (r *JobRepo) Create(ctx context.Context, job *repository.Job) error {
	query := `
		INSERT INTO ingest_jobs (id, document_id, state, attempt, started_at, finished_at, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		job.ID, job.DocumentID, job.State, job.Attempt,
		job.StartedAt, job.FinishedAt, job.LastError, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// Update updates a job's state and timestamps
func (r *JobRepo) Update(ctx context.Context, job *repository.Job) error {
	query := `
		UPDATE ingest_jobs
		SET state = $2, started_at = $3, finished_at = $4, last_error = $5
		WHERE id = $1
	`
	result, err := r.db.Pool.Exec(ctx, query,
		job.ID, job.State, job.StartedAt, job.FinishedAt, job.LastError)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Delete removes a job record
func (r *JobRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM ingest_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetLatestByDocument retrieves the most recent attempt for a document
func (r *JobRepo) GetLatestByDocument(ctx context.Context, documentID uuid.UUID) (*repository.Job, error) {
	query := `
		SELECT id, document_id, state, attempt, started_at, finished_at, last_error, created_at
		FROM ingest_jobs
		WHERE document_id = $1
		ORDER BY attempt DESC
		LIMIT 1
	`
	var job repository.Job
	err := r.db.Pool.QueryRow(ctx, query, documentID).Scan(
		&job.ID, &job.DocumentID, &job.State, &job.Attempt,
		&job.StartedAt, &job.FinishedAt, &job.LastError, &job.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// CountAttempts counts how many attempts have been made for a document
func (r *JobRepo) CountAttempts(ctx context.Context, documentID uuid.UUID) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ingest_jobs WHERE document_id = $1`, documentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count attempts: %w", err)
	}
	return count, nil
}

// Ensure JobRepo implements the interface
var _ repository.JobRepository = (*JobRepo)(nil)
