package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"orbital/internal/domain"
	"orbital/internal/infra"
	"orbital/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobStore on PostgreSQL.
type JobRepositoryPG struct {
	db infra.SQLExecutor
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(db infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{db: db}
}

// Create inserts a pending job. An existing id yields domain.ErrDuplicateJob.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	steps, err := json.Marshal(stepsOrEmpty(job.Steps))
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	tag, err := r.db.Exec(ctx, sqlinline.QJobInsert,
		job.ID,
		job.UserID,
		string(job.Status),
		job.Problem,
		steps,
		job.Voice,
		int64(job.Cost),
		job.CorrelationID,
		job.CreatedAt,
	)
	if err != nil {
		return domain.StorageFailure("create job", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDuplicateJob
	}
	return nil
}

// Get fetches a job by its identifier.
func (r *JobRepositoryPG) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := scanJob(r.db.QueryRow(ctx, sqlinline.QJobGet, jobID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.StorageFailure("get job", err)
	}
	return job, nil
}

// ListByUser returns the newest jobs first.
func (r *JobRepositoryPG) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Job, error) {
	rows, err := r.db.Query(ctx, sqlinline.QJobListByUser, userID, limit)
	if err != nil {
		return nil, domain.StorageFailure("list jobs", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, domain.StorageFailure("scan job", err)
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StorageFailure("list jobs", err)
	}
	return out, nil
}

func (r *JobRepositoryPG) AttachTask(ctx context.Context, jobID, correlationID string) error {
	tag, err := r.db.Exec(ctx, sqlinline.QJobAttachTask, jobID, correlationID)
	if err != nil {
		return domain.StorageFailure("attach task", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Transition applies t only if the stored status is in t.From.
func (r *JobRepositoryPG) Transition(ctx context.Context, jobID string, t domain.Transition) (bool, error) {
	if !t.Valid() {
		return false, fmt.Errorf("illegal transition %v -> %s", t.From, t.To)
	}
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	tag, err := r.db.Exec(ctx, sqlinline.QJobTransition,
		jobID,
		string(t.To),
		at,
		t.VideoURL,
		t.Error,
		t.FromStrings(),
	)
	if err != nil {
		return false, domain.StorageFailure("transition job", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job    domain.Job
		status string
		steps  []byte
		cost   int64
	)
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&status,
		&job.Problem,
		&steps,
		&job.Voice,
		&cost,
		&job.CorrelationID,
		&job.VideoURL,
		&job.Error,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	parsed, ok := domain.ParseJobStatus(status)
	if !ok {
		return nil, fmt.Errorf("unknown job status %q", status)
	}
	job.Status = parsed
	job.Cost = domain.Minutes(cost)
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &job.Steps); err != nil {
			return nil, fmt.Errorf("decode steps: %w", err)
		}
	}
	return &job, nil
}

func stepsOrEmpty(steps []domain.Step) []domain.Step {
	if steps == nil {
		return []domain.Step{}
	}
	return steps
}

var _ domain.JobStore = (*JobRepositoryPG)(nil)
