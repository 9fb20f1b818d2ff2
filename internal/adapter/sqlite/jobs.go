package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"orbital/internal/domain"
)

// JobStore implements domain.JobStore.
type JobStore struct {
	db *DB
}

func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

func (s *JobStore) Create(ctx context.Context, job *domain.Job) error {
	steps, err := json.Marshal(job.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	if job.Steps == nil {
		steps = []byte("[]")
	}
	created := formatTime(job.CreatedAt)
	res, err := s.db.sql.ExecContext(ctx, qJobInsert,
		job.ID, job.UserID, string(job.Status), job.Problem, string(steps), job.Voice,
		int64(job.Cost), job.CorrelationID, created, created)
	if err != nil {
		return domain.StorageFailure("create job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrDuplicateJob
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := scanJob(s.db.sql.QueryRowContext(ctx, qJobGet, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.StorageFailure("get job", err)
	}
	return job, nil
}

func (s *JobStore) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Job, error) {
	rows, err := s.db.sql.QueryContext(ctx, qJobListByUser, userID, limit)
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

func (s *JobStore) AttachTask(ctx context.Context, jobID, correlationID string) error {
	res, err := s.db.sql.ExecContext(ctx, qJobAttachTask, correlationID, formatTime(time.Now()), jobID)
	if err != nil {
		return domain.StorageFailure("attach task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *JobStore) Transition(ctx context.Context, jobID string, t domain.Transition) (bool, error) {
	if !t.Valid() {
		return false, fmt.Errorf("illegal transition %v -> %s", t.From, t.To)
	}
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	args := []any{string(t.To), formatTime(at), t.VideoURL, t.Error, jobID}
	placeholders := make([]string, 0, len(t.From))
	for _, from := range t.From {
		args = append(args, string(from))
		placeholders = append(placeholders, fmt.Sprintf("?%d", len(args)))
	}
	res, err := s.db.sql.ExecContext(ctx, fmt.Sprintf(qJobTransition, strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return false, domain.StorageFailure("transition job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, domain.StorageFailure("transition job", err)
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job                         domain.Job
		status, steps, created, upd string
		cost                        int64
		started, completed          sql.NullString
	)
	if err := row.Scan(&job.ID, &job.UserID, &status, &job.Problem, &steps, &job.Voice, &cost,
		&job.CorrelationID, &job.VideoURL, &job.Error, &created, &started, &completed, &upd); err != nil {
		return nil, err
	}
	parsed, ok := domain.ParseJobStatus(status)
	if !ok {
		return nil, fmt.Errorf("unknown job status %q", status)
	}
	job.Status = parsed
	job.Cost = domain.Minutes(cost)
	if err := json.Unmarshal([]byte(steps), &job.Steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	var err error
	if job.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(upd); err != nil {
		return nil, err
	}
	if job.StartedAt, err = parseNullTime(started); err != nil {
		return nil, err
	}
	if job.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	return &job, nil
}

var _ domain.JobStore = (*JobStore)(nil)
