// Package memory holds in-process stores for tests and single-binary runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"orbital/internal/domain"
)

// JobStore keeps jobs in a map guarded by a mutex.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
}

func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*domain.Job)}
}

func (s *JobStore) Create(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return domain.ErrDuplicateJob
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *JobStore) Get(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *JobStore) ListByUser(_ context.Context, userID string, limit int) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Job
	for _, job := range s.jobs {
		if job.UserID == userID {
			out = append(out, *cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *JobStore) AttachTask(_ context.Context, jobID, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	job.CorrelationID = correlationID
	return nil
}

func (s *JobStore) Transition(_ context.Context, jobID string, t domain.Transition) (bool, error) {
	if !t.Valid() {
		return false, fmt.Errorf("illegal transition %v -> %s", t.From, t.To)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if !statusIn(job.Status, t.From) {
		return false, nil
	}
	applyTransition(job, t)
	return true, nil
}

func statusIn(s domain.JobStatus, from []domain.JobStatus) bool {
	for _, f := range from {
		if s == f {
			return true
		}
	}
	return false
}

func applyTransition(job *domain.Job, t domain.Transition) {
	at := t.At
	job.Status = t.To
	job.UpdatedAt = at
	switch t.To {
	case domain.JobStatusProcessing:
		if job.StartedAt == nil {
			job.StartedAt = &at
		}
	case domain.JobStatusComplete, domain.JobStatusFailed:
		job.CompletedAt = &at
	}
	if t.VideoURL != "" {
		job.VideoURL = t.VideoURL
	}
	if t.Error != "" {
		job.Error = t.Error
	}
}

func cloneJob(j *domain.Job) *domain.Job {
	c := *j
	c.Steps = append([]domain.Step(nil), j.Steps...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

var _ domain.JobStore = (*JobStore)(nil)
