package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"orbital/internal/dispatch"
	"orbital/internal/domain"
)

// Job error strings written by reconciliation.
const (
	msgTimedOut   = "Video generation timed out"
	msgFailed     = "Video generation failed"
	msgWorkerLost = "worker lost"
)

// reconcile merges the dispatcher's view into the job. The store stays
// authoritative: every write is a compare-and-set and a job that is
// already terminal is never touched.
func (s *Service) reconcile(ctx context.Context, job *domain.Job) View {
	view := View{Job: *job}
	if job.Status.Terminal() {
		if job.Status == domain.JobStatusComplete {
			done := 100
			view.Progress = &done
			view.ProgressMessage = "Video ready!"
		}
		return view
	}

	changed := false
	// live is true while the dispatcher still owns the task. Its own
	// limits and lease reaper settle it, so the stuck check stays out.
	live := false
	if job.CorrelationID != "" {
		st, err := s.dispatcher.Poll(ctx, job.CorrelationID)
		switch {
		case err == nil:
			if st.State == dispatch.StateQueued || st.State == dispatch.StateRunning {
				live = true
				pct := st.Progress.Percent
				view.Progress = &pct
				view.ProgressMessage = st.Progress.Message
				if view.ProgressMessage == "" {
					view.ProgressMessage = "Processing..."
				}
			}
			changed = s.applyTaskState(ctx, job, st)
		case errors.Is(err, dispatch.ErrTaskNotFound):
		default:
			live = true
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("jobs: poll dispatcher failed")
		}
	}

	if !changed && !live {
		if age := s.now().Sub(stuckSince(job)); age > s.cfg.StuckCeiling {
			s.logger.Warn().Str("job_id", job.ID).Str("status", string(job.Status)).Dur("age", age).Msg("jobs: stuck job forced to failed")
			changed = s.failJob(ctx, job, msgTimedOut)
		}
	}

	if changed {
		if fresh, err := s.jobs.Get(ctx, job.ID); err == nil {
			view.Job = *fresh
			view.Progress = nil
			view.ProgressMessage = ""
		}
	}
	return view
}

func (s *Service) applyTaskState(ctx context.Context, job *domain.Job, st dispatch.Status) bool {
	switch st.State {
	case dispatch.StateSucceeded:
		var res TaskResult
		if err := json.Unmarshal(st.Result, &res); err != nil || res.VideoURL == "" {
			return false
		}
		applied, err := s.jobs.Transition(ctx, job.ID, domain.Transition{
			From:     []domain.JobStatus{domain.JobStatusProcessing},
			To:       domain.JobStatusComplete,
			At:       s.now(),
			VideoURL: res.VideoURL,
		})
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("jobs: reconcile complete failed")
			return false
		}
		return applied
	case dispatch.StateFailed:
		return s.failJob(ctx, job, taskFailureMessage(st.Error))
	case dispatch.StateLost:
		return s.failJob(ctx, job, msgWorkerLost)
	}
	return false
}

// failJob moves a non-terminal job to failed and drops its hold.
func (s *Service) failJob(ctx context.Context, job *domain.Job, msg string) bool {
	applied, err := s.jobs.Transition(ctx, job.ID, domain.Transition{
		From:  []domain.JobStatus{domain.JobStatusPending, domain.JobStatusProcessing},
		To:    domain.JobStatusFailed,
		At:    s.now(),
		Error: msg,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("jobs: mark failed")
		return false
	}
	if applied {
		s.release(ctx, job.UserID, job.ID)
		refundFailed(context.WithoutCancel(ctx), s.ledger, s.alerts, s.logger, job)
		s.logger.Warn().Str("job_id", job.ID).Str("error", msg).Msg("jobs: failed")
	}
	return applied
}

// stuckSince is when a job without a live task last made progress: the
// start of processing, or creation for a job that never started.
func stuckSince(job *domain.Job) time.Time {
	if job.Status == domain.JobStatusProcessing && job.StartedAt != nil {
		return *job.StartedAt
	}
	return job.CreatedAt
}

// taskFailureMessage maps a worker-recorded error to the job's user-facing
// message.
func taskFailureMessage(taskErr string) string {
	switch taskErr {
	case "timed out", "hard time limit exceeded":
		return msgTimedOut
	case msgWorkerLost:
		return msgWorkerLost
	}
	return msgFailed
}
