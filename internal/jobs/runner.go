package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"orbital/internal/alerts"
	"orbital/internal/dispatch"
	"orbital/internal/domain"
	"orbital/internal/ledger"
	"orbital/internal/pipeline"
)

// VideoPipeline renders one job.
type VideoPipeline interface {
	Run(ctx context.Context, jobID, voice string, script domain.Script) pipeline.Outcome
}

// Runner executes generate_video tasks. Redelivered tasks are safe: the
// debit is keyed by job id and every status write is a compare-and-set.
type Runner struct {
	jobs     domain.JobStore
	ledger   Ledger
	pipeline VideoPipeline
	alerts   alerts.Notifier
	logger   zerolog.Logger
	baseURL  string
	now      func() time.Time
}

func NewRunner(jobs domain.JobStore, l Ledger, p VideoPipeline, notifier alerts.Notifier, publicBaseURL string, logger zerolog.Logger) *Runner {
	if notifier == nil {
		notifier = alerts.Nop{}
	}
	return &Runner{
		jobs:     jobs,
		ledger:   l,
		pipeline: p,
		alerts:   notifier,
		logger:   logger.With().Str("component", "runner").Logger(),
		baseURL:  strings.TrimRight(publicBaseURL, "/"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register installs the runner on w.
func (r *Runner) Register(w *dispatch.Worker) {
	w.Register(TaskGenerateVideo, r.Handle)
}

// Handle is the dispatch.Handler for generate_video.
func (r *Runner) Handle(ctx context.Context, tc *dispatch.TaskContext) (any, error) {
	var args TaskArgs
	if err := tc.Args(&args); err != nil {
		return nil, err
	}
	logger := r.logger.With().Str("job_id", args.JobID).Str("task_id", tc.ID()).Int("delivery", tc.Deliveries()).Logger()

	job, err := r.jobs.Get(ctx, args.JobID)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", args.JobID, err)
	}
	switch job.Status {
	case domain.JobStatusComplete:
		logger.Info().Msg("runner: job already complete")
		return TaskResult{VideoURL: job.VideoURL}, nil
	case domain.JobStatusFailed:
		logger.Info().Str("error", job.Error).Msg("runner: job already failed")
		return nil, errors.New(job.Error)
	}

	if _, err := r.jobs.Transition(ctx, job.ID, domain.Transition{
		From: []domain.JobStatus{domain.JobStatusPending},
		To:   domain.JobStatusProcessing,
		At:   r.now(),
	}); err != nil {
		return nil, fmt.Errorf("start job: %w", err)
	}
	if tc.Deliveries() > 1 {
		logger.Warn().Msg("runner: resuming redelivered job")
	}

	tc.Progress(ctx, 10, "preparing", "Preparing video script...")
	tc.Progress(ctx, 30, "rendering", "Rendering video...")
	outcome := r.pipeline.Run(ctx, job.ID, args.Voice, args.Script)
	return r.finish(ctx, tc, job, outcome, logger)
}

// finish turns a pipeline outcome into the job's terminal transition. It is
// the only place that does so on the worker side.
func (r *Runner) finish(ctx context.Context, tc *dispatch.TaskContext, job *domain.Job, outcome pipeline.Outcome, logger zerolog.Logger) (any, error) {
	if !outcome.Succeeded() {
		if outcome.Failure.Kind == pipeline.KindInterrupted {
			logger.Warn().Msg("runner: interrupted, leaving job for redelivery")
			return nil, outcome.Failure
		}
		wctx, cancel := writeContext(ctx)
		defer cancel()
		msg := outcome.Failure.UserMessage()
		applied, err := r.jobs.Transition(wctx, job.ID, domain.Transition{
			From:  []domain.JobStatus{domain.JobStatusProcessing},
			To:    domain.JobStatusFailed,
			At:    r.now(),
			Error: msg,
		})
		if err != nil {
			logger.Error().Err(err).Msg("runner: record failure")
			return nil, err
		}
		if applied {
			if _, err := r.ledger.Release(wctx, job.UserID, job.ID); err != nil {
				logger.Error().Err(err).Msg("runner: release hold")
			}
		}
		logger.Warn().Err(outcome.Failure).Str("kind", string(outcome.Failure.Kind)).Msg("runner: job failed")
		return nil, outcome.Failure
	}

	tc.Progress(ctx, 90, "finalizing", "Finalizing...")
	wctx, cancel := writeContext(ctx)
	defer cancel()
	videoURL := r.baseURL + "/" + outcome.VideoKey

	current, err := r.jobs.Get(wctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("reload job: %w", err)
	}
	switch current.Status {
	case domain.JobStatusComplete:
		return TaskResult{VideoURL: current.VideoURL}, nil
	case domain.JobStatusProcessing:
	default:
		logger.Warn().Str("status", string(current.Status)).Msg("runner: job settled elsewhere, not billing")
		// an earlier delivery may have billed before the job was failed
		refundFailed(wctx, r.ledger, r.alerts, logger, job)
		return nil, fmt.Errorf("job is %s", current.Status)
	}

	res, err := r.ledger.Debit(wctx, ledger.Request{
		UserID:         job.UserID,
		Amount:         job.Cost,
		Source:         domain.SourceJobComplete,
		IdempotencyKey: job.ID,
		HoldKey:        job.ID,
		Metadata:       map[string]any{"job_id": job.ID, "video": outcome.VideoKey},
	})
	if err != nil {
		logger.Error().Err(err).Str("cost", job.Cost.String()).Msg("runner: billing failed after render")
		r.alerts.Notify(wctx, alerts.SeverityCritical, "Billing failed for delivered video", map[string]any{
			"job_id": job.ID,
			"user":   domain.MaskUserID(job.UserID),
			"cost":   job.Cost.String(),
			"error":  err.Error(),
		})
	} else if res.Idempotent {
		logger.Info().Str("transaction_id", res.TransactionID).Msg("runner: debit already recorded")
	}

	applied, err := r.jobs.Transition(wctx, job.ID, domain.Transition{
		From:     []domain.JobStatus{domain.JobStatusProcessing},
		To:       domain.JobStatusComplete,
		At:       r.now(),
		VideoURL: videoURL,
	})
	if err != nil {
		// the task result carries the URL, so the next poll completes the job
		logger.Error().Err(err).Msg("runner: record completion")
	} else if !applied {
		return r.lostCompletion(wctx, job, logger)
	}
	tc.Progress(ctx, 100, "complete", "Video ready!")
	logger.Info().Str("video_url", videoURL).Msg("runner: job complete")
	return TaskResult{VideoURL: videoURL}, nil
}

// lostCompletion handles a completion CAS that did not apply after billing.
// A poll may have failed the job in between; the debit is then reversed.
func (r *Runner) lostCompletion(ctx context.Context, job *domain.Job, logger zerolog.Logger) (any, error) {
	current, err := r.jobs.Get(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("reload job: %w", err)
	}
	if current.Status == domain.JobStatusComplete {
		return TaskResult{VideoURL: current.VideoURL}, nil
	}
	logger.Warn().Str("status", string(current.Status)).Msg("runner: completion lost the race")
	refundFailed(ctx, r.ledger, r.alerts, logger, job)
	return nil, fmt.Errorf("job is %s", current.Status)
}

func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}
