// Package jobs owns the video job lifecycle: submission with a minutes
// reservation, the worker task that renders and settles a job, and
// poll-time reconciliation against the dispatcher.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"orbital/internal/alerts"
	"orbital/internal/dispatch"
	"orbital/internal/domain"
	"orbital/internal/ledger"
	"orbital/internal/providers/parser"
	"orbital/internal/sanitize"
)

// TaskGenerateVideo is the dispatcher task name the worker registers.
const TaskGenerateVideo = "generate_video"

const (
	DefaultVoice     = "allison"
	defaultListLimit = 20
	maxListLimit     = 100
	brand            = "Orbital"
)

// TaskArgs is the payload of a generate_video task.
type TaskArgs struct {
	JobID  string        `json:"job_id"`
	UserID string        `json:"user_id"`
	Voice  string        `json:"voice"`
	Script domain.Script `json:"script"`
}

// TaskResult is what a successful task stores.
type TaskResult struct {
	VideoURL string `json:"video_url"`
}

// Ledger is the part of the ledger service jobs needs.
type Ledger interface {
	Reserve(ctx context.Context, userID, key string, amount domain.Minutes) (domain.Hold, error)
	Release(ctx context.Context, userID, key string) (bool, error)
	Debit(ctx context.Context, req ledger.Request) (ledger.Result, error)
	Refund(ctx context.Context, userID, key string, metadata map[string]any) (ledger.Result, bool, error)
}

// Dispatcher submits tasks and reports their state.
type Dispatcher interface {
	Submit(ctx context.Context, name string, args any) (string, error)
	Poll(ctx context.Context, id string) (dispatch.Status, error)
}

// Config tunes the Service.
type Config struct {
	StuckCeiling time.Duration
}

// Service handles API-side job operations.
type Service struct {
	jobs       domain.JobStore
	ledger     Ledger
	dispatcher Dispatcher
	parser     parser.Parser
	alerts     alerts.Notifier
	logger     zerolog.Logger
	cfg        Config
	now        func() time.Time
	newID      func() string
}

func NewService(jobs domain.JobStore, l Ledger, d Dispatcher, p parser.Parser, notifier alerts.Notifier, cfg Config, logger zerolog.Logger) *Service {
	if notifier == nil {
		notifier = alerts.Nop{}
	}
	if cfg.StuckCeiling <= 0 {
		cfg.StuckCeiling = 15 * time.Minute
	}
	return &Service{
		jobs:       jobs,
		ledger:     l,
		dispatcher: d,
		parser:     p,
		alerts:     notifier,
		logger:     logger.With().Str("component", "jobs").Logger(),
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return uuid.NewString()[:8] },
	}
}

// Input is a problem given as text or as an image.
type Input struct {
	UserID      string
	Problem     string
	ImageBase64 string
	Voice       string
}

// Ticket is returned by Submit.
type Ticket struct {
	JobID   string
	Status  domain.JobStatus
	Message string
	Cost    domain.Minutes
	Warning string
}

// Submit parses the problem, reserves its cost, records the job and hands it
// to the dispatcher. Without enough minutes no job is created.
func (s *Service) Submit(ctx context.Context, in Input) (Ticket, error) {
	script, warning, err := s.parse(ctx, in)
	if err != nil {
		return Ticket{}, err
	}
	spoken, _ := SpokenChars(script.Steps)
	cost := Cost(spoken)
	voice := in.Voice
	if voice == "" {
		voice = DefaultVoice
	}

	jobID, err := s.reserve(ctx, in.UserID, cost)
	if err != nil {
		return Ticket{}, err
	}
	script.Meta.JobID = jobID
	script.Meta.Brand = brand

	now := s.now()
	job := &domain.Job{
		ID:        jobID,
		UserID:    in.UserID,
		Status:    domain.JobStatusPending,
		Problem:   script.Problem,
		Steps:     script.Steps,
		Voice:     voice,
		Cost:      cost,
		CreatedAt: now,
		UpdatedAt: now,
	}
	logger := s.logger.With().Str("job_id", jobID).Str("user", domain.MaskUserID(in.UserID)).Logger()
	if err := s.jobs.Create(ctx, job); err != nil {
		s.release(ctx, in.UserID, jobID)
		return Ticket{}, domain.StorageFailure("create job", err)
	}
	logger.Info().Int("steps", len(script.Steps)).Str("cost", cost.String()).Msg("jobs: created")

	taskID, err := s.dispatcher.Submit(ctx, TaskGenerateVideo, TaskArgs{JobID: jobID, UserID: in.UserID, Voice: voice, Script: *script})
	if err != nil {
		logger.Error().Err(err).Msg("jobs: dispatch failed")
		s.failJob(context.WithoutCancel(ctx), job, "Failed to queue video")
		s.alerts.Notify(ctx, alerts.SeverityError, "Solve endpoint failed", map[string]any{"job_id": jobID, "error": truncate(err.Error(), 200)})
		return Ticket{}, fmt.Errorf("queue job: %w", err)
	}
	if err := s.jobs.AttachTask(ctx, jobID, taskID); err != nil {
		// the worker still runs the job; only live progress is lost
		logger.Error().Err(err).Str("task_id", taskID).Msg("jobs: attach task failed")
	}
	logger.Info().Str("task_id", taskID).Msg("jobs: queued")

	return Ticket{
		JobID:   jobID,
		Status:  domain.JobStatusPending,
		Message: fmt.Sprintf("Video queued: %s...", truncate(script.Problem, 50)),
		Cost:    cost,
		Warning: warning,
	}, nil
}

// reserve picks an unused job id and holds cost under it.
func (s *Service) reserve(ctx context.Context, userID string, cost domain.Minutes) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		id := s.newID()
		_, err := s.jobs.Get(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return "", domain.StorageFailure("check job id", err)
		}
		if _, err := s.ledger.Reserve(ctx, userID, id, cost); err != nil {
			return "", err
		}
		return id, nil
	}
	return "", domain.StorageFailure("allocate job id", domain.ErrDuplicateJob)
}

func (s *Service) release(ctx context.Context, userID, jobID string) {
	if _, err := s.ledger.Release(context.WithoutCancel(ctx), userID, jobID); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("jobs: release hold failed")
	}
}

// refundFailed reverses a debit already recorded for a job that ended
// failed. Nothing is written when the job was never billed.
func refundFailed(ctx context.Context, l Ledger, notifier alerts.Notifier, logger zerolog.Logger, job *domain.Job) {
	res, found, err := l.Refund(ctx, job.UserID, job.ID, map[string]any{"job_id": job.ID, "reason": "job failed after billing"})
	if err != nil {
		logger.Error().Err(err).Str("job_id", job.ID).Msg("jobs: refund failed")
		notifier.Notify(ctx, alerts.SeverityCritical, "Refund failed for billed job", map[string]any{
			"job_id": job.ID,
			"user":   domain.MaskUserID(job.UserID),
			"error":  err.Error(),
		})
		return
	}
	if !found || res.Idempotent {
		return
	}
	notifier.Notify(ctx, alerts.SeverityCritical, "Billed job failed and was refunded", map[string]any{
		"job_id": job.ID,
		"user":   domain.MaskUserID(job.UserID),
		"amount": res.Amount.String(),
	})
}

// Preview is the free parse used for the confirmation screen.
type Preview struct {
	Problem          string
	LaTeX            string
	Steps            []domain.Step
	TotalCharacters  int
	EstimatedMinutes domain.Minutes
	Warning          string
}

func (s *Service) Preview(ctx context.Context, in Input) (Preview, error) {
	script, warning, err := s.parse(ctx, in)
	if err != nil {
		return Preview{}, err
	}
	spoken, _ := SpokenChars(script.Steps)
	return Preview{
		Problem:          script.Problem,
		LaTeX:            script.Meta.LaTeX,
		Steps:            script.Steps,
		TotalCharacters:  spoken,
		EstimatedMinutes: Cost(spoken),
		Warning:          warning,
	}, nil
}

func (s *Service) parse(ctx context.Context, in Input) (*domain.Script, string, error) {
	var req parser.Request
	var warning string
	switch {
	case in.ImageBase64 != "":
		img, err := sanitize.Image(in.ImageBase64)
		if err != nil {
			return nil, "", err
		}
		req.ImageBase64 = img
	case in.Problem != "":
		res, err := sanitize.Problem(in.Problem)
		if err != nil {
			if sanitize.LooksLikeInjection(in.Problem) {
				s.logger.Warn().Str("user", domain.MaskUserID(in.UserID)).Str("input", truncate(in.Problem, 100)).Msg("jobs: blocked prompt injection attempt")
			}
			return nil, "", err
		}
		req.Problem = res.Text
		warning = res.Warning
	default:
		return nil, "", &domain.ValidationError{Message: "Must provide either 'problem' or 'image'"}
	}
	script, err := s.parser.Parse(ctx, req)
	if err != nil {
		return nil, "", err
	}
	return script, warning, nil
}

// View is a job plus live progress as seen by its owner.
type View struct {
	Job             domain.Job
	Progress        *int
	ProgressMessage string
}

// Status returns the owner's job after reconciling it with the dispatcher.
func (s *Service) Status(ctx context.Context, userID, jobID string) (View, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		return View{}, err
	}
	if err != nil {
		return View{}, domain.StorageFailure("get job", err)
	}
	if job.UserID != userID {
		return View{}, domain.ErrForbidden
	}
	return s.reconcile(ctx, job), nil
}

// List returns the user's most recent jobs.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	jobs, err := s.jobs.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, domain.StorageFailure("list jobs", err)
	}
	return jobs, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
