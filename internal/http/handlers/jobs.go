package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"orbital/internal/domain"
	"orbital/internal/jobs"
)

type solveRequest struct {
	Problem string `json:"problem" validate:"required_without=Image,max=4000"`
	Image   string `json:"image" validate:"omitempty,max=14000000"`
	Voice   string `json:"voice" validate:"omitempty,alphanum,max=64"`
}

type solveResponse struct {
	JobID       string           `json:"job_id"`
	Status      domain.JobStatus `json:"status"`
	Message     string           `json:"message"`
	CostMinutes domain.Minutes   `json:"cost_minutes"`
	Warning     string           `json:"warning,omitempty"`
}

type parseRequest struct {
	Problem string `json:"problem" validate:"required_without=Image,max=4000"`
	Image   string `json:"image" validate:"omitempty,max=14000000"`
}

type parseResponse struct {
	Problem          string         `json:"problem"`
	LaTeX            string         `json:"latex,omitempty"`
	Steps            []domain.Step  `json:"steps"`
	TotalCharacters  int            `json:"total_characters"`
	EstimatedMinutes domain.Minutes `json:"estimated_minutes"`
	Warning          string         `json:"warning,omitempty"`
}

type jobResponse struct {
	JobID           string           `json:"job_id"`
	Status          domain.JobStatus `json:"status"`
	Problem         string           `json:"problem,omitempty"`
	Steps           []domain.Step    `json:"steps,omitempty"`
	VideoURL        string           `json:"video_url,omitempty"`
	Error           string           `json:"error,omitempty"`
	Progress        *int             `json:"progress,omitempty"`
	ProgressMessage string           `json:"progress_message,omitempty"`
	CostMinutes     domain.Minutes   `json:"cost_minutes"`
	CreatedAt       time.Time        `json:"created_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	ExpiresAt       *time.Time       `json:"expires_at,omitempty"`
}

func newJobResponse(job domain.Job) jobResponse {
	return jobResponse{
		JobID:       job.ID,
		Status:      job.Status,
		Problem:     job.Problem,
		Steps:       job.Steps,
		VideoURL:    job.VideoURL,
		Error:       job.Error,
		CostMinutes: job.Cost,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
		ExpiresAt:   job.ExpiresAt(),
	}
}

// Solve queues a video for the caller's problem.
func (a *App) Solve(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req solveRequest
	if !a.decode(w, r, &req) {
		return
	}
	ticket, err := a.Jobs.Submit(r.Context(), jobs.Input{
		UserID:      userID,
		Problem:     req.Problem,
		ImageBase64: req.Image,
		Voice:       req.Voice,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, solveResponse{
		JobID:       ticket.JobID,
		Status:      ticket.Status,
		Message:     ticket.Message,
		CostMinutes: ticket.Cost,
		Warning:     ticket.Warning,
	})
}

// JobStatus returns one of the caller's jobs.
func (a *App) JobStatus(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}
	view, err := a.Jobs.Status(r.Context(), userID, jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	resp := newJobResponse(view.Job)
	resp.Progress = view.Progress
	resp.ProgressMessage = view.ProgressMessage
	a.json(w, http.StatusOK, resp)
}

// ListJobs returns the caller's recent jobs, newest first.
func (a *App) ListJobs(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	list, err := a.Jobs.List(r.Context(), userID, queryLimit(r, 20))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	items := make([]jobResponse, 0, len(list))
	for _, job := range list {
		items = append(items, newJobResponse(job))
	}
	a.json(w, http.StatusOK, map[string]any{"jobs": items})
}

// Parse previews the script and its cost without charging.
func (a *App) Parse(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req parseRequest
	if !a.decode(w, r, &req) {
		return
	}
	preview, err := a.Jobs.Preview(r.Context(), jobs.Input{UserID: userID, Problem: req.Problem, ImageBase64: req.Image})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, parseResponse{
		Problem:          preview.Problem,
		LaTeX:            preview.LaTeX,
		Steps:            preview.Steps,
		TotalCharacters:  preview.TotalCharacters,
		EstimatedMinutes: preview.EstimatedMinutes,
		Warning:          preview.Warning,
	})
}
