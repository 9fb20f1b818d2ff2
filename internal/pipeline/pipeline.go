// Package pipeline writes a job's script, drives the renderer and verifies
// the artifact. Run never returns an error: every outcome, good or bad, is an
// Outcome value.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"orbital/internal/domain"
	"orbital/internal/storage"
)

// FailureKind classifies why a render did not produce a video.
type FailureKind string

const (
	KindTimeout         FailureKind = "timeout"
	KindRender          FailureKind = "render"
	KindUpstream        FailureKind = "upstream"
	KindArtifactMissing FailureKind = "artifact_missing"
	KindInternal        FailureKind = "internal"
	// KindInterrupted means the worker is shutting down; the job must be
	// left for redelivery.
	KindInterrupted FailureKind = "interrupted"
)

var userMessages = map[FailureKind]string{
	KindTimeout:         "Video generation timed out",
	KindRender:          "Video rendering failed",
	KindUpstream:        "A required service is unavailable, please try again",
	KindArtifactMissing: "Video file not created",
	KindInternal:        "Video generation failed",
	KindInterrupted:     "Video generation was interrupted",
}

// Failure is a classified pipeline error.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// UserMessage is the short fixed string stored on the job.
func (f *Failure) UserMessage() string {
	if msg, ok := userMessages[f.Kind]; ok {
		return msg
	}
	return userMessages[KindInternal]
}

// Outcome is the result of one Run.
type Outcome struct {
	VideoKey string
	Failure  *Failure
}

func (o Outcome) Succeeded() bool { return o.Failure == nil }

func failed(kind FailureKind, err error) Outcome {
	return Outcome{Failure: &Failure{Kind: kind, Err: err}}
}

// ScriptKey and VideoKey are the storage keys for a job's files.
func ScriptKey(jobID string) string { return "scripts/" + jobID + ".json" }
func VideoKey(jobID string) string  { return "videos/" + jobID + ".mp4" }

// Options tunes retries of upstream failures.
type Options struct {
	Retries int
	Backoff time.Duration
}

// Pipeline renders scripts into FileStore.
type Pipeline struct {
	renderer Renderer
	files    *storage.FileStore
	retries  int
	backoff  time.Duration
	logger   zerolog.Logger
}

func New(renderer Renderer, files *storage.FileStore, opts Options, logger zerolog.Logger) *Pipeline {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	return &Pipeline{
		renderer: renderer,
		files:    files,
		retries:  opts.Retries,
		backoff:  opts.Backoff,
		logger:   logger.With().Str("component", "pipeline").Logger(),
	}
}

// Run writes the script, renders it and checks the video exists. Upstream
// failures are retried with exponential backoff while ctx allows.
func (p *Pipeline) Run(ctx context.Context, jobID, voice string, script domain.Script) Outcome {
	logger := p.logger.With().Str("job_id", jobID).Logger()
	raw, err := json.MarshalIndent(script, "", "  ")
	if err != nil {
		return failed(KindInternal, fmt.Errorf("encode script: %w", err))
	}
	scriptKey, err := p.files.Write(ctx, ScriptKey(jobID), raw)
	if err != nil {
		return classify(ctx, fmt.Errorf("write script: %w", err), KindInternal)
	}
	scriptPath, err := p.files.Path(scriptKey)
	if err != nil {
		return failed(KindInternal, err)
	}
	videoKey := VideoKey(jobID)
	if err := p.files.EnsureDir(videoKey); err != nil {
		return failed(KindInternal, err)
	}
	outputPath, err := p.files.Path(videoKey)
	if err != nil {
		return failed(KindInternal, err)
	}

	req := RenderRequest{ScriptPath: scriptPath, Voice: voice, OutputPath: outputPath}
	for attempt := 0; ; attempt++ {
		err = p.renderer.Render(ctx, req)
		var upstream *domain.UpstreamError
		if err == nil || !errors.As(err, &upstream) || attempt >= p.retries {
			break
		}
		wait := p.backoff << attempt
		logger.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", wait).Msg("pipeline: retrying render")
		if !sleep(ctx, wait) {
			err = ctx.Err()
			break
		}
	}
	if err != nil {
		return classify(ctx, err, KindRender)
	}

	ok, err := p.files.Exists(ctx, videoKey)
	if err != nil {
		return classify(ctx, err, KindInternal)
	}
	if !ok {
		return failed(KindArtifactMissing, errors.New("video file not created"))
	}
	return Outcome{VideoKey: videoKey}
}

func classify(ctx context.Context, err error, fallback FailureKind) Outcome {
	var upstream *domain.UpstreamError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return failed(KindTimeout, err)
	case errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		return failed(KindInterrupted, err)
	case errors.As(err, &upstream):
		return failed(KindUpstream, err)
	}
	return failed(fallback, err)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
