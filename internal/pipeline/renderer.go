package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"orbital/internal/domain"
)

// exitTempFail is EX_TEMPFAIL from sysexits.h. The render pipeline exits
// with it when a remote dependency such as TTS was unavailable.
const exitTempFail = 75

// RenderRequest names the script to render and where the video must land.
type RenderRequest struct {
	ScriptPath string
	Voice      string
	OutputPath string
}

// Renderer turns a script file into a video file.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) error
}

// CommandRenderer runs the external render pipeline as a subprocess:
//
//	<command> <args...> <script> --voice <voice> --output <path>
type CommandRenderer struct {
	Command string
	Args    []string
	Dir     string
	logger  zerolog.Logger
}

func NewCommandRenderer(command string, args []string, dir string, logger zerolog.Logger) *CommandRenderer {
	return &CommandRenderer{
		Command: command,
		Args:    args,
		Dir:     dir,
		logger:  logger.With().Str("component", "renderer").Logger(),
	}
}

func (r *CommandRenderer) Render(ctx context.Context, req RenderRequest) error {
	args := append(append([]string(nil), r.Args...), req.ScriptPath, "--voice", req.Voice, "--output", req.OutputPath)
	cmd := exec.CommandContext(ctx, r.Command, args...)
	cmd.Dir = r.Dir
	cmd.WaitDelay = 5 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	logger := r.logger.With().Str("script", req.ScriptPath).Dur("duration", time.Since(start)).Logger()
	if err == nil {
		logger.Info().Msg("render finished")
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		logger.Warn().Err(ctxErr).Msg("render interrupted")
		return ctxErr
	}
	tail := lastBytes(stderr.String(), 500)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == exitTempFail {
		logger.Warn().Str("stderr", tail).Msg("render dependency unavailable")
		return &domain.UpstreamError{Provider: "renderer", Err: fmt.Errorf("exit %d: %s", exitTempFail, tail)}
	}
	logger.Error().Err(err).Str("stderr", tail).Msg("render failed")
	return fmt.Errorf("pipeline failed: %w: %s", err, tail)
}

func lastBytes(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

var _ Renderer = (*CommandRenderer)(nil)
