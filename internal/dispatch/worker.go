package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Handler runs one task. A returned error is recorded as the task failure;
// the result is stored as JSON.
type Handler func(ctx context.Context, tc *TaskContext) (any, error)

// TaskContext gives a handler its arguments and the progress channel.
type TaskContext struct {
	task    *Task
	backend Backend
	logger  zerolog.Logger
	now     func() time.Time
}

func (tc *TaskContext) ID() string {
	return tc.task.ID
}

// Deliveries is 1 on the first attempt and grows on redelivery.
func (tc *TaskContext) Deliveries() int {
	return tc.task.Deliveries
}

func (tc *TaskContext) Args(v any) error {
	if err := json.Unmarshal(tc.task.Args, v); err != nil {
		return fmt.Errorf("decode task args: %w", err)
	}
	return nil
}

// Progress records percent, step and message. Failures are logged only.
func (tc *TaskContext) Progress(ctx context.Context, percent int, step, message string) {
	_, err := tc.backend.Update(ctx, tc.task.ID, func(t *Task) error {
		if t.State.Terminal() {
			return nil
		}
		t.Progress = Progress{Percent: percent, Step: step, Message: message}
		t.UpdatedAt = tc.now()
		return nil
	})
	if err != nil {
		tc.logger.Warn().Err(err).Int("percent", percent).Msg("worker: progress update failed")
	}
}

// WorkerConfig bounds a worker process.
type WorkerConfig struct {
	Queue         string
	Concurrency   int
	SoftLimit     time.Duration
	HardLimit     time.Duration
	MaxDeliveries int
	ReapInterval  time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.SoftLimit <= 0 {
		c.SoftLimit = 540 * time.Second
	}
	if c.HardLimit <= 0 {
		c.HardLimit = 600 * time.Second
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 3
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	return c
}

// Worker runs Concurrency slots, each processing one delivery at a time.
type Worker struct {
	broker   Broker
	backend  Backend
	cfg      WorkerConfig
	logger   zerolog.Logger
	handlers map[string]Handler
	now      func() time.Time
}

func NewWorker(broker Broker, backend Backend, cfg WorkerConfig, logger zerolog.Logger) *Worker {
	return &Worker{
		broker:   broker,
		backend:  backend,
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "worker").Str("queue", cfg.Queue).Logger(),
		handlers: make(map[string]Handler),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (w *Worker) Register(name string, h Handler) {
	w.handlers[name] = h
}

// Run blocks until ctx is cancelled and every slot has returned its
// in-flight delivery.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		slot := i
		g.Go(func() error {
			w.slot(gctx, slot)
			return nil
		})
	}
	if rec, ok := w.broker.(Recoverer); ok {
		g.Go(func() error {
			w.reap(gctx, rec)
			return nil
		})
	}
	w.logger.Info().Int("slots", w.cfg.Concurrency).Dur("soft_limit", w.cfg.SoftLimit).Dur("hard_limit", w.cfg.HardLimit).Msg("worker: started")
	err := g.Wait()
	w.logger.Info().Msg("worker: stopped")
	return err
}

// lease outlives the hard limit so a healthy slot always acks first.
func (w *Worker) lease() time.Duration {
	return w.cfg.HardLimit + 30*time.Second
}

func (w *Worker) slot(ctx context.Context, slot int) {
	logger := w.logger.With().Int("slot", slot).Logger()
	for ctx.Err() == nil {
		d, err := w.broker.Receive(ctx, w.cfg.Queue, w.lease())
		switch {
		case errors.Is(err, ErrEmpty):
			continue
		case ctx.Err() != nil:
			return
		case err != nil:
			logger.Error().Err(err).Msg("worker: receive failed")
			sleepCtx(ctx, time.Second)
			continue
		}
		w.process(ctx, d)
	}
}

func (w *Worker) reap(ctx context.Context, rec Recoverer) {
	ticker := time.NewTicker(w.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := rec.Recover(ctx, w.cfg.Queue, time.Now())
			if err != nil {
				w.logger.Error().Err(err).Msg("worker: lease sweep failed")
				continue
			}
			if n > 0 {
				w.logger.Warn().Int("requeued", n).Msg("worker: expired leases requeued")
			}
		}
	}
}

type runResult struct {
	value any
	err   error
}

func (w *Worker) process(ctx context.Context, d Delivery) {
	logger := w.logger.With().Str("task_id", d.TaskID).Int("delivery", d.Deliveries).Logger()

	task, err := w.backend.Load(ctx, d.TaskID)
	if errors.Is(err, ErrTaskNotFound) {
		logger.Warn().Msg("worker: task record missing, dropping delivery")
		w.ack(ctx, d, logger)
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("worker: load task failed")
		w.nack(ctx, d, logger)
		sleepCtx(ctx, time.Second)
		return
	}
	if task.State.Terminal() {
		logger.Info().Str("state", string(task.State)).Msg("worker: task already finished")
		w.ack(ctx, d, logger)
		return
	}
	if d.Deliveries > w.cfg.MaxDeliveries {
		logger.Error().Int("max_deliveries", w.cfg.MaxDeliveries).Msg("worker: deliveries exhausted, marking lost")
		if w.finish(ctx, task.ID, StateLost, nil, "worker lost", logger) {
			w.ack(ctx, d, logger)
		}
		return
	}
	handler, ok := w.handlers[task.Name]
	if !ok {
		logger.Error().Str("task", task.Name).Msg("worker: no handler registered")
		if w.finish(ctx, task.ID, StateFailed, nil, ErrNoHandler.Error(), logger) {
			w.ack(ctx, d, logger)
		}
		return
	}

	running, err := w.backend.Update(ctx, task.ID, func(t *Task) error {
		now := w.now()
		t.State = StateRunning
		t.Deliveries = d.Deliveries
		t.UpdatedAt = now
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("worker: mark running failed")
		w.nack(ctx, d, logger)
		return
	}

	logger.Info().Str("task", task.Name).Msg("worker: task started")
	tc := &TaskContext{task: running, backend: w.backend, logger: logger, now: w.now}

	softCtx, cancel := context.WithTimeout(ctx, w.cfg.SoftLimit)
	defer cancel()
	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := handler(softCtx, tc)
		done <- runResult{value: v, err: err}
	}()

	hard := time.NewTimer(w.cfg.HardLimit)
	defer hard.Stop()

	var res runResult
	select {
	case res = <-done:
	case <-hard.C:
		// The handler goroutine is abandoned and may still be running when
		// this slot takes its next delivery. Its context was cancelled at the
		// soft limit, which kills the render subprocess started with
		// exec.CommandContext, so only cleanup can still be in flight.
		logger.Error().Dur("hard_limit", w.cfg.HardLimit).Msg("worker: hard time limit exceeded, abandoning task")
		if w.finish(ctx, task.ID, StateFailed, nil, "hard time limit exceeded", logger) {
			w.ack(ctx, d, logger)
		}
		return
	}

	switch {
	case res.err != nil && ctx.Err() != nil:
		logger.Warn().Err(res.err).Msg("worker: interrupted by shutdown, requeueing")
		w.nack(ctx, d, logger)
	case res.err != nil:
		msg := res.err.Error()
		if errors.Is(softCtx.Err(), context.DeadlineExceeded) {
			msg = "timed out"
		}
		logger.Warn().Err(res.err).Msg("worker: task failed")
		if w.finish(ctx, task.ID, StateFailed, nil, msg, logger) {
			w.ack(ctx, d, logger)
		}
	default:
		var raw json.RawMessage
		if res.value != nil {
			raw, err = json.Marshal(res.value)
			if err != nil {
				logger.Error().Err(err).Msg("worker: encode result failed")
				raw = nil
			}
		}
		if w.finish(ctx, task.ID, StateSucceeded, raw, "", logger) {
			logger.Info().Msg("worker: task succeeded")
			w.ack(ctx, d, logger)
		}
	}
}

// finish records a terminal state and reports whether the delivery may be
// acked. A task already terminal is left alone.
func (w *Worker) finish(ctx context.Context, id string, state State, result json.RawMessage, msg string, logger zerolog.Logger) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, err := w.backend.Update(ctx, id, func(t *Task) error {
		if t.State.Terminal() {
			return nil
		}
		now := w.now()
		t.State = state
		t.Result = result
		t.Error = msg
		t.UpdatedAt = now
		t.FinishedAt = &now
		if state == StateSucceeded {
			t.Progress.Percent = 100
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Str("state", string(state)).Msg("worker: record outcome failed, leaving delivery leased")
		return false
	}
	return true
}

func (w *Worker) ack(ctx context.Context, d Delivery, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.broker.Ack(ctx, d); err != nil {
		logger.Error().Err(err).Msg("worker: ack failed")
	}
}

func (w *Worker) nack(ctx context.Context, d Delivery, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.broker.Nack(ctx, d); err != nil {
		logger.Error().Err(err).Msg("worker: nack failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
