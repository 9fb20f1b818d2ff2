package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Dispatcher submits tasks and answers status polls.
type Dispatcher struct {
	broker  Broker
	backend Backend
	queue   string
	logger  zerolog.Logger
	now     func() time.Time
	newID   func() string
}

func NewDispatcher(broker Broker, backend Backend, queue string, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		broker:  broker,
		backend: backend,
		queue:   queue,
		logger:  logger.With().Str("component", "dispatch").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// Submit records the task as queued and publishes it. The returned id is
// the correlation id pollers use.
func (d *Dispatcher) Submit(ctx context.Context, name string, args any) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode task args: %w", err)
	}
	now := d.now()
	task := &Task{
		ID:        d.newID(),
		Name:      name,
		Queue:     d.queue,
		Args:      raw,
		State:     StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.backend.Save(ctx, task); err != nil {
		return "", fmt.Errorf("save task: %w", err)
	}
	if err := d.broker.Publish(ctx, d.queue, task.ID); err != nil {
		d.logger.Error().Err(err).Str("task_id", task.ID).Str("task", name).Msg("dispatch: publish failed")
		_, _ = d.backend.Update(context.WithoutCancel(ctx), task.ID, func(t *Task) error {
			t.State = StateFailed
			t.Error = "dispatch failed"
			t.UpdatedAt = d.now()
			return nil
		})
		return "", fmt.Errorf("publish task: %w", err)
	}
	d.logger.Info().Str("task_id", task.ID).Str("task", name).Str("queue", d.queue).Msg("dispatch: task submitted")
	return task.ID, nil
}

// Poll returns the latest recorded state of the task.
func (d *Dispatcher) Poll(ctx context.Context, id string) (Status, error) {
	task, err := d.backend.Load(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return task.status(), nil
}

// Ping checks the broker when it supports it.
func (d *Dispatcher) Ping(ctx context.Context) error {
	if p, ok := d.broker.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
