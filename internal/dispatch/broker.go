package dispatch

import (
	"context"
	"time"
)

// Delivery is one leased hand-off of a task id.
type Delivery struct {
	TaskID  string
	Queue   string
	Receipt string
	// Deliveries counts how many times the broker handed this task out,
	// including this one.
	Deliveries int
}

// Broker moves task ids between producers and workers.
type Broker interface {
	Publish(ctx context.Context, queue, taskID string) error
	// Receive leases the next task for lease, or returns ErrEmpty after
	// waiting briefly.
	Receive(ctx context.Context, queue string, lease time.Duration) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// Nack returns the delivery to the queue without counting it.
	Nack(ctx context.Context, d Delivery) error
}

// Recoverer is implemented by brokers that need a sweeper to requeue
// expired leases.
type Recoverer interface {
	Recover(ctx context.Context, queue string, now time.Time) (int, error)
}

// Pinger reports broker reachability for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}
