package domain

import "context"

// JobStore persists job records. Every status change goes through
// Transition, which applies only when the stored status matches.
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Job, error)
	AttachTask(ctx context.Context, jobID, correlationID string) error
	Transition(ctx context.Context, jobID string, t Transition) (bool, error)
}

// SubscriptionStore tracks recurring plans for renewal credits.
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, sub Subscription) error
	SubscriptionByID(ctx context.Context, subscriptionID string) (*Subscription, error)
	ClearSubscription(ctx context.Context, subscriptionID string) error
}

// Pinger is implemented by backends that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}
