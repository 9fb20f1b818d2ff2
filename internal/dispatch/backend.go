package dispatch

import "context"

// Backend stores task records. Update applies fn to the current record and
// persists the result atomically with respect to other Updates.
type Backend interface {
	Save(ctx context.Context, task *Task) error
	Load(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, id string, fn func(t *Task) error) (*Task, error)
}
