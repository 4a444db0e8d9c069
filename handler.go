package groupqueue

import (
	"context"
)

// Handler processes jobs claimed by a Worker. Delivery is at least once: a job
// whose lease expires while its handler still runs may be handed to another
// worker, so Process must be idempotent.
type Handler interface {
	Process(ctx context.Context, job *Job) error
}

// HandlerFunc is a Handler implemented with a callback.
type HandlerFunc func(ctx context.Context, job *Job) error

// Process implements Handler
func (f HandlerFunc) Process(ctx context.Context, job *Job) error {
	return f(ctx, job)
}
