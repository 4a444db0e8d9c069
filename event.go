package groupqueue

import (
	"context"
	"time"
)

type event string

const (
	// BeforeRetry is an event that triggers when the job failed previously is going to be retried.
	// Note: if retry attempts are exhausted, this event won't be triggered.
	BeforeRetry event = "beforeRetry"
	// BeforeAbort is an event that triggers when the job failed previously is going
	// to be moved to the dead letter index. If the Job still has retry attempts
	// remaining, this event won't be triggered.
	BeforeAbort event = "beforeAbort"
	// LeaseLost is an event that triggers when a worker finishes a job whose
	// lease was already reclaimed by another worker. The outcome of the handler
	// is discarded and the job may run again elsewhere.
	LeaseLost event = "leaseLost"
)

// BeforeAbortPayload is the payload of BeforeAbort.
type BeforeAbortPayload struct {
	Err error
	Job *Job
}

// BeforeRetryPayload is the payload of BeforeRetry.
type BeforeRetryPayload struct {
	Err     error
	Job     *Job
	Backoff time.Duration
}

// LeaseLostPayload is the payload of LeaseLost.
type LeaseLostPayload struct {
	Err error
	Job *Job
}

// EventDispatcher is the part of contract.Dispatcher used to report job
// failures. Any contract.Dispatcher satisfies it.
type EventDispatcher interface {
	Dispatch(ctx context.Context, topic interface{}, payload interface{}) error
}
