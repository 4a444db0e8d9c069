package groupqueue

import (
	"time"
)

// addOptions are the per-job settings collected from AddOption.
type addOptions struct {
	jobID       string
	delay       time.Duration
	at          time.Time
	maxAttempts int
	backoff     time.Duration
}

// AddOption defines some options for Queue.Add.
type AddOption func(opts *addOptions)

// JobID is an AddOption that outsources the generation of the job id to the
// caller. Adding a job whose id is already stored is a no-op, which makes
// producers safe to retry.
func JobID(id string) AddOption {
	return func(opts *addOptions) {
		opts.jobID = id
	}
}

// Delay is an AddOption that holds the job back for the given duration on top
// of the ordering delay of the queue.
func Delay(duration time.Duration) AddOption {
	return func(opts *addOptions) {
		opts.delay = duration
		opts.at = time.Time{}
	}
}

// ScheduleAt is an AddOption that holds the job back until the time given,
// measured against the clock of the queue when Add runs. The ordering delay
// still applies on top. It replaces any Delay option.
func ScheduleAt(t time.Time) AddOption {
	return func(opts *addOptions) {
		opts.at = t
	}
}

// MaxAttempts is an AddOption that defines how many times the job may be
// claimed before it is moved to the dead letter index. It overrides the
// attempts limit of the worker.
func MaxAttempts(attempts int) AddOption {
	return func(opts *addOptions) {
		opts.maxAttempts = attempts
	}
}

// Backoff is an AddOption that overrides the base retry delay of the worker for this job.
func Backoff(base time.Duration) AddOption {
	return func(opts *addOptions) {
		opts.backoff = base
	}
}
