package groupqueue

import (
	"time"

	"github.com/DoNewsCode/core/contract"
)

// Job is a unit of work persisted in a group. Jobs in the same group are handed
// to the Handler one at a time, in Score order.
type Job struct {
	// ID identifies the job. It is either generated on Add or supplied by the
	// caller through the JobID option, in which case re-adding is a no-op.
	ID string
	// GroupID is the ordering domain of the job.
	GroupID string
	// Payload is the encoded value passed to Add. See Unmarshal.
	Payload []byte
	// OrderMs is the logical timestamp (epoch milliseconds) used for ordering within the group.
	OrderMs int64
	// Seq is assigned by the store on admission. It breaks ties between identical OrderMs.
	Seq int64
	// EnqueuedAt is the wall clock time of admission.
	EnqueuedAt time.Time
	// ReadyAt is the earliest time the job may be claimed.
	ReadyAt time.Time
	// Attempts counts claims, including reclaims after a lease expired. It starts from 1 inside a Handler.
	Attempts int
	// MaxAttempts overrides the worker attempts limit when greater than zero.
	MaxAttempts int
	// Backoff overrides the base retry delay of the worker when greater than zero.
	Backoff time.Duration
	// LeaseOwner is the worker holding the job. Empty when the job is not claimed.
	LeaseOwner string
	// LeaseExpiresAt is when the current lease lapses.
	LeaseExpiresAt time.Time
	// LastError is the message of the most recent handler failure.
	LastError string

	codec contract.Codec
}

// Score returns the sort key of the job within its group.
func (j *Job) Score() Score {
	return Score{OrderMs: j.OrderMs, Seq: j.Seq}
}

// Unmarshal decodes the payload into v, which should be a pointer to the type
// passed to Add.
func (j *Job) Unmarshal(v interface{}) error {
	codec := j.codec
	if codec == nil {
		codec = gobCodec{}
	}
	return codec.Unmarshal(j.Payload, v)
}

// Score is the composite (OrderMs, Seq) sort key of a job.
type Score struct {
	OrderMs int64
	Seq     int64
}

// Less reports whether s sorts before other.
func (s Score) Less(other Score) bool {
	if s.OrderMs != other.OrderMs {
		return s.OrderMs < other.OrderMs
	}
	return s.Seq < other.Seq
}

func toMs(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func fromMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.Unix(0, ms*int64(time.Millisecond))
}
