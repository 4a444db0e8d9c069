package groupqueue

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrEmpty is returned by Driver.Pop when no group has a claimable job.
	ErrEmpty = errors.New("no claimable job")
	// ErrLeaseLost is returned when the caller no longer holds the lease of a
	// job, typically because it expired and another worker reclaimed it.
	ErrLeaseLost = errors.New("lease lost")
)

// Driver is the storage behind Queue and Worker. Every method must be atomic
// with regard to concurrent callers, possibly in other processes.
type Driver interface {
	// Push admits a job. It assigns job.Seq and reports whether the job was
	// inserted. Pushing an id that already exists inserts nothing and fills
	// job.Seq with the stored value.
	Push(ctx context.Context, job *Job) (bool, error)
	// Pop claims the head job of an idle group whose head is ready, leasing the
	// group to owner for the visibility duration. It returns ErrEmpty when
	// nothing is claimable.
	Pop(ctx context.Context, owner string, visibility time.Duration) (*Job, error)
	// Heartbeat extends the lease of a claimed job and returns the new expiry.
	Heartbeat(ctx context.Context, job *Job, visibility time.Duration) (time.Time, error)
	// Ack removes a completed job and releases its group.
	Ack(ctx context.Context, job *Job) error
	// Retry releases the group and makes the job claimable again after backoff.
	// The job keeps its score, so it stays ahead of its siblings.
	Retry(ctx context.Context, job *Job, backoff time.Duration, cause error) error
	// Fail moves the job to the dead letter index and releases its group.
	Fail(ctx context.Context, job *Job, cause error) error
	// Reclaim releases every group whose lease has expired and returns how many were released.
	Reclaim(ctx context.Context) (int64, error)
	// Reload moves every dead job back to its group and returns how many were moved.
	Reload(ctx context.Context) (int64, error)
	// Flush evicts every dead job.
	Flush(ctx context.Context) error
	// Info reports the size of each index.
	Info(ctx context.Context) (QueueInfo, error)
}
