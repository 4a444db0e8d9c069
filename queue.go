package groupqueue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/DoNewsCode/core/contract"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrInvalidGroup is returned by Add when the group id is empty.
	ErrInvalidGroup = errors.New("group id must not be empty")
	// ErrNotSubscribed is returned by Consume when no Handler was subscribed.
	ErrNotSubscribed = errors.New("no handler subscribed")
)

// Queue is the producer side of a namespace. It admits jobs into their groups
// and, for convenience, runs a Worker for a subscribed Handler.
type Queue struct {
	logger        log.Logger
	driver        Driver
	codec         contract.Codec
	orderingDelay time.Duration
	workerOptions []WorkerOption

	rwLock  sync.RWMutex
	handler Handler

	now func() time.Time
}

// OrderNow asks Add to order a job by the current time of the queue. Because 0
// is the sentinel, the Unix epoch itself cannot be used as a logical
// timestamp; pass 1 for the earliest possible position instead.
const OrderNow int64 = 0

// Add admits payload into the group. orderMs is the logical timestamp ordering
// the job among its siblings, in Unix milliseconds; pass OrderNow to use the
// current time of the queue. The job becomes claimable after the ordering
// delay of the queue plus any Delay or ScheduleAt option. The returned id is
// either generated or the one given with JobID.
func (d *Queue) Add(ctx context.Context, groupID string, payload interface{}, orderMs int64, opts ...AddOption) (string, error) {
	if strings.TrimSpace(groupID) == "" {
		return "", ErrInvalidGroup
	}
	var options addOptions
	for _, f := range opts {
		f(&options)
	}
	if options.jobID == "" {
		options.jobID = uuid.New().String()
	}

	data, err := d.codec.Marshal(payload)
	if err != nil {
		return "", errors.Wrapf(err, "encode payload of job %s", options.jobID)
	}
	now := d.clock()
	if !options.at.IsZero() {
		options.delay = options.at.Sub(now)
	}
	if options.delay < 0 {
		options.delay = 0
	}
	if orderMs == OrderNow {
		orderMs = toMs(now)
	}
	job := &Job{
		ID:          options.jobID,
		GroupID:     groupID,
		Payload:     data,
		OrderMs:     orderMs,
		EnqueuedAt:  now,
		ReadyAt:     now.Add(d.orderingDelay + options.delay),
		MaxAttempts: options.maxAttempts,
		Backoff:     options.backoff,
	}
	inserted, err := d.driver.Push(ctx, job)
	if err != nil {
		return "", err
	}
	if !inserted {
		_ = level.Debug(d.logger).Log("msg", "job already exists, skipped", "job", job.ID, "group", groupID)
	}
	return job.ID, nil
}

// Subscribe registers the handler run by Consume. A Queue has one handler;
// subscribing again replaces it.
func (d *Queue) Subscribe(handler Handler) {
	d.rwLock.Lock()
	defer d.rwLock.Unlock()

	d.handler = handler
}

// Consume runs a Worker for the subscribed handler and blocks until ctx is
// canceled and in-flight jobs are done.
func (d *Queue) Consume(ctx context.Context) error {
	d.rwLock.RLock()
	handler := d.handler
	d.rwLock.RUnlock()

	if handler == nil {
		return ErrNotSubscribed
	}
	return d.Worker(handler).Run(ctx)
}

// Worker creates a Worker over the driver of the queue, sharing its codec and
// logger. opts are applied after the worker options of the queue.
func (d *Queue) Worker(handler Handler, opts ...WorkerOption) *Worker {
	base := []WorkerOption{WithCodec(d.codec), WithLogger(d.logger)}
	base = append(base, d.workerOptions...)
	return NewWorker(d.driver, handler, append(base, opts...)...)
}

// Driver returns the underlying Driver.
func (d *Queue) Driver() Driver {
	return d.driver
}

// Info reports the size of each index in the namespace.
func (d *Queue) Info(ctx context.Context) (QueueInfo, error) {
	return d.driver.Info(ctx)
}

// Reload moves every dead job back to its group.
func (d *Queue) Reload(ctx context.Context) (int64, error) {
	return d.driver.Reload(ctx)
}

// Flush evicts every dead job.
func (d *Queue) Flush(ctx context.Context) error {
	return d.driver.Flush(ctx)
}

func (d *Queue) clock() time.Time {
	if d.now == nil {
		return time.Now()
	}
	return d.now()
}

// UseCodec allows consumer to replace the default gob codec with a custom one. UseCodec is an option for NewQueue.
func UseCodec(codec contract.Codec) func(*Queue) {
	return func(queue *Queue) {
		queue.codec = codec
	}
}

// UseLogger is an option for NewQueue that feeds the queue with a Logger of choice.
func UseLogger(logger log.Logger) func(*Queue) {
	return func(queue *Queue) {
		queue.logger = logger
	}
}

// UseOrderingDelay is an option for NewQueue that holds every new job back for
// the given duration. Jobs of a group arriving out of order within this window
// are still handled in OrderMs order. Zero makes jobs claimable immediately.
func UseOrderingDelay(delay time.Duration) func(*Queue) {
	return func(queue *Queue) {
		queue.orderingDelay = delay
	}
}

// UseWorkerOptions is an option for NewQueue that configures the workers
// created by Consume and Worker.
func UseWorkerOptions(opts ...WorkerOption) func(*Queue) {
	return func(queue *Queue) {
		queue.workerOptions = append(queue.workerOptions, opts...)
	}
}

// NewQueue creates a Queue on top of driver. Jobs stored by the driver survive
// restarts of the process, and each one is handled at least once.
func NewQueue(driver Driver, opts ...func(*Queue)) *Queue {
	qd := Queue{
		logger: log.NewNopLogger(),
		driver: driver,
		codec:  gobCodec{},
	}
	for _, f := range opts {
		f(&qd)
	}
	return &qd
}
