package groupqueue

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/DoNewsCode/core/contract"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	defaultVisibilityTimeout = 30 * time.Second
	defaultPollInterval      = time.Second
	defaultSweepInterval     = 15 * time.Second
	defaultBackoffBase       = time.Second
	defaultBackoffMax        = time.Minute
)

// ErrAbandoned is returned by Run when the shutdown deadline passed while
// handlers were still running. Their leases are left to expire, after which
// the jobs are claimed again.
var ErrAbandoned = errors.New("worker stopped with jobs in flight")

// Worker claims jobs from a Driver and feeds them to a Handler. A Worker runs
// several claim loops at once; ordering within a group is still preserved,
// because the driver never leases two jobs of the same group at a time.
type Worker struct {
	id                string
	driver            Driver
	handler           Handler
	codec             contract.Codec
	logger            log.Logger
	events            EventDispatcher
	concurrency       int
	visibilityTimeout time.Duration
	pollInterval      time.Duration
	attemptsLimit     int
	backoff           BackoffFunc
	handleTimeout     time.Duration
	heartbeatInterval time.Duration
	sweepInterval     time.Duration
	shutdownTimeout   time.Duration
	gauge             metrics.Gauge
	histogram         metrics.Histogram

	mu          sync.Mutex
	started     bool
	stopOnce    sync.Once
	stopping    chan struct{}
	abandonOnce sync.Once
	abandoned   chan struct{}
	finished    chan struct{}
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// NewWorker creates a Worker that passes every job claimed from driver to handler.
func NewWorker(driver Driver, handler Handler, opts ...WorkerOption) *Worker {
	w := &Worker{
		id:                uuid.New().String(),
		driver:            driver,
		handler:           handler,
		codec:             gobCodec{},
		logger:            log.NewNopLogger(),
		concurrency:       runtime.NumCPU(),
		visibilityTimeout: defaultVisibilityTimeout,
		pollInterval:      defaultPollInterval,
		attemptsLimit:     1,
		backoff:           ExponentialBackoff(defaultBackoffBase, defaultBackoffMax),
		sweepInterval:     defaultSweepInterval,
		stopping:          make(chan struct{}),
		abandoned:         make(chan struct{}),
		finished:          make(chan struct{}),
	}
	for _, f := range opts {
		f(w)
	}
	return w
}

// ID returns the name of the worker. Claim loops lease jobs as "<id>/<n>".
func (w *Worker) ID() string {
	return w.id
}

// Run claims and handles jobs until ctx is canceled or Stop is called. It then
// stops claiming and waits for running handlers. If the shutdown timeout
// passes first, Run returns ErrAbandoned without waiting further.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	defer close(w.finished)

	// Handlers outlive ctx, so that a shutdown never interrupts a job
	// half way. Only abandon cancels them.
	handlerCtx, cancelHandlers := context.WithCancel(context.Background())
	defer cancelHandlers()

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	select {
	case <-w.stopping:
		stopLoops()
	default:
	}
	go func() {
		select {
		case <-w.stopping:
			stopLoops()
		case <-loopCtx.Done():
		}
	}()

	g := errgroup.Group{}
	for i := 0; i < w.concurrency; i++ {
		owner := fmt.Sprintf("%s/%d", w.id, i)
		g.Go(func() error {
			w.loop(loopCtx, handlerCtx, owner)
			return nil
		})
	}
	if w.sweepInterval > 0 {
		g.Go(func() error {
			w.sweep(loopCtx)
			return nil
		})
	}
	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	_ = level.Info(w.logger).Log("msg", "worker started", "worker", w.id, "concurrency", w.concurrency)

	select {
	case err := <-done:
		return err
	case <-loopCtx.Done():
	}

	var deadline <-chan time.Time
	if w.shutdownTimeout > 0 {
		timer := time.NewTimer(w.shutdownTimeout)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case err := <-done:
		_ = level.Info(w.logger).Log("msg", "worker stopped", "worker", w.id)
		return err
	case <-deadline:
		w.abandon()
	case <-w.abandoned:
	}
	cancelHandlers()
	_ = level.Warn(w.logger).Log("msg", "worker abandoned in-flight jobs", "worker", w.id)
	return ErrAbandoned
}

// Stop asks Run to stop claiming jobs and waits until in-flight handlers are
// done. If ctx expires first, the remaining handlers are abandoned: their
// contexts are canceled and their leases expire on their own. Stopping a
// worker that never ran returns at once, and a later Run exits immediately.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	started := w.started
	w.stopOnce.Do(func() {
		close(w.stopping)
	})
	w.mu.Unlock()
	if !started {
		return nil
	}
	select {
	case <-w.finished:
		return nil
	case <-ctx.Done():
		w.abandon()
		return ctx.Err()
	}
}

// Heartbeat extends the lease of a job being handled by this worker. Handlers
// that may run longer than the visibility timeout should call it periodically,
// or the worker can do it for them, see WithAutoHeartbeat.
func (w *Worker) Heartbeat(ctx context.Context, job *Job) error {
	_, err := w.driver.Heartbeat(ctx, job, w.visibilityTimeout)
	return err
}

func (w *Worker) abandon() {
	w.abandonOnce.Do(func() {
		close(w.abandoned)
	})
}

// loop claims jobs as owner. Each loop leases under its own owner name, so a
// loop can never acknowledge a job that was reclaimed by a sibling loop.
func (w *Worker) loop(ctx, handlerCtx context.Context, owner string) {
	for ctx.Err() == nil {
		// The claim itself is not bound to ctx: a claim canceled on the wire
		// may still have leased a job on the server.
		job, err := w.driver.Pop(handlerCtx, owner, w.visibilityTimeout)
		if err != nil {
			if !errors.Is(err, ErrEmpty) {
				_ = level.Warn(w.logger).Log("msg", "claim failed", "worker", w.id, "err", err)
			}
			if !sleep(ctx, w.pollInterval) {
				return
			}
			continue
		}
		w.work(handlerCtx, job)
	}
}

func (w *Worker) work(ctx context.Context, job *Job) {
	job.codec = w.codec
	start := time.Now()

	handleCtx, cancel := ctx, context.CancelFunc(func() {})
	if w.handleTimeout > 0 {
		handleCtx, cancel = context.WithTimeout(ctx, w.handleTimeout)
	}
	stopHeartbeat := w.keepAlive(handleCtx, job)
	err := w.process(handleCtx, job)
	stopHeartbeat()
	cancel()

	select {
	case <-w.abandoned:
		_ = level.Warn(w.logger).Log("msg", "job abandoned, lease left to expire", "job", job.ID, "group", job.GroupID)
		return
	default:
	}

	// Outcomes are written with a fresh context, the handler context may be done by now.
	bg := context.Background()
	if err == nil {
		w.observe("success", start)
		w.finish(bg, "ack", job, w.driver.Ack(bg, job))
		return
	}

	limit := job.MaxAttempts
	if limit <= 0 {
		limit = w.attemptsLimit
	}
	if job.Attempts < limit {
		backoff := w.backoffFor(job)
		w.observe("retry", start)
		_ = level.Info(w.logger).Log(
			"msg", fmt.Sprintf("job failed %d times, retrying", job.Attempts),
			"job", job.ID, "group", job.GroupID, "backoff", backoff, "err", err,
		)
		w.dispatch(bg, BeforeRetry, BeforeRetryPayload{Err: err, Job: job, Backoff: backoff})
		w.finish(bg, "retry", job, w.driver.Retry(bg, job, backoff, err))
		return
	}
	w.observe("failure", start)
	_ = level.Warn(w.logger).Log(
		"msg", fmt.Sprintf("job failed after %d attempts, moved to dead letter", job.Attempts),
		"job", job.ID, "group", job.GroupID, "err", err,
	)
	w.dispatch(bg, BeforeAbort, BeforeAbortPayload{Err: err, Job: job})
	w.finish(bg, "fail", job, w.driver.Fail(bg, job, err))
}

func (w *Worker) process(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler.Process(ctx, job)
}

// keepAlive renews the lease of job every heartbeat interval until the
// returned function is called.
func (w *Worker) keepAlive(ctx context.Context, job *Job) func() {
	if w.heartbeatInterval <= 0 {
		return func() {}
	}
	lease := *job
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := w.driver.Heartbeat(ctx, &lease, w.visibilityTimeout); err != nil {
					_ = level.Warn(w.logger).Log("msg", "heartbeat failed", "job", job.ID, "group", job.GroupID, "err", err)
					if errors.Is(err, ErrLeaseLost) {
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (w *Worker) finish(ctx context.Context, op string, job *Job, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, ErrLeaseLost) {
		_ = level.Warn(w.logger).Log("msg", "lease lost before "+op, "job", job.ID, "group", job.GroupID)
		w.dispatch(ctx, LeaseLost, LeaseLostPayload{Err: err, Job: job})
		return
	}
	// The lease stays in place and expires, so the job is retried later.
	_ = level.Error(w.logger).Log("msg", op+" failed", "job", job.ID, "group", job.GroupID, "err", err)
}

func (w *Worker) sweep(ctx context.Context) {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := w.driver.Reclaim(ctx)
			if err != nil && ctx.Err() == nil {
				_ = level.Warn(w.logger).Log("msg", "reclaim failed", "err", err)
			}
			if n > 0 {
				_ = level.Info(w.logger).Log("msg", "reclaimed expired leases", "groups", n)
			}
			w.report(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) report(ctx context.Context) {
	if w.gauge == nil {
		return
	}
	info, err := w.driver.Info(ctx)
	if err != nil {
		_ = level.Warn(w.logger).Log("err", err)
		return
	}
	w.gauge.With("channel", "groups").Set(float64(info.Groups))
	w.gauge.With("channel", "ready").Set(float64(info.Ready))
	w.gauge.With("channel", "delayed").Set(float64(info.Delayed))
	w.gauge.With("channel", "leased").Set(float64(info.Leased))
	w.gauge.With("channel", "dead").Set(float64(info.Dead))
}

func (w *Worker) observe(outcome string, start time.Time) {
	if w.histogram == nil {
		return
	}
	w.histogram.With("outcome", outcome).Observe(time.Since(start).Seconds())
}

func (w *Worker) dispatch(ctx context.Context, topic event, payload interface{}) {
	if w.events == nil {
		return
	}
	if err := w.events.Dispatch(ctx, topic, payload); err != nil {
		_ = level.Warn(w.logger).Log("msg", "dispatch "+string(topic)+" failed", "err", err)
	}
}

func (w *Worker) backoffFor(job *Job) time.Duration {
	if job.Backoff > 0 {
		return ExponentialBackoff(job.Backoff, 64*job.Backoff)(job.Attempts)
	}
	return w.backoff(job.Attempts)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// WithID sets the name of the worker, which prefixes lease owners. It must be
// unique among workers sharing a namespace. Defaults to a random UUID.
func WithID(id string) WorkerOption {
	return func(w *Worker) {
		w.id = id
	}
}

// WithCodec sets the codec used by Job.Unmarshal. It must match the codec of the producing Queue.
func WithCodec(codec contract.Codec) WorkerOption {
	return func(w *Worker) {
		w.codec = codec
	}
}

// WithLogger feeds the worker with a Logger of choice.
func WithLogger(logger log.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithEventDispatcher reports BeforeRetry, BeforeAbort and LeaseLost events to dispatcher.
func WithEventDispatcher(dispatcher EventDispatcher) WorkerOption {
	return func(w *Worker) {
		w.events = dispatcher
	}
}

// WithConcurrency sets how many jobs the worker handles at the same time.
func WithConcurrency(concurrency int) WorkerOption {
	return func(w *Worker) {
		if concurrency > 0 {
			w.concurrency = concurrency
		}
	}
}

// WithVisibilityTimeout sets the lease duration of claimed jobs.
func WithVisibilityTimeout(timeout time.Duration) WorkerOption {
	return func(w *Worker) {
		if timeout > 0 {
			w.visibilityTimeout = timeout
		}
	}
}

// WithPollInterval sets how long an idle claim loop sleeps before asking again.
func WithPollInterval(interval time.Duration) WorkerOption {
	return func(w *Worker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

// WithAttemptsLimit sets how many claims a job gets before it is moved to the
// dead letter index. Jobs added with MaxAttempts override it.
func WithAttemptsLimit(limit int) WorkerOption {
	return func(w *Worker) {
		if limit > 0 {
			w.attemptsLimit = limit
		}
	}
}

// WithBackoff sets the retry delay policy. Jobs added with Backoff override it.
func WithBackoff(backoff BackoffFunc) WorkerOption {
	return func(w *Worker) {
		if backoff != nil {
			w.backoff = backoff
		}
	}
}

// WithHandleTimeout bounds every handler invocation. Zero means no bound.
func WithHandleTimeout(timeout time.Duration) WorkerOption {
	return func(w *Worker) {
		w.handleTimeout = timeout
	}
}

// WithAutoHeartbeat makes the worker renew leases every interval while the
// handler runs. Zero disables it.
func WithAutoHeartbeat(interval time.Duration) WorkerOption {
	return func(w *Worker) {
		w.heartbeatInterval = interval
	}
}

// WithSweepInterval sets how often expired leases are reclaimed and queue
// length is reported. Zero disables the sweeper; claims still reclaim inline.
func WithSweepInterval(interval time.Duration) WorkerOption {
	return func(w *Worker) {
		w.sweepInterval = interval
	}
}

// WithShutdownTimeout bounds how long Run waits for in-flight handlers after
// being asked to stop. Zero waits indefinitely.
func WithShutdownTimeout(timeout time.Duration) WorkerOption {
	return func(w *Worker) {
		w.shutdownTimeout = timeout
	}
}

// WithGauge reports queue length by channel to gauge on every sweep.
func WithGauge(gauge metrics.Gauge) WorkerOption {
	return func(w *Worker) {
		w.gauge = gauge
	}
}

// WithHistogram records handler duration in seconds, labeled by outcome.
func WithHistogram(histogram metrics.Histogram) WorkerOption {
	return func(w *Worker) {
		w.histogram = histogram
	}
}
