package groupqueue

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func getDefaultRedisAddrs() ([]string, bool) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return nil, false
	}
	return strings.Split(addr, ","), true
}

// newRedisClient connects to REDIS_ADDR when set, or to a miniredis server
// living as long as the test.
func newRedisClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	if addrs, ok := getDefaultRedisAddrs(); ok {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: addrs})
		t.Cleanup(func() { _ = client.Close() })
		return client
	}
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testNamespace() string {
	return "test:" + uuid.New().String()
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1600000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type driverCase struct {
	name string
	// make returns a fresh driver. A nil now uses the wall clock.
	make func(t *testing.T, now func() time.Time) Driver
}

func driverCases() []driverCase {
	return []driverCase{
		{
			name: "redis",
			make: func(t *testing.T, now func() time.Time) Driver {
				driver, err := NewRedisDriver(newRedisClient(t), testNamespace())
				require.NoError(t, err)
				driver.now = now
				return driver
			},
		},
		{
			name: "inprocess",
			make: func(t *testing.T, now func() time.Time) Driver {
				driver := NewInProcessDriver()
				driver.now = now
				return driver
			},
		},
	}
}

func newTestJob(id, group string, orderMs int64, readyAt time.Time) *Job {
	return &Job{
		ID:         id,
		GroupID:    group,
		Payload:    []byte(id),
		OrderMs:    orderMs,
		EnqueuedAt: readyAt,
		ReadyAt:    readyAt,
	}
}

func mustPush(t *testing.T, driver Driver, job *Job) {
	t.Helper()
	inserted, err := driver.Push(context.Background(), job)
	require.NoError(t, err)
	require.True(t, inserted)
}

func mustPop(t *testing.T, driver Driver, owner string, visibility time.Duration) *Job {
	t.Helper()
	job, err := driver.Pop(context.Background(), owner, visibility)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

// recorder is a Handler collecting what it saw.
type recorder struct {
	mu   sync.Mutex
	jobs []*Job
}

func (r *recorder) add(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func (r *recorder) snapshot() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Job(nil), r.jobs...)
}

// eventRecorder is an EventDispatcher collecting dispatched events.
type eventRecorder struct {
	mu       sync.Mutex
	topics   []interface{}
	payloads []interface{}
}

func (e *eventRecorder) Dispatch(ctx context.Context, topic interface{}, payload interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.topics = append(e.topics, topic)
	e.payloads = append(e.payloads, payload)
	return nil
}

func (e *eventRecorder) count(topic event) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	var n int
	for _, t := range e.topics {
		if t == topic {
			n++
		}
	}
	return n
}

func (e *eventRecorder) first(topic event) interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, t := range e.topics {
		if t == topic {
			return e.payloads[i]
		}
	}
	return nil
}

// runWorker runs w in the background until the test ends.
func runWorker(t *testing.T, w *Worker) (cancel func() error) {
	ctx, stop := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx)
	}()
	var once sync.Once
	var err error
	cancel = func() error {
		once.Do(func() {
			stop()
			err = <-errCh
		})
		return err
	}
	t.Cleanup(func() { _ = cancel() })
	return cancel
}
