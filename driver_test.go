package groupqueue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriver(t *testing.T) {
	cases := []struct {
		name string
		run  func(t *testing.T, driver Driver, clock *fakeClock)
	}{
		{"orders jobs by score", testDriverOrdering},
		{"breaks ties by admission", testDriverTieBreak},
		{"leases one job per group", testDriverSingleInflight},
		{"waits for a head that is not ready", testDriverHeadOfLine},
		{"holds jobs until ready", testDriverReadiness},
		{"reclaims expired leases on claim", testDriverReclaimOnPop},
		{"reclaims expired leases on sweep", testDriverReclaim},
		{"extends leases", testDriverHeartbeat},
		{"retries in place", testDriverRetry},
		{"moves failed jobs to dead letter", testDriverFail},
		{"rejects foreign leases", testDriverForeignLease},
		{"reloads dead jobs", testDriverReload},
		{"flushes dead jobs", testDriverFlush},
		{"ignores duplicate ids", testDriverIdempotentPush},
		{"reports info", testDriverInfo},
	}
	for _, dc := range driverCases() {
		dc := dc
		t.Run(dc.name, func(t *testing.T) {
			for _, c := range cases {
				c := c
				t.Run(c.name, func(t *testing.T) {
					clock := newFakeClock()
					c.run(t, dc.make(t, clock.Now), clock)
				})
			}
		})
	}
}

func testDriverOrdering(t *testing.T, driver Driver, clock *fakeClock) {
	ctx := context.Background()
	for i, order := range []int64{300, 100, 200} {
		mustPush(t, driver, newTestJob(fmt.Sprintf("j%d", i), "g", order, clock.Now()))
	}
	var got []int64
	for i := 0; i < 3; i++ {
		job := mustPop(t, driver, "w", time.Minute)
		got = append(got, job.OrderMs)
		assert.Equal(t, 1, job.Attempts)
		assert.Equal(t, []byte(job.ID), job.Payload)
		require.NoError(t, driver.Ack(ctx, job))
	}
	assert.Equal(t, []int64{100, 200, 300}, got)

	_, err := driver.Pop(ctx, "w", time.Minute)
	assert.True(t, errors.Is(err, ErrEmpty))
}

func testDriverTieBreak(t *testing.T, driver Driver, clock *fakeClock) {
	ctx := context.Background()
	var seqs []int64
	for _, id := range []string{"c", "a", "b"} {
		job := newTestJob(id, "g", 100, clock.Now())
		mustPush(t, driver, job)
		seqs = append(seqs, job.Seq)
	}
	assert.True(t, seqs[0] < seqs[1] && seqs[1] < seqs[2], "seq must increase: %v", seqs)

	var got []string
	for i := 0; i < 3; i++ {
		job := mustPop(t, driver, "w", time.Minute)
		got = append(got, job.ID)
		require.NoError(t, driver.Ack(ctx, job))
	}
	assert.Equal(t, []string{"c", "a", "b"}, got)
}

func testDriverSingleInflight(t *testing.T, driver Driver, clock *fakeClock) {
	ctx := context.Background()
	mustPush(t, driver, newTestJob("g1-1", "g1", 1, clock.Now()))
	mustPush(t, driver, newTestJob("g1-2", "g1", 2, clock.Now()))
	mustPush(t, driver, newTestJob("g2-1", "g2", 1, clock.Now()))

	first := mustPop(t, driver, "w1", time.Minute)
	second := mustPop(t, driver, "w2", time.Minute)
	assert.ElementsMatch(t, []string{"g1", "g2"}, []string{first.GroupID, second.GroupID})

	_, err := driver.Pop(ctx, "w3", time.Minute)
	assert.True(t, errors.Is(err, ErrEmpty))

	g1 := first
	if g1.GroupID != "g1" {
		g1 = second
	}
	require.NoError(t, driver.Ack(ctx, g1))
	next := mustPop(t, driver, "w3", time.Minute)
	assert.Equal(t, "g1-2", next.ID)
}

func testDriverHeadOfLine(t *testing.T, driver Driver, clock *fakeClock) {
	ctx := context.Background()
	mustPush(t, driver, newTestJob("late", "g", 200, clock.Now()))
	mustPush(t, driver, newTestJob("early", "g", 100, clock.Now().Add(time.Second)))

	_, err := driver.Pop(ctx, "w", time.Minute)
	assert.True(t, errors.Is(err, ErrEmpty), "the later sibling must not overtake the head")

	clock.Advance(time.Second)
	job := mustPop(t, driver, "w", time.Minute)
	assert.Equal(t, "early", job.ID)
	require.NoError(t, driver.Ack(ctx, job))

	job = mustPop(t, driver, "w", time.Minute)
	assert.Equal(t, "late", job.ID)
}

func testDriverReadiness(t *testing.T, driver Driver, clock *fakeClock) {
	ctx := context.Background()
	future := toMs(clock.Now().Add(time.Hour))
	mustPush(t, driver, newTestJob("j", "g", future, clock.Now().Add(time.Second)))

	_, err := driver.Pop(ctx, "w", time.Minute)
	assert.True(t, errors.Is(err, ErrEmpty))

	clock.Advance(999 * time.Millisecond)
	_, err = driver.Pop(ctx, "w", time.Minute)
	assert.True(t, errors.Is(err, ErrEmpty))

	clock.Advance(time.Millisecond)
	job := mustPop(t, driver, "w", time.Minute)
	assert.Equal(t, "j", job.ID)
	assert.Equal(t, future, job.OrderMs)
}

func testDriverReclaimOnPop(t *testing.T, driver Driver, clock *fakeClock) {
	ctx := context.Background()
	mustPush(t, driver, newTestJob("j", "g", 1, clock.Now()))

	crashed := mustPop(t, driver, "w1", time.Second)
	assert.Equal(t, 1, crashed.Attempts)
	assert.Equal(t, "w1", crashed.LeaseOwner)

	clock.Advance(time.Second)
	_, err := driver.Pop(ctx, "w2", time.Second)
	assert.True(t, errors.Is(err, ErrEmpty), "a lease is held until it is past its expiry")

	clock.Advance(time.Millisecond)
	job := mustPop(t, driver, "w2", time.Second)
	assert.Equal(t, "j", job.ID)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, "w2", job.LeaseOwner)

	err = driver.Ack(ctx, crashed)
	assert.True(t, errors.Is(err, ErrLeaseLost))
	require.NoError(t, driver.Ack(ctx, job))
}

func testDriverReclaim(t *testing.T, driver Driver, clock *fakeClock) {
	ctx := context.Background()
	mustPush(t, driver, newTestJob("j", "g", 1, clock.Now()))
	mustPop(t, driver, "w", time.Second)

	n, err := driver.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	clock.Advance(2 * time.Second)
	n, err = driver.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	info, err := driver.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Leased)
	assert.Equal(t, int64(1), info.Ready)

	n, err = driver.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func testDriverHeartbeat(t *testing.T, driver Driver, clock *fakeClock) {
	ctx := context.Background()
	mustPush(t, driver, newTestJob("j", "g", 1, clock.Now()))
	job := mustPop(t, driver, "w1", time.Second)

	clock.Advance(500 * time.Millisecond)
	expires, err := driver.Heartbeat(ctx, job, time.Second)
	require.NoError(t, err)
	assert.True(t, expires.Equal(clock.Now().Add(time.Second)), "got %s", expires)

	clock.Advance(800 * time.Millisecond)
	_, err = driver.Pop(ctx, "w2", time.Second)
	assert.True(t, errors.Is(err, ErrEmpty), "the renewed lease must hold")

	clock.Advance(time.Second)
	_, err = driver.Heartbeat(ctx, job, time.Second)
	assert.True(t, errors.Is(err, ErrLeaseLost))
}

func testDriverRetry(t *testing.T, driver Driver, clock *fakeClock) {
	ctx := context.Background()
	start := clock.Now()
	mustPush(t, driver, newTestJob("first", "g", 100, start))
	mustPush(t, driver, newTestJob("second", "g", 200, start))

	job := mustPop(t, driver, "w", time.Minute)
	require.Equal(t, "first", job.ID)
	require.NoError(t, driver.Retry(ctx, job, time.Second, errors.New("boom")))
	assert.Empty(t, job.LeaseOwner)

	_, err := driver.Pop(ctx, "w", time.Minute)
	assert.True(t, errors.Is(err, ErrEmpty), "the sibling must wait for the retried job")

	clock.Advance(time.Second)
	job = mustPop(t, driver, "w", time.Minute)
	assert.Equal(t, "first", job.ID)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, "boom", job.LastError)
	assert.Equal(t, int64(100), job.OrderMs)
	assert.True(t, job.ReadyAt.Equal(start.Add(time.Second)), "got %s", job.ReadyAt)
}

func testDriverFail(t *testing.T, driver Driver, clock *fakeClock) {
	ctx := context.Background()
	mustPush(t, driver, newTestJob("first", "g", 100, clock.Now()))
	mustPush(t, driver, newTestJob("second", "g", 200, clock.Now()))

	job := mustPop(t, driver, "w", time.Minute)
	require.NoError(t, driver.Fail(ctx, job, errors.New("boom")))

	info, err := driver.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Dead)
	assert.Equal(t, int64(1), info.Groups)

	job = mustPop(t, driver, "w", time.Minute)
	assert.Equal(t, "second", job.ID)
	require.NoError(t, driver.Ack(ctx, job))

	info, err = driver.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Groups)
	assert.Equal(t, int64(1), info.Dead)
}

func testDriverForeignLease(t *testing.T, driver Driver, clock *fakeClock) {
	ctx := context.Background()
	mustPush(t, driver, newTestJob("j", "g", 1, clock.Now()))
	job := mustPop(t, driver, "w", time.Minute)

	foreign := *job
	foreign.LeaseOwner = "intruder"
	assert.True(t, errors.Is(driver.Ack(ctx, &foreign), ErrLeaseLost))
	assert.True(t, errors.Is(driver.Retry(ctx, &foreign, 0, nil), ErrLeaseLost))
	assert.True(t, errors.Is(driver.Fail(ctx, &foreign, nil), ErrLeaseLost))
	_, err := driver.Heartbeat(ctx, &foreign, time.Minute)
	assert.True(t, errors.Is(err, ErrLeaseLost))

	info, err := driver.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Leased)
	require.NoError(t, driver.Ack(ctx, job))
}

func testDriverReload(t *testing.T, driver Driver, clock *fakeClock) {
	ctx := context.Background()
	mustPush(t, driver, newTestJob("j", "g", 1, clock.Now()))
	job := mustPop(t, driver, "w", time.Minute)
	require.NoError(t, driver.Fail(ctx, job, errors.New("boom")))

	n, err := driver.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	info, err := driver.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Dead)
	assert.Equal(t, int64(1), info.Ready)

	job = mustPop(t, driver, "w", time.Minute)
	assert.Equal(t, "j", job.ID)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "boom", job.LastError)
}

func testDriverFlush(t *testing.T, driver Driver, clock *fakeClock) {
	ctx := context.Background()
	mustPush(t, driver, newTestJob("j", "g", 1, clock.Now()))
	job := mustPop(t, driver, "w", time.Minute)
	require.NoError(t, driver.Fail(ctx, job, errors.New("boom")))

	inserted, err := driver.Push(ctx, newTestJob("j", "g", 1, clock.Now()))
	require.NoError(t, err)
	assert.False(t, inserted, "a dead job keeps its id")

	require.NoError(t, driver.Flush(ctx))
	info, err := driver.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueInfo{}, info)

	n, err := driver.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	inserted, err = driver.Push(ctx, newTestJob("j", "g", 1, clock.Now()))
	require.NoError(t, err)
	assert.True(t, inserted)
}

func testDriverIdempotentPush(t *testing.T, driver Driver, clock *fakeClock) {
	ctx := context.Background()
	first := newTestJob("x", "g", 1, clock.Now())
	mustPush(t, driver, first)

	again := newTestJob("x", "other", 2, clock.Now())
	inserted, err := driver.Push(ctx, again)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.Seq, again.Seq)

	job := mustPop(t, driver, "w", time.Minute)
	assert.Equal(t, "g", job.GroupID)
	assert.Equal(t, int64(1), job.OrderMs)

	_, err = driver.Pop(ctx, "w", time.Minute)
	assert.True(t, errors.Is(err, ErrEmpty))
}

func testDriverInfo(t *testing.T, driver Driver, clock *fakeClock) {
	ctx := context.Background()
	mustPush(t, driver, newTestJob("a", "g1", 1, clock.Now()))
	mustPush(t, driver, newTestJob("b", "g2", 1, clock.Now().Add(time.Minute)))
	mustPush(t, driver, newTestJob("c", "g3", 1, clock.Now()))
	mustPush(t, driver, newTestJob("d", "g3", 2, clock.Now()))
	mustPop(t, driver, "w", time.Minute)

	info, err := driver.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueInfo{Groups: 3, Ready: 1, Delayed: 1, Leased: 1}, info)
}
