// Package groupqueue provides a redis backed job queue that keeps jobs of the
// same group in order.
//
// It is recommended to read documentation on the core package before getting started on the groupqueue package.
//
// Introduction
//
// Some work must not be processed out of order. Events of one user session,
// for example, should be applied in the order they happened, even though they
// arrive over the network in a slightly different order and are consumed by
// many workers on many machines. The groupqueue package solves this by
// attaching each job to a group. Jobs in the same group are handed to a
// handler strictly one at a time, sorted by a caller supplied logical
// timestamp, while jobs of different groups are processed in parallel.
//
// Simple Usage
//
// A Queue admits jobs. The payload can be any value the codec can encode (gob by default).
//
//  driver, _ := groupqueue.NewRedisDriver(redisClient, "analytics")
//  q := groupqueue.NewQueue(driver, groupqueue.UseOrderingDelay(time.Second))
//  id, err := q.Add(ctx, sessionID, event, event.TimestampMs)
//
// A Worker claims jobs and passes them to a Handler:
//
//  w := groupqueue.NewWorker(driver, groupqueue.HandlerFunc(func(ctx context.Context, job *groupqueue.Job) error {
//  	var event Event
//  	if err := job.Unmarshal(&event); err != nil {
//  		return err
//  	}
//  	return store(ctx, event)
//  }), groupqueue.WithConcurrency(8))
//  go w.Run(ctx)
//
// Ordering
//
// Within a group, jobs are sorted by OrderMs, then by admission sequence. Only
// the first job of a group can be claimed, and only once it is ready: a job is
// ready after the ordering delay of the queue (plus any Delay option) has passed
// since it was added. The ordering delay is the window in which a late job can
// still overtake jobs that arrived before it. If the first job of a group is
// not ready yet, the group waits, even if later jobs of the same group are.
//
// Leases
//
// A claimed job is leased to the worker for the visibility timeout. If the
// worker neither acknowledges nor renews the lease in time (see
// Worker.Heartbeat and WithAutoHeartbeat), the group is released and the same
// job is claimed again, with Attempts incremented. Delivery is therefore at
// least once, and handlers must be idempotent.
//
// Failures
//
// A handler error puts the job back in front of its group after a backoff.
// Once the job has been tried MaxAttempts times it is moved to the dead letter
// index, and the group moves on. Dead jobs can be reloaded or flushed with the
// Queue, or with the groupqueue command:
//
//  c.AddModuleFunc(groupqueue.New)
//
// Integrate
//
// The groupqueue package exports configuration in this format:
//
//  groupqueue:
//    default:
//      redisName: default
//      parallelism: 8
//      visibilityTimeoutMs: 30000
//      pollIntervalMs: 1000
//      orderingDelayMs: 0
//      attemptsLimit: 1
//      backoffBaseMs: 1000
//      backoffMaxMs: 60000
//      sweepIntervalMs: 15000
//      shutdownTimeoutSecond: 30
//
// The bundled dependency provider wires queues from this configuration and
// runs the workers of subscribed queues in the run group of the core.
//
//  var c *core.C
//  c.Provide(otredis.Providers()) // to provide the redis driver
//  c.Provide(groupqueue.Providers())
//  c.Invoke(func(q *groupqueue.Queue) {
//    q.Subscribe(handler)
//  })
//
// Event-based Jobs
//
// When a handler fails, BeforeRetry or BeforeAbort is dispatched to the
// contract.Dispatcher found in the container. LeaseLost is dispatched when a
// worker finishes a job whose lease was already taken over.
//
// Metrics
//
// To gain visibility on the queue, inject a gauge and alias it to
// groupqueue.Gauge. The length of every index is periodically reported by
// "queue" and "channel". A groupqueue.Histogram records handler duration by
// "queue" and "outcome".
package groupqueue
