package groupqueue

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

const (
	defaultScanLimit  = 100
	defaultBatchLimit = 500
)

// RedisDriver is the Driver backed by redis. Every operation touching more
// than one key runs as a single Lua script, so the driver is safe to share
// between any number of processes pointed at the same namespace.
type RedisDriver struct {
	Logger      log.Logger
	RedisClient redis.UniversalClient
	Keys        Keys
	// ScanLimit bounds how many ready groups and expired leases a single claim
	// looks at. Defaults to 100.
	ScanLimit int

	now func() time.Time
}

// NewRedisDriver creates a RedisDriver for the given namespace.
func NewRedisDriver(client redis.UniversalClient, namespace string) (*RedisDriver, error) {
	keys, err := NewKeys(namespace)
	if err != nil {
		return nil, err
	}
	return &RedisDriver{
		Logger:      log.NewNopLogger(),
		RedisClient: client,
		Keys:        keys,
	}, nil
}

// Push implements Driver.
func (r *RedisDriver) Push(ctx context.Context, job *Job) (bool, error) {
	res, err := replySlice(enqueueScript.Run(ctx, r.RedisClient, r.scriptKeys(), r.prefixes(
		job.ID,
		job.GroupID,
		job.Payload,
		job.OrderMs,
		toMs(job.EnqueuedAt),
		toMs(job.ReadyAt),
		job.MaxAttempts,
		job.Backoff.Milliseconds(),
	)...))
	if err != nil {
		return false, errors.Wrapf(err, "push job %s", job.ID)
	}
	if len(res) != 2 {
		return false, errors.Errorf("push job %s: unexpected reply %v", job.ID, res)
	}
	inserted, _ := res[0].(int64)
	seq, _ := res[1].(int64)
	job.Seq = seq
	return inserted == 1, nil
}

// Pop implements Driver.
func (r *RedisDriver) Pop(ctx context.Context, owner string, visibility time.Duration) (*Job, error) {
	res, err := replySlice(claimScript.Run(ctx, r.RedisClient, r.scriptKeys(), r.prefixes(
		toMs(r.clock()),
		visibility.Milliseconds(),
		owner,
		r.scanLimit(),
	)...))
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, errors.Wrap(err, "claim job")
	}
	job, err := parseJob(res)
	if err != nil {
		return nil, errors.Wrap(err, "claim job")
	}
	return job, nil
}

// Heartbeat implements Driver.
func (r *RedisDriver) Heartbeat(ctx context.Context, job *Job, visibility time.Duration) (time.Time, error) {
	expires, err := heartbeatScript.Run(ctx, r.RedisClient, r.scriptKeys(), r.prefixes(
		job.ID,
		job.LeaseOwner,
		toMs(r.clock()),
		visibility.Milliseconds(),
	)...).Int64()
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "heartbeat job %s", job.ID)
	}
	if expires == 0 {
		return time.Time{}, errors.Wrapf(ErrLeaseLost, "heartbeat job %s", job.ID)
	}
	job.LeaseExpiresAt = fromMs(expires)
	return job.LeaseExpiresAt, nil
}

// Ack implements Driver.
func (r *RedisDriver) Ack(ctx context.Context, job *Job) error {
	return r.leased(ctx, "ack", job, ackScript, job.ID, job.LeaseOwner)
}

// Retry implements Driver.
func (r *RedisDriver) Retry(ctx context.Context, job *Job, backoff time.Duration, cause error) error {
	return r.leased(ctx, "retry", job, retryScript, job.ID, job.LeaseOwner, toMs(r.clock()), backoff.Milliseconds(), errorString(cause))
}

// Fail implements Driver.
func (r *RedisDriver) Fail(ctx context.Context, job *Job, cause error) error {
	return r.leased(ctx, "fail", job, failScript, job.ID, job.LeaseOwner, toMs(r.clock()), errorString(cause))
}

// Reclaim implements Driver.
func (r *RedisDriver) Reclaim(ctx context.Context) (int64, error) {
	var total int64
	for {
		n, err := reclaimScript.Run(ctx, r.RedisClient, r.scriptKeys(), r.prefixes(toMs(r.clock()), r.scanLimit())...).Int64()
		if err != nil {
			return total, errors.Wrap(err, "reclaim expired leases")
		}
		total += n
		if n < int64(r.scanLimit()) {
			return total, nil
		}
	}
}

// Reload implements Driver.
func (r *RedisDriver) Reload(ctx context.Context) (int64, error) {
	var total int64
	for {
		res, err := replySlice(reloadScript.Run(ctx, r.RedisClient, r.scriptKeys(), r.prefixes(toMs(r.clock()), defaultBatchLimit)...))
		if err != nil {
			return total, errors.Wrap(err, "reload dead jobs")
		}
		if len(res) != 2 {
			return total, errors.Errorf("reload dead jobs: unexpected reply %v", res)
		}
		moved, _ := res[0].(int64)
		scanned, _ := res[1].(int64)
		total += moved
		if scanned < defaultBatchLimit {
			return total, nil
		}
	}
}

// Flush implements Driver.
func (r *RedisDriver) Flush(ctx context.Context) error {
	for {
		n, err := flushScript.Run(ctx, r.RedisClient, r.scriptKeys(), r.prefixes(defaultBatchLimit)...).Int64()
		if err != nil {
			return errors.Wrap(err, "flush dead jobs")
		}
		if n < defaultBatchLimit {
			return nil
		}
	}
}

// Info implements Driver.
func (r *RedisDriver) Info(ctx context.Context) (QueueInfo, error) {
	now := strconv.FormatInt(toMs(r.clock()), 10)
	pipe := r.RedisClient.Pipeline()
	groups := pipe.SCard(ctx, r.Keys.Groups)
	ready := pipe.ZCount(ctx, r.Keys.Ready, "-inf", now)
	delayed := pipe.ZCount(ctx, r.Keys.Ready, "("+now, "+inf")
	leased := pipe.ZCard(ctx, r.Keys.Leased)
	dead := pipe.ZCard(ctx, r.Keys.Dead)
	if _, err := pipe.Exec(ctx); err != nil {
		return QueueInfo{}, errors.Wrap(err, "queue info")
	}
	return QueueInfo{
		Groups:  groups.Val(),
		Ready:   ready.Val(),
		Delayed: delayed.Val(),
		Leased:  leased.Val(),
		Dead:    dead.Val(),
	}, nil
}

func (r *RedisDriver) leased(ctx context.Context, op string, job *Job, script *redis.Script, args ...interface{}) error {
	ok, err := script.Run(ctx, r.RedisClient, r.scriptKeys(), r.prefixes(args...)...).Int64()
	if err != nil {
		return errors.Wrapf(err, "%s job %s", op, job.ID)
	}
	if ok == 0 {
		_ = level.Debug(r.logger()).Log("msg", "lease lost", "op", op, "job", job.ID, "group", job.GroupID)
		return errors.Wrapf(ErrLeaseLost, "%s job %s", op, job.ID)
	}
	job.LeaseOwner = ""
	job.LeaseExpiresAt = time.Time{}
	return nil
}

func (r *RedisDriver) scriptKeys() []string {
	return []string{r.Keys.Seq, r.Keys.Groups, r.Keys.Ready, r.Keys.Leased, r.Keys.Inflight, r.Keys.Dead}
}

func (r *RedisDriver) prefixes(args ...interface{}) []interface{} {
	return append([]interface{}{r.Keys.GroupPrefix, r.Keys.JobPrefix}, args...)
}

func (r *RedisDriver) scanLimit() int {
	if r.ScanLimit <= 0 {
		return defaultScanLimit
	}
	return r.ScanLimit
}

func (r *RedisDriver) clock() time.Time {
	if r.now == nil {
		return time.Now()
	}
	return r.now()
}

func (r *RedisDriver) logger() log.Logger {
	if r.Logger == nil {
		return log.NewNopLogger()
	}
	return r.Logger
}

// replySlice reads a multi-bulk script reply. redis.Nil is passed through.
func replySlice(cmd *redis.Cmd) ([]interface{}, error) {
	val, err := cmd.Result()
	if err != nil {
		return nil, err
	}
	res, ok := val.([]interface{})
	if !ok {
		return nil, errors.Errorf("unexpected script reply %T", val)
	}
	return res, nil
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
