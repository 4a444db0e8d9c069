package groupqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var _ Driver = (*InProcessDriver)(nil)

// InProcessDriver is a Driver that keeps everything in memory. It follows the
// exact semantics of RedisDriver but only works within one process. Useful for
// testing and for services that run a single worker process.
type InProcessDriver struct {
	mu       sync.Mutex
	seq      int64
	jobs     map[string]*Job
	groups   map[string][]*Job
	inflight map[string]string
	dead     []string

	now func() time.Time
}

// NewInProcessDriver creates an empty InProcessDriver.
func NewInProcessDriver() *InProcessDriver {
	return &InProcessDriver{
		jobs:     make(map[string]*Job),
		groups:   make(map[string][]*Job),
		inflight: make(map[string]string),
	}
}

// Push implements Driver.
func (d *InProcessDriver) Push(ctx context.Context, job *Job) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.jobs[job.ID]; ok {
		job.Seq = existing.Seq
		return false, nil
	}
	d.seq++
	job.Seq = d.seq
	record := *job
	record.Attempts = 0
	record.LeaseOwner = ""
	record.LeaseExpiresAt = time.Time{}
	d.jobs[job.ID] = &record
	d.insert(&record)
	return true, nil
}

// Pop implements Driver.
func (d *InProcessDriver) Pop(ctx context.Context, owner string, visibility time.Duration) (*Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	d.reclaim(now)

	var head *Job
	for group, members := range d.groups {
		if _, leased := d.inflight[group]; leased || len(members) == 0 {
			continue
		}
		candidate := members[0]
		if candidate.ReadyAt.After(now) {
			continue
		}
		if head == nil || candidate.ReadyAt.Before(head.ReadyAt) ||
			(candidate.ReadyAt.Equal(head.ReadyAt) && candidate.Seq < head.Seq) {
			head = candidate
		}
	}
	if head == nil {
		return nil, ErrEmpty
	}
	head.Attempts++
	head.LeaseOwner = owner
	head.LeaseExpiresAt = now.Add(visibility)
	d.inflight[head.GroupID] = head.ID
	claimed := *head
	return &claimed, nil
}

// Heartbeat implements Driver.
func (d *InProcessDriver) Heartbeat(ctx context.Context, job *Job, visibility time.Duration) (time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	record, ok := d.owned(job)
	now := d.clock()
	if !ok || record.LeaseExpiresAt.Before(now) {
		return time.Time{}, errors.Wrapf(ErrLeaseLost, "heartbeat job %s", job.ID)
	}
	record.LeaseExpiresAt = now.Add(visibility)
	job.LeaseExpiresAt = record.LeaseExpiresAt
	return record.LeaseExpiresAt, nil
}

// Ack implements Driver.
func (d *InProcessDriver) Ack(ctx context.Context, job *Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	record, ok := d.owned(job)
	if !ok {
		return errors.Wrapf(ErrLeaseLost, "ack job %s", job.ID)
	}
	d.remove(record)
	delete(d.jobs, record.ID)
	delete(d.inflight, record.GroupID)
	clearLease(job)
	return nil
}

// Retry implements Driver.
func (d *InProcessDriver) Retry(ctx context.Context, job *Job, backoff time.Duration, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	record, ok := d.owned(job)
	if !ok {
		return errors.Wrapf(ErrLeaseLost, "retry job %s", job.ID)
	}
	readyAt := d.clock().Add(backoff)
	if record.ReadyAt.After(readyAt) {
		readyAt = record.ReadyAt
	}
	record.ReadyAt = readyAt
	record.LastError = errorString(cause)
	clearLease(record)
	delete(d.inflight, record.GroupID)
	clearLease(job)
	return nil
}

// Fail implements Driver.
func (d *InProcessDriver) Fail(ctx context.Context, job *Job, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	record, ok := d.owned(job)
	if !ok {
		return errors.Wrapf(ErrLeaseLost, "fail job %s", job.ID)
	}
	d.remove(record)
	record.LastError = errorString(cause)
	clearLease(record)
	delete(d.inflight, record.GroupID)
	d.dead = append(d.dead, record.ID)
	clearLease(job)
	return nil
}

// Reclaim implements Driver.
func (d *InProcessDriver) Reclaim(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.reclaim(d.clock()), nil
}

// Reload implements Driver.
func (d *InProcessDriver) Reload(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var moved int64
	now := d.clock()
	for _, id := range d.dead {
		record, ok := d.jobs[id]
		if !ok {
			continue
		}
		record.Attempts = 0
		record.ReadyAt = now
		d.insert(record)
		moved++
	}
	d.dead = nil
	return moved, nil
}

// Flush implements Driver.
func (d *InProcessDriver) Flush(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, id := range d.dead {
		delete(d.jobs, id)
	}
	d.dead = nil
	return nil
}

// Info implements Driver.
func (d *InProcessDriver) Info(ctx context.Context) (QueueInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	info := QueueInfo{
		Groups: int64(len(d.groups)),
		Leased: int64(len(d.inflight)),
		Dead:   int64(len(d.dead)),
	}
	for group, members := range d.groups {
		if _, leased := d.inflight[group]; leased {
			continue
		}
		if members[0].ReadyAt.After(now) {
			info.Delayed++
		} else {
			info.Ready++
		}
	}
	return info, nil
}

func (d *InProcessDriver) reclaim(now time.Time) int64 {
	var released int64
	for group, id := range d.inflight {
		record := d.jobs[id]
		if record != nil && !record.LeaseExpiresAt.Before(now) {
			continue
		}
		if record != nil {
			clearLease(record)
		}
		delete(d.inflight, group)
		released++
	}
	return released
}

// owned returns the stored record of job if job.LeaseOwner still holds its group.
func (d *InProcessDriver) owned(job *Job) (*Job, bool) {
	record, ok := d.jobs[job.ID]
	if !ok || record.LeaseOwner == "" || record.LeaseOwner != job.LeaseOwner {
		return nil, false
	}
	if d.inflight[record.GroupID] != record.ID {
		return nil, false
	}
	return record, true
}

func (d *InProcessDriver) insert(record *Job) {
	members := d.groups[record.GroupID]
	i := sort.Search(len(members), func(i int) bool {
		return record.Score().Less(members[i].Score())
	})
	members = append(members, nil)
	copy(members[i+1:], members[i:])
	members[i] = record
	d.groups[record.GroupID] = members
}

func (d *InProcessDriver) remove(record *Job) {
	members := d.groups[record.GroupID]
	for i := range members {
		if members[i].ID == record.ID {
			members = append(members[:i], members[i+1:]...)
			break
		}
	}
	if len(members) == 0 {
		delete(d.groups, record.GroupID)
		return
	}
	d.groups[record.GroupID] = members
}

func (d *InProcessDriver) clock() time.Time {
	if d.now == nil {
		return time.Now()
	}
	return d.now()
}

func clearLease(job *Job) {
	job.LeaseOwner = ""
	job.LeaseExpiresAt = time.Time{}
}
