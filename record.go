package groupqueue

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// parseJob rebuilds a Job from the flat field/value reply of HGETALL.
func parseJob(reply []interface{}) (*Job, error) {
	if len(reply)%2 != 0 {
		return nil, errors.Errorf("malformed job record of %d elements", len(reply))
	}
	fields := make(map[string]string, len(reply)/2)
	for i := 0; i < len(reply); i += 2 {
		k, ok := reply[i].(string)
		if !ok {
			return nil, errors.Errorf("malformed job record field %v", reply[i])
		}
		v, ok := reply[i+1].(string)
		if !ok {
			return nil, errors.Errorf("malformed job record value for %s", k)
		}
		fields[k] = v
	}
	return jobFromFields(fields)
}

func jobFromFields(fields map[string]string) (*Job, error) {
	var (
		p   fieldParser
		job Job
	)
	job.ID = fields["id"]
	job.GroupID = fields["group"]
	job.Payload = []byte(fields["payload"])
	job.LeaseOwner = fields["owner"]
	job.LastError = fields["err"]
	job.OrderMs = p.int64(fields, "order")
	job.Seq = p.int64(fields, "seq")
	job.EnqueuedAt = fromMs(p.int64(fields, "enq"))
	job.ReadyAt = fromMs(p.int64(fields, "ready"))
	job.Attempts = int(p.int64(fields, "attempts"))
	job.MaxAttempts = int(p.int64(fields, "max"))
	job.Backoff = time.Duration(p.int64(fields, "backoff")) * time.Millisecond
	job.LeaseExpiresAt = fromMs(p.int64(fields, "lease"))
	if p.err != nil {
		return nil, errors.Wrapf(p.err, "parse job %s", job.ID)
	}
	if job.ID == "" || job.GroupID == "" {
		return nil, errors.New("job record without id or group")
	}
	return &job, nil
}

// fieldParser keeps the first conversion error so the fields can be read in a row.
type fieldParser struct {
	err error
}

func (p *fieldParser) int64(fields map[string]string, name string) int64 {
	s, ok := fields[name]
	if !ok || s == "" || p.err != nil {
		return 0
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Lua hands back large numbers in float notation.
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			p.err = errors.Wrapf(err, "field %s", name)
			return 0
		}
		return int64(f)
	}
	return i
}
