package groupqueue

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidNamespace is returned when a namespace cannot be turned into keys.
var ErrInvalidNamespace = errors.New("invalid namespace")

// Keys describes the redis keys of one namespace. All keys share the
// "{namespace}" hash tag, so they live in the same cluster slot and may be
// touched by a single script.
type Keys struct {
	// Seq is the monotonic admission counter.
	Seq string
	// Groups is the set of groups that still have jobs.
	Groups string
	// Ready is a sorted set of idle groups scored by the readyAt of their head job.
	Ready string
	// Leased is a sorted set of groups with a job in flight, scored by lease expiry.
	Leased string
	// Inflight maps a leased group to the id of the job holding the lease.
	Inflight string
	// Dead is the dead letter index, scored by the time the job was given up.
	Dead string
	// GroupPrefix prefixes the per-group ordered index.
	GroupPrefix string
	// JobPrefix prefixes the per-job record hash.
	JobPrefix string
}

// NewKeys returns the Keys of the given namespace.
func NewKeys(namespace string) (Keys, error) {
	if err := validateNamespace(namespace); err != nil {
		return Keys{}, err
	}
	prefix := fmt.Sprintf("{%s}", namespace)
	return Keys{
		Seq:         prefix + ":seq",
		Groups:      prefix + ":groups",
		Ready:       prefix + ":ready",
		Leased:      prefix + ":leased",
		Inflight:    prefix + ":inflight",
		Dead:        prefix + ":dead",
		GroupPrefix: prefix + ":g:",
		JobPrefix:   prefix + ":job:",
	}, nil
}

// Group returns the key of the ordered index of a group.
func (k Keys) Group(group string) string {
	return k.GroupPrefix + group
}

// Job returns the key of a job record.
func (k Keys) Job(id string) string {
	return k.JobPrefix + id
}

func validateNamespace(namespace string) error {
	if strings.TrimSpace(namespace) == "" {
		return errors.Wrap(ErrInvalidNamespace, "namespace must not be empty")
	}
	if strings.ContainsAny(namespace, "{}") {
		return errors.Wrapf(ErrInvalidNamespace, "namespace %q must not contain braces", namespace)
	}
	return nil
}
