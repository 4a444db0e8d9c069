package groupqueue

// QueueInfo describes the state Of a namespace.
type QueueInfo struct {
	// Groups is the number of groups holding at least one live job.
	Groups int64
	// Ready is the number of idle groups whose head job can be claimed now.
	Ready int64
	// Delayed is the number of idle groups whose head job is still inside its
	// ordering delay or backoff.
	Delayed int64
	// Leased is the number of groups with a job in flight.
	Leased int64
	// Dead is the length Of the dead letter index.
	Dead int64
}
