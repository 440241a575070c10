package domain

import "fmt"

// Status is the lifecycle state of an IngestionRecord.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// ParseStatus converts a string into a Status, rejecting unknown values.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state machine allows s -> to.
//
// processing -> processing takes over a stale claim after a worker crash.
// processing -> pending hands a record back when its worker shuts down, or
// resets a stale claim on resubmission. pending -> failed records a task that
// could not be queued.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusProcessing || to == StatusPending || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusProcessing || to == StatusPending
	case StatusCompleted:
		return to == StatusPending
	case StatusFailed:
		return to == StatusPending
	default:
		return false
	}
}

// StatusesInto lists the statuses that may move to to, in lifecycle order.
func StatusesInto(to Status) []Status {
	var from []Status
	for _, s := range AllStatuses {
		if s.CanTransition(to) {
			from = append(from, s)
		}
	}
	return from
}
