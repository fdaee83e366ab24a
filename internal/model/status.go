package model

// Status is the client-side delivery lifecycle of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return 0
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusFailed || s.rank() > 0
}

// CanTransition reports whether a message in status s may move to next.
// Forward moves along pending→sent→delivered→read are allowed; failed is
// reachable only from pending or sent and is terminal.
func (s Status) CanTransition(next Status) bool {
	if s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return s == StatusPending || s == StatusSent
	}
	return next.rank() > s.rank()
}

// Merge returns the status a message should hold when a local copy in status s
// meets an authoritative copy in status other. It never regresses.
func (s Status) Merge(other Status) Status {
	if s == StatusFailed {
		return s
	}
	if other == StatusFailed {
		if s.CanTransition(StatusFailed) {
			return other
		}
		return s
	}
	if other.rank() > s.rank() {
		return other
	}
	return s
}
