package models

import "github.com/Gobusters/ectolinq"

// Status is the lifecycle status of a node or plan execution
type Status string

const (
	StatusQueued        Status = "QUEUED"
	StatusRunning       Status = "RUNNING"
	StatusDiscontinuing Status = "DISCONTINUING"
	StatusSucceeded     Status = "SUCCEEDED"
	StatusFailed        Status = "FAILED"
	StatusExpired       Status = "EXPIRED"
	StatusAborted       Status = "ABORTED"
	StatusSkipped       Status = "SKIPPED"
	// StatusSuspended is reported by a chain link that found nothing to run.
	// The owning chain step remaps it before the chain itself ends.
	StatusSuspended Status = "SUSPENDED"
)

var terminalStatuses = map[Status]bool{
	StatusSucceeded: true,
	StatusFailed:    true,
	StatusExpired:   true,
	StatusAborted:   true,
	StatusSkipped:   true,
	StatusSuspended: true,
}

// aggregation precedence, worst first
var failurePrecedence = []Status{
	StatusAborted,
	StatusExpired,
	StatusFailed,
	StatusSuspended,
}

// IsTerminal reports whether no further status transition is allowed
func (s Status) IsTerminal() bool {
	return terminalStatuses[s]
}

// IsPositive reports whether the status counts as a success for aggregation
func (s Status) IsPositive() bool {
	return s == StatusSucceeded || s == StatusSkipped
}

func (s Status) String() string {
	return string(s)
}

// NonTerminalStatuses returns every status a node can still move out of
func NonTerminalStatuses() []Status {
	return []Status{StatusQueued, StatusRunning, StatusDiscontinuing}
}

var allowedTransitions = map[Status][]Status{
	StatusQueued:        {StatusRunning, StatusSkipped, StatusAborted, StatusExpired, StatusDiscontinuing, StatusFailed},
	StatusRunning:       {StatusDiscontinuing, StatusSucceeded, StatusFailed, StatusExpired, StatusAborted, StatusSkipped, StatusSuspended},
	StatusDiscontinuing: {StatusAborted, StatusExpired, StatusFailed},
}

// CanTransition reports whether a node may move from one status to another
func CanTransition(from, to Status) bool {
	return ectolinq.Contains(allowedTransitions[from], to)
}

// AggregateStatus folds a set of child statuses into one.
// All positive statuses yield SUCCEEDED; otherwise the worst status wins,
// which keeps the result independent of completion order.
func AggregateStatus(statuses []Status) Status {
	seen := make(map[Status]bool, len(statuses))
	var other Status
	for _, s := range statuses {
		if s.IsPositive() {
			continue
		}
		seen[s] = true
		if other == "" || s < other {
			other = s
		}
	}

	if len(seen) == 0 {
		return StatusSucceeded
	}

	for _, s := range failurePrecedence {
		if seen[s] {
			return s
		}
	}
	return other
}
