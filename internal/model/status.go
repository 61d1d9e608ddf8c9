package model

import "fmt"

// TaskStatus tracks one task (one question within one interview) through its
// lifecycle.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusWaiting   TaskStatus = "waiting" // blocked on bucket admission
	StatusRunning   TaskStatus = "running"
	StatusRetrying  TaskStatus = "retrying"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

var terminalTaskStatuses = map[TaskStatus]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// Task status transitions: pending → waiting → running → terminal, with
// retrying looping back through waiting. Cache hits go pending → running
// directly (admission is bypassed entirely).
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	StatusPending: {
		StatusWaiting:   true,
		StatusRunning:   true,
		StatusFailed:    true, // pre-admission failure, e.g. prompt rendering
		StatusCancelled: true,
	},
	StatusWaiting: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusRetrying:  true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRetrying: {
		StatusWaiting:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// IsTerminal reports whether a task may not leave the given status.
func IsTerminal(s TaskStatus) bool {
	return terminalTaskStatuses[s]
}

// ValidateTaskTransition checks a single status transition.
func ValidateTaskTransition(from, to TaskStatus) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}
