// Package run executes interviews: per-question tasks under bucket admission
// control, status and usage bookkeeping, and failure capture.
package run

import (
	"fmt"
	"time"

	"github.com/parley-run/parley/internal/model"
)

// StatusEntry is one recorded status transition.
type StatusEntry struct {
	Time   time.Time        `json:"time"`
	Status model.TaskStatus `json:"status"`
}

// StatusLog is the time-ordered status history of one task. Each task owns
// its log and appends from its own goroutine; readers wait for the task to
// finish first, so no internal locking is needed.
type StatusLog struct {
	entries []StatusEntry
}

// NewStatusLog creates an empty log.
func NewStatusLog() *StatusLog {
	return &StatusLog{}
}

// Append records a transition. Entries must be strictly time-ordered: a
// timestamp at or before the last entry is rejected, as is an invalid status
// transition.
func (l *StatusLog) Append(t time.Time, s model.TaskStatus) error {
	if n := len(l.entries); n > 0 {
		last := l.entries[n-1]
		if !t.After(last.Time) {
			return fmt.Errorf("append %s at %s: not after last entry at %s", s, t.Format(time.RFC3339Nano), last.Time.Format(time.RFC3339Nano))
		}
		if err := model.ValidateTaskTransition(last.Status, s); err != nil {
			return err
		}
	}
	l.entries = append(l.entries, StatusEntry{Time: t, Status: s})
	return nil
}

// Record appends a transition stamped now. A clock reading that has not moved
// past the last entry is nudged forward one nanosecond so the log stays
// strictly ordered on coarse clocks.
func (l *StatusLog) Record(s model.TaskStatus) error {
	t := time.Now()
	if n := len(l.entries); n > 0 && !t.After(l.entries[n-1].Time) {
		t = l.entries[n-1].Time.Add(time.Nanosecond)
	}
	return l.Append(t, s)
}

// StatusAt returns the latest status with timestamp at or before t.
// Linear scan; logs are a handful of entries. Revisit with binary search if
// they ever grow large.
func (l *StatusLog) StatusAt(t time.Time) (model.TaskStatus, bool) {
	var (
		status model.TaskStatus
		found  bool
	)
	for _, e := range l.entries {
		if e.Time.After(t) {
			break
		}
		status = e.Status
		found = true
	}
	return status, found
}

// Last returns the most recent entry.
func (l *StatusLog) Last() (StatusEntry, bool) {
	if len(l.entries) == 0 {
		return StatusEntry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// Entries returns a copy of the full history.
func (l *StatusLog) Entries() []StatusEntry {
	out := make([]StatusEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
