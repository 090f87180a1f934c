// Package scheduler keeps the set of jobs waiting to run, ordered by when
// they are next due.
package scheduler

import (
	"time"
)

// Entry is the scheduler's record of when a job is next due.
type Entry struct {
	JobID     string
	NextRunAt time.Time
	Priority  int
	// Cron is the job's cron expression, if any. Only the linear strategy
	// reads it.
	Cron string

	seq uint64
}

// before orders entries by NextRunAt, then Priority (lower first), then
// insertion order.
func (e Entry) before(o Entry) bool {
	if !e.NextRunAt.Equal(o.NextRunAt) {
		return e.NextRunAt.Before(o.NextRunAt)
	}
	if e.Priority != o.Priority {
		return e.Priority < o.Priority
	}
	return e.seq < o.seq
}

// Scheduler is implemented by Heap and Linear. Implementations are not safe
// for concurrent use; the daemon serializes access under its own lock.
type Scheduler interface {
	// Schedule inserts e, or replaces the entry with the same JobID.
	Schedule(e Entry)
	Unschedule(jobID string) bool
	// Due removes and returns every entry due at now, in run order.
	Due(now time.Time) []Entry
	// Wait reports how long the caller may sleep before calling Due again.
	// ok is false when nothing is scheduled.
	Wait(now time.Time) (d time.Duration, ok bool)
	Peek() (Entry, bool)
	Len() int
	Name() string
}

const DefaultCheckInterval = 2 * time.Second

// New returns the heap strategy, or the linear one when legacy is set.
func New(legacy bool, checkInterval time.Duration) Scheduler {
	if legacy {
		return NewLinear(checkInterval)
	}
	return NewHeap()
}
