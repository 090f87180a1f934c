package scheduler

import (
	"slices"
	"time"

	"lsh.app/jobd/internal/cron"
)

// Linear scans every entry on each tick. It is the reference the heap is
// checked against and can be forced with JOBD_LEGACY_SCHEDULER.
type Linear struct {
	entries  map[string]Entry
	fired    map[string]time.Time
	interval time.Duration
	seq      uint64
}

func NewLinear(checkInterval time.Duration) *Linear {
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	return &Linear{
		entries:  make(map[string]Entry),
		fired:    make(map[string]time.Time),
		interval: checkInterval,
	}
}

func (s *Linear) Name() string { return "linear" }

func (s *Linear) Len() int { return len(s.entries) }

func (s *Linear) Schedule(e Entry) {
	s.seq++
	e.seq = s.seq
	s.entries[e.JobID] = e
}

func (s *Linear) Unschedule(jobID string) bool {
	delete(s.fired, jobID)
	if _, ok := s.entries[jobID]; !ok {
		return false
	}
	delete(s.entries, jobID)
	return true
}

func (s *Linear) Peek() (Entry, bool) {
	var (
		best  Entry
		found bool
	)
	for _, e := range s.entries {
		if !found || e.before(best) {
			best, found = e, true
		}
	}
	return best, found
}

func (s *Linear) Due(now time.Time) []Entry {
	var due []Entry
	for id, e := range s.entries {
		if !s.isDue(e, now) {
			continue
		}
		due = append(due, e)
		delete(s.entries, id)
		if e.Cron != "" {
			s.fired[id] = now.Truncate(time.Minute)
		}
	}
	slices.SortFunc(due, func(a, b Entry) int {
		switch {
		case a.before(b):
			return -1
		case b.before(a):
			return 1
		}
		return 0
	})
	return due
}

// isDue asks the cron matcher about cron entries on every scan, at most
// once per minute and never before the minute of the stored due time. A
// stored due time that has passed fires even without a match, so a slot
// missed between scans still runs. Cron fields are read in now's location.
func (s *Linear) isDue(e Entry, now time.Time) bool {
	if e.Cron != "" && s.cronDue(e, now) {
		return true
	}
	return !e.NextRunAt.IsZero() && !e.NextRunAt.After(now)
}

func (s *Linear) cronDue(e Entry, now time.Time) bool {
	minute := now.Truncate(time.Minute)
	if s.fired[e.JobID].Equal(minute) {
		return false
	}
	if !e.NextRunAt.IsZero() && minute.Before(e.NextRunAt.Truncate(time.Minute)) {
		return false
	}
	ok, err := cron.Matches(e.Cron, now)
	return err == nil && ok
}

func (s *Linear) Wait(time.Time) (time.Duration, bool) {
	return s.interval, len(s.entries) > 0
}
