package scheduler

import (
	"container/heap"
	"time"
)

// entryHeap implements heap.Interface and keeps index in sync with the
// position of every entry so updates and removals by id are O(log n).
type entryHeap struct {
	entries []Entry
	index   map[string]int
}

func (h *entryHeap) Len() int           { return len(h.entries) }
func (h *entryHeap) Less(i, j int) bool { return h.entries[i].before(h.entries[j]) }

func (h *entryHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.index[h.entries[i].JobID] = i
	h.index[h.entries[j].JobID] = j
}

func (h *entryHeap) Push(x any) {
	e := x.(Entry)
	h.index[e.JobID] = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *entryHeap) Pop() any {
	n := len(h.entries) - 1
	e := h.entries[n]
	h.entries[n] = Entry{}
	h.entries = h.entries[:n]
	delete(h.index, e.JobID)
	return e
}

// Heap is a binary min-heap of entries with a job id side index.
type Heap struct {
	h   entryHeap
	seq uint64
}

func NewHeap() *Heap {
	return &Heap{h: entryHeap{index: make(map[string]int)}}
}

func (s *Heap) Name() string { return "heap" }

func (s *Heap) Len() int { return s.h.Len() }

func (s *Heap) Schedule(e Entry) {
	s.seq++
	e.seq = s.seq
	if i, ok := s.h.index[e.JobID]; ok {
		s.h.entries[i] = e
		heap.Fix(&s.h, i)
		return
	}
	heap.Push(&s.h, e)
}

func (s *Heap) Unschedule(jobID string) bool {
	i, ok := s.h.index[jobID]
	if !ok {
		return false
	}
	heap.Remove(&s.h, i)
	return true
}

func (s *Heap) Peek() (Entry, bool) {
	if s.h.Len() == 0 {
		return Entry{}, false
	}
	return s.h.entries[0], true
}

func (s *Heap) Due(now time.Time) []Entry {
	var due []Entry
	for s.h.Len() > 0 && !s.h.entries[0].NextRunAt.After(now) {
		due = append(due, heap.Pop(&s.h).(Entry))
	}
	return due
}

func (s *Heap) Wait(now time.Time) (time.Duration, bool) {
	top, ok := s.Peek()
	if !ok {
		return 0, false
	}
	d := top.NextRunAt.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}
