package store

import (
	"context"
	"sync"
	"time"

	"lsh.app/jobd/internal/model"
)

// MemoryStore keeps jobs and a bounded history per job in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	jobs       map[string]*model.JobSpec
	executions map[string][]model.JobExecution // oldest first
	limit      int
}

func NewMemoryStore(limit int) *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]*model.JobSpec),
		executions: make(map[string][]model.JobExecution),
		limit:      historyLimit(limit),
	}
}

func (s *MemoryStore) Save(_ context.Context, job *model.JobSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.JobSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filter model.JobFilter) ([]model.JobSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]model.JobSpec, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Matches(job) {
			jobs = append(jobs, *job.Clone())
		}
	}
	sortJobs(jobs)
	return jobs, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, u model.JobUpdate) (*model.JobSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	u.Apply(job)
	job.UpdatedAt = time.Now().UTC()
	return job.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, id)
	delete(s.executions, id)
	return nil
}

func (s *MemoryStore) SaveExecution(_ context.Context, exec *model.JobExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring := append(s.executions[exec.JobID], *exec)
	if over := len(ring) - s.limit; over > 0 {
		ring = append([]model.JobExecution(nil), ring[over:]...)
	}
	s.executions[exec.JobID] = ring
	return nil
}

func (s *MemoryStore) GetExecutions(_ context.Context, jobID string, limit int) ([]model.JobExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ring := s.executions[jobID]
	if limit <= 0 || limit > len(ring) {
		limit = len(ring)
	}
	out := make([]model.JobExecution, 0, limit)
	for i := len(ring) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, ring[i])
	}
	return out, nil
}

func (s *MemoryStore) Cleanup(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ring := range s.executions {
		if _, ok := s.jobs[id]; !ok {
			delete(s.executions, id)
			continue
		}
		if over := len(ring) - s.limit; over > 0 {
			s.executions[id] = append([]model.JobExecution(nil), ring[over:]...)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
