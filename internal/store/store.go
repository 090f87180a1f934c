package store

import (
	"context"
	"slices"
	"strings"

	"lsh.app/jobd/internal/domain"
	"lsh.app/jobd/internal/model"
)

// ErrNotFound is returned when a requested job does not exist. It carries
// the JOB_NOT_FOUND code.
var ErrNotFound = domain.ErrJobNotFound

// DefaultHistoryLimit is the number of executions kept per job.
const DefaultHistoryLimit = 100

// JobStore defines the contract for job and execution history access.
// The daemon depends only on this interface.
type JobStore interface {
	Save(ctx context.Context, job *model.JobSpec) error
	Get(ctx context.Context, id string) (*model.JobSpec, error)
	List(ctx context.Context, filter model.JobFilter) ([]model.JobSpec, error)
	Update(ctx context.Context, id string, u model.JobUpdate) (*model.JobSpec, error)
	Delete(ctx context.Context, id string) error

	// SaveExecution records a finished execution. Each job keeps at most
	// the configured number of most recent executions.
	SaveExecution(ctx context.Context, exec *model.JobExecution) error
	// GetExecutions returns up to limit executions, newest first. A
	// non-positive limit returns everything retained.
	GetExecutions(ctx context.Context, jobID string, limit int) ([]model.JobExecution, error)

	// Cleanup drops history of deleted jobs and trims the rest to the cap.
	Cleanup(ctx context.Context) error
	Close() error
}

// sortJobs orders jobs by creation time, then id.
func sortJobs(jobs []model.JobSpec) {
	slices.SortFunc(jobs, func(a, b model.JobSpec) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func historyLimit(n int) int {
	if n <= 0 {
		return DefaultHistoryLimit
	}
	return n
}
