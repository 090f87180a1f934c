package daemon

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"lsh.app/jobd/internal/model"
)

const interruptedError = "interrupted: daemon exited while the job was running"

// loadJobs reads the jobs file. When it is missing or unreadable the store
// is used instead, which is empty for the memory backend.
func (d *Daemon) loadJobs(ctx context.Context) []model.JobSpec {
	if d.jobsFile != nil {
		jobs, err := d.jobsFile.Load()
		switch {
		case err != nil:
			slog.WarnContext(d.ctx, "jobs file unreadable, falling back to store",
				"path", d.jobsFile.Path(), "error", err)
		case jobs != nil:
			return jobs
		}
	}

	jobs, err := d.store.List(ctx, model.JobFilter{})
	if err != nil {
		slog.WarnContext(d.ctx, "failed to list jobs from store, starting empty", "error", err)
		return nil
	}
	return jobs
}

// rebuildLocked installs jobs as the job table, repairing state left by a
// crash and scheduling every enabled recurring job.
func (d *Daemon) rebuildLocked(ctx context.Context, jobs []model.JobSpec) {
	now := time.Now().UTC()
	for i := range jobs {
		job := jobs[i].Clone()
		if job.ID == "" {
			continue
		}
		d.recoverJobLocked(ctx, job, now)
		d.jobs[job.ID] = job
		if err := d.store.Save(ctx, job); err != nil {
			slog.WarnContext(d.ctx, "failed to save recovered job", "job_id", job.ID, "error", err)
		}
	}
	d.writeJobsFileLocked()
}

func (d *Daemon) recoverJobLocked(ctx context.Context, job *model.JobSpec, now time.Time) {
	if job.Status == model.JobStatusRunning {
		if last := job.LastExecution; last != nil && last.Status == model.ExecutionStatusRunning {
			rec := &model.JobExecution{
				ExecutionID: last.ExecutionID,
				JobID:       job.ID,
				Attempt:     last.Attempt,
				Trigger:     model.TriggerSchedule,
				Status:      model.ExecutionStatusFailed,
				StartedAt:   last.StartedAt,
				CompletedAt: &now,
				Error:       interruptedError,
			}
			job.LastExecution = rec.Summary()
			if err := d.store.SaveExecution(ctx, rec); err != nil {
				slog.WarnContext(d.ctx, "failed to record interrupted execution", "job_id", job.ID, "error", err)
			}
		}
		slog.WarnContext(d.ctx, "job was running when the daemon exited", "job_id", job.ID)
		job.Status = model.JobStatusIdle
		job.Attempt = 0
		job.NextRunAt = nil
	}

	switch {
	case job.Status == model.JobStatusRetrying && job.NextRunAt != nil && job.Enabled:
		d.sched.Schedule(schedulerEntry(job))

	case job.IsRecurring() && job.Enabled:
		if job.NextRunAt == nil {
			if err := d.scheduleLocked(job, now); err != nil {
				slog.WarnContext(d.ctx, "failed to schedule recovered job", "job_id", job.ID, "error", err)
			}
			return
		}
		// a slot missed while the daemon was down runs once, now
		job.Attempt = 0
		job.Status = model.JobStatusScheduled
		d.sched.Schedule(schedulerEntry(job))

	default:
		job.NextRunAt = nil
		job.Attempt = 0
		if job.Status == model.JobStatusScheduled || job.Status == model.JobStatusRetrying {
			job.Status = model.JobStatusIdle
		}
	}
}

// snapshotLocked returns copies of every job ordered by creation time.
func (d *Daemon) snapshotLocked(filter model.JobFilter) []model.JobSpec {
	jobs := make([]model.JobSpec, 0, len(d.jobs))
	for _, job := range d.jobs {
		if filter.Matches(job) {
			jobs = append(jobs, *job.Clone())
		}
	}
	slices.SortFunc(jobs, func(a, b model.JobSpec) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return jobs
}

// writeJobsFileLocked persists the job table. Failures are logged; the
// in-memory table stays authoritative.
func (d *Daemon) writeJobsFileLocked() {
	if d.jobsFile == nil {
		return
	}
	if err := d.jobsFile.Save(d.snapshotLocked(model.JobFilter{})); err != nil {
		slog.ErrorContext(d.ctx, "failed to write jobs file", "path", d.jobsFile.Path(), "error", err)
	}
}

// saveJobLocked writes a runtime state change of job to the store and the
// jobs file.
func (d *Daemon) saveJobLocked(job *model.JobSpec) {
	if err := d.store.Save(d.ctx, job); err != nil {
		slog.ErrorContext(d.ctx, "failed to save job", "job_id", job.ID, "error", err)
	}
	d.writeJobsFileLocked()
}

func (d *Daemon) publishLocked(e model.JobEvent) {
	e.At = time.Now().UTC()
	d.events.Publish(e)
}
