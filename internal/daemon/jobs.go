package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"lsh.app/jobd/common/id"
	"lsh.app/jobd/internal/cron"
	"lsh.app/jobd/internal/domain"
	"lsh.app/jobd/internal/model"
	"lsh.app/jobd/internal/store"
)

var (
	errStopping  = domain.Errorf(domain.CodeDaemonNotRunning, "daemon is stopping")
	errReloading = domain.Errorf(domain.CodeDaemonNotRunning, "daemon is restarting")
)

// AddJob validates spec, assigns an id when it has none and schedules it if
// it is an enabled recurring job.
func (d *Daemon) AddJob(ctx context.Context, spec model.JobSpec) (*model.JobSpec, error) {
	job := spec.Clone()
	normalizeJob(job)
	if err := validateJob(job); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopping {
		return nil, errStopping
	}
	if job.ID == "" {
		job.ID = id.NewString()
	} else if _, exists := d.jobs[job.ID]; exists {
		return nil, domain.Errorf(domain.CodeJobExists, "job %s already exists", job.ID)
	}

	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.Status = model.JobStatusIdle
	job.Attempt = 0
	job.LastRunAt = nil
	job.NextRunAt = nil
	job.LastExecution = nil

	delete(d.slots, job.ID)
	var next time.Time
	if job.IsRecurring() && job.Enabled {
		var err error
		if next, err = d.nextRunLocked(job, now); err != nil {
			return nil, err
		}
		job.Status = model.JobStatusScheduled
		job.NextRunAt = &next
	}

	if err := d.store.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("saving job: %w", err)
	}

	d.jobs[job.ID] = job
	if job.NextRunAt != nil {
		d.sched.Schedule(schedulerEntry(job))
	}
	d.writeJobsFileLocked()
	d.publishLocked(model.JobEvent{
		Type:      model.EventJobAdded,
		JobID:     job.ID,
		Status:    job.Status,
		NextRunAt: job.NextRunAt,
	})
	d.notify()

	slog.InfoContext(ctx, "job added",
		"job_id", job.ID,
		"recurring", job.IsRecurring(),
		"enabled", job.Enabled)
	return job.Clone(), nil
}

// UpdateJob applies a partial update. A job that is running keeps running;
// schedule changes take effect when it exits.
func (d *Daemon) UpdateJob(ctx context.Context, jobID string, u model.JobUpdate) (*model.JobSpec, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopping {
		return nil, errStopping
	}
	job, ok := d.jobs[jobID]
	if !ok {
		return nil, domain.Errorf(domain.CodeJobNotFound, "job %s not found", jobID)
	}

	candidate := job.Clone()
	u.Apply(candidate)
	normalizeJob(candidate)
	if err := validateJob(candidate); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	candidate.UpdatedAt = now
	_, running := d.running[jobID]
	scheduleChanged := u.ChangesSchedule()
	reschedule := (scheduleChanged || candidate.Enabled != job.Enabled) && !running

	var next *time.Time
	if reschedule && candidate.IsRecurring() && candidate.Enabled {
		slot, ok := d.slots[jobID]
		t, err := nextRun(candidate, slot, ok && !scheduleChanged, now.In(d.cfg.Location))
		if err != nil {
			return nil, err
		}
		next = &t
	}

	if _, err := d.store.Update(ctx, jobID, u); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("updating job: %w", err)
		}
		slog.WarnContext(ctx, "job missing from store, writing it in full", "job_id", jobID)
	}

	if scheduleChanged {
		delete(d.slots, jobID)
	}
	switch {
	case reschedule:
		d.sched.Unschedule(jobID)
		candidate.NextRunAt = nil
		if candidate.Status == model.JobStatusRetrying {
			candidate.Attempt = 0
		}
		if next != nil {
			candidate.Status = model.JobStatusScheduled
			candidate.NextRunAt = next
			d.sched.Schedule(schedulerEntry(candidate))
		} else if candidate.Status == model.JobStatusScheduled || candidate.Status == model.JobStatusRetrying {
			candidate.Status = model.JobStatusIdle
		}
	case running && job.Enabled && !candidate.Enabled:
		// drop a slot left pending by a manual trigger
		d.sched.Unschedule(jobID)
		candidate.NextRunAt = nil
	case candidate.Priority != job.Priority && candidate.NextRunAt != nil:
		// same due time, new tie-break order
		d.sched.Schedule(schedulerEntry(candidate))
	}

	d.jobs[jobID] = candidate
	d.saveJobLocked(candidate)
	d.publishLocked(model.JobEvent{
		Type:      model.EventJobUpdated,
		JobID:     jobID,
		Status:    candidate.Status,
		NextRunAt: candidate.NextRunAt,
	})
	d.notify()
	return candidate.Clone(), nil
}

func (d *Daemon) EnableJob(ctx context.Context, jobID string) (*model.JobSpec, error) {
	enabled := true
	return d.UpdateJob(ctx, jobID, model.JobUpdate{Enabled: &enabled})
}

func (d *Daemon) DisableJob(ctx context.Context, jobID string) (*model.JobSpec, error) {
	enabled := false
	return d.UpdateJob(ctx, jobID, model.JobUpdate{Enabled: &enabled})
}

// StartJob activates an idle job: recurring jobs are enabled and scheduled,
// one-shot jobs run immediately.
func (d *Daemon) StartJob(ctx context.Context, jobID string) (*model.JobSpec, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopping {
		return nil, errStopping
	}
	if d.reloading {
		return nil, errReloading
	}
	job, ok := d.jobs[jobID]
	if !ok {
		return nil, domain.Errorf(domain.CodeJobNotFound, "job %s not found", jobID)
	}
	switch job.Status {
	case model.JobStatusRunning:
		return nil, domain.Errorf(domain.CodeJobAlreadyRunning, "job %s is already running", jobID)
	case model.JobStatusScheduled, model.JobStatusRetrying:
		return nil, domain.Errorf(domain.CodeJobNotIdle, "job %s is %s", jobID, job.Status)
	}

	if !job.IsRecurring() {
		job.Attempt = 0
		d.startLocked(job, model.TriggerManual, nil)
		return job.Clone(), nil
	}

	job.Enabled = true
	job.Attempt = 0
	job.UpdatedAt = time.Now().UTC()
	if err := d.scheduleLocked(job, time.Now().UTC()); err != nil {
		return nil, err
	}
	d.saveJobLocked(job)
	d.publishLocked(model.JobEvent{
		Type:      model.EventJobUpdated,
		JobID:     jobID,
		Status:    job.Status,
		NextRunAt: job.NextRunAt,
	})
	d.notify()
	return job.Clone(), nil
}

// TriggerJob runs a job now, outside its schedule. A pending scheduled slot
// is kept; a pending retry is replaced by this run.
func (d *Daemon) TriggerJob(ctx context.Context, jobID string) (*model.JobSpec, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopping {
		return nil, errStopping
	}
	if d.reloading {
		return nil, errReloading
	}
	job, ok := d.jobs[jobID]
	if !ok {
		return nil, domain.Errorf(domain.CodeJobNotFound, "job %s not found", jobID)
	}
	if _, busy := d.running[jobID]; busy {
		return nil, domain.Errorf(domain.CodeJobAlreadyRunning, "job %s is already running", jobID)
	}

	if job.Status == model.JobStatusRetrying {
		d.sched.Unschedule(jobID)
		job.NextRunAt = nil
	}
	job.Attempt = 0
	d.startLocked(job, model.TriggerManual, nil)
	d.notify()
	return job.Clone(), nil
}

// StopJob signals a running job and waits, bounded by the stop grace
// period, for its exit to be recorded.
func (d *Daemon) StopJob(ctx context.Context, jobID, signal string) (*model.JobSpec, error) {
	sig, err := ParseSignal(signal)
	if err != nil {
		return nil, domain.Errorf(domain.CodeInvalidArgument, "%v", err)
	}

	d.mu.Lock()
	if _, ok := d.jobs[jobID]; !ok {
		d.mu.Unlock()
		return nil, domain.Errorf(domain.CodeJobNotFound, "job %s not found", jobID)
	}
	exec, busy := d.running[jobID]
	if !busy {
		d.mu.Unlock()
		return nil, domain.Errorf(domain.CodeJobNotRunning, "job %s is not running", jobID)
	}
	if !exec.timedOut {
		exec.stopRequested = true
		exec.stopSignal = sig
	}
	slog.InfoContext(exec.ctx, "stopping job", "signal", unix.SignalName(sig))
	d.terminateLocked(exec, sig)
	done := exec.done
	d.mu.Unlock()

	d.awaitExit(ctx, done)
	return d.GetJob(jobID)
}

// RemoveJob deletes a job and its history. A running job is only removed
// when force is set, after it has been stopped.
func (d *Daemon) RemoveJob(ctx context.Context, jobID string, force bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.jobs[jobID]; !ok {
		return domain.Errorf(domain.CodeJobNotFound, "job %s not found", jobID)
	}

	if exec, busy := d.running[jobID]; busy {
		if !force {
			return domain.Errorf(domain.CodeJobAlreadyRunning, "job %s is running; stop it first or force removal", jobID)
		}
		if !exec.timedOut {
			exec.stopRequested = true
			exec.stopSignal = unix.SIGTERM
		}
		d.terminateLocked(exec, unix.SIGTERM)
		done := exec.done

		d.mu.Unlock()
		d.awaitExit(ctx, done)
		d.mu.Lock()

		if _, ok := d.jobs[jobID]; !ok {
			return domain.Errorf(domain.CodeJobNotFound, "job %s not found", jobID)
		}
		if _, busy := d.running[jobID]; busy {
			return domain.Errorf(domain.CodeInternal, "job %s did not exit after being stopped", jobID)
		}
	}

	if err := d.store.Delete(ctx, jobID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deleting job: %w", err)
	}

	delete(d.jobs, jobID)
	delete(d.slots, jobID)
	d.sched.Unschedule(jobID)
	d.writeJobsFileLocked()
	d.publishLocked(model.JobEvent{Type: model.EventJobRemoved, JobID: jobID})
	d.notify()

	slog.InfoContext(ctx, "job removed", "job_id", jobID, "forced", force)
	return nil
}

func (d *Daemon) GetJob(jobID string) (*model.JobSpec, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, ok := d.jobs[jobID]
	if !ok {
		return nil, domain.Errorf(domain.CodeJobNotFound, "job %s not found", jobID)
	}
	return job.Clone(), nil
}

// ListJobs returns the jobs matching filter, oldest first.
func (d *Daemon) ListJobs(filter model.JobFilter) []model.JobSpec {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked(filter)
}

// GetExecutions returns the execution history of a job, newest first. An
// execution still in progress is listed first.
func (d *Daemon) GetExecutions(ctx context.Context, jobID string, limit int) ([]model.JobExecution, error) {
	d.mu.Lock()
	if _, ok := d.jobs[jobID]; !ok {
		d.mu.Unlock()
		return nil, domain.Errorf(domain.CodeJobNotFound, "job %s not found", jobID)
	}
	var current *model.JobExecution
	if exec, busy := d.running[jobID]; busy {
		rec := *exec.record
		current = &rec
	}
	d.mu.Unlock()

	storeLimit := limit
	if current != nil && limit > 0 {
		storeLimit = limit - 1
	}

	var history []model.JobExecution
	if current == nil || limit <= 0 || storeLimit > 0 {
		var err error
		history, err = d.store.GetExecutions(ctx, jobID, storeLimit)
		if err != nil {
			return nil, fmt.Errorf("listing executions: %w", err)
		}
	}
	if current == nil {
		return history, nil
	}
	return append([]model.JobExecution{*current}, history...), nil
}

// awaitExit waits for an exit to be applied, for at most the stop grace
// period plus a second.
func (d *Daemon) awaitExit(ctx context.Context, done <-chan struct{}) {
	timer := time.NewTimer(d.cfg.StopGrace + time.Second)
	defer timer.Stop()
	select {
	case <-done:
	case <-ctx.Done():
	case <-timer.C:
	}
}

func normalizeJob(job *model.JobSpec) {
	job.Command = strings.TrimSpace(job.Command)
	if s := job.Schedule; s != nil && s.Cron == "" && s.Interval == 0 {
		job.Schedule = nil
	}
	if s := job.Schedule; s != nil {
		s.Cron = strings.TrimSpace(s.Cron)
	}
}

func validateJob(job *model.JobSpec) error {
	if job.Command == "" {
		return domain.Errorf(domain.CodeInvalidArgument, "command is required")
	}
	if job.MaxRetries < 0 {
		return domain.Errorf(domain.CodeInvalidArgument, "max_retries must not be negative")
	}
	if job.Timeout < 0 {
		return domain.Errorf(domain.CodeInvalidArgument, "timeout must not be negative")
	}
	s := job.Schedule
	if s == nil {
		return nil
	}
	if s.Cron != "" && s.Interval != 0 {
		return domain.Errorf(domain.CodeInvalidSchedule, "schedule must set either cron or interval, not both")
	}
	if s.Interval < 0 {
		return domain.Errorf(domain.CodeInvalidSchedule, "interval must be positive")
	}
	if s.Cron != "" {
		return cron.Validate(s.Cron)
	}
	return nil
}
