package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"

	"lsh.app/jobd/common/id"
	"lsh.app/jobd/common/logger"
	"lsh.app/jobd/internal/cron"
	"lsh.app/jobd/internal/domain"
	"lsh.app/jobd/internal/model"
	"lsh.app/jobd/internal/scheduler"
)

// execution is one running child process and its bookkeeping. Fields other
// than done are guarded by Daemon.mu.
type execution struct {
	record *model.JobExecution
	proc   Process
	ctx    context.Context
	span   *logger.SpanContext

	timeout   time.Duration
	timer     *time.Timer
	killTimer *time.Timer

	stopRequested bool
	stopSignal    syscall.Signal
	timedOut      bool

	// done is closed once the exit has been applied.
	done chan struct{}
}

// startLocked spawns job and marks it running.
func (d *Daemon) startLocked(job *model.JobSpec, trigger model.Trigger, scheduledAt *time.Time) *execution {
	now := time.Now().UTC()
	rec := &model.JobExecution{
		ExecutionID: id.NewString(),
		JobID:       job.ID,
		Attempt:     job.Attempt,
		Trigger:     trigger,
		Status:      model.ExecutionStatusRunning,
		ScheduledAt: scheduledAt,
		StartedAt:   now,
	}

	ctx := logger.WithLogFields(d.ctx, logger.LogFields{
		JobID:       job.ID,
		ExecutionID: rec.ExecutionID,
		Attempt:     logger.Ptr(rec.Attempt),
	})
	span := logger.StartSpan(ctx, "daemon.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.trigger", string(trigger)),
			attribute.Int("job.attempt", rec.Attempt),
		))

	exec := &execution{
		record: rec,
		ctx:    span.Context(),
		span:   span,
		done:   make(chan struct{}),
	}

	job.Status = model.JobStatusRunning
	job.LastRunAt = &now
	job.LastExecution = rec.Summary()
	d.running[job.ID] = exec

	proc, err := d.runner.Start(Command{
		Line: job.Command,
		Dir:  job.WorkingDirectory,
		Env:  job.Environment,
	})
	if err != nil {
		slog.ErrorContext(exec.ctx, "job failed to start", "error", err)
		d.finishLocked(exec, Result{ExitCode: -1, Err: err})
		return exec
	}
	exec.proc = proc

	if t := job.TimeoutDuration(); t > 0 {
		exec.timeout = t
		jobID := job.ID
		exec.timer = time.AfterFunc(t, func() { d.onTimeout(jobID, exec) })
	}

	d.publishLocked(model.JobEvent{
		Type:        model.EventJobStarted,
		JobID:       job.ID,
		Status:      job.Status,
		ExecutionID: rec.ExecutionID,
		Attempt:     rec.Attempt,
	})
	d.saveJobLocked(job)

	slog.InfoContext(exec.ctx, "job started",
		"pid", proc.PID(),
		"trigger", string(trigger))

	d.execWG.Add(1)
	go d.wait(exec)
	return exec
}

func (d *Daemon) wait(exec *execution) {
	defer d.execWG.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(exec.ctx, "panic recovered in job execution", "panic", r)
			d.mu.Lock()
			defer d.mu.Unlock()
			d.finishLocked(exec, Result{
				ExitCode: -1,
				Err:      domain.Errorf(domain.CodeJobExecutionFailed, "panic: %v", r),
			})
		}
	}()

	res := exec.proc.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.finishLocked(exec, res)
}

// finishLocked records the outcome of exec and applies the job transition.
func (d *Daemon) finishLocked(exec *execution, res Result) {
	jobID := exec.record.JobID
	if d.running[jobID] != exec {
		return
	}
	delete(d.running, jobID)
	defer close(exec.done)
	defer exec.span.End()

	if exec.timer != nil {
		exec.timer.Stop()
	}
	if exec.killTimer != nil {
		exec.killTimer.Stop()
	}

	now := time.Now().UTC()
	rec := exec.record
	code := res.ExitCode
	rec.CompletedAt = &now
	rec.ExitCode = &code
	rec.Stdout = res.Stdout
	rec.Stderr = res.Stderr

	switch {
	case exec.stopRequested:
		rec.Status = model.ExecutionStatusStopped
		rec.Error = "stopped by " + unix.SignalName(exec.stopSignal)
	case exec.timedOut:
		rec.Status = model.ExecutionStatusFailed
		rec.Error = fmt.Sprintf("timeout after %s", exec.timeout)
	case res.Err != nil:
		rec.Status = model.ExecutionStatusFailed
		rec.Error = res.Err.Error()
	case res.Signal != 0:
		rec.Status = model.ExecutionStatusFailed
		rec.Error = "killed by " + unix.SignalName(res.Signal)
	case res.ExitCode != 0:
		rec.Status = model.ExecutionStatusFailed
		rec.Error = fmt.Sprintf("exit status %d", res.ExitCode)
	default:
		rec.Status = model.ExecutionStatusCompleted
	}

	if rec.Status == model.ExecutionStatusFailed {
		exec.span.RecordError(errors.New(rec.Error))
	}

	slog.InfoContext(exec.ctx, "job finished",
		"status", string(rec.Status),
		"exit_code", code,
		"duration_ms", now.Sub(rec.StartedAt).Milliseconds(),
		"error", rec.Error)

	job, ok := d.jobs[jobID]
	if !ok {
		return
	}

	job.LastExecution = rec.Summary()
	if err := d.store.SaveExecution(exec.ctx, rec); err != nil {
		slog.ErrorContext(exec.ctx, "failed to save execution", "error", err)
	}

	d.applyOutcomeLocked(exec.ctx, job, rec, now)
	d.saveJobLocked(job)
	d.notify()
}

// applyOutcomeLocked moves job out of running according to rec.
func (d *Daemon) applyOutcomeLocked(ctx context.Context, job *model.JobSpec, rec *model.JobExecution, now time.Time) {
	ev := model.JobEvent{
		JobID:       job.ID,
		ExecutionID: rec.ExecutionID,
		Attempt:     rec.Attempt,
		ExitCode:    rec.ExitCode,
		Error:       rec.Error,
	}

	switch rec.Status {
	case model.ExecutionStatusCompleted:
		job.Attempt = 0
		ev.Type = model.EventJobCompleted
		d.settleLocked(ctx, job, model.JobStatusCompleted, now)

	case model.ExecutionStatusStopped:
		job.Attempt = 0
		ev.Type = model.EventJobStopped
		d.settleLocked(ctx, job, model.JobStatusIdle, now)

	default:
		ev.Type = model.EventJobFailed
		if job.Enabled && job.Attempt < job.MaxRetries {
			job.Attempt++
			next := now.Add(Backoff(job.Attempt, d.cfg.RetryBase, d.cfg.RetryMax))
			job.Status = model.JobStatusRetrying
			job.NextRunAt = &next
			d.sched.Schedule(scheduler.Entry{
				JobID:     job.ID,
				NextRunAt: next,
				Priority:  job.Priority,
			})

			ev.Status = job.Status
			d.publishLocked(ev)
			d.publishLocked(model.JobEvent{
				Type:      model.EventJobRetrying,
				JobID:     job.ID,
				Status:    job.Status,
				Attempt:   job.Attempt,
				NextRunAt: job.NextRunAt,
			})
			slog.WarnContext(ctx, "job failed, retry scheduled",
				"retry", job.Attempt,
				"max_retries", job.MaxRetries,
				"next_run_at", next)
			return
		}
		job.Attempt = 0
		d.settleLocked(ctx, job, model.JobStatusFailed, now)
	}

	ev.Status = job.Status
	ev.NextRunAt = job.NextRunAt
	d.publishLocked(ev)
}

// settleLocked picks the resting state of a job after a run that will not
// be retried. terminal is used for one-shot jobs.
func (d *Daemon) settleLocked(ctx context.Context, job *model.JobSpec, terminal model.JobStatus, now time.Time) {
	if job.NextRunAt != nil {
		// a manual trigger left the scheduled slot in place
		job.Status = model.JobStatusScheduled
		return
	}
	if job.IsRecurring() {
		if !job.Enabled {
			job.Status = model.JobStatusIdle
			return
		}
		if err := d.scheduleLocked(job, now); err != nil {
			slog.ErrorContext(ctx, "failed to reschedule job", "error", err)
		}
		return
	}
	job.Status = terminal
}

// scheduleLocked computes the next run of a recurring job and inserts it
// into the scheduler.
func (d *Daemon) scheduleLocked(job *model.JobSpec, now time.Time) error {
	next, err := d.nextRunLocked(job, now)
	if err != nil {
		job.Status = model.JobStatusIdle
		job.NextRunAt = nil
		return err
	}
	job.Status = model.JobStatusScheduled
	job.NextRunAt = &next
	d.sched.Schedule(schedulerEntry(job))
	return nil
}

// nextRunLocked returns the next run of a recurring job after now.
func (d *Daemon) nextRunLocked(job *model.JobSpec, now time.Time) (time.Time, error) {
	slot, ok := d.slots[job.ID]
	return nextRun(job, slot, ok, now.In(d.cfg.Location))
}

// nextRun computes the next run of a recurring job, in UTC. Interval jobs
// advance by whole intervals from their last slot, skipping slots missed
// while the job overran; without a slot they start one interval from now.
// Cron jobs use the next matching minute in now's location.
func nextRun(job *model.JobSpec, slot time.Time, hasSlot bool, now time.Time) (time.Time, error) {
	switch {
	case job.Schedule.IsCron():
		expr, err := cron.Parse(job.Schedule.Cron)
		if err != nil {
			return time.Time{}, err
		}
		next := expr.Next(now)
		if next.IsZero() {
			return time.Time{}, domain.Errorf(domain.CodeInvalidSchedule, "cron expression %q never matches", job.Schedule.Cron)
		}
		return next.UTC(), nil

	case job.Schedule.IsInterval():
		interval := job.Schedule.IntervalDuration()
		if !hasSlot {
			return now.Add(interval).UTC(), nil
		}
		next := slot.Add(interval)
		if !next.After(now) {
			missed := now.Sub(next)/interval + 1
			next = next.Add(missed * interval)
		}
		return next.UTC(), nil
	}
	return time.Time{}, domain.Errorf(domain.CodeInvalidSchedule, "job %s has no recurring schedule", job.ID)
}

func schedulerEntry(job *model.JobSpec) scheduler.Entry {
	e := scheduler.Entry{
		JobID:    job.ID,
		Priority: job.Priority,
	}
	if job.NextRunAt != nil {
		e.NextRunAt = *job.NextRunAt
	}
	// a pending retry is due at its backoff time, not at a cron match
	if job.Schedule != nil && job.Status != model.JobStatusRetrying {
		e.Cron = job.Schedule.Cron
	}
	return e
}

func (d *Daemon) onTimeout(jobID string, exec *execution) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running[jobID] != exec || exec.stopRequested {
		return
	}
	exec.timedOut = true
	slog.WarnContext(exec.ctx, "job timed out, terminating", "timeout", exec.timeout)
	d.terminateLocked(exec, unix.SIGTERM)
}

// terminateLocked signals the process group and arms a SIGKILL for when the
// grace period runs out.
func (d *Daemon) terminateLocked(exec *execution, sig syscall.Signal) {
	if exec.proc == nil {
		return
	}
	if err := exec.proc.Signal(sig); err != nil {
		slog.WarnContext(exec.ctx, "failed to signal job", "signal", unix.SignalName(sig), "error", err)
	}
	if sig == unix.SIGKILL || exec.killTimer != nil {
		return
	}
	proc, done := exec.proc, exec.done
	exec.killTimer = time.AfterFunc(d.cfg.StopGrace, func() {
		select {
		case <-done:
		default:
			slog.WarnContext(exec.ctx, "job ignored termination, killing")
			_ = proc.Signal(unix.SIGKILL)
		}
	})
}

// stopAll terminates every running job and waits for their exits to be
// applied, or for ctx to end.
func (d *Daemon) stopAll(ctx context.Context) {
	d.mu.Lock()
	var pending []chan struct{}
	for _, exec := range d.running {
		if !exec.stopRequested && !exec.timedOut {
			exec.stopRequested = true
			exec.stopSignal = unix.SIGTERM
		}
		d.terminateLocked(exec, unix.SIGTERM)
		pending = append(pending, exec.done)
	}
	d.mu.Unlock()

	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
}
