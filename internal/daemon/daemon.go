// Package daemon owns the authoritative job table. It runs the scheduling
// loop, supervises child processes and applies the job state machine.
//
// Every mutation of the job table, the scheduler, the running set and the
// persisted jobs file happens under one mutex, so a request either fully
// applies or fully fails. Process waits and timers run in their own
// goroutines and take the lock to apply their effects.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"lsh.app/jobd/common/logger"
	"lsh.app/jobd/internal/model"
	"lsh.app/jobd/internal/scheduler"
	"lsh.app/jobd/internal/store"
)

type Config struct {
	SocketPath      string
	PIDPath         string
	StopGrace       time.Duration
	RetryBase       time.Duration
	RetryMax        time.Duration
	LegacyScheduler bool
	CheckInterval   time.Duration
	// Location is the zone cron schedules are evaluated in. Defaults to
	// time.Local.
	Location *time.Location
}

const (
	DefaultStopGrace = 5 * time.Second

	// idleWait is how long the loop sleeps when nothing is scheduled. Any
	// scheduling change wakes it earlier.
	idleWait = time.Hour
)

type Daemon struct {
	cfg      Config
	store    store.JobStore
	jobsFile *store.JobsFile
	runner   Runner
	events   *Broker

	// ctx carries log fields for work not tied to a request.
	ctx context.Context

	mu      sync.Mutex
	jobs    map[string]*model.JobSpec
	sched   scheduler.Scheduler
	running map[string]*execution
	// slots holds the schedule slot of each job's last scheduled run, so
	// interval jobs keep their phase across overruns and retries.
	slots     map[string]time.Time
	started   bool
	stopping  bool
	// reloading holds off the scheduling loop while Restart drains jobs.
	reloading bool
	startedAt time.Time

	execWG   sync.WaitGroup
	wake     chan struct{}
	stopCh   chan struct{}
	loopDone chan struct{}

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	stopOnce     sync.Once
}

// New builds a daemon. jobsFile may be nil, in which case the store alone
// is used for recovery. runner defaults to a ShellRunner.
func New(st store.JobStore, jobsFile *store.JobsFile, runner Runner, cfg Config) *Daemon {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = DefaultRetryMax
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = scheduler.DefaultCheckInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if runner == nil {
		runner = NewShellRunner()
	}

	return &Daemon{
		cfg:      cfg,
		store:    st,
		jobsFile: jobsFile,
		runner:   runner,
		events:   NewBroker(),
		ctx: logger.WithLogFields(context.Background(), logger.LogFields{
			Component: "jobd.daemon",
		}),
		jobs:       make(map[string]*model.JobSpec),
		sched:      scheduler.New(cfg.LegacyScheduler, cfg.CheckInterval),
		running:    make(map[string]*execution),
		slots:      make(map[string]time.Time),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		loopDone:   make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
}

// Start recovers the job table, writes the pid file and starts the
// scheduling loop.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("daemon already started")
	}

	jobs := d.loadJobs(ctx)
	d.rebuildLocked(ctx, jobs)
	d.startedAt = time.Now()
	d.started = true
	d.mu.Unlock()

	if err := d.writePIDFile(); err != nil {
		return err
	}

	go d.loop()

	slog.InfoContext(d.ctx, "daemon started",
		"pid", os.Getpid(),
		"jobs", len(jobs),
		"scheduler", d.sched.Name(),
		"store", store.Name(d.store))
	return nil
}

// Stop stops the loop and all running jobs, flushes state and removes the
// pid file. It is safe to call more than once.
func (d *Daemon) Stop(ctx context.Context) error {
	var err error
	d.stopOnce.Do(func() {
		err = d.stop(ctx)
	})
	return err
}

func (d *Daemon) stop(ctx context.Context) error {
	d.mu.Lock()
	d.stopping = true
	started := d.started
	d.publishLocked(model.JobEvent{Type: model.EventDaemonStopping})
	d.mu.Unlock()

	close(d.stopCh)
	if started {
		<-d.loopDone
	}

	d.stopAll(ctx)

	var errs []error
	done := make(chan struct{})
	go func() {
		d.execWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for executions: %w", ctx.Err()))
	}

	d.mu.Lock()
	d.writeJobsFileLocked()
	d.mu.Unlock()

	if err := d.store.Cleanup(ctx); err != nil {
		errs = append(errs, fmt.Errorf("store cleanup: %w", err))
	}

	if d.cfg.PIDPath != "" {
		if err := os.Remove(d.cfg.PIDPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("removing pid file: %w", err))
		}
	}

	d.events.Close()
	d.RequestShutdown()

	slog.InfoContext(d.ctx, "daemon stopped")
	return errors.Join(errs...)
}

// RequestShutdown asks the owner of the daemon to stop it. It returns
// immediately; ShutdownRequested is closed.
func (d *Daemon) RequestShutdown() {
	d.shutdownOnce.Do(func() {
		close(d.shutdownCh)
	})
}

func (d *Daemon) ShutdownRequested() <-chan struct{} {
	return d.shutdownCh
}

// Restart stops running jobs and rebuilds the job table and scheduler from
// persisted state. The control socket is unaffected.
func (d *Daemon) Restart(ctx context.Context) (model.DaemonStatus, error) {
	slog.InfoContext(d.ctx, "daemon restarting")

	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return model.DaemonStatus{}, errStopping
	}
	if d.reloading {
		d.mu.Unlock()
		return model.DaemonStatus{}, errReloading
	}
	d.reloading = true
	d.mu.Unlock()

	d.stopAll(ctx)
	d.execWG.Wait()

	d.mu.Lock()
	d.reloading = false
	if d.stopping {
		d.mu.Unlock()
		return model.DaemonStatus{}, errStopping
	}
	// the exit handlers persisted the final state of the stopped jobs
	jobs := d.loadJobs(ctx)
	d.sched = scheduler.New(d.cfg.LegacyScheduler, d.cfg.CheckInterval)
	d.jobs = make(map[string]*model.JobSpec)
	d.slots = make(map[string]time.Time)
	d.rebuildLocked(ctx, jobs)
	d.mu.Unlock()

	d.notify()
	return d.Status(), nil
}

func (d *Daemon) Subscribe(buffer int) (<-chan model.JobEvent, func()) {
	return d.events.Subscribe(buffer)
}

func (d *Daemon) Status() model.DaemonStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := model.DaemonStatus{
		PID:           os.Getpid(),
		StartedAt:     d.startedAt,
		Uptime:        time.Since(d.startedAt).Truncate(time.Second).String(),
		SocketPath:    d.cfg.SocketPath,
		Scheduler:     d.sched.Name(),
		Store:         store.Name(d.store),
		Jobs:          len(d.jobs),
		Running:       len(d.running),
		Scheduled:     d.sched.Len(),
		ByStatus:      make(map[model.JobStatus]int),
		DroppedEvents: d.events.Dropped(),
	}
	for _, job := range d.jobs {
		st.ByStatus[job.Status]++
	}
	if top, ok := d.sched.Peek(); ok {
		t := top.NextRunAt
		st.NextRunAt = &t
	}
	return st
}

// loop sleeps until the next entry is due or a scheduling change wakes it.
func (d *Daemon) loop() {
	defer close(d.loopDone)

	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		d.mu.Lock()
		wait, ok := d.sched.Wait(time.Now())
		if d.reloading {
			// Restart wakes the loop when it is done
			ok = false
		}
		d.mu.Unlock()
		if !ok {
			wait = idleWait
		}
		timer.Reset(wait)

		select {
		case <-d.stopCh:
			return
		case <-d.wake:
		case <-timer.C:
			d.Tick(time.Now())
		}
	}
}

// notify wakes the loop so it re-reads the next due time.
func (d *Daemon) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Tick starts every job due at now. Entries are removed from the scheduler
// as they are returned, so calling Tick again with the same time starts
// nothing new. It returns the ids of the jobs started.
func (d *Daemon) Tick(now time.Time) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopping || d.reloading {
		return nil
	}

	var started []string
	for _, entry := range d.sched.Due(now.In(d.cfg.Location)) {
		job, ok := d.jobs[entry.JobID]
		if !ok {
			continue
		}
		job.NextRunAt = nil

		trigger := model.TriggerSchedule
		if job.Status == model.JobStatusRetrying {
			trigger = model.TriggerRetry
		} else {
			d.slots[job.ID] = entry.NextRunAt
		}

		if _, busy := d.running[job.ID]; busy {
			// the exit handler reschedules from the skipped slot
			slog.WarnContext(d.ctx, "job still running at its next slot, skipping",
				"job_id", job.ID, "slot", entry.NextRunAt)
			continue
		}
		if !job.Enabled && trigger != model.TriggerRetry {
			continue
		}

		scheduledAt := entry.NextRunAt
		d.startLocked(job, trigger, &scheduledAt)
		started = append(started, job.ID)
	}
	return started
}

func (d *Daemon) writePIDFile() error {
	if d.cfg.PIDPath == "" {
		return nil
	}

	if data, err := os.ReadFile(d.cfg.PIDPath); err == nil {
		pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
		if pid != os.Getpid() && processAlive(pid) {
			// the socket did not answer, so this is a reused pid or a
			// daemon that lost its socket
			slog.WarnContext(d.ctx, "overwriting pid file of a live process", "pid", pid, "path", d.cfg.PIDPath)
		}
	}

	if err := os.MkdirAll(filepath.Dir(d.cfg.PIDPath), 0o700); err != nil {
		return fmt.Errorf("creating pid directory: %w", err)
	}
	if err := os.WriteFile(d.cfg.PIDPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

// ReadPID returns the pid recorded in path and whether that process is
// alive.
func ReadPID(path string) (int, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false, fmt.Errorf("parsing pid file %s: %w", path, err)
	}
	return pid, processAlive(pid), nil
}
