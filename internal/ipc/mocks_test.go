package ipc_test

import (
	"context"

	"lsh.app/jobd/internal/domain"
	"lsh.app/jobd/internal/model"
)

type mockDaemon struct {
	statusFn        func() model.DaemonStatus
	addJobFn        func(ctx context.Context, spec model.JobSpec) (*model.JobSpec, error)
	updateJobFn     func(ctx context.Context, id string, u model.JobUpdate) (*model.JobSpec, error)
	jobFn           func(ctx context.Context, op, id string) (*model.JobSpec, error)
	stopJobFn       func(ctx context.Context, id, signal string) (*model.JobSpec, error)
	listJobsFn      func(filter model.JobFilter) []model.JobSpec
	getExecutionsFn func(ctx context.Context, id string, limit int) ([]model.JobExecution, error)
	removeJobFn     func(ctx context.Context, id string, force bool) error
	restartFn       func(ctx context.Context) (model.DaemonStatus, error)
	shutdownCalls   int
}

func (m *mockDaemon) Status() model.DaemonStatus {
	if m.statusFn != nil {
		return m.statusFn()
	}
	return model.DaemonStatus{}
}

func (m *mockDaemon) AddJob(ctx context.Context, spec model.JobSpec) (*model.JobSpec, error) {
	if m.addJobFn != nil {
		return m.addJobFn(ctx, spec)
	}
	return &spec, nil
}

func (m *mockDaemon) UpdateJob(ctx context.Context, id string, u model.JobUpdate) (*model.JobSpec, error) {
	if m.updateJobFn != nil {
		return m.updateJobFn(ctx, id, u)
	}
	return &model.JobSpec{ID: id}, nil
}

func (m *mockDaemon) job(ctx context.Context, op, id string) (*model.JobSpec, error) {
	if m.jobFn != nil {
		return m.jobFn(ctx, op, id)
	}
	return nil, domain.Errorf(domain.CodeJobNotFound, "job %s not found", id)
}

func (m *mockDaemon) EnableJob(ctx context.Context, id string) (*model.JobSpec, error) {
	return m.job(ctx, "enable", id)
}

func (m *mockDaemon) DisableJob(ctx context.Context, id string) (*model.JobSpec, error) {
	return m.job(ctx, "disable", id)
}

func (m *mockDaemon) StartJob(ctx context.Context, id string) (*model.JobSpec, error) {
	return m.job(ctx, "start", id)
}

func (m *mockDaemon) TriggerJob(ctx context.Context, id string) (*model.JobSpec, error) {
	return m.job(ctx, "trigger", id)
}

func (m *mockDaemon) GetJob(id string) (*model.JobSpec, error) {
	return m.job(context.Background(), "get", id)
}

func (m *mockDaemon) StopJob(ctx context.Context, id, signal string) (*model.JobSpec, error) {
	if m.stopJobFn != nil {
		return m.stopJobFn(ctx, id, signal)
	}
	return nil, domain.ErrJobNotRunning
}

func (m *mockDaemon) ListJobs(filter model.JobFilter) []model.JobSpec {
	if m.listJobsFn != nil {
		return m.listJobsFn(filter)
	}
	return []model.JobSpec{}
}

func (m *mockDaemon) GetExecutions(ctx context.Context, id string, limit int) ([]model.JobExecution, error) {
	if m.getExecutionsFn != nil {
		return m.getExecutionsFn(ctx, id, limit)
	}
	return nil, nil
}

func (m *mockDaemon) RemoveJob(ctx context.Context, id string, force bool) error {
	if m.removeJobFn != nil {
		return m.removeJobFn(ctx, id, force)
	}
	return nil
}

func (m *mockDaemon) Restart(ctx context.Context) (model.DaemonStatus, error) {
	if m.restartFn != nil {
		return m.restartFn(ctx)
	}
	return model.DaemonStatus{}, nil
}

func (m *mockDaemon) RequestShutdown() {
	m.shutdownCalls++
}
