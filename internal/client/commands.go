package client

import (
	"context"
	"encoding/json"

	"lsh.app/jobd/internal/ipc"
	"lsh.app/jobd/internal/model"
)

func (c *Client) Ping(ctx context.Context) error {
	var res ipc.PingResult
	return c.Call(ctx, ipc.CmdPing, nil, &res)
}

func (c *Client) Status(ctx context.Context) (model.DaemonStatus, error) {
	var st model.DaemonStatus
	err := c.Call(ctx, ipc.CmdStatus, nil, &st)
	return st, err
}

func (c *Client) AddJob(ctx context.Context, spec model.JobSpec) (*model.JobSpec, error) {
	return c.job(ctx, ipc.CmdAddJob, spec)
}

func (c *Client) UpdateJob(ctx context.Context, jobID string, u model.JobUpdate) (*model.JobSpec, error) {
	return c.job(ctx, ipc.CmdUpdateJob, ipc.UpdateJobArgs{ID: jobID, Update: u})
}

func (c *Client) EnableJob(ctx context.Context, jobID string) (*model.JobSpec, error) {
	return c.job(ctx, ipc.CmdEnableJob, ipc.JobIDArgs{ID: jobID})
}

func (c *Client) DisableJob(ctx context.Context, jobID string) (*model.JobSpec, error) {
	return c.job(ctx, ipc.CmdDisableJob, ipc.JobIDArgs{ID: jobID})
}

func (c *Client) StartJob(ctx context.Context, jobID string) (*model.JobSpec, error) {
	return c.job(ctx, ipc.CmdStartJob, ipc.JobIDArgs{ID: jobID})
}

func (c *Client) TriggerJob(ctx context.Context, jobID string) (*model.JobSpec, error) {
	return c.job(ctx, ipc.CmdTriggerJob, ipc.JobIDArgs{ID: jobID})
}

func (c *Client) StopJob(ctx context.Context, jobID, signal string) (*model.JobSpec, error) {
	return c.job(ctx, ipc.CmdStopJob, ipc.StopJobArgs{ID: jobID, Signal: signal})
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*model.JobSpec, error) {
	return c.job(ctx, ipc.CmdGetJob, ipc.JobIDArgs{ID: jobID})
}

func (c *Client) ListJobs(ctx context.Context, filter model.JobFilter) ([]model.JobSpec, error) {
	var jobs []model.JobSpec
	err := c.Call(ctx, ipc.CmdListJobs, filter, &jobs)
	return jobs, err
}

func (c *Client) GetExecutions(ctx context.Context, jobID string, limit int) ([]model.JobExecution, error) {
	var execs []model.JobExecution
	err := c.Call(ctx, ipc.CmdGetExecutions, ipc.GetExecutionsArgs{ID: jobID, Limit: limit}, &execs)
	return execs, err
}

func (c *Client) RemoveJob(ctx context.Context, jobID string, force bool) error {
	var res ipc.RemoveJobResult
	return c.Call(ctx, ipc.CmdRemoveJob, ipc.RemoveJobArgs{ID: jobID, Force: force}, &res)
}

func (c *Client) Schema(ctx context.Context) (json.RawMessage, error) {
	var schema json.RawMessage
	err := c.Call(ctx, ipc.CmdSchema, nil, &schema)
	return schema, err
}

func (c *Client) Restart(ctx context.Context) (model.DaemonStatus, error) {
	var st model.DaemonStatus
	err := c.Call(ctx, ipc.CmdRestart, nil, &st)
	return st, err
}

func (c *Client) StopDaemon(ctx context.Context) error {
	var res ipc.StopDaemonResult
	return c.Call(ctx, ipc.CmdStopDaemon, nil, &res)
}

func (c *Client) job(ctx context.Context, command string, args any) (*model.JobSpec, error) {
	var job model.JobSpec
	if err := c.Call(ctx, command, args, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
