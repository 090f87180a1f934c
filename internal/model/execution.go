package model

import "time"

type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusStopped   ExecutionStatus = "stopped"
)

// Trigger records why an execution started.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
	TriggerRetry    Trigger = "retry"
)

type JobExecution struct {
	ExecutionID string          `json:"execution_id"`
	JobID       string          `json:"job_id"`
	Attempt     int             `json:"attempt"`
	Trigger     Trigger         `json:"trigger"`
	Status      ExecutionStatus `json:"status"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	ExitCode    *int            `json:"exit_code,omitempty"`
	Stdout      string          `json:"stdout,omitempty"`
	Stderr      string          `json:"stderr,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func (e *JobExecution) Summary() *ExecutionSummary {
	return &ExecutionSummary{
		ExecutionID: e.ExecutionID,
		Attempt:     e.Attempt,
		Status:      e.Status,
		ExitCode:    e.ExitCode,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
		Error:       e.Error,
	}
}

// ExecutionSummary is the slice of an execution persisted alongside its job.
type ExecutionSummary struct {
	ExecutionID string          `json:"execution_id"`
	Attempt     int             `json:"attempt"`
	Status      ExecutionStatus `json:"status"`
	ExitCode    *int            `json:"exit_code,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}
