package model

import "time"

type EventType string

const (
	EventJobAdded       EventType = "job_added"
	EventJobUpdated     EventType = "job_updated"
	EventJobRemoved     EventType = "job_removed"
	EventJobStarted     EventType = "job_started"
	EventJobCompleted   EventType = "job_completed"
	EventJobFailed      EventType = "job_failed"
	EventJobRetrying    EventType = "job_retrying"
	EventJobStopped     EventType = "job_stopped"
	EventDaemonStopping EventType = "daemon_stopping"
)

// JobEvent describes one state change published by the daemon.
type JobEvent struct {
	Type        EventType  `json:"type"`
	JobID       string     `json:"job_id,omitempty"`
	Status      JobStatus  `json:"status,omitempty"`
	ExecutionID string     `json:"execution_id,omitempty"`
	Attempt     int        `json:"attempt,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Error       string     `json:"error,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	At          time.Time  `json:"at"`
}

// DaemonStatus is returned by the status command.
type DaemonStatus struct {
	PID           int               `json:"pid"`
	StartedAt     time.Time         `json:"started_at"`
	Uptime        string            `json:"uptime"`
	SocketPath    string            `json:"socket_path"`
	Scheduler     string            `json:"scheduler"`
	Store         string            `json:"store"`
	Jobs          int               `json:"jobs"`
	Running       int               `json:"running"`
	Scheduled     int               `json:"scheduled"`
	ByStatus      map[JobStatus]int `json:"by_status"`
	NextRunAt     *time.Time        `json:"next_run_at,omitempty"`
	DroppedEvents uint64            `json:"dropped_events"`
}
