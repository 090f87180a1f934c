package model

import (
	"encoding/json"
	"strings"
	"time"
)

type JobStatus string

const (
	JobStatusIdle      JobStatus = "idle"
	JobStatusScheduled JobStatus = "scheduled"
	JobStatusRunning   JobStatus = "running"
	JobStatusRetrying  JobStatus = "retrying"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusStopped   JobStatus = "stopped"
)

// Schedule is either a five-field cron expression or a fixed interval in
// milliseconds. A nil Schedule means the job is one-shot.
type Schedule struct {
	Cron     string `json:"cron,omitempty" jsonschema:"description=five-field cron expression"`
	Interval int64  `json:"interval,omitempty" jsonschema:"description=interval in milliseconds,minimum=1"`
}

func (s *Schedule) IsCron() bool {
	return s != nil && s.Cron != ""
}

func (s *Schedule) IsInterval() bool {
	return s != nil && s.Cron == "" && s.Interval > 0
}

func (s *Schedule) IntervalDuration() time.Duration {
	if s == nil {
		return 0
	}
	return time.Duration(s.Interval) * time.Millisecond
}

type JobSpec struct {
	ID               string            `json:"id"`
	Name             string            `json:"name,omitempty"`
	Command          string            `json:"command" jsonschema:"required"`
	Schedule         *Schedule         `json:"schedule,omitempty"`
	Status           JobStatus         `json:"status,omitempty"`
	Priority         int               `json:"priority,omitempty"`
	Enabled          bool              `json:"enabled"`
	MaxRetries       int               `json:"max_retries,omitempty"`
	Timeout          int64             `json:"timeout,omitempty" jsonschema:"description=timeout in milliseconds"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	Attempt          int               `json:"attempt,omitempty"`
	LastRunAt        *time.Time        `json:"last_run_at,omitempty"`
	NextRunAt        *time.Time        `json:"next_run_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	LastExecution    *ExecutionSummary `json:"last_execution,omitempty"`
}

// UnmarshalJSON defaults Enabled to true when the field is absent, so a
// client can submit {"command": "..."} and get a runnable job.
func (j *JobSpec) UnmarshalJSON(data []byte) error {
	type plain JobSpec
	p := plain{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*j = JobSpec(p)
	return nil
}

// IsRecurring reports whether the job has a cron or interval schedule.
func (j *JobSpec) IsRecurring() bool {
	return j.Schedule.IsCron() || j.Schedule.IsInterval()
}

func (j *JobSpec) TimeoutDuration() time.Duration {
	return time.Duration(j.Timeout) * time.Millisecond
}

func (j *JobSpec) HasTag(tag string) bool {
	for _, t := range j.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never share maps or pointers with
// the daemon's job table.
func (j *JobSpec) Clone() *JobSpec {
	if j == nil {
		return nil
	}
	c := *j
	if j.Schedule != nil {
		s := *j.Schedule
		c.Schedule = &s
	}
	if j.Environment != nil {
		c.Environment = make(map[string]string, len(j.Environment))
		for k, v := range j.Environment {
			c.Environment[k] = v
		}
	}
	if j.Tags != nil {
		c.Tags = append([]string(nil), j.Tags...)
	}
	if j.LastRunAt != nil {
		t := *j.LastRunAt
		c.LastRunAt = &t
	}
	if j.NextRunAt != nil {
		t := *j.NextRunAt
		c.NextRunAt = &t
	}
	if j.LastExecution != nil {
		s := *j.LastExecution
		c.LastExecution = &s
	}
	return &c
}

type JobFilter struct {
	Status  JobStatus `json:"status,omitempty"`
	Tag     string    `json:"tag,omitempty"`
	Enabled *bool     `json:"enabled,omitempty"`
	Name    string    `json:"name,omitempty"`
}

func (f JobFilter) Matches(j *JobSpec) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Tag != "" && !j.HasTag(f.Tag) {
		return false
	}
	if f.Enabled != nil && j.Enabled != *f.Enabled {
		return false
	}
	if f.Name != "" && !strings.Contains(strings.ToLower(j.Name), strings.ToLower(f.Name)) {
		return false
	}
	return true
}

// JobUpdate is a partial update; nil fields are left untouched.
type JobUpdate struct {
	Name             *string            `json:"name,omitempty"`
	Command          *string            `json:"command,omitempty"`
	Schedule         *Schedule          `json:"schedule,omitempty"`
	ClearSchedule    bool               `json:"clear_schedule,omitempty"`
	Priority         *int               `json:"priority,omitempty"`
	Enabled          *bool              `json:"enabled,omitempty"`
	MaxRetries       *int               `json:"max_retries,omitempty"`
	Timeout          *int64             `json:"timeout,omitempty"`
	WorkingDirectory *string            `json:"working_directory,omitempty"`
	Environment      *map[string]string `json:"environment,omitempty"`
	Tags             *[]string          `json:"tags,omitempty"`
}

// Apply writes the non-nil fields of u onto j.
func (u JobUpdate) Apply(j *JobSpec) {
	if u.Name != nil {
		j.Name = *u.Name
	}
	if u.Command != nil {
		j.Command = *u.Command
	}
	if u.ClearSchedule {
		j.Schedule = nil
	}
	if u.Schedule != nil {
		s := *u.Schedule
		j.Schedule = &s
	}
	if u.Priority != nil {
		j.Priority = *u.Priority
	}
	if u.Enabled != nil {
		j.Enabled = *u.Enabled
	}
	if u.MaxRetries != nil {
		j.MaxRetries = *u.MaxRetries
	}
	if u.Timeout != nil {
		j.Timeout = *u.Timeout
	}
	if u.WorkingDirectory != nil {
		j.WorkingDirectory = *u.WorkingDirectory
	}
	if u.Environment != nil {
		j.Environment = *u.Environment
	}
	if u.Tags != nil {
		j.Tags = *u.Tags
	}
}

// ChangesSchedule reports whether u replaces or clears the schedule.
// Priority and enabled changes leave the due time alone.
func (u JobUpdate) ChangesSchedule() bool {
	return u.Schedule != nil || u.ClearSchedule
}
