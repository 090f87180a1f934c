// Package ipc implements the control protocol between jobd and its clients:
// newline-delimited JSON requests and responses over a unix socket,
// correlated by request id.
package ipc

import (
	"encoding/json"
	"fmt"

	"lsh.app/jobd/internal/domain"
	"lsh.app/jobd/internal/model"
)

// MaxLineBytes bounds a single framed message.
const MaxLineBytes = 1 << 20

const (
	CmdPing          = "ping"
	CmdStatus        = "status"
	CmdAddJob        = "add-job"
	CmdUpdateJob     = "update-job"
	CmdEnableJob     = "enable-job"
	CmdDisableJob    = "disable-job"
	CmdStartJob      = "start-job"
	CmdTriggerJob    = "trigger-job"
	CmdStopJob       = "stop-job"
	CmdListJobs      = "list-jobs"
	CmdGetJob        = "get-job"
	CmdGetExecutions = "get-executions"
	CmdRemoveJob     = "remove-job"
	CmdSchema        = "schema"
	CmdRestart       = "restart"
	CmdStopDaemon    = "stop-daemon"
)

// Commands lists every command the daemon understands.
var Commands = []string{
	CmdPing, CmdStatus, CmdAddJob, CmdUpdateJob, CmdEnableJob, CmdDisableJob,
	CmdStartJob, CmdTriggerJob, CmdStopJob, CmdListJobs, CmdGetJob,
	CmdGetExecutions, CmdRemoveJob, CmdSchema, CmdRestart, CmdStopDaemon,
}

type Request struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

type Response struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *domain.Error   `json:"error,omitempty"`
}

// Err returns the response error, or nil on success.
func (r Response) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == nil {
		return &domain.Error{Code: domain.CodeInternal, Message: "request failed without an error"}
	}
	return r.Error
}

type JobIDArgs struct {
	ID string `json:"id"`
}

type UpdateJobArgs struct {
	ID     string          `json:"id"`
	Update model.JobUpdate `json:"update"`
}

type StopJobArgs struct {
	ID     string `json:"id"`
	Signal string `json:"signal,omitempty"`
}

type GetExecutionsArgs struct {
	ID    string `json:"id"`
	Limit int    `json:"limit,omitempty"`
}

type RemoveJobArgs struct {
	ID    string `json:"id"`
	Force bool   `json:"force,omitempty"`
}

type PingResult struct {
	Pong bool `json:"pong"`
}

type RemoveJobResult struct {
	Removed string `json:"removed"`
}

type StopDaemonResult struct {
	Stopping bool `json:"stopping"`
}

// NewResponse builds a success response carrying data.
func NewResponse(id string, data any) (Response, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Response{}, fmt.Errorf("encoding response: %w", err)
	}
	return Response{ID: id, Success: true, Data: raw}, nil
}

func ErrorResponse(id string, err error) Response {
	return Response{ID: id, Error: domain.AsError(err)}
}
