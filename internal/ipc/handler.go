package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/invopop/jsonschema"

	"lsh.app/jobd/common/logger"
	"lsh.app/jobd/internal/domain"
	"lsh.app/jobd/internal/model"
)

// Daemon is the set of operations a front end can invoke.
type Daemon interface {
	Status() model.DaemonStatus
	AddJob(ctx context.Context, spec model.JobSpec) (*model.JobSpec, error)
	UpdateJob(ctx context.Context, id string, u model.JobUpdate) (*model.JobSpec, error)
	EnableJob(ctx context.Context, id string) (*model.JobSpec, error)
	DisableJob(ctx context.Context, id string) (*model.JobSpec, error)
	StartJob(ctx context.Context, id string) (*model.JobSpec, error)
	TriggerJob(ctx context.Context, id string) (*model.JobSpec, error)
	StopJob(ctx context.Context, id, signal string) (*model.JobSpec, error)
	ListJobs(filter model.JobFilter) []model.JobSpec
	GetJob(id string) (*model.JobSpec, error)
	GetExecutions(ctx context.Context, id string, limit int) ([]model.JobExecution, error)
	RemoveJob(ctx context.Context, id string, force bool) error
	Restart(ctx context.Context) (model.DaemonStatus, error)
	RequestShutdown()
}

// Handler maps protocol commands onto the daemon. The socket server, the
// HTTP API and the stream worker all dispatch through it.
type Handler struct {
	daemon Daemon
	schema *jsonschema.Schema
}

func NewHandler(d Daemon) *Handler {
	return &Handler{
		daemon: d,
		schema: JobSchema(),
	}
}

// JobSchema returns the JSON Schema of a job definition.
func JobSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
	}
	return reflector.Reflect(&model.JobSpec{})
}

// Handle runs one request and always produces a response for it.
func (h *Handler) Handle(ctx context.Context, req Request) Response {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		RequestID: req.ID,
		Command:   req.Command,
	})

	start := time.Now()
	data, err := h.Dispatch(ctx, req.Command, req.Args)
	if err != nil {
		level := slog.LevelWarn
		if domain.CodeOf(err) == domain.CodeInternal {
			level = slog.LevelError
		}
		slog.Log(ctx, level, "request failed",
			"error", err,
			"duration_ms", time.Since(start).Milliseconds())
		return ErrorResponse(req.ID, err)
	}

	resp, err := NewResponse(req.ID, data)
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
		return ErrorResponse(req.ID, err)
	}

	slog.DebugContext(ctx, "request handled", "duration_ms", time.Since(start).Milliseconds())
	return resp
}

// Dispatch runs command with its raw JSON args and returns the result
// value to encode.
func (h *Handler) Dispatch(ctx context.Context, command string, args json.RawMessage) (any, error) {
	switch command {
	case CmdPing:
		return PingResult{Pong: true}, nil

	case CmdStatus:
		return h.daemon.Status(), nil

	case CmdAddJob:
		var spec model.JobSpec
		if err := decodeArgs(args, &spec); err != nil {
			return nil, err
		}
		return h.daemon.AddJob(ctx, spec)

	case CmdUpdateJob:
		var a UpdateJobArgs
		if err := decodeIDArgs(args, &a, &a.ID); err != nil {
			return nil, err
		}
		return h.daemon.UpdateJob(ctx, a.ID, a.Update)

	case CmdEnableJob, CmdDisableJob, CmdStartJob, CmdTriggerJob, CmdGetJob:
		var a JobIDArgs
		if err := decodeIDArgs(args, &a, &a.ID); err != nil {
			return nil, err
		}
		switch command {
		case CmdEnableJob:
			return h.daemon.EnableJob(ctx, a.ID)
		case CmdDisableJob:
			return h.daemon.DisableJob(ctx, a.ID)
		case CmdStartJob:
			return h.daemon.StartJob(ctx, a.ID)
		case CmdTriggerJob:
			return h.daemon.TriggerJob(ctx, a.ID)
		default:
			return h.daemon.GetJob(a.ID)
		}

	case CmdStopJob:
		var a StopJobArgs
		if err := decodeIDArgs(args, &a, &a.ID); err != nil {
			return nil, err
		}
		return h.daemon.StopJob(ctx, a.ID, a.Signal)

	case CmdListJobs:
		var filter model.JobFilter
		if err := decodeArgs(args, &filter); err != nil {
			return nil, err
		}
		return h.daemon.ListJobs(filter), nil

	case CmdGetExecutions:
		var a GetExecutionsArgs
		if err := decodeIDArgs(args, &a, &a.ID); err != nil {
			return nil, err
		}
		if a.Limit < 0 {
			return nil, domain.Errorf(domain.CodeInvalidArgument, "limit must not be negative")
		}
		execs, err := h.daemon.GetExecutions(ctx, a.ID, a.Limit)
		if err != nil {
			return nil, err
		}
		if execs == nil {
			execs = []model.JobExecution{}
		}
		return execs, nil

	case CmdRemoveJob:
		var a RemoveJobArgs
		if err := decodeIDArgs(args, &a, &a.ID); err != nil {
			return nil, err
		}
		if err := h.daemon.RemoveJob(ctx, a.ID, a.Force); err != nil {
			return nil, err
		}
		return RemoveJobResult{Removed: a.ID}, nil

	case CmdSchema:
		return h.schema, nil

	case CmdRestart:
		return h.daemon.Restart(ctx)

	case CmdStopDaemon:
		h.daemon.RequestShutdown()
		return StopDaemonResult{Stopping: true}, nil

	default:
		return nil, domain.Errorf(domain.CodeUnknownCommand, "unknown command %q", command)
	}
}

// decodeArgs unmarshals args into v. Missing args leave v at its zero value.
func decodeArgs(args json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return domain.Errorf(domain.CodeInvalidArgument, "invalid args: %v", err)
	}
	return nil
}

func decodeIDArgs(args json.RawMessage, v any, id *string) error {
	if err := decodeArgs(args, v); err != nil {
		return err
	}
	if *id == "" {
		return domain.Errorf(domain.CodeInvalidArgument, "id is required")
	}
	return nil
}
