package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"lsh.app/jobd/internal/domain"
	"lsh.app/jobd/internal/http/dto"
	"lsh.app/jobd/internal/ipc"
	"lsh.app/jobd/internal/model"
)

// Dispatcher runs a control command. *ipc.Handler implements it, so the
// HTTP API and the control socket share one code path.
type Dispatcher interface {
	Dispatch(ctx context.Context, command string, args json.RawMessage) (any, error)
}

type JobHandler struct {
	dispatcher Dispatcher
}

func NewJobHandler(d Dispatcher) *JobHandler {
	return &JobHandler{dispatcher: d}
}

func (h *JobHandler) Status(c *gin.Context) {
	h.run(c, http.StatusOK, ipc.CmdStatus, nil)
}

func (h *JobHandler) Schema(c *gin.Context) {
	h.run(c, http.StatusOK, ipc.CmdSchema, nil)
}

func (h *JobHandler) List(c *gin.Context) {
	var q dto.ListJobsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, "invalid query: "+err.Error())
		return
	}
	h.run(c, http.StatusOK, ipc.CmdListJobs, q.ToFilter())
}

func (h *JobHandler) Create(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		badRequest(c, "request body must be a job definition")
		return
	}
	if !json.Valid(body) {
		badRequest(c, "request body is not valid JSON")
		return
	}
	h.run(c, http.StatusCreated, ipc.CmdAddJob, json.RawMessage(body))
}

func (h *JobHandler) Get(c *gin.Context) {
	h.run(c, http.StatusOK, ipc.CmdGetJob, ipc.JobIDArgs{ID: c.Param("id")})
}

func (h *JobHandler) Update(c *gin.Context) {
	var u model.JobUpdate
	if err := c.ShouldBindJSON(&u); err != nil {
		badRequest(c, "invalid update: "+err.Error())
		return
	}
	h.run(c, http.StatusOK, ipc.CmdUpdateJob, ipc.UpdateJobArgs{ID: c.Param("id"), Update: u})
}

func (h *JobHandler) Remove(c *gin.Context) {
	var q dto.RemoveJobQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, "invalid query: "+err.Error())
		return
	}
	h.run(c, http.StatusOK, ipc.CmdRemoveJob, ipc.RemoveJobArgs{ID: c.Param("id"), Force: q.Force})
}

func (h *JobHandler) Start(c *gin.Context) {
	h.run(c, http.StatusOK, ipc.CmdStartJob, ipc.JobIDArgs{ID: c.Param("id")})
}

func (h *JobHandler) Trigger(c *gin.Context) {
	h.run(c, http.StatusOK, ipc.CmdTriggerJob, ipc.JobIDArgs{ID: c.Param("id")})
}

func (h *JobHandler) Enable(c *gin.Context) {
	h.run(c, http.StatusOK, ipc.CmdEnableJob, ipc.JobIDArgs{ID: c.Param("id")})
}

func (h *JobHandler) Disable(c *gin.Context) {
	h.run(c, http.StatusOK, ipc.CmdDisableJob, ipc.JobIDArgs{ID: c.Param("id")})
}

// Stop accepts an optional body naming the signal.
func (h *JobHandler) Stop(c *gin.Context) {
	var req dto.StopJobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	h.run(c, http.StatusOK, ipc.CmdStopJob, ipc.StopJobArgs{ID: c.Param("id"), Signal: req.Signal})
}

func (h *JobHandler) Executions(c *gin.Context) {
	var q dto.ExecutionsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, "invalid query: "+err.Error())
		return
	}
	h.run(c, http.StatusOK, ipc.CmdGetExecutions, ipc.GetExecutionsArgs{ID: c.Param("id"), Limit: q.Limit})
}

func (h *JobHandler) run(c *gin.Context, status int, command string, args any) {
	ctx := c.Request.Context()

	var raw json.RawMessage
	if args != nil {
		var err error
		if raw, err = json.Marshal(args); err != nil {
			slog.ErrorContext(ctx, "failed to encode command args", "error", err, "command", command)
			c.JSON(http.StatusInternalServerError, dto.ToErrorResponse(err))
			return
		}
	}

	data, err := h.dispatcher.Dispatch(ctx, command, raw)
	if err != nil {
		code := domain.CodeOf(err)
		if code == domain.CodeInternal {
			slog.ErrorContext(ctx, "command failed", "error", err, "command", command)
		}
		c.JSON(StatusFor(code), dto.ToErrorResponse(err))
		return
	}
	c.JSON(status, data)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: msg, Code: domain.CodeInvalidArgument})
}
