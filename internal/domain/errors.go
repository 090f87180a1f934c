package domain

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error identifier carried on the wire.
type Code string

const (
	CodeJobNotFound          Code = "JOB_NOT_FOUND"
	CodeJobExists            Code = "JOB_EXISTS"
	CodeJobAlreadyRunning    Code = "JOB_ALREADY_RUNNING"
	CodeJobNotRunning        Code = "JOB_NOT_RUNNING"
	CodeJobNotIdle           Code = "JOB_NOT_IDLE"
	CodeInvalidSchedule      Code = "INVALID_SCHEDULE"
	CodeInvalidArgument      Code = "INVALID_ARGUMENT"
	CodeJobExecutionFailed   Code = "JOB_EXECUTION_FAILED"
	CodeDaemonAlreadyRunning Code = "DAEMON_ALREADY_RUNNING"
	CodeDaemonNotRunning     Code = "DAEMON_NOT_RUNNING"
	CodeSocketNotFound       Code = "SOCKET_NOT_FOUND"
	CodePermissionDenied     Code = "PERMISSION_DENIED"
	CodeRequestTimeout       Code = "REQUEST_TIMEOUT"
	CodeMalformedMessage     Code = "MALFORMED_MESSAGE"
	CodeUnknownCommand       Code = "UNKNOWN_COMMAND"
	CodeInternal             Code = "INTERNAL"
)

var (
	ErrJobNotFound          = &Error{Code: CodeJobNotFound, Message: "job not found"}
	ErrJobExists            = &Error{Code: CodeJobExists, Message: "job id already exists"}
	ErrJobAlreadyRunning    = &Error{Code: CodeJobAlreadyRunning, Message: "job is already running"}
	ErrJobNotRunning        = &Error{Code: CodeJobNotRunning, Message: "job is not running"}
	ErrJobNotIdle           = &Error{Code: CodeJobNotIdle, Message: "job is not idle"}
	ErrInvalidSchedule      = &Error{Code: CodeInvalidSchedule, Message: "invalid schedule"}
	ErrInvalidArgument      = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
	ErrJobExecutionFailed   = &Error{Code: CodeJobExecutionFailed, Message: "job execution failed"}
	ErrDaemonAlreadyRunning = &Error{Code: CodeDaemonAlreadyRunning, Message: "daemon is already running"}
	ErrDaemonNotRunning     = &Error{Code: CodeDaemonNotRunning, Message: "daemon is not running"}
	ErrSocketNotFound       = &Error{Code: CodeSocketNotFound, Message: "daemon socket not found"}
	ErrPermissionDenied     = &Error{Code: CodePermissionDenied, Message: "permission denied"}
	ErrRequestTimeout       = &Error{Code: CodeRequestTimeout, Message: "request timed out"}
	ErrMalformedMessage     = &Error{Code: CodeMalformedMessage, Message: "malformed message"}
	ErrUnknownCommand       = &Error{Code: CodeUnknownCommand, Message: "unknown command"}
)

// Error pairs a stable code with a human-readable message.
// Two Errors match under errors.Is when their codes are equal, so a
// detailed error built with Errorf still matches its sentinel.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Errorf builds a coded error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// AsError normalizes any error into a coded *Error for transport.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		if e.Message == "" {
			return &Error{Code: e.Code, Message: err.Error()}
		}
		return e
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
