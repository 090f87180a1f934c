package handler

import (
	"net/http"

	"lsh.app/jobd/internal/domain"
)

// StatusFor maps an error code to the HTTP status the API answers with.
func StatusFor(code domain.Code) int {
	switch code {
	case domain.CodeJobNotFound, domain.CodeUnknownCommand:
		return http.StatusNotFound
	case domain.CodeInvalidArgument, domain.CodeInvalidSchedule, domain.CodeMalformedMessage:
		return http.StatusBadRequest
	case domain.CodeJobExists, domain.CodeJobAlreadyRunning, domain.CodeJobNotRunning, domain.CodeJobNotIdle:
		return http.StatusConflict
	case domain.CodePermissionDenied:
		return http.StatusForbidden
	case domain.CodeRequestTimeout:
		return http.StatusGatewayTimeout
	case domain.CodeDaemonNotRunning:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
