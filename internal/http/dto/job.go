package dto

import (
	"lsh.app/jobd/internal/domain"
	"lsh.app/jobd/internal/model"
)

type ListJobsQuery struct {
	Status  string `form:"status"`
	Tag     string `form:"tag"`
	Name    string `form:"name"`
	Enabled *bool  `form:"enabled"`
}

func (q ListJobsQuery) ToFilter() model.JobFilter {
	return model.JobFilter{
		Status:  model.JobStatus(q.Status),
		Tag:     q.Tag,
		Name:    q.Name,
		Enabled: q.Enabled,
	}
}

type ExecutionsQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=0"`
}

type RemoveJobQuery struct {
	Force bool `form:"force"`
}

type StopJobRequest struct {
	Signal string `json:"signal,omitempty"`
}

type ErrorResponse struct {
	Error string      `json:"error"`
	Code  domain.Code `json:"code"`
}

func ToErrorResponse(err error) ErrorResponse {
	e := domain.AsError(err)
	return ErrorResponse{Error: e.Message, Code: e.Code}
}
