package dto

import (
	"time"

	"github.com/pixmorph/pixmorph/internal/domain"
)

type SubmitJobRequest struct {
	InputRef       string `json:"input_ref" binding:"required"`
	Prompt         string `json:"prompt"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Options converts the request into transform options; zero values pick up
// defaults downstream.
func (r SubmitJobRequest) Options() domain.TransformOptions {
	return domain.TransformOptions{
		Prompt:  r.Prompt,
		Width:   r.Width,
		Height:  r.Height,
		Timeout: time.Duration(r.TimeoutSeconds) * time.Second,
	}
}

type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type ErrorDTO struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	UserHint string `json:"user_hint,omitempty"`
}

type JobDTO struct {
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	InputRef   string    `json:"input_ref"`
	OutputRef  string    `json:"output_ref,omitempty"`
	Progress   int       `json:"progress"`
	CreditCost int       `json:"credit_cost"`
	Error      *ErrorDTO `json:"error,omitempty"`
	CreatedAt  string    `json:"created_at"`
	UpdatedAt  string    `json:"updated_at"`
}

// FromJob maps a domain job onto the wire representation.
func FromJob(job *domain.Job) JobDTO {
	out := JobDTO{
		JobID:      job.ID,
		Status:     string(job.Status),
		InputRef:   job.InputRef,
		OutputRef:  job.OutputRef,
		Progress:   job.Progress,
		CreditCost: job.CreditCost,
		CreatedAt:  job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  job.UpdatedAt.Format(time.RFC3339),
	}
	if job.Error != nil {
		out.Error = &ErrorDTO{
			Kind:     string(job.Error.Kind),
			Message:  job.Error.Message,
			UserHint: job.Error.UserHint,
		}
	}
	return out
}

type BalanceResponse struct {
	Account string `json:"account"`
	Balance int    `json:"balance"`
}
