package domain

import (
	"time"
)

// JobStatus is the lifecycle state of a transformation job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transition is defined out of s.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions is the allowed state machine:
//
//	pending    → processing, cancelled
//	processing → completed, failed, cancelled
var transitions = map[JobStatus][]JobStatus{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from → to is a legal status transition.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is one unit of work tracking a single transformation request from
// submission to terminal state. Exactly one store row exists per ID.
type Job struct {
	ID         string           `db:"job_id" json:"job_id"`
	Owner      string           `db:"owner" json:"owner"`
	Status     JobStatus        `db:"status" json:"status"`
	InputRef   string           `db:"input_ref" json:"input_ref"`
	OutputRef  string           `db:"output_ref" json:"output_ref,omitempty"`
	Progress   int              `db:"progress" json:"progress"`
	CreditCost int              `db:"credit_cost" json:"credit_cost"`
	Options    TransformOptions `db:"-" json:"options"`
	Error      *Error           `db:"-" json:"error,omitempty"`
	CreatedAt  time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time        `db:"updated_at" json:"updated_at"`
}

// TransformOptions are the caller-supplied parameters for the external
// transformation call.
type TransformOptions struct {
	Prompt  string        `json:"prompt,omitempty"`
	Width   int           `json:"width,omitempty"`
	Height  int           `json:"height,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Defaults matching the product behavior: 1024x1024 output, 180s deadline.
const (
	DefaultWidth      = 1024
	DefaultHeight     = 1024
	DefaultJobTimeout = 180 * time.Second
	DefaultCreditCost = 1
)

// Normalize fills zero-valued options with defaults.
func (o TransformOptions) Normalize() TransformOptions {
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultJobTimeout
	}
	return o
}
