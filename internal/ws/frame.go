// Package ws carries real-time job status over WebSocket: a frame-based
// protocol served next to the HTTP API, and a reconnecting client that
// consumes it. The first frame on every connection must be an auth request;
// everything after is JSON frames both ways.
package ws

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pixmorph/pixmorph/internal/domain"
)

// FrameType identifies the frame category.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
	FrameErr      FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// Frame is the message envelope. Every message exchanged over the socket
// is one Frame, JSON-encoded in a text message.
type Frame struct {
	// ID uniquely identifies this frame.
	ID string `json:"id"`

	// Type categorizes the frame.
	Type FrameType `json:"type"`

	// Method names the operation for request frames (e.g. "job.submit").
	Method string `json:"method,omitempty"`

	// CorrelID links a response to its originating request.
	CorrelID string `json:"correl_id,omitempty"`

	// Channel identifies the subscription for event frames.
	Channel string `json:"channel,omitempty"`

	// Data carries the method-specific payload.
	Data json.RawMessage `json:"data,omitempty"`

	// Error carries details for error frames.
	Error *ErrorDetail `json:"error,omitempty"`

	// Timestamp records when this frame was created.
	Timestamp time.Time `json:"ts"`
}

// ErrorDetail describes an error in a response or error frame.
type ErrorDetail struct {
	Code     int              `json:"code"`
	Kind     domain.ErrorKind `json:"kind,omitempty"`
	Message  string           `json:"message"`
	UserHint string           `json:"user_hint,omitempty"`
}

// Methods understood by the server.
const (
	MethodAuth        = "auth"
	MethodJobSubmit   = "job.submit"
	MethodJobGet      = "job.get"
	MethodJobCancel   = "job.cancel"
	MethodJobList     = "job.list"
	MethodBalanceGet  = "balance.get"
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
)

// Error codes mirror their HTTP equivalents.
const (
	ErrCodeBadRequest      = 400
	ErrCodeUnauthorized    = 401
	ErrCodePaymentRequired = 402
	ErrCodeNotFound        = 404
	ErrCodeMethodNotFound  = 405
	ErrCodeConflict        = 409
	ErrCodeInternal        = 500
)

// CloseAuthRejected is the WebSocket close status sent when the auth frame
// carries invalid credentials. Clients treat it as permanent and do not
// retry the connection.
const CloseAuthRejected = 4401

// AuthRequest is the payload of the mandatory first frame.
type AuthRequest struct {
	Token string `json:"token"`
}

// AuthResponse confirms authentication.
type AuthResponse struct {
	SessionID string `json:"session_id"`
	Account   string `json:"account"`
}

// SubmitRequest asks for a new transformation job.
type SubmitRequest struct {
	InputRef       string `json:"input_ref"`
	Prompt         string `json:"prompt,omitempty"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// Options converts the request into transform options.
func (r SubmitRequest) Options() domain.TransformOptions {
	return domain.TransformOptions{
		Prompt:  r.Prompt,
		Width:   r.Width,
		Height:  r.Height,
		Timeout: time.Duration(r.TimeoutSeconds) * time.Second,
	}
}

// JobRequest addresses a single job.
type JobRequest struct {
	JobID string `json:"job_id"`
}

// ListRequest retrieves one page of the caller's jobs.
type ListRequest struct {
	Status   string `json:"status,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
	Cursor   string `json:"cursor,omitempty"`
}

// ListResponse is one page plus the cursor for the next one.
type ListResponse struct {
	Jobs       []domain.Job `json:"jobs"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// BalanceResponse reports the caller's credit balance.
type BalanceResponse struct {
	Account string `json:"account"`
	Balance int    `json:"balance"`
}

// SubscribeRequest subscribes to a channel: "job:<id>" for one job or
// ChannelMyJobs for every job the caller owns.
type SubscribeRequest struct {
	Channel string `json:"channel"`
}

// UnsubscribeRequest removes a subscription.
type UnsubscribeRequest struct {
	Channel string `json:"channel"`
}

// ChannelMyJobs subscribes to all jobs owned by the authenticated account.
const ChannelMyJobs = "jobs"

// JobChannel names the per-job subscription channel.
func JobChannel(jobID string) string { return "job:" + jobID }

// NewFrameID returns a new unique frame id.
func NewFrameID() string { return uuid.New().String() }

// NewRequestFrame creates a request frame with a marshaled payload.
func NewRequestFrame(method string, data any) (*Frame, error) {
	f := &Frame{
		ID:        NewFrameID(),
		Type:      FrameRequest,
		Method:    method,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		f.Data = raw
	}
	return f, nil
}

// NewResponseFrame creates a response to a request.
func NewResponseFrame(correlID string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        NewFrameID(),
		Type:      FrameResponse,
		CorrelID:  correlID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorFrame creates an error response to a request.
func NewErrorFrame(correlID string, code int, message string) *Frame {
	return &Frame{
		ID:       NewFrameID(),
		Type:     FrameErr,
		CorrelID: correlID,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewDomainErrorFrame maps a lifecycle error onto an error frame, carrying
// the taxonomy kind and user hint through to the client.
func NewDomainErrorFrame(correlID string, err error) *Frame {
	f := NewErrorFrame(correlID, codeFor(err), err.Error())
	var derr *domain.Error
	if errors.As(err, &derr) {
		f.Error.Kind = derr.Kind
		f.Error.Message = derr.Message
		f.Error.UserHint = derr.UserHint
	}
	return f
}

// codeFor maps lifecycle errors to frame error codes.
func codeFor(err error) int {
	var derr *domain.Error
	if errors.As(err, &derr) {
		switch derr.Kind {
		case domain.KindInsufficientCredit:
			return ErrCodePaymentRequired
		case domain.KindInvalidInput:
			return ErrCodeBadRequest
		case domain.KindNotFound:
			return ErrCodeNotFound
		default:
			return ErrCodeInternal
		}
	}
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		return ErrCodeNotFound
	case errors.Is(err, domain.ErrJobTerminal), errors.Is(err, domain.ErrTransitionConflict):
		return ErrCodeConflict
	case errors.Is(err, domain.ErrInsufficientCredit):
		return ErrCodePaymentRequired
	}
	return ErrCodeInternal
}

// NewEventFrame creates an event frame for a subscription channel.
func NewEventFrame(channel string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        NewFrameID(),
		Type:      FrameEvent,
		Channel:   channel,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}
