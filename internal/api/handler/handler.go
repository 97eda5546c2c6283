package handler

import (
	"log/slog"

	"github.com/pixmorph/pixmorph/internal/auth"
	"github.com/pixmorph/pixmorph/internal/worker"
	"github.com/pixmorph/pixmorph/internal/ws"
)

// Dependencies holds all dependencies needed by handlers and the router.
type Dependencies struct {
	Logger  *slog.Logger
	Service *worker.Service
	Auth    auth.Authenticator
	WS      *ws.Server

	// SubmitPerMinute rate-limits job submission per account; 0 disables.
	SubmitPerMinute int
}

// JobHandler handles job-related HTTP requests.
type JobHandler struct {
	logger  *slog.Logger
	service *worker.Service
}

// NewJobHandler creates a new JobHandler instance.
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:  deps.Logger,
		service: deps.Service,
	}
}
