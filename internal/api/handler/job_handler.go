package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pixmorph/pixmorph/internal/api/dto"
	"github.com/pixmorph/pixmorph/internal/domain"
	"github.com/pixmorph/pixmorph/internal/jobstore"
)

// AccountKey is the gin context key carrying the authenticated account id,
// set by the auth middleware.
const AccountKey = "account"

func account(c *gin.Context) string {
	return c.GetString(AccountKey)
}

// SubmitJob handles POST /api/v1/jobs: validates the request, reserves
// credit and creates the pending job.
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": dto.ErrorDTO{Kind: string(domain.KindInvalidInput), Message: "invalid request body"},
		})
		return
	}

	job, err := h.service.Submit(c.Request.Context(), account(c), req.InputRef, req.Options())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.FromJob(job))
}

// GetJob handles GET /api/v1/jobs/:job_id.
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.service.GetStatus(c.Request.Context(), account(c), c.Param("job_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromJob(job))
}

// ListJobs handles GET /api/v1/jobs with status filtering and cursor
// pagination.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": dto.ErrorDTO{Kind: string(domain.KindInvalidInput), Message: "invalid query parameters"},
		})
		return
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := jobstore.DecodeCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": dto.ErrorDTO{Kind: string(domain.KindInvalidInput), Message: "invalid cursor"},
		})
		return
	}

	jobs, next, err := h.service.List(c.Request.Context(), account(c), jobstore.Filter{
		Status:   domain.JobStatus(req.Status),
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i := range jobs {
		resp.Jobs[i] = dto.FromJob(&jobs[i])
	}
	if next != nil {
		resp.NextCursor = jobstore.EncodeCursor(next)
	}
	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel.
func (h *JobHandler) CancelJob(c *gin.Context) {
	job, err := h.service.Cancel(c.Request.Context(), account(c), c.Param("job_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromJob(job))
}

// GetQueueStats handles GET /api/v1/queue/stats.
func (h *JobHandler) GetQueueStats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetBalance handles GET /api/v1/balance.
func (h *JobHandler) GetBalance(c *gin.Context) {
	owner := account(c)
	balance, err := h.service.Balance(c.Request.Context(), owner)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.BalanceResponse{Account: owner, Balance: balance})
}

// writeError maps lifecycle errors to HTTP status codes and the error
// taxonomy wire shape.
func (h *JobHandler) writeError(c *gin.Context, err error) {
	var derr *domain.Error
	if errors.As(err, &derr) {
		c.JSON(statusForKind(derr.Kind), gin.H{
			"error": dto.ErrorDTO{Kind: string(derr.Kind), Message: derr.Message, UserHint: derr.UserHint},
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": dto.ErrorDTO{Kind: string(domain.KindNotFound), Message: "job not found"},
		})
	case errors.Is(err, domain.ErrJobTerminal), errors.Is(err, domain.ErrTransitionConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error": dto.ErrorDTO{Kind: string(domain.KindInvalidInput), Message: err.Error()},
		})
	default:
		h.logger.Error("request failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": dto.ErrorDTO{Kind: string(domain.KindInternalError), Message: "internal error"},
		})
	}
}

func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindInsufficientCredit:
		return http.StatusPaymentRequired
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
