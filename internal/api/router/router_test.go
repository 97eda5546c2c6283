package router

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixmorph/pixmorph/internal/api/dto"
	"github.com/pixmorph/pixmorph/internal/api/handler"
	"github.com/pixmorph/pixmorph/internal/auth"
	"github.com/pixmorph/pixmorph/internal/hub"
	"github.com/pixmorph/pixmorph/internal/jobstore"
	"github.com/pixmorph/pixmorph/internal/ledger"
	"github.com/pixmorph/pixmorph/internal/worker"
)

type apiFixture struct {
	router *gin.Engine
	ledger *ledger.Memory
}

func newAPIFixture(t *testing.T, balance int) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	led := ledger.NewMemory()
	require.NoError(t, led.Grant(context.Background(), "acct-1", balance))

	svc := worker.NewService(&worker.ServiceConfig{
		Logger: logger,
		Store:  jobstore.NewMemory(),
		Ledger: led,
		Hub:    hub.New(logger),
	})

	r := SetupRouter(&handler.Dependencies{
		Logger:  logger,
		Service: svc,
		Auth:    auth.NewStatic(map[string]string{"tok-1": "acct-1"}),
	})
	return &apiFixture{router: r, ledger: led}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestAPI_RequiresAuth(t *testing.T) {
	f := newAPIFixture(t, 5)

	w := f.do(t, http.MethodGet, "/api/v1/jobs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/jobs", "bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_SubmitAndGet(t *testing.T) {
	f := newAPIFixture(t, 5)

	w := f.do(t, http.MethodPost, "/api/v1/jobs", "tok-1", dto.SubmitJobRequest{
		InputRef: "input/cat.png",
		Prompt:   "make it a lion",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var job dto.JobDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, "pending", job.Status)
	assert.NotEmpty(t, job.JobID)

	w = f.do(t, http.MethodGet, "/api/v1/jobs/"+job.JobID, "tok-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/jobs/no-such-job", "tok-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_SubmitInsufficientCredit(t *testing.T) {
	f := newAPIFixture(t, 0)

	w := f.do(t, http.MethodPost, "/api/v1/jobs", "tok-1", dto.SubmitJobRequest{
		InputRef: "input/cat.png",
	})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	var resp struct {
		Error dto.ErrorDTO `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "insufficient_credit", resp.Error.Kind)
	assert.NotEmpty(t, resp.Error.UserHint)
}

func TestAPI_SubmitValidation(t *testing.T) {
	f := newAPIFixture(t, 5)

	w := f.do(t, http.MethodPost, "/api/v1/jobs", "tok-1", map[string]any{"prompt": "no input ref"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_CancelFlow(t *testing.T) {
	f := newAPIFixture(t, 5)

	w := f.do(t, http.MethodPost, "/api/v1/jobs", "tok-1", dto.SubmitJobRequest{InputRef: "input/cat.png"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var job dto.JobDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))

	w = f.do(t, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/cancel", "tok-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cancelled dto.JobDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cancelled))
	assert.Equal(t, "cancelled", cancelled.Status)

	// Cancelling a terminal job conflicts.
	w = f.do(t, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/cancel", "tok-1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAPI_ListPagination(t *testing.T) {
	f := newAPIFixture(t, 10)

	for i := 0; i < 4; i++ {
		w := f.do(t, http.MethodPost, "/api/v1/jobs", "tok-1", dto.SubmitJobRequest{InputRef: "input/cat.png"})
		require.Equal(t, http.StatusAccepted, w.Code)
	}

	w := f.do(t, http.MethodGet, "/api/v1/jobs?page_size=3", "tok-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page1 dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page1))
	assert.Len(t, page1.Jobs, 3)
	require.NotEmpty(t, page1.NextCursor)

	w = f.do(t, http.MethodGet, "/api/v1/jobs?page_size=3&cursor="+url.QueryEscape(page1.NextCursor), "tok-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page2 dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page2))
	assert.Len(t, page2.Jobs, 1)
	assert.Empty(t, page2.NextCursor)
}

func TestAPI_Balance(t *testing.T) {
	f := newAPIFixture(t, 7)

	w := f.do(t, http.MethodGet, "/api/v1/balance", "tok-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.BalanceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "acct-1", resp.Account)
	assert.Equal(t, 7, resp.Balance)
}

func TestAPI_QueueStats(t *testing.T) {
	f := newAPIFixture(t, 5)

	for i := 0; i < 2; i++ {
		w := f.do(t, http.MethodPost, "/api/v1/jobs", "tok-1", dto.SubmitJobRequest{InputRef: "input/cat.png"})
		require.Equal(t, http.StatusAccepted, w.Code)
	}

	w := f.do(t, http.MethodGet, "/api/v1/queue/stats", "tok-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats worker.QueueStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Pending)
	assert.Zero(t, stats.Processing)
	assert.Zero(t, stats.Subscribers, "no websocket subscriptions in this fixture")
}

func TestAPI_Health(t *testing.T) {
	f := newAPIFixture(t, 0)

	w := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
