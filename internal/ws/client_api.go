package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pixmorph/pixmorph/internal/domain"
)

// SubmitJob submits a transformation request and returns the pending job.
func (c *Client) SubmitJob(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	return c.jobRequest(ctx, MethodJobSubmit, req)
}

// GetJob reads the current status of one of the caller's jobs. This is the
// reconciliation primitive: call it after every subscribe and reconnect.
func (c *Client) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return c.jobRequest(ctx, MethodJobGet, JobRequest{JobID: jobID})
}

// CancelJob cancels a pending or processing job.
func (c *Client) CancelJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return c.jobRequest(ctx, MethodJobCancel, JobRequest{JobID: jobID})
}

// ListJobs returns one page of the caller's jobs, newest first.
func (c *Client) ListJobs(ctx context.Context, req ListRequest) (*ListResponse, error) {
	resp, err := c.request(ctx, MethodJobList, req)
	if err != nil {
		return nil, err
	}
	var out ListResponse
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, fmt.Errorf("decode job list: %w", err)
	}
	return &out, nil
}

// Balance reads the caller's current credit balance.
func (c *Client) Balance(ctx context.Context) (*BalanceResponse, error) {
	resp, err := c.request(ctx, MethodBalanceGet, nil)
	if err != nil {
		return nil, err
	}
	var out BalanceResponse
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}
	return &out, nil
}

func (c *Client) jobRequest(ctx context.Context, method string, data any) (*domain.Job, error) {
	resp, err := c.request(ctx, method, data)
	if err != nil {
		return nil, err
	}
	var job domain.Job
	if err := json.Unmarshal(resp.Data, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}
