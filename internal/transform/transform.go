// Package transform defines the contract with the external image
// transformation service and an HTTP adapter for it. The call is slow
// (seconds to minutes) and unreliable; everything above it treats it as an
// opaque function from input reference to output reference.
package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pixmorph/pixmorph/internal/domain"
)

// ProgressFunc reports incremental progress in [0,100]. Implementations of
// Transformer may call it zero or more times before returning.
type ProgressFunc func(percent int)

// Transformer executes the external transformation. It must honor the
// context deadline and return ctx.Err() when it fires.
type Transformer interface {
	Transform(ctx context.Context, inputRef string, opts domain.TransformOptions, progress ProgressFunc) (string, error)
}

// HTTPClient calls an upstream transformation API over HTTP.
type HTTPClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPClient creates an HTTP-backed transformer. The per-job deadline is
// carried by the request context, so the underlying client has no timeout
// of its own.
func NewHTTPClient(endpoint, apiKey string) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{},
	}
}

type transformRequest struct {
	InputRef string `json:"input_ref"`
	Prompt   string `json:"prompt,omitempty"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type transformResponse struct {
	OutputRef string `json:"output_ref"`
	Message   string `json:"message,omitempty"`
}

// Transform implements Transformer.
func (c *HTTPClient) Transform(ctx context.Context, inputRef string, opts domain.TransformOptions, progress ProgressFunc) (string, error) {
	body, err := json.Marshal(transformRequest{
		InputRef: inputRef,
		Prompt:   opts.Prompt,
		Width:    opts.Width,
		Height:   opts.Height,
	})
	if err != nil {
		return "", fmt.Errorf("marshal transform request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build transform request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	if progress != nil {
		progress(10)
	}

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		// Deadline errors wrap context.DeadlineExceeded so the caller can
		// classify them as timeouts.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("transform call: %w", ctxErr)
		}
		return "", fmt.Errorf("transform call: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read transform response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transform upstream returned %d: %s", resp.StatusCode, string(data))
	}

	var out transformResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode transform response: %w", err)
	}
	if out.OutputRef == "" {
		return "", fmt.Errorf("transform upstream returned no output (elapsed %s)", time.Since(started).Round(time.Millisecond))
	}

	if progress != nil {
		progress(100)
	}
	return out.OutputRef, nil
}
