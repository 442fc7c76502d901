package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/harun/agentcore/internal/tracing"
	"github.com/harun/agentcore/pkg/planexec"
)

const maxActionResponseBytes = 4 << 20

// HTTPActionExecutor posts each action as JSON to a tool endpoint and decodes
// the response body as a planexec.ActionResult.
type HTTPActionExecutor struct {
	endpoint string
	client   *http.Client
}

// NewHTTPActionExecutor creates an executor for endpoint. A non-positive
// timeout defaults to 30 seconds.
func NewHTTPActionExecutor(endpoint string, timeout time.Duration) *HTTPActionExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPActionExecutor{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Act implements planexec.ActionExecutor. Non-2xx responses become error results.
func (h *HTTPActionExecutor) Act(ctx context.Context, action planexec.Action) (planexec.ActionResult, error) {
	body, err := json.Marshal(action)
	if err != nil {
		return planexec.ActionResult{}, fmt.Errorf("failed to encode action: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return planexec.ActionResult{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if id := tracing.GetTraceID(ctx); id != "" {
		req.Header.Set("X-Trace-ID", id)
	}
	if id := tracing.GetCorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}
	tracing.InjectHeaders(ctx, req.Header)

	resp, err := h.client.Do(req)
	if err != nil {
		return planexec.ActionResult{}, fmt.Errorf("action request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxActionResponseBytes))
	if err != nil {
		return planexec.ActionResult{}, fmt.Errorf("failed to read action response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return planexec.ActionResult{
			Kind:  planexec.KindError,
			Error: fmt.Sprintf("tool endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(data)),
		}, nil
	}

	var result planexec.ActionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return planexec.ActionResult{}, fmt.Errorf("failed to decode action response: %w", err)
	}
	return result, nil
}
