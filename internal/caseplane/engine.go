package caseplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Engine statuses as reported by the workflow engine's REST bridge.
type EngineStatus string

const (
	EngineStatusRunning    EngineStatus = "RUNNING"
	EngineStatusCompleted  EngineStatus = "COMPLETED"
	EngineStatusFailed     EngineStatus = "FAILED"
	EngineStatusTerminated EngineStatus = "TERMINATED"
	EngineStatusCanceled   EngineStatus = "CANCELED"
	EngineStatusTimedOut   EngineStatus = "TIMED_OUT"
)

// ErrExecutionNotFound is returned when the engine has no execution for a
// workflow id, including executions already fallen off retention.
var ErrExecutionNotFound = errors.New("engine execution not found")

type EngineStartRequest struct {
	WorkflowID   string         `json:"workflowId"`
	WorkflowName string         `json:"workflowName"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	StartDelay   time.Duration  `json:"-"`
}

type EngineExecution struct {
	WorkflowID string       `json:"workflowId"`
	RunID      string       `json:"runId"`
	Status     EngineStatus `json:"status"`
}

// EngineClient is the control plane's view of the workflow engine. The engine
// owns business sequencing; the client only starts executions, observes them,
// and delivers signals.
type EngineClient interface {
	StartExecution(ctx context.Context, req EngineStartRequest) (runID string, err error)
	DescribeExecution(ctx context.Context, workflowID string) (EngineExecution, error)
	SignalExecution(ctx context.Context, workflowID, name string, payload map[string]any) error
	TerminateExecution(ctx context.Context, workflowID, reason string) error
	GetResult(ctx context.Context, workflowID string) (map[string]any, error)
}

type HTTPEngineClientOptions struct {
	BaseURL    string
	AuthToken  string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type HTTPEngineClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPEngineClient(opts HTTPEngineClientOptions) *HTTPEngineClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:7243"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPEngineClient{
		baseURL:    baseURL,
		authToken:  strings.TrimSpace(opts.AuthToken),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (c *HTTPEngineClient) StartExecution(ctx context.Context, req EngineStartRequest) (string, error) {
	if strings.TrimSpace(req.WorkflowID) == "" || strings.TrimSpace(req.WorkflowName) == "" {
		return "", ErrInvalidInput
	}
	body := map[string]any{
		"workflowId":   req.WorkflowID,
		"workflowName": req.WorkflowName,
		"parameters":   req.Parameters,
	}
	if req.StartDelay > 0 {
		body["startDelaySeconds"] = int(req.StartDelay / time.Second)
	}
	var out struct {
		RunID string `json:"runId"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/executions", body, &out); err != nil {
		return "", err
	}
	return out.RunID, nil
}

func (c *HTTPEngineClient) DescribeExecution(ctx context.Context, workflowID string) (EngineExecution, error) {
	var out EngineExecution
	err := c.do(ctx, http.MethodGet, "/api/v1/executions/"+url.PathEscape(workflowID), nil, &out)
	if err != nil {
		return EngineExecution{}, err
	}
	return out, nil
}

func (c *HTTPEngineClient) SignalExecution(ctx context.Context, workflowID, name string, payload map[string]any) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidInput
	}
	body := map[string]any{"name": name, "payload": payload}
	return c.do(ctx, http.MethodPost, "/api/v1/executions/"+url.PathEscape(workflowID)+"/signal", body, nil)
}

func (c *HTTPEngineClient) TerminateExecution(ctx context.Context, workflowID, reason string) error {
	body := map[string]any{"reason": reason}
	return c.do(ctx, http.MethodPost, "/api/v1/executions/"+url.PathEscape(workflowID)+"/terminate", body, nil)
}

func (c *HTTPEngineClient) GetResult(ctx context.Context, workflowID string) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/api/v1/executions/"+url.PathEscape(workflowID)+"/result", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPEngineClient) do(ctx context.Context, method, path string, payload, out any) error {
	if c == nil {
		return fmt.Errorf("engine http client is nil")
	}
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	target := c.baseURL + path

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return err
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.authToken)
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrExecutionNotFound, path)
		}
		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		message := strings.TrimSpace(string(respBody))
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			if m, ok := parsed["message"].(string); ok && strings.TrimSpace(m) != "" {
				message = m
			}
		}
		return fmt.Errorf("engine request failed: status=%d message=%s", resp.StatusCode, message)
	}
}

func (c *HTTPEngineClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
