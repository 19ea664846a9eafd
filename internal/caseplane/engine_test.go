package caseplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newEngineClientFor(server *httptest.Server) *HTTPEngineClient {
	return NewHTTPEngineClient(HTTPEngineClientOptions{
		BaseURL:   server.URL,
		AuthToken: "tok-1",
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})
}

func TestEngineStartExecution(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/executions", r.URL.Path)
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{"runId": "R100"})
	}))
	defer server.Close()

	client := newEngineClientFor(server)
	runID, err := client.StartExecution(context.Background(), EngineStartRequest{
		WorkflowID:   "outreach-1",
		WorkflowName: "outreach",
		Parameters:   map[string]any{"phone": "4155334125"},
		StartDelay:   90 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, "R100", runID)
	require.Equal(t, "outreach-1", got["workflowId"])
	require.Equal(t, float64(90), got["startDelaySeconds"])
}

func TestEngineStartExecutionValidatesInput(t *testing.T) {
	client := NewHTTPEngineClient(HTTPEngineClientOptions{})
	_, err := client.StartExecution(context.Background(), EngineStartRequest{WorkflowName: "outreach"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestEngineDescribeNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"no such execution"}`, http.StatusNotFound)
	}))
	defer server.Close()

	client := newEngineClientFor(server)
	_, err := client.DescribeExecution(context.Background(), "wf-missing")
	require.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestEngineRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(EngineExecution{WorkflowID: "wf-1", RunID: "R1", Status: EngineStatusRunning})
	}))
	defer server.Close()

	client := newEngineClientFor(server)
	desc, err := client.DescribeExecution(context.Background(), "wf-1")
	require.NoError(t, err)
	require.Equal(t, EngineStatusRunning, desc.Status)
	require.Equal(t, int32(3), calls.Load())
}

func TestEngineDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"message":"signal rejected"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	client := newEngineClientFor(server)
	err := client.SignalExecution(context.Background(), "wf-1", "userResponse", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "signal rejected")
	require.Equal(t, int32(1), calls.Load())
}

func TestEngineSignalRequiresName(t *testing.T) {
	client := NewHTTPEngineClient(HTTPEngineClientOptions{})
	require.ErrorIs(t, client.SignalExecution(context.Background(), "wf-1", " ", nil), ErrInvalidInput)
}

func TestEngineTerminateAndResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/executions/wf-1/terminate":
			w.WriteHeader(http.StatusOK)
		case "/api/v1/executions/wf-1/result":
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "activity timed out"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := newEngineClientFor(server)
	require.NoError(t, client.TerminateExecution(context.Background(), "wf-1", "operator request"))

	result, err := client.GetResult(context.Background(), "wf-1")
	require.NoError(t, err)
	require.Equal(t, "activity timed out", result["error"])
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	client := NewHTTPEngineClient(HTTPEngineClientOptions{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  2 * time.Second,
	})
	require.Equal(t, time.Second, client.retryDelay(1, "1"))
	require.Equal(t, 2*time.Second, client.retryDelay(1, "30"))
	require.Equal(t, 100*time.Millisecond, client.retryDelay(1, ""))
	require.Equal(t, 200*time.Millisecond, client.retryDelay(2, ""))
	require.Equal(t, 2*time.Second, client.retryDelay(10, ""))
	require.Equal(t, 100*time.Millisecond, client.retryDelay(1, "not-a-number"))
}
