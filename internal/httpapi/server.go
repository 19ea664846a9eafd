package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caseplane/caseplane/internal/caseplane"
)

const webhookSignatureHeader = "X-Signature"

type ServerConfig struct {
	// VoiceAISecret is read per request so the secret can rotate without a
	// restart.
	VoiceAISecret   func() string
	SignatureMaxAge time.Duration
	MaxBodyBytes    int64
	Logger          *slog.Logger
	Now             func() time.Time
}

type Server struct {
	store      *caseplane.Store
	ingestor   *caseplane.EventIngestor
	controller *caseplane.ExecutionController
	hub        *caseplane.NotifierHub
	cfg        ServerConfig
}

func NewServer(store *caseplane.Store, ingestor *caseplane.EventIngestor, controller *caseplane.ExecutionController, hub *caseplane.NotifierHub, cfg ServerConfig) *Server {
	if cfg.SignatureMaxAge <= 0 {
		cfg.SignatureMaxAge = 30 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.VoiceAISecret == nil {
		cfg.VoiceAISecret = func() string { return "" }
	}
	return &Server{
		store:      store,
		ingestor:   ingestor,
		controller: controller,
		hub:        hub,
		cfg:        cfg,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/webhook-events" && r.Method == http.MethodGet {
		s.handleListWebhookEvents(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "v1" {
		switch parts[1] {
		case "webhooks":
			s.routeWebhooks(w, r, parts)
			return
		case "executions":
			s.routeExecutions(w, r, parts)
			return
		case "cases":
			if len(parts) == 4 && parts[3] == "events" && r.Method == http.MethodGet {
				s.handleCaseEvents(w, r, parts[2])
				return
			}
		case "verifications":
			if len(parts) == 4 && parts[3] == "decision" && r.Method == http.MethodPost {
				s.handleVerificationDecision(w, r, parts[2])
				return
			}
		}
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
}

func (s *Server) routeWebhooks(w http.ResponseWriter, r *http.Request, parts []string) {
	correlationID := getCorrelationID(r)
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "webhooks are POST only", correlationID)
		return
	}
	switch {
	case len(parts) == 3 && parts[2] == "voiceai":
		s.handleVoiceAIWebhook(w, r)
	case len(parts) == 3 && parts[2] == "fax":
		// Unsigned by the gateway; accepted as-is. Known gap.
		s.handleUnsignedWebhook(w, r, caseplane.ProviderFax, caseplane.EventFaxStatus, "fax_id", "FaxSid")
	case len(parts) == 4 && parts[2] == "carrier" && parts[3] == "sms":
		s.handleUnsignedWebhook(w, r, caseplane.ProviderCarrier, caseplane.EventInboundSMS, "MessageSid", "message_sid")
	case len(parts) == 4 && parts[2] == "carrier" && parts[3] == "sms-status":
		s.handleUnsignedWebhook(w, r, caseplane.ProviderCarrier, caseplane.EventSMSDeliveryStatus, "", "")
	case len(parts) == 4 && parts[2] == "carrier" && parts[3] == "voice":
		s.handleUnsignedWebhook(w, r, caseplane.ProviderCarrier, caseplane.EventInboundVoiceSession, "CallSid", "call_sid")
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown webhook provider", correlationID)
	}
}

func (s *Server) handleVoiceAIWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if authErr := verifyWebhookSignature(s.cfg.VoiceAISecret(), r.Header.Get(webhookSignatureHeader), body, s.cfg.Now(), s.cfg.SignatureMaxAge); authErr != nil {
		// Nothing is persisted for an unauthenticated delivery.
		caseplane.CountUnauthorizedWebhook(caseplane.ProviderVoiceAI)
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON payload", correlationID)
		return
	}
	eventType := stringField(payload, "type")
	deliveryID := stringField(payload, "event_id", "eventId")

	result, err := s.ingestor.Ingest(r.Context(), caseplane.ProviderVoiceAI, eventType, deliveryID, payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "persistence_failure", err.Error(), correlationID)
		return
	}
	writeIngestResult(w, result)
}

// handleUnsignedWebhook serves the fax gateway and carrier callbacks, which
// carry no signature. Payloads arrive as JSON or as form encoding depending
// on the provider.
func (s *Server) handleUnsignedWebhook(w http.ResponseWriter, r *http.Request, provider, eventType string, deliveryKeys ...string) {
	correlationID := getCorrelationID(r)
	payload, ok := s.readWebhookPayload(w, r, correlationID)
	if !ok {
		return
	}
	deliveryID := stringField(payload, deliveryKeys...)

	result, err := s.ingestor.Ingest(r.Context(), provider, eventType, deliveryID, payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "persistence_failure", err.Error(), correlationID)
		return
	}
	writeIngestResult(w, result)
}

func writeIngestResult(w http.ResponseWriter, result caseplane.IngestResult) {
	if result.Response != nil {
		writeJSON(w, http.StatusOK, result.Response)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"eventId":   result.EventID,
		"duplicate": result.Duplicate,
	})
}

func (s *Server) routeExecutions(w http.ResponseWriter, r *http.Request, parts []string) {
	correlationID := getCorrelationID(r)

	if len(parts) == 2 {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST to start an execution", correlationID)
			return
		}
		s.handleStartExecution(w, r)
		return
	}

	executionID := parts[2]
	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			s.handleExecutionStatus(w, r, executionID)
		case http.MethodDelete:
			s.handleDeleteExecution(w, r, executionID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method", correlationID)
		}
		return
	}

	if len(parts) == 4 {
		action := parts[3]
		if action == "children" && r.Method == http.MethodGet {
			s.handleExecutionChildren(w, r, executionID)
			return
		}
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method", correlationID)
			return
		}
		switch action {
		case "signal":
			s.handleSendSignal(w, r, executionID)
		case "pause":
			s.handleCascade(w, r, executionID, true)
		case "resume":
			s.handleCascade(w, r, executionID, false)
		case "stop":
			s.handleStopExecution(w, r, executionID)
		default:
			writeError(w, http.StatusNotFound, "not_found", "unknown execution action", correlationID)
		}
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req struct {
		CaseID           string         `json:"caseId"`
		WorkflowName     string         `json:"workflowName"`
		Parameters       map[string]any `json:"parameters"`
		ScheduledAt      string         `json:"scheduledAt"`
		ProviderID       string         `json:"providerId"`
		ParentWorkflowID string         `json:"parentWorkflowId"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	start := caseplane.StartExecutionRequest{
		CaseID:           req.CaseID,
		WorkflowName:     req.WorkflowName,
		Parameters:       req.Parameters,
		ProviderID:       req.ProviderID,
		ParentWorkflowID: req.ParentWorkflowID,
	}
	if strings.TrimSpace(req.ScheduledAt) != "" {
		ts, err := time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "scheduledAt must be RFC3339", correlationID)
			return
		}
		start.ScheduledAt = &ts
	}

	rec, err := s.controller.Start(r.Context(), start)
	if err != nil {
		writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleExecutionStatus(w http.ResponseWriter, r *http.Request, executionID string) {
	view, err := s.controller.Status(r.Context(), executionID)
	if err != nil {
		writeDomainError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleExecutionChildren(w http.ResponseWriter, r *http.Request, executionID string) {
	children, err := s.controller.Children(executionID)
	if err != nil {
		writeDomainError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"children": children})
}

func (s *Server) handleSendSignal(w http.ResponseWriter, r *http.Request, executionID string) {
	correlationID := getCorrelationID(r)
	var req struct {
		Name    string         `json:"name"`
		Payload map[string]any `json:"payload"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	delivered, err := s.controller.Signal(r.Context(), executionID, req.Name, req.Payload)
	if err != nil {
		writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivered": delivered})
}

func (s *Server) handleCascade(w http.ResponseWriter, r *http.Request, executionID string, pause bool) {
	var (
		result caseplane.CascadeResult
		err    error
	)
	if pause {
		result, err = s.controller.Pause(r.Context(), executionID)
	} else {
		result, err = s.controller.Resume(r.Context(), executionID)
	}
	if err != nil {
		writeDomainError(w, err, getCorrelationID(r))
		return
	}
	key := "resumedChildren"
	if pause {
		key = "pausedChildren"
	}
	writeJSON(w, http.StatusOK, map[string]any{key: result.Children})
}

func (s *Server) handleStopExecution(w http.ResponseWriter, r *http.Request, executionID string) {
	correlationID := getCorrelationID(r)
	var req struct {
		Reason string `json:"reason"`
	}
	// Body is optional for stop.
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON payload", correlationID)
			return
		}
	}
	if err := s.controller.Terminate(r.Context(), executionID, req.Reason); err != nil {
		writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

func (s *Server) handleDeleteExecution(w http.ResponseWriter, r *http.Request, executionID string) {
	if err := s.controller.Delete(r.Context(), executionID); err != nil {
		writeDomainError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleVerificationDecision(w http.ResponseWriter, r *http.Request, verificationID string) {
	correlationID := getCorrelationID(r)
	var req struct {
		CaseID          string         `json:"caseId"`
		Approved        bool           `json:"approved"`
		ContactFields   map[string]any `json:"contactFields"`
		RejectionReason string         `json:"rejectionReason"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	delivered, err := s.controller.RecordVerificationDecision(r.Context(), req.CaseID, verificationID, req.Approved, req.ContactFields, req.RejectionReason)
	if err != nil {
		writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivered": delivered})
}

func (s *Server) handleListWebhookEvents(w http.ResponseWriter, r *http.Request) {
	filter := caseplane.EventFilter{
		Provider: strings.TrimSpace(r.URL.Query().Get("provider")),
	}
	if raw := r.URL.Query().Get("processed"); raw != "" {
		processed := raw == "true"
		filter.Processed = &processed
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 {
			filter.Limit = limit
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": s.store.ListEvents(filter)})
}

// readWebhookPayload accepts JSON bodies and form-encoded carrier callbacks.
func (s *Server) readWebhookPayload(w http.ResponseWriter, r *http.Request, correlationID string) (map[string]any, bool) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return nil, false
	}
	contentType := r.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/x-www-form-urlencoded") {
		values, err := parseFormBody(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid form payload", correlationID)
			return nil, false
		}
		return values, true
	}
	var payload map[string]any
	if len(body) == 0 {
		return map[string]any{}, true
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON payload", correlationID)
		return nil, false
	}
	return payload, true
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON payload", correlationID)
		return false
	}
	return true
}

func writeDomainError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, caseplane.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, caseplane.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, caseplane.ErrInvalidState):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func parseFormBody(body []byte) (map[string]any, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(values))
	for key := range values {
		out[key] = values.Get(key)
	}
	return out, nil
}

func stringField(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if key == "" {
			continue
		}
		if raw, ok := payload[key]; ok {
			if str, ok := raw.(string); ok && strings.TrimSpace(str) != "" {
				return strings.TrimSpace(str)
			}
		}
	}
	return ""
}
