package caseplane

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// Webhook event types as they arrive at the ingestor. The voice-AI provider
// tags its payloads; the carrier and fax gateway events are typed by route.
const (
	EventPostCall            = "post_call_transcription"
	EventCallInitFailure     = "call_initiation_failure"
	EventFaxStatus           = "fax.status"
	EventInboundSMS          = "sms.inbound"
	EventSMSDeliveryStatus   = "sms.status"
	EventInboundVoiceSession = "voice.inbound"
)

type IngestResult struct {
	EventID         string
	Duplicate       bool
	Correlated      bool
	SignalDelivered bool
	// Response carries provider-specific response content, e.g. the session
	// document returned to an inbound voice bootstrap.
	Response map[string]any
}

// EventIngestor is the entry point for provider webhooks. Authentication
// happens at the HTTP boundary; everything after that - idempotent event
// logging, identity resolution, domain record updates, signal dispatch -
// happens here. The only error it returns is a persistence failure, the one
// case where the provider is expected to redeliver.
type EventIngestor struct {
	store      *Store
	resolver   *IdentityResolver
	dispatcher *SignalDispatcher
	logger     *slog.Logger
	now        func() time.Time
}

func NewEventIngestor(store *Store, resolver *IdentityResolver, dispatcher *SignalDispatcher, logger *slog.Logger) *EventIngestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventIngestor{
		store:      store,
		resolver:   resolver,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// ingestOutcome is what a per-type handler reports back: the correlation it
// found and whether its signal (if any) was delivered.
type ingestOutcome struct {
	caseID          string
	executionID     string
	correlated      bool
	signalDelivered bool
	response        map[string]any
}

// Ingest persists the event idempotently, dispatches it by type, and marks it
// processed. An event that correlates to nothing is still marked processed:
// asking the provider to redeliver would never improve the outcome.
func (g *EventIngestor) Ingest(ctx context.Context, provider, eventType, deliveryID string, payload map[string]any) (IngestResult, error) {
	provider = strings.TrimSpace(provider)
	deliveryKey := strings.TrimSpace(deliveryID)
	if deliveryKey == "" {
		deliveryKey = payloadHash(payload)
	}

	if existing, ok := g.store.LookupDelivery(provider, deliveryKey); ok {
		metricWebhookDuplicatesTotal.WithLabelValues(provider).Inc()
		g.logger.Info("webhook redelivery ignored",
			"provider", provider, "eventType", eventType, "eventId", existing.ID)
		return IngestResult{EventID: existing.ID, Duplicate: true}, nil
	}

	ev, err := g.store.RecordEvent(WebhookEvent{
		Provider:    provider,
		EventType:   eventType,
		DeliveryKey: deliveryKey,
		Payload:     payload,
	})
	if errors.Is(err, ErrDuplicate) {
		metricWebhookDuplicatesTotal.WithLabelValues(provider).Inc()
		return IngestResult{EventID: ev.ID, Duplicate: true}, nil
	}
	if err != nil {
		return IngestResult{}, err
	}
	metricWebhookEventsTotal.WithLabelValues(provider).Inc()

	outcome := g.handle(ctx, eventType, payload)

	if err := g.store.MarkEventProcessed(ev.ID, outcome.caseID, outcome.executionID); err != nil {
		return IngestResult{}, err
	}
	if !outcome.correlated {
		metricWebhookUncorrelatedTotal.WithLabelValues(provider).Inc()
		g.logger.Info("webhook event had no correlation",
			"provider", provider, "eventType", eventType, "eventId", ev.ID)
	}
	return IngestResult{
		EventID:         ev.ID,
		Correlated:      outcome.correlated,
		SignalDelivered: outcome.signalDelivered,
		Response:        outcome.response,
	}, nil
}

func (g *EventIngestor) handle(ctx context.Context, eventType string, payload map[string]any) ingestOutcome {
	switch eventType {
	case EventPostCall:
		return g.handlePostCall(ctx, payload)
	case EventCallInitFailure:
		return g.handleCallInitFailure(ctx, payload)
	case EventFaxStatus:
		return g.handleFaxStatus(ctx, payload)
	case EventInboundSMS:
		return g.handleInboundSMS(ctx, payload)
	case EventSMSDeliveryStatus:
		return g.handleSMSDeliveryStatus(payload)
	case EventInboundVoiceSession:
		return g.handleInboundVoice(payload)
	default:
		g.logger.Info("unrecognized webhook event type", "eventType", eventType)
		return ingestOutcome{}
	}
}

func (g *EventIngestor) handlePostCall(ctx context.Context, payload map[string]any) ingestOutcome {
	conversationID := firstString(payload, "conversation_id", "conversationId")
	callSID := lookupCallSID(payload)

	sess, found := g.resolver.ResolveSession(conversationID, callSID)
	if !found {
		caseID, ok := g.resolver.ResolvePhoneToCase(lookupExternalNumber(payload))
		if !ok {
			return ingestOutcome{}
		}
		created, err := g.store.CreateSession(ExternalSession{
			CaseID:         caseID,
			ConversationID: conversationID,
			CallSID:        callSID,
			Status:         "in_progress",
		})
		if err != nil {
			g.logger.Warn("placeholder session create failed", "error", err)
			return ingestOutcome{}
		}
		sess = created
	}

	analysis, _ := payload["analysis"].(map[string]any)
	failed := strings.EqualFold(firstString(analysis, "call_successful"), "failure")
	talkedToHuman := boolValue(analysis, "talked_to_human")
	transcript := firstString(payload, "transcript")

	status := "completed"
	if failed {
		status = "failed"
	}
	if err := g.store.SetSessionOutcome(sess.ID, status, transcript, analysis); err != nil {
		g.logger.Warn("session outcome update failed", "sessionId", sess.ID, "error", err)
	}
	g.upsertCallCommunication(sess, conversationID, transcript, failed)

	signalPayload := map[string]any{
		"conversationId": conversationID,
		"talkedToHuman":  talkedToHuman,
		"failed":         failed,
	}
	if failed {
		signalPayload["failureReason"] = firstString(analysis, "failure_reason")
	}
	delivered := g.dispatcher.Dispatch(ctx, SignalTarget{
		ExecutionID: sess.ExecutionID,
		CaseID:      sess.CaseID,
	}, "callCompleted", signalPayload)

	return ingestOutcome{
		caseID:          sess.CaseID,
		executionID:     sess.ExecutionID,
		correlated:      true,
		signalDelivered: delivered,
	}
}

func (g *EventIngestor) handleCallInitFailure(ctx context.Context, payload map[string]any) ingestOutcome {
	conversationID := firstString(payload, "conversation_id", "conversationId")
	callSID := lookupCallSID(payload)
	reason := firstString(payload, "reason", "error", "message")

	sess, found := g.resolver.ResolveSession(conversationID, callSID)
	if !found {
		return ingestOutcome{}
	}
	if err := g.store.SetSessionOutcome(sess.ID, "failed", "", nil); err != nil {
		g.logger.Warn("session outcome update failed", "sessionId", sess.ID, "error", err)
	}
	g.upsertCallCommunication(sess, conversationID, "", true)

	delivered := g.dispatcher.Dispatch(ctx, SignalTarget{
		ExecutionID: sess.ExecutionID,
		CaseID:      sess.CaseID,
	}, "callCompleted", map[string]any{
		"conversationId": conversationID,
		"talkedToHuman":  false,
		"failed":         true,
		"failureReason":  reason,
	})
	return ingestOutcome{
		caseID:          sess.CaseID,
		executionID:     sess.ExecutionID,
		correlated:      true,
		signalDelivered: delivered,
	}
}

func (g *EventIngestor) handleFaxStatus(ctx context.Context, payload map[string]any) ingestOutcome {
	faxID := firstString(payload, "fax_id", "faxId", "id", "FaxSid")
	rawStatus := strings.ToLower(firstString(payload, "status", "FaxStatus"))
	errText := firstString(payload, "error", "error_message")
	success := rawStatus == "delivered" || rawStatus == "success" || rawStatus == "sent"

	comm, ok := g.store.FindCommunicationByMetadata("faxId", faxID)
	if !ok {
		return ingestOutcome{}
	}
	next := CommStatusDelivered
	if !success {
		next = CommStatusFailed
	}
	if err := g.store.UpdateCommunicationStatus(comm.ID, next); err != nil {
		g.logger.Warn("fax communication update failed", "communicationId", comm.ID, "error", err)
	}

	signalPayload := map[string]any{
		"success": success,
		"faxId":   faxID,
	}
	if !success {
		if errText == "" {
			errText = rawStatus
		}
		signalPayload["error"] = errText
	}
	delivered := g.dispatcher.Dispatch(ctx, SignalTarget{
		ExecutionID: comm.ExecutionID,
		CaseID:      comm.CaseID,
	}, "faxCompleted", signalPayload)

	return ingestOutcome{
		caseID:          comm.CaseID,
		executionID:     comm.ExecutionID,
		correlated:      true,
		signalDelivered: delivered,
	}
}

func (g *EventIngestor) handleInboundSMS(ctx context.Context, payload map[string]any) ingestOutcome {
	from := firstString(payload, "From", "from")
	body := firstString(payload, "Body", "body", "message")
	messageSID := firstString(payload, "MessageSid", "message_sid", "sid")

	caseID, ok := g.resolver.ResolvePhoneToCase(from)
	if !ok {
		return ingestOutcome{}
	}
	executionID := ""
	if exec, ok := g.store.FindActiveExecutionForCase(caseID); ok {
		executionID = exec.ID
	}
	if _, err := g.store.CreateCommunication(CommunicationRecord{
		CaseID:      caseID,
		ExecutionID: executionID,
		Channel:     ChannelSMS,
		Direction:   DirectionInbound,
		Status:      CommStatusReceived,
		Content:     body,
		Metadata:    map[string]any{"messageSid": messageSID, "from": from},
	}); err != nil {
		g.logger.Warn("inbound sms record create failed", "caseId", caseID, "error", err)
	}

	delivered := g.dispatcher.Dispatch(ctx, SignalTarget{
		ExecutionID: executionID,
		CaseID:      caseID,
	}, "userResponse", map[string]any{
		"message":   body,
		"timestamp": g.now().UTC().Format(time.RFC3339),
	})
	return ingestOutcome{
		caseID:          caseID,
		executionID:     executionID,
		correlated:      true,
		signalDelivered: delivered,
	}
}

func (g *EventIngestor) handleSMSDeliveryStatus(payload map[string]any) ingestOutcome {
	messageSID := firstString(payload, "MessageSid", "message_sid", "sid")
	rawStatus := strings.ToLower(firstString(payload, "MessageStatus", "status"))

	comm, ok := g.store.FindCommunicationByMetadata("messageSid", messageSID)
	if !ok {
		return ingestOutcome{}
	}
	var next CommunicationStatus
	switch rawStatus {
	case "queued", "accepted", "sending", "sent":
		next = CommStatusSent
	case "delivered", "read":
		next = CommStatusDelivered
	case "failed", "undelivered", "canceled":
		next = CommStatusFailed
	default:
		return ingestOutcome{caseID: comm.CaseID, executionID: comm.ExecutionID, correlated: true}
	}
	if err := g.store.UpdateCommunicationStatus(comm.ID, next); err != nil {
		// Carriers replay old statuses out of order; a backward transition is
		// dropped, not an error.
		g.logger.Debug("sms status update skipped", "communicationId", comm.ID, "error", err)
	}
	return ingestOutcome{caseID: comm.CaseID, executionID: comm.ExecutionID, correlated: true}
}

// handleInboundVoice bootstraps an inbound call: the carrier tells us a call
// arrived before the voice-AI platform knows its conversation id, so a
// session is created with only the call SID and cross-linked later.
func (g *EventIngestor) handleInboundVoice(payload map[string]any) ingestOutcome {
	callSID := firstString(payload, "CallSid", "call_sid")
	from := firstString(payload, "From", "from")

	caseID, _ := g.resolver.ResolvePhoneToCase(from)
	executionID := ""
	if caseID != "" {
		if exec, ok := g.store.FindActiveExecutionForCase(caseID); ok {
			executionID = exec.ID
		}
	}

	sess, found := g.resolver.ResolveSession("", callSID)
	if !found {
		created, err := g.store.CreateSession(ExternalSession{
			CaseID:      caseID,
			ExecutionID: executionID,
			CallSID:     callSID,
			Status:      "in_progress",
		})
		if err != nil {
			g.logger.Warn("inbound voice session create failed", "callSid", callSID, "error", err)
			return ingestOutcome{}
		}
		sess = created
	}

	return ingestOutcome{
		caseID:      caseID,
		executionID: executionID,
		correlated:  caseID != "",
		response: map[string]any{
			"sessionId": sess.ID,
			"caseId":    caseID,
			"callSid":   callSID,
		},
	}
}

// upsertCallCommunication records the call on the case's communication log,
// reusing the row keyed by conversation id when one exists.
func (g *EventIngestor) upsertCallCommunication(sess ExternalSession, conversationID, transcript string, failed bool) {
	if sess.CaseID == "" {
		return
	}
	status := CommStatusDelivered
	if failed {
		status = CommStatusFailed
	}
	if comm, ok := g.store.FindCommunicationByMetadata("conversationId", conversationID); ok {
		if err := g.store.UpdateCommunicationStatus(comm.ID, status); err != nil {
			g.logger.Debug("call communication update skipped", "communicationId", comm.ID, "error", err)
		}
		return
	}
	if _, err := g.store.CreateCommunication(CommunicationRecord{
		CaseID:      sess.CaseID,
		ExecutionID: sess.ExecutionID,
		Channel:     ChannelCall,
		Direction:   DirectionOutbound,
		Status:      status,
		Content:     transcript,
		Metadata:    map[string]any{"conversationId": conversationID, "sessionId": sess.ID},
	}); err != nil {
		g.logger.Warn("call communication create failed", "sessionId", sess.ID, "error", err)
	}
}

func payloadHash(payload map[string]any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte{}
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func firstString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if raw, ok := payload[key]; ok {
			if str, ok := raw.(string); ok && strings.TrimSpace(str) != "" {
				return strings.TrimSpace(str)
			}
		}
	}
	return ""
}

func boolValue(payload map[string]any, key string) bool {
	if payload == nil {
		return false
	}
	if raw, ok := payload[key]; ok {
		if b, ok := raw.(bool); ok {
			return b
		}
	}
	return false
}

func lookupCallSID(payload map[string]any) string {
	if sid := firstString(payload, "call_sid", "CallSid"); sid != "" {
		return sid
	}
	if meta, ok := payload["metadata"].(map[string]any); ok {
		if call, ok := meta["phone_call"].(map[string]any); ok {
			return firstString(call, "call_sid")
		}
	}
	return ""
}

func lookupExternalNumber(payload map[string]any) string {
	if num := firstString(payload, "external_number", "to", "from"); num != "" {
		return num
	}
	if meta, ok := payload["metadata"].(map[string]any); ok {
		if call, ok := meta["phone_call"].(map[string]any); ok {
			return firstString(call, "external_number")
		}
	}
	return ""
}
