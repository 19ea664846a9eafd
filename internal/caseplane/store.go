package caseplane

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrDuplicate      = errors.New("duplicate")
	ErrNotImplemented = errors.New("not implemented")
)

const (
	ProviderVoiceAI = "voiceai"
	ProviderFax     = "fax"
	ProviderCarrier = "carrier"
)

type CommunicationChannel string

const (
	ChannelCall  CommunicationChannel = "call"
	ChannelSMS   CommunicationChannel = "sms"
	ChannelFax   CommunicationChannel = "fax"
	ChannelEmail CommunicationChannel = "email"
)

type CommunicationDirection string

const (
	DirectionInbound  CommunicationDirection = "inbound"
	DirectionOutbound CommunicationDirection = "outbound"
)

type CommunicationStatus string

const (
	CommStatusPending   CommunicationStatus = "pending"
	CommStatusSent      CommunicationStatus = "sent"
	CommStatusDelivered CommunicationStatus = "delivered"
	CommStatusFailed    CommunicationStatus = "failed"
	CommStatusReceived  CommunicationStatus = "received"
)

// commStatusRank orders communication statuses so transitions only move
// forward. failed and delivered are both terminal.
var commStatusRank = map[CommunicationStatus]int{
	CommStatusPending:   0,
	CommStatusSent:      1,
	CommStatusReceived:  2,
	CommStatusDelivered: 2,
	CommStatusFailed:    2,
}

type ExecutionStatus string

const (
	ExecutionScheduled  ExecutionStatus = "scheduled"
	ExecutionRunning    ExecutionStatus = "running"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionTerminated ExecutionStatus = "terminated"
)

func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionTerminated:
		return true
	default:
		return false
	}
}

type WebhookEvent struct {
	ID          string         `json:"id"`
	Provider    string         `json:"provider"`
	EventType   string         `json:"eventType"`
	DeliveryKey string         `json:"deliveryKey"`
	Payload     map[string]any `json:"payload,omitempty"`
	Processed   bool           `json:"processed"`
	CaseID      string         `json:"caseId,omitempty"`
	ExecutionID string         `json:"executionId,omitempty"`
	ReceivedAt  time.Time      `json:"receivedAt"`
}

type CommunicationRecord struct {
	ID          string                 `json:"id"`
	CaseID      string                 `json:"caseId"`
	ExecutionID string                 `json:"executionId,omitempty"`
	Channel     CommunicationChannel   `json:"channel"`
	Direction   CommunicationDirection `json:"direction"`
	Status      CommunicationStatus    `json:"status"`
	Content     string                 `json:"content,omitempty"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
}

type ExternalSession struct {
	ID             string         `json:"id"`
	CaseID         string         `json:"caseId,omitempty"`
	ExecutionID    string         `json:"executionId,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	CallSID        string         `json:"callSid,omitempty"`
	Status         string         `json:"status,omitempty"`
	Transcript     string         `json:"transcript,omitempty"`
	Analysis       map[string]any `json:"analysis,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

type ExecutionRecord struct {
	ID               string          `json:"id"`
	CaseID           string          `json:"caseId"`
	WorkflowName     string          `json:"workflowName"`
	WorkflowID       string          `json:"workflowId"`
	RunID            string          `json:"runId,omitempty"`
	Status           ExecutionStatus `json:"status"`
	Paused           bool            `json:"paused,omitempty"`
	ParentWorkflowID string          `json:"parentWorkflowId,omitempty"`
	ProviderID       string          `json:"providerId,omitempty"`
	Parameters       map[string]any  `json:"parameters,omitempty"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
}

type CaseRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type EventFilter struct {
	Provider  string
	Processed *bool
	Limit     int
}

// persistedState is the snapshot handed to the state backend after every
// mutation and reloaded on startup.
type persistedState struct {
	Events         map[string]*WebhookEvent        `json:"events,omitempty"`
	EventOrder     []string                        `json:"eventOrder,omitempty"`
	DeliveryIndex  map[string]string               `json:"deliveryIndex,omitempty"`
	Communications map[string]*CommunicationRecord `json:"communications,omitempty"`
	Sessions       map[string]*ExternalSession     `json:"sessions,omitempty"`
	Executions     map[string]*ExecutionRecord     `json:"executions,omitempty"`
	Cases          map[string]*CaseRecord          `json:"cases,omitempty"`
}

type StoreOptions struct {
	Backend StateBackend
	Logger  *slog.Logger
	Now     func() time.Time
}

// Store is the correlation store: the mirror of webhook events,
// communications, external sessions, and execution state that every other
// component reads. A single mutex guards all maps; each mutation persists a
// snapshot through the backend before returning.
type Store struct {
	mu      sync.Mutex
	backend StateBackend
	logger  *slog.Logger
	now     func() time.Time

	events         map[string]*WebhookEvent
	eventOrder     []string
	deliveryIndex  map[string]string
	communications map[string]*CommunicationRecord
	sessions       map[string]*ExternalSession
	executions     map[string]*ExecutionRecord
	cases          map[string]*CaseRecord
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	backend := opts.Backend
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		backend:        backend,
		logger:         logger,
		now:            now,
		events:         map[string]*WebhookEvent{},
		deliveryIndex:  map[string]string{},
		communications: map[string]*CommunicationRecord{},
		sessions:       map[string]*ExternalSession{},
		executions:     map[string]*ExecutionRecord{},
		cases:          map[string]*CaseRecord{},
	}
	if err := s.loadFromBackend(); err != nil {
		logger.Warn("store snapshot load failed, starting empty", "error", err)
	}
	return s
}

func (s *Store) Close() error {
	if s == nil || s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

func (s *Store) loadFromBackend() error {
	snapshot, err := s.backend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshot.Events != nil {
		s.events = snapshot.Events
	}
	s.eventOrder = snapshot.EventOrder
	if snapshot.DeliveryIndex != nil {
		s.deliveryIndex = snapshot.DeliveryIndex
	}
	if snapshot.Communications != nil {
		s.communications = snapshot.Communications
	}
	if snapshot.Sessions != nil {
		s.sessions = snapshot.Sessions
	}
	if snapshot.Executions != nil {
		s.executions = snapshot.Executions
	}
	if snapshot.Cases != nil {
		s.cases = snapshot.Cases
	}
	return nil
}

func (s *Store) saveLocked() error {
	snapshot := &persistedState{
		Events:         s.events,
		EventOrder:     s.eventOrder,
		DeliveryIndex:  s.deliveryIndex,
		Communications: s.communications,
		Sessions:       s.sessions,
		Executions:     s.executions,
		Cases:          s.cases,
	}
	return s.backend.Save(snapshot)
}

func newRecordID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func deliveryIndexKey(provider, deliveryKey string) string {
	return provider + "|" + deliveryKey
}

// RecordEvent inserts a webhook event row with processed=false. The delivery
// key must be unique per provider; a second insert with the same key returns
// the already-stored event and ErrDuplicate.
func (s *Store) RecordEvent(ev WebhookEvent) (WebhookEvent, error) {
	ev.Provider = strings.TrimSpace(ev.Provider)
	ev.DeliveryKey = strings.TrimSpace(ev.DeliveryKey)
	if ev.Provider == "" || ev.DeliveryKey == "" {
		return WebhookEvent{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deliveryIndexKey(ev.Provider, ev.DeliveryKey)
	if existingID, ok := s.deliveryIndex[key]; ok {
		if existing, ok := s.events[existingID]; ok {
			return *existing, ErrDuplicate
		}
	}
	if ev.ID == "" {
		ev.ID = newRecordID("evt")
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = s.now().UTC()
	}
	ev.Processed = false
	stored := ev
	s.events[stored.ID] = &stored
	s.eventOrder = append(s.eventOrder, stored.ID)
	s.deliveryIndex[key] = stored.ID
	if err := s.saveLocked(); err != nil {
		delete(s.events, stored.ID)
		s.eventOrder = s.eventOrder[:len(s.eventOrder)-1]
		delete(s.deliveryIndex, key)
		return WebhookEvent{}, err
	}
	return stored, nil
}

// LookupDelivery reports whether a provider delivery key has been seen.
func (s *Store) LookupDelivery(provider, deliveryKey string) (WebhookEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.deliveryIndex[deliveryIndexKey(strings.TrimSpace(provider), strings.TrimSpace(deliveryKey))]
	if !ok {
		return WebhookEvent{}, false
	}
	ev, ok := s.events[id]
	if !ok {
		return WebhookEvent{}, false
	}
	return *ev, true
}

// MarkEventProcessed flags the event processed and records which case and
// execution it correlated to, if any. An uncorrelated event is still marked
// processed: correlation misses are terminal outcomes, not retries.
func (s *Store) MarkEventProcessed(eventID, caseID, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return fmt.Errorf("%w: event %s", ErrNotFound, eventID)
	}
	ev.Processed = true
	ev.CaseID = caseID
	ev.ExecutionID = executionID
	return s.saveLocked()
}

func (s *Store) GetEvent(eventID string) (WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return WebhookEvent{}, fmt.Errorf("%w: event %s", ErrNotFound, eventID)
	}
	return *ev, nil
}

func (s *Store) ListEvents(filter EventFilter) []WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WebhookEvent, 0)
	for i := len(s.eventOrder) - 1; i >= 0; i-- {
		ev, ok := s.events[s.eventOrder[i]]
		if !ok {
			continue
		}
		if filter.Provider != "" && ev.Provider != filter.Provider {
			continue
		}
		if filter.Processed != nil && ev.Processed != *filter.Processed {
			continue
		}
		out = append(out, *ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

func (s *Store) CreateCommunication(rec CommunicationRecord) (CommunicationRecord, error) {
	if strings.TrimSpace(rec.CaseID) == "" {
		return CommunicationRecord{}, ErrInvalidInput
	}
	if rec.Channel == "" || rec.Direction == "" {
		return CommunicationRecord{}, ErrInvalidInput
	}
	if rec.Status == "" {
		rec.Status = CommStatusPending
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = newRecordID("comm")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	stored := rec
	s.communications[stored.ID] = &stored
	if err := s.saveLocked(); err != nil {
		delete(s.communications, stored.ID)
		return CommunicationRecord{}, err
	}
	return stored, nil
}

func (s *Store) GetCommunication(id string) (CommunicationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.communications[id]
	if !ok {
		return CommunicationRecord{}, fmt.Errorf("%w: communication %s", ErrNotFound, id)
	}
	return *rec, nil
}

// UpdateCommunicationStatus moves a communication forward. Transitions that
// would move backward (delivered -> pending) are rejected.
func (s *Store) UpdateCommunicationStatus(id string, status CommunicationStatus) error {
	if _, ok := commStatusRank[status]; !ok {
		return fmt.Errorf("%w: status %q", ErrInvalidInput, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.communications[id]
	if !ok {
		return fmt.Errorf("%w: communication %s", ErrNotFound, id)
	}
	if commStatusRank[status] < commStatusRank[rec.Status] {
		return fmt.Errorf("%w: communication %s cannot move %s -> %s", ErrInvalidState, id, rec.Status, status)
	}
	rec.Status = status
	return s.saveLocked()
}

func (s *Store) MergeCommunicationMetadata(id string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.communications[id]
	if !ok {
		return fmt.Errorf("%w: communication %s", ErrNotFound, id)
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	for k, v := range metadata {
		rec.Metadata[k] = v
	}
	return s.saveLocked()
}

// FindCommunicationByMetadata locates a communication by a channel-specific
// identifier stored in its metadata, such as a fax job id or message SID.
func (s *Store) FindCommunicationByMetadata(key, value string) (CommunicationRecord, bool) {
	if strings.TrimSpace(value) == "" {
		return CommunicationRecord{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.communications {
		if raw, ok := rec.Metadata[key]; ok {
			if str, ok := raw.(string); ok && str == value {
				return *rec, true
			}
		}
	}
	return CommunicationRecord{}, false
}

func (s *Store) ListCommunications(caseID string) []CommunicationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CommunicationRecord, 0)
	for _, rec := range s.communications {
		if caseID == "" || rec.CaseID == caseID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) CreateSession(sess ExternalSession) (ExternalSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == "" {
		sess.ID = newRecordID("sess")
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now().UTC()
	}
	stored := sess
	s.sessions[stored.ID] = &stored
	if err := s.saveLocked(); err != nil {
		delete(s.sessions, stored.ID)
		return ExternalSession{}, err
	}
	return stored, nil
}

func (s *Store) GetSession(id string) (ExternalSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ExternalSession{}, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return *sess, nil
}

func (s *Store) FindSessionByConversationID(conversationID string) (ExternalSession, bool) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return ExternalSession{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.ConversationID == conversationID {
			return *sess, true
		}
	}
	return ExternalSession{}, false
}

func (s *Store) FindSessionByCallSID(callSID string) (ExternalSession, bool) {
	callSID = strings.TrimSpace(callSID)
	if callSID == "" {
		return ExternalSession{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.CallSID == callSID {
			return *sess, true
		}
	}
	return ExternalSession{}, false
}

// LinkSessionIdentifiers backfills whichever external identifier the session
// is missing. Once both are set a later event bearing either one resolves to
// the same row. Identifiers already set are never overwritten.
func (s *Store) LinkSessionIdentifiers(id, conversationID, callSID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if sess.ConversationID == "" && strings.TrimSpace(conversationID) != "" {
		sess.ConversationID = strings.TrimSpace(conversationID)
	}
	if sess.CallSID == "" && strings.TrimSpace(callSID) != "" {
		sess.CallSID = strings.TrimSpace(callSID)
	}
	return s.saveLocked()
}

func (s *Store) SetSessionOutcome(id, status, transcript string, analysis map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if status != "" {
		sess.Status = status
	}
	if transcript != "" {
		sess.Transcript = transcript
	}
	if analysis != nil {
		sess.Analysis = analysis
	}
	return s.saveLocked()
}

func (s *Store) CreateExecution(rec ExecutionRecord) (ExecutionRecord, error) {
	rec.CaseID = strings.TrimSpace(rec.CaseID)
	rec.WorkflowID = strings.TrimSpace(rec.WorkflowID)
	if rec.CaseID == "" || rec.WorkflowID == "" {
		return ExecutionRecord{}, ErrInvalidInput
	}
	if rec.Status == "" {
		rec.Status = ExecutionScheduled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = newRecordID("exec")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	stored := rec
	s.executions[stored.ID] = &stored
	if err := s.saveLocked(); err != nil {
		delete(s.executions, stored.ID)
		return ExecutionRecord{}, err
	}
	return stored, nil
}

func (s *Store) GetExecution(id string) (ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[id]
	if !ok {
		return ExecutionRecord{}, fmt.Errorf("%w: execution %s", ErrNotFound, id)
	}
	return *rec, nil
}

func (s *Store) FindExecutionByWorkflowID(workflowID string) (ExecutionRecord, bool) {
	workflowID = strings.TrimSpace(workflowID)
	if workflowID == "" {
		return ExecutionRecord{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.executions {
		if rec.WorkflowID == workflowID {
			return *rec, true
		}
	}
	return ExecutionRecord{}, false
}

// FindActiveExecutionForCase returns the most recently created open execution
// for a case. Used when an inbound event carries only a case association.
func (s *Store) FindActiveExecutionForCase(caseID string) (ExecutionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *ExecutionRecord
	for _, rec := range s.executions {
		if rec.CaseID != caseID || rec.Status.Terminal() {
			continue
		}
		if best == nil || rec.CreatedAt.After(best.CreatedAt) {
			best = rec
		}
	}
	if best == nil {
		return ExecutionRecord{}, false
	}
	return *best, true
}

func (s *Store) ListChildExecutions(parentWorkflowID string) []ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ExecutionRecord, 0)
	for _, rec := range s.executions {
		if rec.ParentWorkflowID == parentWorkflowID && parentWorkflowID != "" {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListOpenExecutions returns all rows still in a non-terminal state, the
// reconciler's working set.
func (s *Store) ListOpenExecutions() []ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ExecutionRecord, 0)
	for _, rec := range s.executions {
		if !rec.Status.Terminal() {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) MarkExecutionRunning(id, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[id]
	if !ok {
		return fmt.Errorf("%w: execution %s", ErrNotFound, id)
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("%w: execution %s is %s", ErrInvalidState, id, rec.Status)
	}
	rec.Status = ExecutionRunning
	if rec.RunID == "" && strings.TrimSpace(runID) != "" {
		rec.RunID = strings.TrimSpace(runID)
	}
	return s.saveLocked()
}

func (s *Store) SetExecutionPaused(id string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[id]
	if !ok {
		return fmt.Errorf("%w: execution %s", ErrNotFound, id)
	}
	rec.Paused = paused
	return s.saveLocked()
}

// FinishExecution applies a terminal transition together with any backfilled
// run id and a completion timestamp, in one write. Rows already terminal are
// left alone so a transition is applied at most once.
func (s *Store) FinishExecution(id string, status ExecutionStatus, runID, errText string, completedAt time.Time) (ExecutionRecord, error) {
	if !status.Terminal() {
		return ExecutionRecord{}, fmt.Errorf("%w: %s is not terminal", ErrInvalidInput, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[id]
	if !ok {
		return ExecutionRecord{}, fmt.Errorf("%w: execution %s", ErrNotFound, id)
	}
	if rec.Status.Terminal() {
		return *rec, fmt.Errorf("%w: execution %s already %s", ErrInvalidState, id, rec.Status)
	}
	rec.Status = status
	rec.Paused = false
	if rec.RunID == "" && strings.TrimSpace(runID) != "" {
		rec.RunID = strings.TrimSpace(runID)
	}
	if errText != "" {
		rec.Error = errText
	}
	ts := completedAt.UTC()
	rec.CompletedAt = &ts
	if err := s.saveLocked(); err != nil {
		return ExecutionRecord{}, err
	}
	return *rec, nil
}

// DeleteExecution removes the mirror row entirely. Operator action: the audit
// trail for the execution goes with it.
func (s *Store) DeleteExecution(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[id]; !ok {
		return fmt.Errorf("%w: execution %s", ErrNotFound, id)
	}
	delete(s.executions, id)
	return s.saveLocked()
}

func (s *Store) UpsertCase(rec CaseRecord) (CaseRecord, error) {
	if strings.TrimSpace(rec.ID) == "" {
		rec.ID = newRecordID("case")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		if existing, ok := s.cases[rec.ID]; ok {
			rec.CreatedAt = existing.CreatedAt
		} else {
			rec.CreatedAt = s.now().UTC()
		}
	}
	stored := rec
	s.cases[stored.ID] = &stored
	if err := s.saveLocked(); err != nil {
		return CaseRecord{}, err
	}
	return stored, nil
}

func (s *Store) GetCase(id string) (CaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cases[id]
	if !ok {
		return CaseRecord{}, fmt.Errorf("%w: case %s", ErrNotFound, id)
	}
	return *rec, nil
}

// FindCasesByPhone returns ids of cases whose stored phone matches any of the
// supplied representations. Store order is not defined, so when a number is
// shared between cases the result is ambiguous and callers take the first
// match. That mirrors the matching being a heuristic over an unnormalized
// column rather than a canonical lookup.
func (s *Store) FindCasesByPhone(variants []string, limit int) []string {
	if len(variants) == 0 {
		return nil
	}
	wanted := make(map[string]struct{}, len(variants))
	for _, v := range variants {
		if v = strings.TrimSpace(v); v != "" {
			wanted[v] = struct{}{}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0)
	for _, rec := range s.cases {
		if _, ok := wanted[rec.Phone]; ok {
			out = append(out, rec.ID)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}
