package caseplane

import (
	"sync"
	"time"
)

// ExecutionStatusChange is the realtime fan-out payload published whenever an
// execution's mirrored status changes.
type ExecutionStatusChange struct {
	ExecutionID string          `json:"executionId"`
	WorkflowID  string          `json:"workflowId"`
	CaseID      string          `json:"caseId"`
	Status      ExecutionStatus `json:"status"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Notifier publishes execution status changes on a per-case channel.
type Notifier interface {
	PublishExecutionStatus(change ExecutionStatusChange)
}

// NotifierHub is the in-process Notifier feeding websocket subscribers.
// Slow subscribers are dropped rather than blocking the publisher: the
// websocket stream is a convenience view, the store is the source of truth.
type NotifierHub struct {
	mu          sync.Mutex
	subscribers map[string]map[int]chan ExecutionStatusChange
	nextID      int
	buffer      int
}

func NewNotifierHub() *NotifierHub {
	return &NotifierHub{
		subscribers: map[string]map[int]chan ExecutionStatusChange{},
		buffer:      16,
	}
}

// Subscribe returns a channel of status changes scoped to one case and a
// cancel function that must be called when the subscriber goes away.
func (h *NotifierHub) Subscribe(caseID string) (<-chan ExecutionStatusChange, func()) {
	ch := make(chan ExecutionStatusChange, h.buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	subs, ok := h.subscribers[caseID]
	if !ok {
		subs = map[int]chan ExecutionStatusChange{}
		h.subscribers[caseID] = subs
	}
	subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if subs, ok := h.subscribers[caseID]; ok {
			if existing, ok := subs[id]; ok {
				delete(subs, id)
				close(existing)
			}
			if len(subs) == 0 {
				delete(h.subscribers, caseID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *NotifierHub) PublishExecutionStatus(change ExecutionStatusChange) {
	if h == nil || change.CaseID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subscribers[change.CaseID] {
		select {
		case ch <- change:
		default:
		}
	}
}
