package caseplane

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// SignalTarget identifies the execution a signal should reach. Exactly one
// field is usually set; resolution tries them in order of specificity.
type SignalTarget struct {
	WorkflowID  string
	ExecutionID string
	CaseID      string
}

// SignalDispatcher delivers named signals into running executions. It never
// lets an engine failure escape: webhook callers must get a fast, successful
// acknowledgment regardless of engine health, and the reconciler is the
// compensating mechanism when a signal is lost.
type SignalDispatcher struct {
	store   *Store
	engine  EngineClient
	logger  *slog.Logger
	timeout time.Duration
}

func NewSignalDispatcher(store *Store, engine EngineClient, logger *slog.Logger) *SignalDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalDispatcher{
		store:   store,
		engine:  engine,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// Dispatch resolves the target to an engine workflow id and attempts
// delivery. Returns whether the signal was delivered; all failure modes
// (unresolvable target, handle not found, workflow already terminal,
// connectivity) are logged and reported as false.
func (d *SignalDispatcher) Dispatch(ctx context.Context, target SignalTarget, name string, payload map[string]any) bool {
	workflowID := d.resolveWorkflowID(target)
	if workflowID == "" {
		d.logger.Debug("signal target unresolved, skipping engine contact",
			"signal", name,
			"executionId", target.ExecutionID,
			"caseId", target.CaseID)
		metricSignalsSkipped.Inc()
		return false
	}

	signalCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.engine.SignalExecution(signalCtx, workflowID, name, payload); err != nil {
		d.logger.Warn("signal delivery failed",
			"signal", name,
			"workflowId", workflowID,
			"error", err)
		metricSignalsFailed.WithLabelValues(name).Inc()
		return false
	}
	metricSignalsDelivered.WithLabelValues(name).Inc()
	return true
}

func (d *SignalDispatcher) resolveWorkflowID(target SignalTarget) string {
	if id := strings.TrimSpace(target.WorkflowID); id != "" {
		return id
	}
	if target.ExecutionID != "" {
		if rec, err := d.store.GetExecution(target.ExecutionID); err == nil {
			return rec.WorkflowID
		}
	}
	if target.CaseID != "" {
		if rec, ok := d.store.FindActiveExecutionForCase(target.CaseID); ok {
			return rec.WorkflowID
		}
	}
	return ""
}
