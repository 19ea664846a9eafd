package caseplane

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultReconcileInterval = 2 * time.Second

type ReconcilerOptions struct {
	Interval time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// ExecutionReconciler keeps the mirror consistent with engine truth. It
// sweeps every open execution row on a fixed interval, backfills missing run
// ids, applies terminal transitions, and publishes one change notification
// per transition. A lost signal or a crashed webhook handler is eventually
// corrected here.
type ExecutionReconciler struct {
	store    *Store
	engine   EngineClient
	notifier Notifier
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

func NewExecutionReconciler(store *Store, engine EngineClient, notifier Notifier, opts ReconcilerOptions) *ExecutionReconciler {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &ExecutionReconciler{
		store:    store,
		engine:   engine,
		notifier: notifier,
		interval: interval,
		logger:   logger,
		now:      now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. Sweeps are serialized against each other by
// construction: one goroutine, one ticker.
func (r *ExecutionReconciler) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.started.Store(true)
		go r.loop(ctx)
	})
}

func (r *ExecutionReconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	if r.started.Load() {
		<-r.done
	}
}

func (r *ExecutionReconciler) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.RunSweep(ctx)
		}
	}
}

// RunSweep executes one reconciliation pass. Exported so tests and operators
// can drive a single deterministic sweep instead of waiting on the ticker.
func (r *ExecutionReconciler) RunSweep(ctx context.Context) {
	rows := r.store.ListOpenExecutions()
	for _, row := range rows {
		if err := r.reconcileRow(ctx, row); err != nil {
			// One bad row must not abort the sweep; it is retried next
			// interval.
			metricReconcileErrors.Inc()
			r.logger.Warn("execution reconcile failed",
				"executionId", row.ID, "workflowId", row.WorkflowID, "error", err)
		}
	}
	metricReconcileSweeps.Inc()
}

func (r *ExecutionReconciler) reconcileRow(ctx context.Context, row ExecutionRecord) error {
	desc, err := r.engine.DescribeExecution(ctx, row.WorkflowID)
	if err != nil {
		return fmt.Errorf("describe %s: %w", row.WorkflowID, err)
	}

	if desc.Status == EngineStatusRunning {
		if row.Status == ExecutionScheduled || (row.RunID == "" && desc.RunID != "") {
			if err := r.store.MarkExecutionRunning(row.ID, desc.RunID); err != nil {
				return err
			}
		}
		return nil
	}

	status, ok := mapEngineStatus(desc.Status)
	if !ok {
		r.logger.Warn("engine reported unknown status",
			"workflowId", row.WorkflowID, "engineStatus", string(desc.Status))
		return nil
	}

	errText := ""
	if status == ExecutionFailed || status == ExecutionTerminated {
		errText = r.failureCause(ctx, row.WorkflowID)
	}

	completedAt := r.now().UTC()
	updated, err := r.store.FinishExecution(row.ID, status, desc.RunID, errText, completedAt)
	if err != nil {
		return err
	}
	metricReconcileTransitions.WithLabelValues(string(status)).Inc()
	r.logger.Info("execution transitioned",
		"executionId", updated.ID,
		"workflowId", updated.WorkflowID,
		"status", string(status))

	if r.notifier != nil {
		r.notifier.PublishExecutionStatus(ExecutionStatusChange{
			ExecutionID: updated.ID,
			WorkflowID:  updated.WorkflowID,
			CaseID:      updated.CaseID,
			Status:      updated.Status,
			CompletedAt: updated.CompletedAt,
			Error:       updated.Error,
		})
	}
	return nil
}

// failureCause pulls a human-readable cause out of the engine's result. When
// result retrieval itself fails, that error's message is the cause.
func (r *ExecutionReconciler) failureCause(ctx context.Context, workflowID string) string {
	result, err := r.engine.GetResult(ctx, workflowID)
	if err != nil {
		return err.Error()
	}
	if cause := firstString(result, "error", "failure", "message", "reason"); cause != "" {
		return cause
	}
	return ""
}

func mapEngineStatus(status EngineStatus) (ExecutionStatus, bool) {
	switch status {
	case EngineStatusCompleted:
		return ExecutionCompleted, true
	case EngineStatusFailed, EngineStatusTimedOut:
		return ExecutionFailed, true
	case EngineStatusTerminated, EngineStatusCanceled:
		return ExecutionTerminated, true
	default:
		return "", false
	}
}
