package caseplane

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestReconciler(store *Store, engine EngineClient, notifier Notifier) *ExecutionReconciler {
	return NewExecutionReconciler(store, engine, notifier, ReconcilerOptions{
		Now: func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
}

func TestSweepAppliesFailedTransitionOnce(t *testing.T) {
	store := NewStore()
	t.Cleanup(func() { _ = store.Close() })
	engine := newFakeEngine()
	notifier := &recordingNotifier{}
	reconciler := newTestReconciler(store, engine, notifier)

	rec, err := store.CreateExecution(ExecutionRecord{CaseID: "case-1", WorkflowID: "wf-1", Status: ExecutionRunning})
	require.NoError(t, err)
	engine.descriptions["wf-1"] = EngineExecution{Status: EngineStatusFailed, RunID: "R123"}
	engine.results["wf-1"] = map[string]any{"error": "activity timed out"}

	reconciler.RunSweep(context.Background())

	updated, err := store.GetExecution(rec.ID)
	require.NoError(t, err)
	require.Equal(t, ExecutionFailed, updated.Status)
	require.Equal(t, "R123", updated.RunID)
	require.Equal(t, "activity timed out", updated.Error)
	require.NotNil(t, updated.CompletedAt)

	changes := notifier.all()
	require.Len(t, changes, 1)
	require.Equal(t, rec.ID, changes[0].ExecutionID)
	require.Equal(t, ExecutionFailed, changes[0].Status)

	// The row is terminal now; a second sweep leaves it alone.
	reconciler.RunSweep(context.Background())
	require.Len(t, notifier.all(), 1)
}

func TestSweepIsolatesRowFailures(t *testing.T) {
	store := NewStore()
	t.Cleanup(func() { _ = store.Close() })
	engine := newFakeEngine()
	notifier := &recordingNotifier{}
	reconciler := newTestReconciler(store, engine, notifier)

	_, err := store.CreateExecution(ExecutionRecord{CaseID: "case-1", WorkflowID: "wf-broken", Status: ExecutionRunning})
	require.NoError(t, err)
	healthy, err := store.CreateExecution(ExecutionRecord{CaseID: "case-1", WorkflowID: "wf-healthy", Status: ExecutionRunning})
	require.NoError(t, err)

	engine.describeErr["wf-broken"] = errors.New("engine 500")
	engine.descriptions["wf-healthy"] = EngineExecution{Status: EngineStatusCompleted, RunID: "R200"}

	reconciler.RunSweep(context.Background())

	updated, err := store.GetExecution(healthy.ID)
	require.NoError(t, err)
	require.Equal(t, ExecutionCompleted, updated.Status)
	require.Len(t, notifier.all(), 1)
}

func TestSweepBackfillsRunningState(t *testing.T) {
	store := NewStore()
	t.Cleanup(func() { _ = store.Close() })
	engine := newFakeEngine()
	notifier := &recordingNotifier{}
	reconciler := newTestReconciler(store, engine, notifier)

	rec, err := store.CreateExecution(ExecutionRecord{CaseID: "case-1", WorkflowID: "wf-sched", Status: ExecutionScheduled})
	require.NoError(t, err)
	engine.descriptions["wf-sched"] = EngineExecution{Status: EngineStatusRunning, RunID: "R300"}

	reconciler.RunSweep(context.Background())

	updated, err := store.GetExecution(rec.ID)
	require.NoError(t, err)
	require.Equal(t, ExecutionRunning, updated.Status)
	require.Equal(t, "R300", updated.RunID)
	// Running is not a transition worth announcing.
	require.Empty(t, notifier.all())
}

func TestSweepUsesResultErrorAsFailureCause(t *testing.T) {
	store := NewStore()
	t.Cleanup(func() { _ = store.Close() })
	engine := newFakeEngine()
	reconciler := newTestReconciler(store, engine, &recordingNotifier{})

	rec, err := store.CreateExecution(ExecutionRecord{CaseID: "case-1", WorkflowID: "wf-1", Status: ExecutionRunning})
	require.NoError(t, err)
	engine.descriptions["wf-1"] = EngineExecution{Status: EngineStatusTimedOut, RunID: "R400"}
	engine.resultErr["wf-1"] = errors.New("result fetch refused")

	reconciler.RunSweep(context.Background())

	updated, err := store.GetExecution(rec.ID)
	require.NoError(t, err)
	require.Equal(t, ExecutionFailed, updated.Status)
	require.Equal(t, "result fetch refused", updated.Error)
}

func TestSweepMapsTerminatedStatuses(t *testing.T) {
	store := NewStore()
	t.Cleanup(func() { _ = store.Close() })
	engine := newFakeEngine()
	reconciler := newTestReconciler(store, engine, nil)

	terminated, err := store.CreateExecution(ExecutionRecord{CaseID: "case-1", WorkflowID: "wf-term", Status: ExecutionRunning})
	require.NoError(t, err)
	canceled, err := store.CreateExecution(ExecutionRecord{CaseID: "case-1", WorkflowID: "wf-cancel", Status: ExecutionRunning})
	require.NoError(t, err)
	engine.descriptions["wf-term"] = EngineExecution{Status: EngineStatusTerminated}
	engine.descriptions["wf-cancel"] = EngineExecution{Status: EngineStatusCanceled}

	reconciler.RunSweep(context.Background())

	for _, id := range []string{terminated.ID, canceled.ID} {
		updated, err := store.GetExecution(id)
		require.NoError(t, err)
		require.Equal(t, ExecutionTerminated, updated.Status)
	}
}

func TestStopWithoutStartReturnsImmediately(t *testing.T) {
	store := NewStore()
	t.Cleanup(func() { _ = store.Close() })
	reconciler := newTestReconciler(store, newFakeEngine(), nil)

	done := make(chan struct{})
	go func() {
		reconciler.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked without a running loop")
	}
}
