package caseplane

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type controllerHarness struct {
	store      *Store
	engine     *fakeEngine
	notifier   *recordingNotifier
	controller *ExecutionController
}

func newControllerHarness(t *testing.T, opts ControllerOptions) *controllerHarness {
	t.Helper()
	store := NewStore()
	t.Cleanup(func() { _ = store.Close() })
	engine := newFakeEngine()
	notifier := &recordingNotifier{}
	if opts.Notifier == nil {
		opts.Notifier = notifier
	}
	dispatcher := NewSignalDispatcher(store, engine, nil)
	return &controllerHarness{
		store:      store,
		engine:     engine,
		notifier:   notifier,
		controller: NewExecutionController(store, engine, dispatcher, opts),
	}
}

func TestStartRequiresCaseAndWorkflow(t *testing.T) {
	h := newControllerHarness(t, ControllerOptions{})

	_, err := h.controller.Start(context.Background(), StartExecutionRequest{WorkflowName: "outreach"})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.controller.Start(context.Background(), StartExecutionRequest{CaseID: "case-1"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestStartImmediateExecution(t *testing.T) {
	h := newControllerHarness(t, ControllerOptions{})

	rec, err := h.controller.Start(context.Background(), StartExecutionRequest{
		CaseID:       "case-1",
		WorkflowName: "outreach",
		Parameters:   map[string]any{"attempts": float64(3)},
	})
	require.NoError(t, err)
	require.Equal(t, ExecutionRunning, rec.Status)
	require.Equal(t, "run-1", rec.RunID)
	require.Contains(t, rec.WorkflowID, "outreach-")

	require.Len(t, h.engine.started, 1)
	require.Equal(t, rec.WorkflowID, h.engine.started[0].WorkflowID)
	require.Zero(t, h.engine.started[0].StartDelay)
}

func TestStartScheduledExecution(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	h := newControllerHarness(t, ControllerOptions{Now: func() time.Time { return base }})

	at := base.Add(45 * time.Minute)
	rec, err := h.controller.Start(context.Background(), StartExecutionRequest{
		CaseID:       "case-1",
		WorkflowName: "records-retrieval",
		ScheduledAt:  &at,
	})
	require.NoError(t, err)
	require.Equal(t, ExecutionScheduled, rec.Status)

	require.Len(t, h.engine.started, 1)
	require.Equal(t, 45*time.Minute, h.engine.started[0].StartDelay)
}

func TestStartEngineFailureMarksRowFailed(t *testing.T) {
	h := newControllerHarness(t, ControllerOptions{})
	h.engine.startErr = errors.New("engine rejected start")

	_, err := h.controller.Start(context.Background(), StartExecutionRequest{
		CaseID:       "case-1",
		WorkflowName: "outreach",
	})
	require.Error(t, err)

	// The mirror row was marked failed, so nothing is left open.
	require.Empty(t, h.store.ListOpenExecutions())
	_, ok := h.store.FindActiveExecutionForCase("case-1")
	require.False(t, ok)
}

func TestStartSchemaRejection(t *testing.T) {
	schemas := NewSchemaRegistry()
	require.NoError(t, schemas.Register("outreach", []byte(`{
		"type": "object",
		"required": ["phone"],
		"properties": {"phone": {"type": "string"}}
	}`)))
	h := newControllerHarness(t, ControllerOptions{Schemas: schemas})

	_, err := h.controller.Start(context.Background(), StartExecutionRequest{
		CaseID:       "case-1",
		WorkflowName: "outreach",
		Parameters:   map[string]any{"attempts": float64(3)},
	})
	require.ErrorIs(t, err, ErrInvalidInput)
	require.Empty(t, h.engine.started)

	rec, err := h.controller.Start(context.Background(), StartExecutionRequest{
		CaseID:       "case-1",
		WorkflowName: "outreach",
		Parameters:   map[string]any{"phone": "4155334125"},
	})
	require.NoError(t, err)
	require.Equal(t, ExecutionRunning, rec.Status)
}

func TestPauseCascadeToleratesChildFailure(t *testing.T) {
	h := newControllerHarness(t, ControllerOptions{})

	parent, err := h.store.CreateExecution(ExecutionRecord{CaseID: "case-1", WorkflowID: "wf-parent", Status: ExecutionRunning})
	require.NoError(t, err)
	childIDs := make([]string, 0, 3)
	for _, wf := range []string{"wf-child-1", "wf-child-2", "wf-child-3"} {
		child, err := h.store.CreateExecution(ExecutionRecord{
			CaseID:           "case-1",
			WorkflowID:       wf,
			ParentWorkflowID: "wf-parent",
			Status:           ExecutionRunning,
		})
		require.NoError(t, err)
		childIDs = append(childIDs, child.ID)
	}
	h.engine.signalErrByID["wf-child-2"] = errors.New("workflow already closed")

	result, err := h.controller.Pause(context.Background(), parent.ID)
	require.NoError(t, err)
	require.Equal(t, 2, result.Children)

	updatedParent, err := h.store.GetExecution(parent.ID)
	require.NoError(t, err)
	require.True(t, updatedParent.Paused)

	for i, id := range childIDs {
		child, err := h.store.GetExecution(id)
		require.NoError(t, err)
		if i == 1 {
			require.False(t, child.Paused)
		} else {
			require.True(t, child.Paused)
		}
	}
}

func TestResumeClearsPausedFlags(t *testing.T) {
	h := newControllerHarness(t, ControllerOptions{})

	parent, err := h.store.CreateExecution(ExecutionRecord{CaseID: "case-1", WorkflowID: "wf-parent", Status: ExecutionRunning, Paused: true})
	require.NoError(t, err)
	child, err := h.store.CreateExecution(ExecutionRecord{
		CaseID:           "case-1",
		WorkflowID:       "wf-child",
		ParentWorkflowID: "wf-parent",
		Status:           ExecutionRunning,
		Paused:           true,
	})
	require.NoError(t, err)

	result, err := h.controller.Resume(context.Background(), parent.ID)
	require.NoError(t, err)
	require.Equal(t, 1, result.Children)

	for _, id := range []string{parent.ID, child.ID} {
		rec, err := h.store.GetExecution(id)
		require.NoError(t, err)
		require.False(t, rec.Paused)
	}
	require.Equal(t, []string{"resume", "resume"}, h.engine.signalNames())
}

func TestCascadeSkipsNonRunningChildren(t *testing.T) {
	h := newControllerHarness(t, ControllerOptions{})

	parent, err := h.store.CreateExecution(ExecutionRecord{CaseID: "case-1", WorkflowID: "wf-parent", Status: ExecutionRunning})
	require.NoError(t, err)
	done, err := h.store.CreateExecution(ExecutionRecord{
		CaseID:           "case-1",
		WorkflowID:       "wf-done",
		ParentWorkflowID: "wf-parent",
		Status:           ExecutionRunning,
	})
	require.NoError(t, err)
	_, err = h.store.FinishExecution(done.ID, ExecutionCompleted, "", "", time.Now())
	require.NoError(t, err)

	result, err := h.controller.Pause(context.Background(), parent.ID)
	require.NoError(t, err)
	require.Zero(t, result.Children)
}

func TestTerminateIsIdempotent(t *testing.T) {
	h := newControllerHarness(t, ControllerOptions{})

	rec, err := h.store.CreateExecution(ExecutionRecord{CaseID: "case-1", WorkflowID: "wf-1", Status: ExecutionRunning})
	require.NoError(t, err)

	require.NoError(t, h.controller.Terminate(context.Background(), rec.ID, "operator request"))
	require.NoError(t, h.controller.Terminate(context.Background(), rec.ID, "operator request"))

	updated, err := h.store.GetExecution(rec.ID)
	require.NoError(t, err)
	require.Equal(t, ExecutionTerminated, updated.Status)
	require.Equal(t, "operator request", updated.Error)
	require.Len(t, h.notifier.all(), 1)
}

func TestTerminateToleratesEngineRefusal(t *testing.T) {
	h := newControllerHarness(t, ControllerOptions{})
	h.engine.terminateErr = errors.New("workflow already completed")

	rec, err := h.store.CreateExecution(ExecutionRecord{CaseID: "case-1", WorkflowID: "wf-1", Status: ExecutionRunning})
	require.NoError(t, err)

	require.NoError(t, h.controller.Terminate(context.Background(), rec.ID, ""))

	updated, err := h.store.GetExecution(rec.ID)
	require.NoError(t, err)
	require.Equal(t, ExecutionTerminated, updated.Status)
}

func TestDeleteTerminatesRunningExecutionFirst(t *testing.T) {
	h := newControllerHarness(t, ControllerOptions{})

	rec, err := h.store.CreateExecution(ExecutionRecord{CaseID: "case-1", WorkflowID: "wf-1", Status: ExecutionRunning})
	require.NoError(t, err)

	require.NoError(t, h.controller.Delete(context.Background(), rec.ID))
	require.Equal(t, []string{"wf-1"}, h.engine.terminated)

	_, err = h.store.GetExecution(rec.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSkipsTerminateForFinishedExecution(t *testing.T) {
	h := newControllerHarness(t, ControllerOptions{})

	rec, err := h.store.CreateExecution(ExecutionRecord{CaseID: "case-1", WorkflowID: "wf-1", Status: ExecutionRunning})
	require.NoError(t, err)
	_, err = h.store.FinishExecution(rec.ID, ExecutionCompleted, "", "", time.Now())
	require.NoError(t, err)

	require.NoError(t, h.controller.Delete(context.Background(), rec.ID))
	require.Empty(t, h.engine.terminated)
}

func TestSignalRequiresName(t *testing.T) {
	h := newControllerHarness(t, ControllerOptions{})

	rec, err := h.store.CreateExecution(ExecutionRecord{CaseID: "case-1", WorkflowID: "wf-1", Status: ExecutionRunning})
	require.NoError(t, err)

	_, err = h.controller.Signal(context.Background(), rec.ID, "  ", nil)
	require.ErrorIs(t, err, ErrInvalidInput)

	delivered, err := h.controller.Signal(context.Background(), rec.ID, "userResponse", map[string]any{"message": "ok"})
	require.NoError(t, err)
	require.True(t, delivered)
}

func TestRecordVerificationDecision(t *testing.T) {
	h := newControllerHarness(t, ControllerOptions{})
	_, err := h.store.CreateExecution(ExecutionRecord{CaseID: "case-1", WorkflowID: "wf-1", Status: ExecutionRunning})
	require.NoError(t, err)

	delivered, err := h.controller.RecordVerificationDecision(context.Background(), "case-1", "ver-1", true, map[string]any{"fax": "4155550000"}, "")
	require.NoError(t, err)
	require.True(t, delivered)

	require.Len(t, h.engine.signals, 1)
	call := h.engine.signals[0]
	require.Equal(t, "verificationComplete", call.Name)
	require.Equal(t, true, call.Payload["approved"])
	require.Equal(t, "4155550000", call.Payload["fax"])
	require.Equal(t, "unknown", call.Payload["verifiedBy"])

	delivered, err = h.controller.RecordVerificationDecision(context.Background(), "case-1", "ver-2", false, nil, "number disconnected")
	require.NoError(t, err)
	require.True(t, delivered)
	require.Equal(t, "number disconnected", h.engine.signals[1].Payload["rejectionReason"])

	_, err = h.controller.RecordVerificationDecision(context.Background(), "", "ver-3", true, nil, "")
	require.ErrorIs(t, err, ErrInvalidInput)
}
