package caseplane

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

type StartExecutionRequest struct {
	CaseID           string         `json:"caseId"`
	WorkflowName     string         `json:"workflowName"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	ScheduledAt      *time.Time     `json:"scheduledAt,omitempty"`
	ProviderID       string         `json:"providerId,omitempty"`
	ParentWorkflowID string         `json:"parentWorkflowId,omitempty"`
}

type CascadeResult struct {
	Children int `json:"children"`
}

type ExecutionStatusView struct {
	Execution    ExecutionRecord `json:"execution"`
	EngineStatus EngineStatus    `json:"engineStatus,omitempty"`
}

// ExecutionController serves the operator-facing control surface: starting
// executions and propagating pause/resume/terminate through the execution
// hierarchy. Cascades tolerate per-child failure; a child the engine cannot
// reach is logged and skipped, never escalated.
type ExecutionController struct {
	store      *Store
	engine     EngineClient
	dispatcher *SignalDispatcher
	notifier   Notifier
	schemas    *SchemaRegistry
	logger     *slog.Logger
	now        func() time.Time
}

type ControllerOptions struct {
	Schemas  *SchemaRegistry
	Notifier Notifier
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewExecutionController(store *Store, engine EngineClient, dispatcher *SignalDispatcher, opts ControllerOptions) *ExecutionController {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &ExecutionController{
		store:      store,
		engine:     engine,
		dispatcher: dispatcher,
		notifier:   opts.Notifier,
		schemas:    opts.Schemas,
		logger:     logger,
		now:        now,
	}
}

// Start creates the mirror row and asks the engine to start the workflow,
// immediately or at the scheduled time. Engine start failure marks the row
// failed and is returned to the operator.
func (c *ExecutionController) Start(ctx context.Context, req StartExecutionRequest) (ExecutionRecord, error) {
	req.CaseID = strings.TrimSpace(req.CaseID)
	req.WorkflowName = strings.TrimSpace(req.WorkflowName)
	if req.CaseID == "" || req.WorkflowName == "" {
		return ExecutionRecord{}, fmt.Errorf("%w: caseId and workflowName are required", ErrInvalidInput)
	}
	if c.schemas != nil {
		if err := c.schemas.Validate(req.WorkflowName, req.Parameters); err != nil {
			return ExecutionRecord{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	var delay time.Duration
	status := ExecutionRunning
	if req.ScheduledAt != nil {
		if d := req.ScheduledAt.Sub(c.now()); d > 0 {
			delay = d
			status = ExecutionScheduled
		}
	}

	workflowID := req.WorkflowName + "-" + uuid.NewString()
	rec, err := c.store.CreateExecution(ExecutionRecord{
		CaseID:           req.CaseID,
		WorkflowName:     req.WorkflowName,
		WorkflowID:       workflowID,
		Status:           ExecutionScheduled,
		ParentWorkflowID: strings.TrimSpace(req.ParentWorkflowID),
		ProviderID:       strings.TrimSpace(req.ProviderID),
		Parameters:       req.Parameters,
	})
	if err != nil {
		return ExecutionRecord{}, err
	}

	runID, err := c.engine.StartExecution(ctx, EngineStartRequest{
		WorkflowID:   workflowID,
		WorkflowName: req.WorkflowName,
		Parameters:   req.Parameters,
		StartDelay:   delay,
	})
	if err != nil {
		if _, finishErr := c.store.FinishExecution(rec.ID, ExecutionFailed, "", err.Error(), c.now().UTC()); finishErr != nil {
			c.logger.Warn("failed to mark execution failed after start error",
				"executionId", rec.ID, "error", finishErr)
		}
		return ExecutionRecord{}, fmt.Errorf("engine start: %w", err)
	}
	if status == ExecutionRunning {
		if err := c.store.MarkExecutionRunning(rec.ID, runID); err != nil {
			return ExecutionRecord{}, err
		}
	}
	return c.store.GetExecution(rec.ID)
}

// Status returns the mirror row alongside the engine's live view, when the
// engine is reachable.
func (c *ExecutionController) Status(ctx context.Context, executionID string) (ExecutionStatusView, error) {
	rec, err := c.store.GetExecution(executionID)
	if err != nil {
		return ExecutionStatusView{}, err
	}
	view := ExecutionStatusView{Execution: rec}
	if desc, err := c.engine.DescribeExecution(ctx, rec.WorkflowID); err == nil {
		view.EngineStatus = desc.Status
	}
	return view, nil
}

func (c *ExecutionController) Children(executionID string) ([]ExecutionRecord, error) {
	rec, err := c.store.GetExecution(executionID)
	if err != nil {
		return nil, err
	}
	return c.store.ListChildExecutions(rec.WorkflowID), nil
}

// Signal delivers an arbitrary named signal to the execution. Delivery
// failure is reported, not raised, matching the dispatcher contract.
func (c *ExecutionController) Signal(ctx context.Context, executionID, name string, payload map[string]any) (bool, error) {
	rec, err := c.store.GetExecution(executionID)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(name) == "" {
		return false, fmt.Errorf("%w: signal name is required", ErrInvalidInput)
	}
	return c.dispatcher.Dispatch(ctx, SignalTarget{WorkflowID: rec.WorkflowID}, name, payload), nil
}

// Pause signals the execution to pause and cascades to its running children.
// The returned count reflects children actually paused.
func (c *ExecutionController) Pause(ctx context.Context, executionID string) (CascadeResult, error) {
	return c.cascade(ctx, executionID, "pause", true)
}

// Resume is the symmetric cascade.
func (c *ExecutionController) Resume(ctx context.Context, executionID string) (CascadeResult, error) {
	return c.cascade(ctx, executionID, "resume", false)
}

func (c *ExecutionController) cascade(ctx context.Context, executionID, verb string, paused bool) (CascadeResult, error) {
	rec, err := c.store.GetExecution(executionID)
	if err != nil {
		return CascadeResult{}, err
	}

	c.dispatcher.Dispatch(ctx, SignalTarget{WorkflowID: rec.WorkflowID}, verb, map[string]any{})
	if err := c.store.SetExecutionPaused(rec.ID, paused); err != nil {
		return CascadeResult{}, err
	}

	count := 0
	for _, child := range c.store.ListChildExecutions(rec.WorkflowID) {
		if child.Status != ExecutionRunning {
			continue
		}
		if !c.dispatcher.Dispatch(ctx, SignalTarget{WorkflowID: child.WorkflowID}, verb, map[string]any{}) {
			c.logger.Warn("child cascade signal failed",
				"verb", verb, "parentExecutionId", rec.ID, "childExecutionId", child.ID)
			continue
		}
		if err := c.store.SetExecutionPaused(child.ID, paused); err != nil {
			c.logger.Warn("child pause flag update failed",
				"childExecutionId", child.ID, "error", err)
			continue
		}
		count++
	}
	return CascadeResult{Children: count}, nil
}

// Terminate asks the engine to terminate and marks the mirror terminated. An
// engine refusal because the workflow already finished does not stop the
// mirror update; termination is idempotent from the operator's view.
func (c *ExecutionController) Terminate(ctx context.Context, executionID, reason string) error {
	rec, err := c.store.GetExecution(executionID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "terminated by operator"
	}
	if err := c.engine.TerminateExecution(ctx, rec.WorkflowID, reason); err != nil {
		c.logger.Warn("engine terminate failed, updating mirror anyway",
			"executionId", rec.ID, "workflowId", rec.WorkflowID, "error", err)
	}
	updated, err := c.store.FinishExecution(rec.ID, ExecutionTerminated, "", reason, c.now().UTC())
	if err != nil {
		// Already terminal: nothing left to do.
		if rec.Status.Terminal() {
			return nil
		}
		return err
	}
	if c.notifier != nil {
		c.notifier.PublishExecutionStatus(ExecutionStatusChange{
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

// Delete terminates the execution if still running, tolerating failure, then
// removes the mirror row. The audit trail goes with it; this is an explicit
// operator action.
func (c *ExecutionController) Delete(ctx context.Context, executionID string) error {
	rec, err := c.store.GetExecution(executionID)
	if err != nil {
		return err
	}
	if !rec.Status.Terminal() {
		if err := c.engine.TerminateExecution(ctx, rec.WorkflowID, "deleted by operator"); err != nil {
			c.logger.Warn("engine terminate before delete failed",
				"executionId", rec.ID, "workflowId", rec.WorkflowID, "error", err)
		}
	}
	return c.store.DeleteExecution(rec.ID)
}

// RecordVerificationDecision relays an operator's approve/reject decision for
// a verification as a verificationComplete signal. The acting identity is not
// plumbed through yet, so the actor is recorded as unknown.
func (c *ExecutionController) RecordVerificationDecision(ctx context.Context, caseID, verificationID string, approved bool, contactFields map[string]any, rejectionReason string) (bool, error) {
	if strings.TrimSpace(caseID) == "" || strings.TrimSpace(verificationID) == "" {
		return false, fmt.Errorf("%w: caseId and verificationId are required", ErrInvalidInput)
	}
	payload := map[string]any{
		"approved":       approved,
		"verificationId": verificationID,
		"verifiedBy":     "unknown",
	}
	if approved {
		for k, v := range contactFields {
			payload[k] = v
		}
	} else {
		payload["rejectionReason"] = rejectionReason
	}
	return c.dispatcher.Dispatch(ctx, SignalTarget{CaseID: caseID}, "verificationComplete", payload), nil
}
