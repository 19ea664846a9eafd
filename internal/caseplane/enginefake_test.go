package caseplane

import (
	"context"
	"sync"
)

type signalCall struct {
	WorkflowID string
	Name       string
	Payload    map[string]any
}

// fakeEngine is the in-memory EngineClient used across the package tests.
type fakeEngine struct {
	mu sync.Mutex

	startRunID string
	startErr   error
	started    []EngineStartRequest

	descriptions map[string]EngineExecution
	describeErr  map[string]error

	signalErr     error
	signalErrByID map[string]error
	signals       []signalCall
	terminateErr  error
	terminated    []string
	results       map[string]map[string]any
	resultErr     map[string]error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		startRunID:    "run-1",
		descriptions:  map[string]EngineExecution{},
		describeErr:   map[string]error{},
		signalErrByID: map[string]error{},
		results:       map[string]map[string]any{},
		resultErr:     map[string]error{},
	}
}

func (f *fakeEngine) StartExecution(ctx context.Context, req EngineStartRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, req)
	return f.startRunID, nil
}

func (f *fakeEngine) DescribeExecution(ctx context.Context, workflowID string) (EngineExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.describeErr[workflowID]; ok && err != nil {
		return EngineExecution{}, err
	}
	if desc, ok := f.descriptions[workflowID]; ok {
		return desc, nil
	}
	return EngineExecution{}, ErrExecutionNotFound
}

func (f *fakeEngine) SignalExecution(ctx context.Context, workflowID, name string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.signalErrByID[workflowID]; ok && err != nil {
		return err
	}
	if f.signalErr != nil {
		return f.signalErr
	}
	f.signals = append(f.signals, signalCall{WorkflowID: workflowID, Name: name, Payload: payload})
	return nil
}

func (f *fakeEngine) TerminateExecution(ctx context.Context, workflowID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminateErr != nil {
		return f.terminateErr
	}
	f.terminated = append(f.terminated, workflowID)
	return nil
}

func (f *fakeEngine) GetResult(ctx context.Context, workflowID string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.resultErr[workflowID]; ok && err != nil {
		return nil, err
	}
	return f.results[workflowID], nil
}

func (f *fakeEngine) signalNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.signals))
	for _, call := range f.signals {
		names = append(names, call.Name)
	}
	return names
}

// recordingNotifier captures published status changes for assertions.
type recordingNotifier struct {
	mu      sync.Mutex
	changes []ExecutionStatusChange
}

func (n *recordingNotifier) PublishExecutionStatus(change ExecutionStatusChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, change)
}

func (n *recordingNotifier) all() []ExecutionStatusChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]ExecutionStatusChange, len(n.changes))
	copy(out, n.changes)
	return out
}
