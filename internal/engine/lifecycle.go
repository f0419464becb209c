package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/qflow-run/qflow/internal/bus"
	"github.com/qflow-run/qflow/internal/cryptoutil"
	"github.com/qflow-run/qflow/internal/metrics"
	"github.com/qflow-run/qflow/internal/qerrors"

	domexec "github.com/qflow-run/qflow/internal/domain/execution"
)

// StartExecution registers a new execution of flowID's latest version and
// begins dispatching its entry steps. Fails with FLOW_NOT_FOUND if flowID
// has no registered version (spec §4.2).
func (e *Engine) StartExecution(ctx context.Context, flowID string, execCtx domexec.Context) (string, error) {
	f, ok := e.latestFlow(flowID)
	if !ok {
		return "", qerrors.New(qerrors.KindFlowNotFound, "flow not registered: "+flowID)
	}

	exec := domexec.New(uuid.NewString(), f.ID, f.Version, execCtx)
	exec.Status = domexec.StatusRunning

	st := &execState{
		exec:       exec,
		flow:       f,
		dispatched: make(map[string]bool),
		running:    make(map[string]*runningStep),
		attempts:   make(map[string]int),
		infraTries: make(map[string]int),
	}

	e.execMu.Lock()
	e.executions[exec.ID] = st
	e.execMu.Unlock()
	metrics.SetActiveExecutions(len(e.ListRunning()))

	if e.ledger != nil {
		digest, err := cryptoutil.DigestHex(execCtx)
		if err != nil {
			return "", qerrors.Wrap(qerrors.KindLedgerIntegrity, "digest execution context", err)
		}
		if _, err := e.ledger.AppendRecord(ctx, exec.ID, "", digest, execCtx.TriggeringPrincipal); err != nil {
			return "", err
		}
	}

	e.publish(ctx, bus.TopicExecStarted, execCtx.TriggeringPrincipal, exec.Clone())
	e.advance(ctx, st)
	return exec.ID, nil
}

// PauseExecution transitions executionID from running to paused. Pending
// dispatches stay queued and resume unchanged (spec §4.2).
func (e *Engine) PauseExecution(executionID string) error {
	st, err := e.stateFor(executionID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.exec.Status != domexec.StatusRunning {
		return qerrors.New(qerrors.KindInvalidTransition, "pauseExecution requires status=running")
	}
	st.exec.Status = domexec.StatusPaused
	return nil
}

// ResumeExecution transitions executionID from paused back to running and
// re-evaluates the ready set (spec §4.2).
func (e *Engine) ResumeExecution(ctx context.Context, executionID string) error {
	st, err := e.stateFor(executionID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	if st.exec.Status != domexec.StatusPaused {
		st.mu.Unlock()
		return qerrors.New(qerrors.KindInvalidTransition, "resumeExecution requires status=paused")
	}
	st.exec.Status = domexec.StatusRunning
	st.mu.Unlock()

	e.advance(ctx, st)
	return nil
}

// AbortExecution transitions executionID to aborted from any of
// {pending, running, paused}, cooperatively cancelling every running step's
// context and recording EndTime (spec §4.2, property P10).
func (e *Engine) AbortExecution(ctx context.Context, executionID string) error {
	st, err := e.stateFor(executionID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	switch st.exec.Status {
	case domexec.StatusPending, domexec.StatusRunning, domexec.StatusPaused:
	default:
		st.mu.Unlock()
		return qerrors.New(qerrors.KindInvalidTransition, "abortExecution requires a non-terminal status")
	}
	st.exec.Status = domexec.StatusAborted
	st.exec.CurrentStep = ""
	st.exec.EndTime = time.Now().UTC()
	running := make([]*runningStep, 0, len(st.running))
	for _, r := range st.running {
		running = append(running, r)
	}
	st.mu.Unlock()

	for _, r := range running {
		if r.cancel != nil {
			r.cancel()
		}
	}
	e.publish(ctx, bus.TopicExecCompleted, "", st.exec.Clone())
	metrics.SetActiveExecutions(len(e.ListRunning()))
	return nil
}

func (e *Engine) stateFor(executionID string) (*execState, error) {
	e.execMu.RLock()
	st, ok := e.executions[executionID]
	e.execMu.RUnlock()
	if !ok {
		return nil, qerrors.New(qerrors.KindExecutionNotFound, "unknown execution: "+executionID)
	}
	return st, nil
}

func (e *Engine) publish(ctx context.Context, topic bus.Topic, actor string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, bus.NewEvent(topic, "engine", actor, data))
}
