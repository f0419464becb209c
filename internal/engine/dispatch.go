package engine

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/qflow-run/qflow/internal/bus"
	"github.com/qflow-run/qflow/internal/cryptoutil"
	"github.com/qflow-run/qflow/internal/metrics"
	"github.com/qflow-run/qflow/internal/qerrors"
	domvalidation "github.com/qflow-run/qflow/internal/domain/validation"

	domexec "github.com/qflow-run/qflow/internal/domain/execution"
	domflow "github.com/qflow-run/qflow/internal/domain/flow"
)

// advance computes st's current ready set, dispatches a conflict-free batch
// up to the engine's max parallelism (less whatever is already running),
// and checks for overall completion if nothing is ready or running
// (spec §4.2).
func (e *Engine) advance(ctx context.Context, st *execState) {
	st.mu.Lock()
	if st.exec.Status != domexec.StatusRunning {
		st.mu.Unlock()
		return
	}
	runningCount := len(st.running)
	budget := e.MaxParallelism() - runningCount
	ready := readySet(st.flow, st.exec, st.dispatched)
	priority := st.exec.Context.Priority
	execID := st.exec.ID
	st.mu.Unlock()

	if budget <= 0 {
		return
	}
	batch := selectDispatchBatch(ready, budget)

	for _, step := range batch {
		if e.admission != nil {
			if ok, reason := e.admission.Admit(execID, step.ID, priority, step.Resources); !ok {
				e.log.WithField("stepId", step.ID).WithField("reason", reason).Debug("dispatch held back by admission gate")
				continue
			}
		}
		st.mu.Lock()
		st.dispatched[step.ID] = true
		// Pre-register a placeholder before the goroutine starts so
		// checkCompletion (which may run immediately after, in the same
		// call) never observes this step as neither running nor terminal.
		st.running[step.ID] = &runningStep{}
		st.mu.Unlock()
		go e.dispatchStep(ctx, st, step)
	}

	e.checkCompletion(ctx, st)
}

// AdvancePending re-evaluates the ready set for every live execution. An
// admission-gate denial leaves a step ready but undispatched with nothing
// else running to trigger a later re-check, so Adaptive Control calls this
// after lifting backpressure (a degradation de-escalation, a burn-rate drop)
// to let gated steps redispatch (spec §5).
func (e *Engine) AdvancePending(ctx context.Context) {
	e.execMu.RLock()
	states := make([]*execState, 0, len(e.executions))
	for _, st := range e.executions {
		states = append(states, st)
	}
	e.execMu.RUnlock()
	for _, st := range states {
		e.advance(ctx, st)
	}
}

// checkCompletion marks st's execution completed/failed once every step has
// reached a terminal per-step status and none remain ready or running.
func (e *Engine) checkCompletion(ctx context.Context, st *execState) {
	st.mu.Lock()
	if st.exec.Status != domexec.StatusRunning {
		st.mu.Unlock()
		return
	}
	if len(st.running) > 0 {
		st.mu.Unlock()
		return
	}
	ready := readySet(st.flow, st.exec, st.dispatched)
	if len(ready) > 0 {
		st.mu.Unlock()
		return
	}
	done := len(st.exec.CompletedSteps)+len(st.exec.FailedSteps) >= len(st.flow.Steps)
	if !done {
		st.mu.Unlock()
		return
	}
	status := domexec.StatusCompleted
	if len(st.exec.FailedSteps) > 0 {
		status = domexec.StatusFailed
	}
	st.exec.Status = status
	st.exec.CurrentStep = ""
	st.exec.EndTime = time.Now().UTC()
	snapshot := st.exec.Clone()
	st.mu.Unlock()

	e.publish(ctx, bus.TopicExecCompleted, "", snapshot)
	metrics.SetActiveExecutions(len(e.ListRunning()))
}

// dispatchStep runs step end to end: validation gate, node selection,
// param resolution, execution, retry-on-failure, ledger recording and graph
// advancement.
func (e *Engine) dispatchStep(ctx context.Context, st *execState, step domflow.Step) {
	e.dispatchStepOn(ctx, st, step, "")
}

// dispatchStepOn is dispatchStep with an optional pinned node: a takeover
// redispatch must run under the node identity its reassignment record
// already committed to the ledger, not whatever the selector would pick.
func (e *Engine) dispatchStepOn(ctx context.Context, st *execState, step domflow.Step, pinnedNode string) {
	st.mu.Lock()
	if st.exec.Status != domexec.StatusRunning {
		// Aborted or paused after this dispatch was queued (a retry timer, a
		// takeover redispatch): leave the step pending so a later resume's
		// advance() can pick it back up.
		st.dispatched[step.ID] = false
		delete(st.running, step.ID)
		st.mu.Unlock()
		return
	}
	execCtx := st.exec.Context
	execID := st.exec.ID
	principal := execCtx.TriggeringPrincipal
	st.mu.Unlock()

	if e.pipeline != nil {
		stepDigest, _ := cryptoutil.DigestHex(map[string]any{
			"stepId": step.ID, "type": string(step.Type), "action": step.Action, "params": step.Params,
		})
		req := domvalidation.Request{
			Operation: "step.dispatch",
			ExecID:    execID,
			StepID:    step.ID,
			Principal: principal,
			DAOSubnet: execCtx.DAOSubnet,
			Data:      map[string]any{"stepId": step.ID, "type": string(step.Type), "action": step.Action, "payloadDigest": stepDigest},
		}
		if report := e.pipeline.Validate(ctx, req); report.OverallStatus == domvalidation.StatusFailed {
			e.failStep(ctx, st, step, qerrors.New(qerrors.KindCapabilityDenied, "dispatch denied by validation pipeline"), false)
			return
		}
	}

	nodeID := e.nodeID
	if pinnedNode != "" {
		nodeID = pinnedNode
	} else if e.selector != nil {
		selected, err := e.selector.Select(ctx, step.CapabilityTags, execCtx.DAOSubnet)
		if err != nil {
			e.retryInfra(ctx, st, step, err)
			return
		}
		nodeID = selected
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = domflow.DefaultTimeout
	}
	gen := atomic.AddUint64(&e.genCounter, 1)
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	st.mu.Lock()
	// Re-check under the lock: an abort that ran while this dispatch was in
	// the validation/selection phase only saw the cancel-less placeholder, so
	// starting the step now would leave it running with nothing to cancel it.
	if st.exec.Status != domexec.StatusRunning {
		st.dispatched[step.ID] = false
		delete(st.running, step.ID)
		st.mu.Unlock()
		cancel()
		return
	}
	st.running[step.ID] = &runningStep{cancel: cancel, nodeID: nodeID, heartbeat: time.Now(), gen: gen}
	st.exec.CurrentStep = step.ID
	st.exec.NodeAssignments[step.ID] = nodeID
	st.mu.Unlock()
	go e.heartbeatStep(stepCtx, st, step.ID)

	e.publish(ctx, bus.TopicExecStepDispatched, principal, map[string]any{"execId": execID, "stepId": step.ID, "nodeId": nodeID})

	start := time.Now()
	st.mu.Lock()
	input, perr := resolveParams(step.Params, st.exec)
	st.mu.Unlock()

	var result map[string]any
	var outcome Outcome
	var err error
	if perr != nil {
		err = perr
		outcome = OutcomeFailure
	} else {
		if _, reserved := input["executionId"]; !reserved {
			input["executionId"] = execID
		}
		result, outcome, err = e.runner.Run(stepCtx, step, input)
	}
	latency := time.Since(start)
	cancel()

	stepOutcome := "success"
	if err != nil || outcome == OutcomeFailure {
		stepOutcome = "failure"
	}
	metrics.RecordStepExecution(stepOutcome, latency)

	// Deliberately not deleted from st.running here: a retry keeps the step
	// "in flight" from checkCompletion's point of view until completeStep or
	// failStep's terminal path removes it; a rescheduled retry keeps the
	// placeholder alive for the same reason.
	if e.selector != nil {
		e.selector.RecordResult(nodeID, latency, err)
	}

	st.mu.Lock()
	rs, present := st.running[step.ID]
	owner := present && rs.gen == gen
	st.mu.Unlock()
	if !owner {
		// A takeover replaced this assignment while the step was cancelled
		// out from under us; the new owner drives the step from here, so
		// recording or retrying on its behalf would double-run it.
		return
	}

	if err != nil && qerrors.IsInfrastructureFault(err) {
		e.retryInfra(ctx, st, step, err)
		return
	}

	if err != nil || outcome == OutcomeFailure {
		e.retryOrFail(ctx, st, step, err)
		return
	}

	e.completeStep(ctx, st, step, result)
}

// retryInfra retries a dispatch-time infrastructure fault (no eligible node,
// etc.) up to the engine's infra-retry budget, independent of the step's
// business RetryPolicy (spec §4.2).
func (e *Engine) retryInfra(ctx context.Context, st *execState, step domflow.Step, cause error) {
	st.mu.Lock()
	st.infraTries[step.ID]++
	tries := st.infraTries[step.ID]
	st.mu.Unlock()

	if tries > e.maxInfraRetries {
		e.failStep(ctx, st, step, cause, false)
		return
	}
	e.parkForRetry(st, step.ID)
	delay := backoffDelay(time.Second, 0.2, tries)
	time.AfterFunc(delay, func() { e.dispatchStep(ctx, st, step) })
}

// parkForRetry marks a step's running entry as waiting out a retry backoff:
// the entry stays (so checkCompletion keeps treating the step as in flight)
// but its cancel is cleared, which also exempts it from orphan takeover —
// its heartbeat goroutine died with the previous attempt's context, and a
// step waiting on a timer is not an orphan.
func (e *Engine) parkForRetry(st *execState, stepID string) {
	st.mu.Lock()
	if rs, ok := st.running[stepID]; ok {
		rs.cancel = nil
	}
	st.mu.Unlock()
}

// retryOrFail applies step's business RetryPolicy, retrying with
// exponential backoff and jitter until MaxAttempts is exhausted, at which
// point the step fails (spec §3 RetryPolicy, §4.2).
func (e *Engine) retryOrFail(ctx context.Context, st *execState, step domflow.Step, cause error) {
	st.mu.Lock()
	st.attempts[step.ID]++
	attempt := st.attempts[step.ID]
	st.mu.Unlock()

	policy := step.Retry
	if policy.MaxAttempts <= 0 {
		policy = domflow.DefaultRetryPolicy()
	}
	if attempt < policy.MaxAttempts {
		delay := backoffDelay(policy.BackoffBase, policy.BackoffJitter, attempt)
		// dispatched stays true through the wait so a concurrent advance()
		// (another branch completing, backpressure lifting) cannot start a
		// second attempt alongside the timer's.
		e.parkForRetry(st, step.ID)
		time.AfterFunc(delay, func() { e.dispatchStep(ctx, st, step) })
		return
	}
	e.failStep(ctx, st, step, cause, true)
}

func backoffDelay(base time.Duration, jitter float64, attempt int) time.Duration {
	mult := time.Duration(1)
	for i := 1; i < attempt; i++ {
		mult *= 2
	}
	d := base * mult
	if jitter > 0 {
		spread := float64(d) * jitter
		d = d + time.Duration(spread*(rand.Float64()*2-1))
	}
	if d < 0 {
		d = 0
	}
	return d
}

// completeStep records step's success, advances the graph, and dispatches
// its onSuccess/onFailure-eligible successors.
func (e *Engine) completeStep(ctx context.Context, st *execState, step domflow.Step, result map[string]any) {
	st.mu.Lock()
	if st.exec.Status == domexec.StatusAborted {
		delete(st.running, step.ID)
		st.mu.Unlock()
		return
	}
	digest, _ := cryptoutil.DigestHex(result)
	st.exec.CompletedSteps = append(st.exec.CompletedSteps, step.ID)
	st.exec.StepResults[step.ID] = domexec.StepResult{StepID: step.ID, Result: result, ResultDigest: digest, CompletedAt: time.Now().UTC()}
	delete(st.running, step.ID)
	execID := st.exec.ID
	actor := st.exec.Context.TriggeringPrincipal
	st.mu.Unlock()

	if e.ledger != nil {
		_, err := e.ledger.AppendRecord(ctx, execID, step.ID, digest, actor)
		if err != nil {
			e.log.WithError(err).WithField("stepId", step.ID).Warn("ledger append failed for completed step")
		}
	}
	e.publish(ctx, bus.TopicExecStepCompleted, actor, map[string]any{"execId": execID, "stepId": step.ID, "failed": false})
	e.advance(ctx, st)
}

// failStep records step's failure, takes its onFailure successors if any
// exist (exhaustedRetry distinguishes "retries exhausted" logging from an
// outright denial), and otherwise fails the whole execution unless the
// configured failure strategy is continue-on-error.
func (e *Engine) failStep(ctx context.Context, st *execState, step domflow.Step, cause error, exhaustedRetry bool) {
	st.mu.Lock()
	if st.exec.Status == domexec.StatusAborted {
		delete(st.running, step.ID)
		st.mu.Unlock()
		return
	}
	st.exec.FailedSteps = append(st.exec.FailedSteps, step.ID)
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	digest, _ := cryptoutil.DigestHex(map[string]any{"error": errMsg})
	st.exec.StepResults[step.ID] = domexec.StepResult{StepID: step.ID, Error: errMsg, ResultDigest: digest, CompletedAt: time.Now().UTC()}
	delete(st.running, step.ID)
	execID := st.exec.ID
	actor := st.exec.Context.TriggeringPrincipal
	hasFailureTarget := len(step.OnFailure) > 0
	strategy := e.failureStrategy
	st.mu.Unlock()

	if e.ledger != nil {
		if _, err := e.ledger.AppendRecord(ctx, execID, step.ID, digest, actor); err != nil {
			e.log.WithError(err).WithField("stepId", step.ID).Warn("ledger append failed for failed step")
		}
	}
	e.publish(ctx, bus.TopicExecStepCompleted, actor, map[string]any{"execId": execID, "stepId": step.ID, "failed": true})

	if !hasFailureTarget && strategy == domflow.FailureStrategyFailFast {
		st.mu.Lock()
		if st.exec.Status == domexec.StatusRunning {
			st.exec.Status = domexec.StatusFailed
			st.exec.CurrentStep = ""
			st.exec.EndTime = time.Now().UTC()
		}
		snapshot := st.exec.Clone()
		st.mu.Unlock()
		e.publish(ctx, bus.TopicExecCompleted, actor, snapshot)
		metrics.SetActiveExecutions(len(e.ListRunning()))
		return
	}
	e.advance(ctx, st)
}
