package engine

import (
	"context"
	"time"

	"github.com/qflow-run/qflow/internal/bus"
	"github.com/qflow-run/qflow/internal/cryptoutil"
	"github.com/qflow-run/qflow/internal/qerrors"

	domexec "github.com/qflow-run/qflow/internal/domain/execution"
	domflow "github.com/qflow-run/qflow/internal/domain/flow"
)

// heartbeatDivisor sets the heartbeat interval as a fraction of the takeover
// threshold, so an actually-live step gets several chances to refresh its
// timestamp before it could be mistaken for an orphan.
const heartbeatDivisor = 3

// heartbeatStep refreshes stepID's liveness timestamp on a ticker until
// stepCtx is done, so MonitorOrphans can tell a step that is merely slow
// from one whose owning node has gone silent (spec §4.2).
func (e *Engine) heartbeatStep(stepCtx context.Context, st *execState, stepID string) {
	interval := e.takeoverThreshold / heartbeatDivisor
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stepCtx.Done():
			return
		case <-ticker.C:
			st.mu.Lock()
			if rs, ok := st.running[stepID]; ok {
				rs.heartbeat = time.Now()
			}
			st.mu.Unlock()
		}
	}
}

// MonitorOrphans sweeps every live execution for a running step whose
// heartbeat has gone stale past the takeover threshold and attempts to take
// it over, every interval, until ctx is cancelled (spec §4.2, scenario S5:
// "another node observes absence of heartbeat past takeover-threshold").
// Callers typically run this in its own goroutine from the composition root
// for every node in the cluster.
func (e *Engine) MonitorOrphans(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepOrphans(ctx)
		}
	}
}

// sweepOrphans finds every stale running assignment across live executions
// and attempts TakeOverStep for each, logging rather than propagating a
// failed attempt: losing a compare-and-set race to another node is the
// expected outcome whenever more than one node notices the same orphan.
func (e *Engine) sweepOrphans(ctx context.Context) {
	e.execMu.RLock()
	states := make([]*execState, 0, len(e.executions))
	for _, st := range e.executions {
		states = append(states, st)
	}
	e.execMu.RUnlock()

	for _, st := range states {
		st.mu.Lock()
		if st.exec.Status != domexec.StatusRunning {
			st.mu.Unlock()
			continue
		}
		execID := st.exec.ID
		var stale []string
		for stepID, rs := range st.running {
			if rs.cancel != nil && time.Since(rs.heartbeat) > e.takeoverThreshold {
				stale = append(stale, stepID)
			}
		}
		st.mu.Unlock()

		for _, stepID := range stale {
			if err := e.TakeOverStep(ctx, execID, stepID); err != nil {
				e.log.WithError(err).WithField("execId", execID).WithField("stepId", stepID).Debug("takeover attempt did not complete")
			}
		}
	}
}

// TakeOverStep reassigns stepID of execID to this engine node, provided its
// running assignment is actually stale, the ledger's latest record for the
// step (if any) is still the orphaned owner's reassignment, and the
// compare-and-set against the ledger's chain tail succeeds (spec §4.2: a
// peer "wins a compare-and-set
// against the ledger's latest record for that step (prevHash match)"). On
// success it cancels the orphaned assignment's context (a no-op if the
// owning node genuinely crashed) and redispatches the step locally; the
// ledger remains valid end to end because the reassignment record chains
// from the orphan's last known record exactly like any other append.
func (e *Engine) TakeOverStep(ctx context.Context, execID, stepID string) error {
	if e.ledger == nil {
		return qerrors.New(qerrors.KindInvalidTransition, "takeover requires a ledger to compare-and-set against")
	}

	st, err := e.stateFor(execID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.exec.Status != domexec.StatusRunning {
		st.mu.Unlock()
		return qerrors.New(qerrors.KindInvalidTransition, "takeoverStep requires the execution to still be running")
	}
	rs, ok := st.running[stepID]
	if !ok || rs.cancel == nil {
		st.mu.Unlock()
		return qerrors.New(qerrors.KindInvalidTransition, "takeoverStep requires an in-flight step assignment")
	}
	if time.Since(rs.heartbeat) < e.takeoverThreshold {
		st.mu.Unlock()
		return qerrors.New(qerrors.KindInvalidTransition, "takeoverStep requires the takeover threshold to have elapsed since the last heartbeat")
	}
	fromNode := rs.nodeID
	var step domflow.Step
	found := false
	for _, s := range st.flow.Steps {
		if s.ID == stepID {
			step = s
			found = true
			break
		}
	}
	st.mu.Unlock()
	if !found {
		return qerrors.New(qerrors.KindInvalidStepReference, "unknown step: "+stepID)
	}

	recs, err := e.ledger.GetExecutionRecords(ctx, execID)
	if err != nil {
		return err
	}
	// The latest record for this step, if any, must still be the orphaned
	// owner's own assignment: a record by anyone else means another peer
	// already took the step over or it already finished.
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].StepID == stepID {
			if recs[i].Actor != fromNode {
				return qerrors.New(qerrors.KindInvalidTransition, "takeoverStep: the ledger already records a newer owner or outcome for this step")
			}
			break
		}
	}
	expectedPrevHash := recs[len(recs)-1].RecordHash

	digest, err := cryptoutil.DigestHex(map[string]any{
		"event":    "reassigned",
		"stepId":   stepID,
		"fromNode": fromNode,
		"toNode":   e.nodeID,
	})
	if err != nil {
		return qerrors.Wrap(qerrors.KindLedgerIntegrity, "digest reassignment record", err)
	}
	if _, err := e.ledger.AppendRecordIfPrevHash(ctx, execID, stepID, digest, e.nodeID, expectedPrevHash); err != nil {
		return err
	}

	st.mu.Lock()
	if rs, ok := st.running[stepID]; ok && rs.cancel != nil {
		rs.cancel()
	}
	st.running[stepID] = &runningStep{nodeID: e.nodeID, heartbeat: time.Now()}
	st.dispatched[stepID] = true
	st.exec.NodeAssignments[stepID] = e.nodeID
	st.mu.Unlock()

	e.publish(ctx, bus.TopicExecStepReassigned, e.nodeID, map[string]any{
		"execId":   execID,
		"stepId":   stepID,
		"fromNode": fromNode,
		"toNode":   e.nodeID,
	})

	go e.dispatchStepOn(ctx, st, step, e.nodeID)
	return nil
}
