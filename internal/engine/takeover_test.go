package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qflow-run/qflow/internal/bus"
	"github.com/qflow-run/qflow/internal/cryptoutil"
	"github.com/qflow-run/qflow/internal/ledger"
	"github.com/qflow-run/qflow/internal/qerrors"

	domexec "github.com/qflow-run/qflow/internal/domain/execution"
	domflow "github.com/qflow-run/qflow/internal/domain/flow"
)

type stepRunnerFunc func(ctx context.Context, step domflow.Step, input map[string]any) (map[string]any, Outcome, error)

func (f stepRunnerFunc) Run(ctx context.Context, step domflow.Step, input map[string]any) (map[string]any, Outcome, error) {
	return f(ctx, step, input)
}

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	signer, err := cryptoutil.NewHMACSigner([]byte("root-secret-for-tests"), "ledger")
	require.NoError(t, err)
	return ledger.New(ledger.NewMemoryStore(), signer, bus.New(), "ledger-node")
}

// orphanedFlow is a two-step s1 -> s2 flow whose s1 has already completed;
// s2 is the step a peer will attempt to take over.
func orphanedFlow() *domflow.Flow {
	return &domflow.Flow{
		ID: "f1", Name: "takeover-flow", Version: 1, Owner: "o",
		Steps: []domflow.Step{
			{ID: "s1", Type: domflow.StepTypeTask, OnSuccess: []string{"s2"}},
			{ID: "s2", Type: domflow.StepTypeTask},
		},
	}
}

// seedOrphan builds an engine with a single execution whose s2 is registered
// as running but stale (heartbeat far in the past), assigned to a node other
// than the engine's own, simulating scenario S5: "launcher node crashes
// after s1 completes."
func seedOrphan(t *testing.T, l *ledger.Ledger, nodeID string, threshold time.Duration, runner StepRunner, heartbeatAge time.Duration) (*Engine, string) {
	t.Helper()
	f := orphanedFlow()
	e := New(WithLedger(l), WithBus(bus.New()), WithNodeID(nodeID), WithTakeoverThreshold(threshold), WithStepRunner(runner))
	require.NoError(t, e.RegisterFlow(*f))

	execID := "exec-1"
	exec := domexec.New(execID, f.ID, f.Version, domexec.Context{TriggeringPrincipal: "user-a"})
	exec.Status = domexec.StatusRunning
	exec.CompletedSteps = []string{"s1"}
	exec.NodeAssignments["s2"] = "crashed-node"

	st := &execState{
		exec:       exec,
		flow:       f,
		dispatched: map[string]bool{"s1": true, "s2": true},
		running: map[string]*runningStep{
			"s2": {cancel: func() {}, nodeID: "crashed-node", heartbeat: time.Now().Add(-heartbeatAge)},
		},
		attempts:   map[string]int{},
		infraTries: map[string]int{},
	}
	e.execMu.Lock()
	e.executions[execID] = st
	e.execMu.Unlock()
	return e, execID
}

func TestTakeOverStep_RejectsAFreshHeartbeat(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	_, err := l.AppendRecord(ctx, "exec-1", "s1", "digest-s1", "user-a")
	require.NoError(t, err)

	blockForever := stepRunnerFunc(func(ctx context.Context, step domflow.Step, input map[string]any) (map[string]any, Outcome, error) {
		<-ctx.Done()
		return nil, OutcomeFailure, ctx.Err()
	})
	e, execID := seedOrphan(t, l, "node-2", time.Hour, blockForever, time.Millisecond)

	err = e.TakeOverStep(ctx, execID, "s2")
	require.Error(t, err)
	assert.True(t, qerrors.IsKind(err, qerrors.KindInvalidTransition))
}

func TestTakeOverStep_CASReassignsOrphanAndLedgerStaysValid(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	seedRec, err := l.AppendRecord(ctx, "exec-1", "s1", "digest-s1", "user-a")
	require.NoError(t, err)

	completesImmediately := stepRunnerFunc(func(ctx context.Context, step domflow.Step, input map[string]any) (map[string]any, Outcome, error) {
		return map[string]any{"ok": true}, OutcomeSuccess, nil
	})
	e, execID := seedOrphan(t, l, "node-2", time.Millisecond, completesImmediately, time.Hour)

	var cancelled bool
	e.execMu.RLock()
	st := e.executions[execID]
	e.execMu.RUnlock()
	st.mu.Lock()
	st.running["s2"].cancel = func() { cancelled = true }
	st.mu.Unlock()

	require.NoError(t, e.TakeOverStep(ctx, execID, "s2"))
	assert.True(t, cancelled, "the orphan's own context must be cancelled on takeover")

	require.Eventually(t, func() bool {
		status, ok := e.GetExecutionStatus(execID)
		return ok && status.Status == domexec.StatusCompleted
	}, time.Second, 5*time.Millisecond, "takeover must redispatch s2 so the execution reaches completed")

	recs, err := l.GetExecutionRecords(ctx, execID)
	require.NoError(t, err)
	require.Len(t, recs, 3, "s1-completed, s2-reassigned, s2-completed")
	assert.Equal(t, seedRec.RecordHash, recs[1].PrevHash, "the reassignment record must chain directly from s1's completion record")
	assert.Equal(t, "node-2", recs[1].Actor)

	report, err := l.ValidateLedger(ctx, execID)
	require.NoError(t, err)
	assert.True(t, report.IsValid, "the ledger must remain valid across a takeover, per scenario S5")
}

func TestTakeOverStep_ConcurrentAttemptsOnlyOneWinsCAS(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	_, err := l.AppendRecord(ctx, "exec-1", "s1", "digest-s1", "user-a")
	require.NoError(t, err)

	blockUntilCancelled := stepRunnerFunc(func(ctx context.Context, step domflow.Step, input map[string]any) (map[string]any, Outcome, error) {
		<-ctx.Done()
		return nil, OutcomeFailure, ctx.Err()
	})

	e1, execID := seedOrphan(t, l, "node-2", time.Millisecond, blockUntilCancelled, time.Hour)
	e2, _ := seedOrphan(t, l, "node-3", time.Millisecond, blockUntilCancelled, time.Hour)

	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = e1.TakeOverStep(runCtx, execID, "s2") }()
	go func() { defer wg.Done(); errs[1] = e2.TakeOverStep(runCtx, execID, "s2") }()
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			assert.True(t, qerrors.IsKind(err, qerrors.KindInvalidTransition))
		}
	}
	assert.Equal(t, 1, successes, "exactly one concurrent takeover attempt must win the ledger compare-and-set")

	recs, err := l.GetExecutionRecords(ctx, execID)
	require.NoError(t, err)
	assert.Len(t, recs, 2, "only the winning attempt's reassignment record should be appended")

	report, err := l.ValidateLedger(ctx, execID)
	require.NoError(t, err)
	assert.True(t, report.IsValid)
}
