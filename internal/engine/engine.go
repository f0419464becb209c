// Package engine implements the Execution Engine: flow registration, the
// execution lifecycle (pending/running/paused/completed/failed/aborted),
// step-graph traversal, node selection and distributed takeover (spec §4.2).
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/qflow-run/qflow/internal/bus"
	"github.com/qflow-run/qflow/internal/cryptoutil"
	"github.com/qflow-run/qflow/internal/engine/nodeselect"
	"github.com/qflow-run/qflow/internal/ledger"
	"github.com/qflow-run/qflow/internal/qerrors"
	"github.com/qflow-run/qflow/internal/sandboxrt"
	"github.com/qflow-run/qflow/internal/validation"

	domexec "github.com/qflow-run/qflow/internal/domain/execution"
	domflow "github.com/qflow-run/qflow/internal/domain/flow"
)

// runningStep tracks the live cancellation handle for a dispatched step, so
// AbortExecution and takeover can cooperatively cancel it. heartbeat is
// refreshed periodically while the step runs; MonitorOrphans compares it
// against the engine's takeoverThreshold to detect an orphaned assignment
// (spec §4.2, scenario S5).
// gen is the dispatch generation that registered the entry: a takeover
// replaces the entry with a new generation, so the superseded dispatch
// goroutine can tell its assignment is no longer its own when its step
// returns (a cancelled run must not retry or record a step another owner
// is now driving).
type runningStep struct {
	cancel    context.CancelFunc
	nodeID    string
	heartbeat time.Time
	gen       uint64
}

// execState is the engine's private bookkeeping for one execution, wrapping
// the public domexec.Execution with dispatch-time state not part of its
// externally visible snapshot.
type execState struct {
	mu         sync.Mutex
	exec       *domexec.Execution
	flow       *domflow.Flow
	dispatched map[string]bool
	running    map[string]*runningStep
	attempts   map[string]int // business retry attempts per step
	infraTries map[string]int // infrastructure retry attempts per step
}

// Engine is the Execution Engine: it owns every registered flow and live
// execution, and drives step dispatch through validation, node selection and
// the sandbox, recording every transition to the ledger (spec §3, §4.2).
type Engine struct {
	mu    sync.RWMutex
	flows map[string]map[int]*domflow.Flow

	execMu     sync.RWMutex
	executions map[string]*execState

	ledger     *ledger.Ledger
	pipeline   *validation.Pipeline
	supervisor *sandboxrt.Supervisor
	selector   *nodeselect.Selector
	bus        *bus.Bus
	runner     StepRunner
	log        *logrus.Logger
	admission  AdmissionGate

	genCounter          uint64
	nodeID              string
	maxParallelism      int32
	maxInfraRetries     int
	takeoverThreshold   time.Duration
	failureStrategy     domflow.FailureStrategy
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLedger attaches the Execution Ledger every step transition is
// appended to.
func WithLedger(l *ledger.Ledger) Option { return func(e *Engine) { e.ledger = l } }

// WithValidationPipeline attaches the pipeline every dispatch is gated
// through.
func WithValidationPipeline(p *validation.Pipeline) Option {
	return func(e *Engine) { e.pipeline = p }
}

// WithSandboxSupervisor attaches the sandbox supervisor used for isolation
// bookkeeping (optional — an engine may run without sandboxing if its
// ActionInvoker performs its own isolation).
func WithSandboxSupervisor(s *sandboxrt.Supervisor) Option {
	return func(e *Engine) { e.supervisor = s }
}

// WithNodeSelector attaches the node-selection policy.
func WithNodeSelector(s *nodeselect.Selector) Option { return func(e *Engine) { e.selector = s } }

// WithBus attaches the event bus transitions publish to.
func WithBus(b *bus.Bus) Option { return func(e *Engine) { e.bus = b } }

// WithStepRunner overrides the default step runner.
func WithStepRunner(r StepRunner) Option { return func(e *Engine) { e.runner = r } }

// WithLogger overrides the engine's logger.
func WithLogger(l *logrus.Logger) Option { return func(e *Engine) { e.log = l } }

// WithNodeID sets this engine instance's own node identity, used as the node
// assignment for steps dispatched without a node selector, as the actor of
// the reassignment records it appends on takeover, and as a takeover
// candidate.
func WithNodeID(id string) Option { return func(e *Engine) { e.nodeID = id } }

// WithMaxParallelism bounds how many conflict-free ready steps are
// dispatched concurrently per execution.
func WithMaxParallelism(n int) Option { return func(e *Engine) { e.maxParallelism = int32(n) } }

// WithAdmissionGate attaches the Adaptive Control hook that may veto a ready
// step's dispatch under backpressure (spec §5).
func WithAdmissionGate(g AdmissionGate) Option { return func(e *Engine) { e.admission = g } }

// SetAdmissionGate attaches or replaces the admission gate after
// construction, for the common case where the gate (Adaptive Control's
// Coordinator) itself needs a reference to this Engine to be built.
func (e *Engine) SetAdmissionGate(g AdmissionGate) { e.admission = g }

// WithMaxInfraRetries bounds the independent infrastructure-fault retry
// budget (spec §4.2, distinguished from a step's business RetryPolicy).
func WithMaxInfraRetries(n int) Option { return func(e *Engine) { e.maxInfraRetries = n } }

// WithTakeoverThreshold sets how long a running step may go without a
// heartbeat before a peer may propose a takeover (spec §4.2).
func WithTakeoverThreshold(d time.Duration) Option {
	return func(e *Engine) { e.takeoverThreshold = d }
}

// WithFailureStrategy controls whether an unrecovered step failure with no
// onFailure target fails the whole execution immediately (fail-fast) or lets
// independent branches keep running (continue-on-error, the default).
func WithFailureStrategy(s domflow.FailureStrategy) Option {
	return func(e *Engine) { e.failureStrategy = s }
}

// New builds an Engine. A StepRunner must be supplied via WithStepRunner, or
// NewDefaultRunner(nil) is used (every task/module-call step then fails
// immediately, which is still useful for flows built entirely from
// condition/parallel steps, and for tests).
func New(opts ...Option) *Engine {
	e := &Engine{
		flows:             make(map[string]map[int]*domflow.Flow),
		executions:        make(map[string]*execState),
		runner:            NewDefaultRunner(nil),
		log:               logrus.StandardLogger(),
		nodeID:            uuid.NewString(),
		maxParallelism:    int32(8),
		maxInfraRetries:   3,
		takeoverThreshold: 15 * time.Second,
		failureStrategy:   domflow.FailureStrategyContinueOnError,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterFlow registers f, idempotent by (id, version): re-registering the
// same (id, version) with identical content is a no-op; re-registering it
// with different content is rejected (spec §4.2: "idempotent by (id,
// version)").
func (e *Engine) RegisterFlow(f domflow.Flow) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	versions, ok := e.flows[f.ID]
	if !ok {
		versions = make(map[int]*domflow.Flow)
		e.flows[f.ID] = versions
	}
	if existing, ok := versions[f.Version]; ok {
		if !flowsEqual(existing, &f) {
			return qerrors.New(qerrors.KindIDMismatch, "flow already registered at this version with different content")
		}
		return nil
	}
	cp := f
	versions[f.Version] = &cp

	if e.bus != nil {
		e.bus.Publish(context.Background(), bus.NewEvent(bus.TopicFlowCreated, "engine", f.Owner, f))
	}
	return nil
}

// latestFlow returns the highest registered version of flowID.
func (e *Engine) latestFlow(flowID string) (*domflow.Flow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	versions, ok := e.flows[flowID]
	if !ok || len(versions) == 0 {
		return nil, false
	}
	var best *domflow.Flow
	for v, f := range versions {
		if best == nil || v > best.Version {
			best = f
		}
	}
	return best, true
}

func flowsEqual(a, b *domflow.Flow) bool {
	da, errA := cryptoutil.DigestHex(a)
	db, errB := cryptoutil.DigestHex(b)
	return errA == nil && errB == nil && da == db
}

// GetExecutionStatus returns a lock-free snapshot of executionID's state, or
// ok=false if unknown (spec §4.2: "getExecutionStatus(executionID) →
// snapshot | null").
func (e *Engine) GetExecutionStatus(executionID string) (*domexec.Execution, bool) {
	e.execMu.RLock()
	st, ok := e.executions[executionID]
	e.execMu.RUnlock()
	if !ok {
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.exec.Clone(), true
}

// SetMaxParallelism adjusts the engine's dispatch concurrency bound at
// runtime, so Adaptive Control's degradation ladder can shrink parallelism
// under pressure and restore it on de-escalation (spec §4.6).
func (e *Engine) SetMaxParallelism(n int) {
	if n <= 0 {
		n = 1
	}
	atomic.StoreInt32(&e.maxParallelism, int32(n))
}

// MaxParallelism reports the current dispatch concurrency bound.
func (e *Engine) MaxParallelism() int { return int(atomic.LoadInt32(&e.maxParallelism)) }

// RunningExecution is a lightweight summary of a live execution, used by
// Adaptive Control to decide which flows to pause under burn-rate pressure
// (spec §4.6, S6) without taking a dependency on the engine's internal
// execState type.
type RunningExecution struct {
	ExecutionID string
	FlowID      string
	Priority    domexec.Priority
}

// ListRunning returns every execution currently in status=running, for
// Adaptive Control's pauseLowPriorityFlows (spec §4.6).
func (e *Engine) ListRunning() []RunningExecution {
	e.execMu.RLock()
	states := make([]*execState, 0, len(e.executions))
	for _, st := range e.executions {
		states = append(states, st)
	}
	e.execMu.RUnlock()

	out := make([]RunningExecution, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		if st.exec.Status == domexec.StatusRunning {
			out = append(out, RunningExecution{ExecutionID: st.exec.ID, FlowID: st.exec.FlowID, Priority: st.exec.Context.Priority})
		}
		st.mu.Unlock()
	}
	return out
}

// CleanupExecutions removes terminal executions whose EndTime is older than
// maxAge, returning the count removed (spec §4.2).
func (e *Engine) CleanupExecutions(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	e.execMu.Lock()
	defer e.execMu.Unlock()
	removed := 0
	for id, st := range e.executions {
		st.mu.Lock()
		terminal := st.exec.Status.IsTerminal()
		end := st.exec.EndTime
		st.mu.Unlock()
		if terminal && !end.IsZero() && end.Before(cutoff) {
			delete(e.executions, id)
			removed++
		}
	}
	return removed
}
