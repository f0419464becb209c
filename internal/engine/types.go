package engine

import (
	"context"

	domexec "github.com/qflow-run/qflow/internal/domain/execution"
	domflow "github.com/qflow-run/qflow/internal/domain/flow"
)

// AdmissionGate lets Adaptive Control veto step dispatch under backpressure
// (spec §5: "when burn rate exceeds its threshold, the engine stops
// admitting new dispatches from lower-priority flows"). Admit returns false
// to leave a ready step queued rather than dispatching it this round; reason
// is surfaced only for logging. A nil gate admits everything.
type AdmissionGate interface {
	Admit(execID, stepID string, priority domexec.Priority, resources domflow.ResourceLimits) (ok bool, reason string)
}

// Outcome is the result a completed step reports to the graph, matching a
// successor's inbound onSuccess/onFailure edge predicate (spec §4.2).
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// StepRunner executes a single step's business logic and reports its
// outcome. task/module-call steps are delegated to an ActionInvoker;
// condition/parallel/event-trigger steps are handled structurally.
type StepRunner interface {
	Run(ctx context.Context, step domflow.Step, input map[string]any) (result map[string]any, outcome Outcome, err error)
}

// ActionInvoker is the pluggable boundary to whatever actually performs a
// task or module-call step's side effect — a sandboxed WASM module, a native
// platform module, an external system integration. Qflow's core treats the
// concrete action implementations as an external collaborator (spec §1: "the
// REST/CLI front-ends, webhook ingestion, external-system integration
// templates... are out of scope"); the engine only needs something
// satisfying this interface to drive the graph.
type ActionInvoker interface {
	Invoke(ctx context.Context, step domflow.Step, input map[string]any) (map[string]any, error)
}

// ActionInvokerFunc adapts a function to ActionInvoker.
type ActionInvokerFunc func(ctx context.Context, step domflow.Step, input map[string]any) (map[string]any, error)

func (f ActionInvokerFunc) Invoke(ctx context.Context, step domflow.Step, input map[string]any) (map[string]any, error) {
	return f(ctx, step, input)
}
