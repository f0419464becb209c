package engine

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	domflow "github.com/qflow-run/qflow/internal/domain/flow"
	"github.com/qflow-run/qflow/internal/cryptoutil"
)

// defaultRunner implements StepRunner for every step type spec §3 names.
// task and module-call delegate to an ActionInvoker (the sandbox/WASM host
// in production, a stub in tests); condition, parallel and event-trigger are
// handled structurally since they carry no external side effect of their
// own.
type defaultRunner struct {
	invoker ActionInvoker
}

// NewDefaultRunner builds a StepRunner delegating task/module-call steps to
// invoker. invoker may be nil, in which case task/module-call steps fail
// with a clear message rather than silently no-op.
func NewDefaultRunner(invoker ActionInvoker) StepRunner {
	return &defaultRunner{invoker: invoker}
}

func (r *defaultRunner) Run(ctx context.Context, step domflow.Step, input map[string]any) (map[string]any, Outcome, error) {
	switch step.Type {
	case domflow.StepTypeCondition:
		return r.runCondition(step, input)
	case domflow.StepTypeParallel:
		return map[string]any{}, OutcomeSuccess, nil
	case domflow.StepTypeEventTrigger:
		// The engine dispatches an event-trigger step like any other ready
		// step; its cron schedule is checked for syntax by the parser and is
		// not evaluated here.
		return map[string]any{}, OutcomeSuccess, nil
	case domflow.StepTypeTask, domflow.StepTypeModuleCall:
		if r.invoker == nil {
			return nil, OutcomeFailure, fmt.Errorf("step %q: no action invoker configured", step.ID)
		}
		out, err := r.invoker.Invoke(ctx, step, input)
		if err != nil {
			return nil, OutcomeFailure, err
		}
		return out, OutcomeSuccess, nil
	default:
		return nil, OutcomeFailure, fmt.Errorf("step %q: unknown step type %q", step.ID, step.Type)
	}
}

// runCondition evaluates params.path (a gjson path into input, canonically
// encoded) against params.equals, or falls back to the resolved value's
// truthiness when equals is omitted. The branch taken is communicated via
// Outcome, which the graph then matches against onSuccess/onFailure edges
// exactly as it would a task's business result.
func (r *defaultRunner) runCondition(step domflow.Step, input map[string]any) (map[string]any, Outcome, error) {
	path, _ := step.Params["path"].(string)
	if path == "" {
		return nil, OutcomeFailure, fmt.Errorf("condition step %q: params.path is required", step.ID)
	}
	doc, err := cryptoutil.Canonical(input)
	if err != nil {
		return nil, OutcomeFailure, fmt.Errorf("condition step %q: encode input: %w", step.ID, err)
	}
	val := gjson.GetBytes(doc, path)

	var matched bool
	if want, ok := step.Params["equals"]; ok {
		matched = fmt.Sprintf("%v", want) == val.String()
	} else {
		matched = val.Bool() || (val.Type == gjson.String && val.String() != "") || (val.Type == gjson.Number && val.Num != 0)
	}

	result := map[string]any{"path": path, "value": val.Value(), "matched": matched}
	if matched {
		return result, OutcomeSuccess, nil
	}
	return result, OutcomeFailure, nil
}
