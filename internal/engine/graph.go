package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/qflow-run/qflow/internal/cryptoutil"
	domexec "github.com/qflow-run/qflow/internal/domain/execution"
	domflow "github.com/qflow-run/qflow/internal/domain/flow"
)

// edge is one structural predecessor→successor relationship, carrying the
// outcome that must be observed on the predecessor for the edge to fire.
type edge struct {
	from    string
	outcome Outcome
}

// inboundEdges returns, for every step ID, the edges that can trigger it.
func inboundEdges(f *domflow.Flow) map[string][]edge {
	in := make(map[string][]edge, len(f.Steps))
	for _, s := range f.Steps {
		for _, target := range s.OnSuccess {
			in[target] = append(in[target], edge{from: s.ID, outcome: OutcomeSuccess})
		}
		for _, target := range s.OnFailure {
			in[target] = append(in[target], edge{from: s.ID, outcome: OutcomeFailure})
		}
	}
	return in
}

var dataflowRefPattern = regexp.MustCompile(`\$\{\s*([a-zA-Z0-9_-]+)\.[^}]*\}`)

// dataDependencies returns the set of step IDs s's params reference via
// `${stepId...}` dataflow expressions.
func dataDependencies(params map[string]any) []string {
	var refs []string
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			for _, m := range dataflowRefPattern.FindAllStringSubmatch(t, -1) {
				refs = append(refs, m[1])
			}
		case map[string]any:
			for _, e := range t {
				walk(e)
			}
		case []any:
			for _, e := range t {
				walk(e)
			}
		}
	}
	for _, v := range params {
		walk(v)
	}
	return refs
}

// stepStatus reports s's current lifecycle status as recorded on exec.
func stepStatus(exec *domexec.Execution, id string) domflow.StepStatus {
	for _, c := range exec.CompletedSteps {
		if c == id {
			return domflow.StepCompleted
		}
	}
	for _, fd := range exec.FailedSteps {
		if fd == id {
			return domflow.StepFailed
		}
	}
	if exec.CurrentStep == id {
		return domflow.StepRunning
	}
	return domflow.StepPending
}

// readySet computes the successors whose dependencies are all resolved:
// structurally, either the step has no inbound edge (an entry step, ready as
// soon as the execution starts) or at least one inbound edge's predecessor
// outcome matches; and every step referenced by a dataflow expression in its
// params has already produced a result (spec §4.2).
func readySet(f *domflow.Flow, exec *domexec.Execution, dispatched map[string]bool) []domflow.Step {
	in := inboundEdges(f)
	var ready []domflow.Step

	for _, s := range f.Steps {
		if dispatched[s.ID] || stepStatus(exec, s.ID) != domflow.StepPending {
			continue
		}

		edges := in[s.ID]
		structurallyReady := len(edges) == 0
		for _, e := range edges {
			switch e.outcome {
			case OutcomeSuccess:
				if stepStatus(exec, e.from) == domflow.StepCompleted {
					structurallyReady = true
				}
			case OutcomeFailure:
				if stepStatus(exec, e.from) == domflow.StepFailed {
					structurallyReady = true
				}
			}
			if structurallyReady {
				break
			}
		}
		if !structurallyReady {
			continue
		}

		dataReady := true
		for _, dep := range dataDependencies(s.Params) {
			if _, ok := exec.StepResults[dep]; !ok {
				dataReady = false
				break
			}
		}
		if !dataReady {
			continue
		}

		ready = append(ready, s)
	}
	return ready
}

// conflicts reports whether a and b may not run concurrently: they share an
// exclusive resource tag, a declared shared state key, or a direct dataflow
// dependency in either direction (spec §4.2, "parallel steps... no dataflow
// dependency in either direction, no shared exclusive resource tag, no
// declared shared state key").
func conflicts(a, b domflow.Step) bool {
	for _, t := range a.ExclusiveTags {
		for _, u := range b.ExclusiveTags {
			if t == u {
				return true
			}
		}
	}
	for _, k := range a.SharedStateKeys {
		for _, l := range b.SharedStateKeys {
			if k == l {
				return true
			}
		}
	}
	for _, dep := range dataDependencies(a.Params) {
		if dep == b.ID {
			return true
		}
	}
	for _, dep := range dataDependencies(b.Params) {
		if dep == a.ID {
			return true
		}
	}
	return false
}

// selectDispatchBatch greedily picks a conflict-free subset of ready, up to
// maxParallelism, in ready's given order.
func selectDispatchBatch(ready []domflow.Step, maxParallelism int) []domflow.Step {
	if maxParallelism <= 0 {
		maxParallelism = 1
	}
	var batch []domflow.Step
	for _, s := range ready {
		if len(batch) >= maxParallelism {
			break
		}
		conflicted := false
		for _, chosen := range batch {
			if conflicts(s, chosen) {
				conflicted = true
				break
			}
		}
		if !conflicted {
			batch = append(batch, s)
		}
	}
	return batch
}

// resolveParams substitutes every `${stepId.path}` expression in params with
// the value gjson.path extracts from stepId's recorded result, evaluated
// against a JSON view of {"result":..., "error":...} (spec §4.1/§4.2).
func resolveParams(params map[string]any, exec *domexec.Execution) (map[string]any, error) {
	resolved := make(map[string]any, len(params))
	var walk func(v any) (any, error)
	walk = func(v any) (any, error) {
		switch t := v.(type) {
		case string:
			return resolveString(t, exec)
		case map[string]any:
			m := make(map[string]any, len(t))
			for k, e := range t {
				rv, err := walk(e)
				if err != nil {
					return nil, err
				}
				m[k] = rv
			}
			return m, nil
		case []any:
			out := make([]any, len(t))
			for i, e := range t {
				rv, err := walk(e)
				if err != nil {
					return nil, err
				}
				out[i] = rv
			}
			return out, nil
		default:
			return t, nil
		}
	}
	for k, v := range params {
		rv, err := walk(v)
		if err != nil {
			return nil, err
		}
		resolved[k] = rv
	}
	return resolved, nil
}

var fullExprPattern = regexp.MustCompile(`^\$\{\s*([a-zA-Z0-9_-]+)\.([^}]+)\}$`)

func resolveString(s string, exec *domexec.Execution) (any, error) {
	if m := fullExprPattern.FindStringSubmatch(strings.TrimSpace(s)); m != nil {
		return lookupStepValue(m[1], m[2], exec)
	}
	return dataflowRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := dataflowRefPattern.FindStringSubmatch(match)
		stepID := sub[1]
		path := strings.TrimPrefix(strings.TrimSuffix(strings.TrimSpace(match), "}"), "${"+stepID+".")
		v, err := lookupStepValue(stepID, path, exec)
		if err != nil {
			return match
		}
		return fmt.Sprintf("%v", v)
	}), nil
}

func lookupStepValue(stepID, path string, exec *domexec.Execution) (any, error) {
	res, ok := exec.StepResults[stepID]
	if !ok {
		return nil, fmt.Errorf("dataflow reference to unresolved step %q", stepID)
	}
	doc, err := marshalStepResult(res)
	if err != nil {
		return nil, err
	}
	return gjson.GetBytes(doc, path).Value(), nil
}

// marshalStepResult builds the {"result":..., "error":...} document dataflow
// expressions like `${stepId.result}` or `${stepId.result.field}` evaluate
// against.
func marshalStepResult(res domexec.StepResult) ([]byte, error) {
	return cryptoutil.Canonical(map[string]any{"result": res.Result, "error": res.Error})
}
