package parser

import (
	"fmt"
	"regexp"

	"github.com/robfig/cron/v3"

	domflow "github.com/qflow-run/qflow/internal/domain/flow"
	"github.com/qflow-run/qflow/internal/qerrors"
)

var dataflowRefPattern = regexp.MustCompile(`\$\{\s*([a-zA-Z0-9_-]+)\.[^}]*\}`)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateStructure checks f's graph for the error taxonomy spec §4.1
// names, without normalizing it: duplicate step IDs, references to unknown
// steps (onSuccess/onFailure targets and `${stepId.result}` dataflow
// expressions), and cycles across both edge kinds.
func ValidateStructure(f domflow.Flow) []*qerrors.Error {
	var errs []*qerrors.Error

	ids := make(map[string]bool, len(f.Steps))
	seen := make(map[string]bool, len(f.Steps))
	for _, s := range f.Steps {
		if seen[s.ID] {
			errs = append(errs, qerrors.New(qerrors.KindDuplicateStepIDs, fmt.Sprintf("duplicate step id %q", s.ID)))
		}
		seen[s.ID] = true
		ids[s.ID] = true
	}

	for _, s := range f.Steps {
		for _, target := range append(append([]string{}, s.OnSuccess...), s.OnFailure...) {
			if !ids[target] {
				errs = append(errs, qerrors.New(qerrors.KindInvalidStepReference, fmt.Sprintf("step %q references unknown step %q", s.ID, target)))
			}
		}
		for _, ref := range dataflowReferences(s.Params) {
			if !ids[ref] {
				errs = append(errs, qerrors.New(qerrors.KindInvalidStepReference, fmt.Sprintf("step %q's params reference unknown step %q", s.ID, ref)))
			}
		}
		if s.Type == domflow.StepTypeEventTrigger && s.CronSchedule != "" {
			if _, err := cronParser.Parse(s.CronSchedule); err != nil {
				errs = append(errs, qerrors.Wrap(qerrors.KindInvalidType, fmt.Sprintf("step %q has an invalid cron schedule", s.ID), err))
			}
		}
	}

	if cycleStep, found := detectCycle(f); found {
		errs = append(errs, qerrors.New(qerrors.KindCircularDependency, fmt.Sprintf("cycle detected reachable from step %q", cycleStep)))
	}

	if len(f.Steps) > 0 && !hasEntryStep(f) {
		errs = append(errs, qerrors.New(qerrors.KindNoEntryStep, "flow has no entry step: every step has an inbound onSuccess/onFailure edge"))
	}

	return errs
}

// hasEntryStep reports whether at least one step has no inbound
// onSuccess/onFailure edge (spec §3: a flow needs a step the engine can
// dispatch with nothing else having to complete first). Dataflow ${...}
// references are not inbound edges for this purpose — readySet (spec §4.2)
// already blocks a step on an unresolved dataflow reference regardless of
// structural edges, so a step can be a valid entry point while still reading
// another step's eventual result once reachable.
func hasEntryStep(f domflow.Flow) bool {
	hasInbound := make(map[string]bool, len(f.Steps))
	for _, s := range f.Steps {
		for _, target := range append(append([]string{}, s.OnSuccess...), s.OnFailure...) {
			hasInbound[target] = true
		}
	}
	for _, s := range f.Steps {
		if !hasInbound[s.ID] {
			return true
		}
	}
	return false
}

// dataflowReferences extracts every stepId referenced by a `${stepId...}`
// expression anywhere within params, recursing into nested maps and slices.
func dataflowReferences(params map[string]any) []string {
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

// colorState is a DFS coloring mark for cycle detection.
type colorState int

const (
	colorWhite colorState = iota
	colorGray
	colorBlack
)

// detectCycle runs DFS coloring over the dependency graph formed by
// onSuccess/onFailure edges (step → target) and dataflow edges (referenced
// step → referencing step), per spec §4.1: "Cycle detection considers both
// onSuccess and onFailure edges as well as dataflow edges." A step naming
// itself as its own onFailure target is exempted — spec §4.1: "Self-
// reference in a step's own failure handler is permitted only if guarded by
// retry policy exhaustion", since that transition only fires once the
// step's retry budget is exhausted rather than looping indefinitely.
func detectCycle(f domflow.Flow) (string, bool) {
	adjacency := make(map[string][]string, len(f.Steps))
	for _, s := range f.Steps {
		for _, target := range s.OnSuccess {
			adjacency[s.ID] = append(adjacency[s.ID], target)
		}
		for _, target := range s.OnFailure {
			if target == s.ID {
				continue
			}
			adjacency[s.ID] = append(adjacency[s.ID], target)
		}
		for _, ref := range dataflowReferences(s.Params) {
			adjacency[ref] = append(adjacency[ref], s.ID)
		}
	}

	colors := make(map[string]colorState, len(f.Steps))
	var cycleAt string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		colors[id] = colorGray
		for _, next := range adjacency[id] {
			switch colors[next] {
			case colorGray:
				cycleAt = next
				return true
			case colorWhite:
				if dfs(next) {
					return true
				}
			}
		}
		colors[id] = colorBlack
		return false
	}

	for _, s := range f.Steps {
		if colors[s.ID] == colorWhite {
			if dfs(s.ID) {
				return cycleAt, true
			}
		}
	}
	return "", false
}
