package control

import (
	"reflect"
	"sync"
	"time"

	domctrl "github.com/qflow-run/qflow/internal/domain/control"
	"github.com/qflow-run/qflow/internal/metrics"
)

// triggerState is the per-trigger bookkeeping needed to enforce an
// evaluation window (sustained breach) and a cooldown (spec §4.6(c), P8).
type triggerState struct {
	trigger      domctrl.ScalingTrigger
	breachSince  time.Time
	lastFiredAt  time.Time
	currentNodes int
}

// AppliedScalingAction is a fired autoscaling trigger's outcome.
type AppliedScalingAction struct {
	Trigger    string            `json:"trigger"`
	Action     domctrl.TriggerKind `json:"action"`
	NodeDelta  int               `json:"nodeDelta"`
	Reason     string            `json:"reason"`
	AppliedAt  time.Time         `json:"appliedAt"`
}

// AutoscalingEngine evaluates a set of ScalingTrigger rules against a metric
// snapshot, firing scale_up/scale_down/redirect_load actions once a metric
// sustains its threshold breach for the trigger's evaluation window and the
// trigger's own cooldown has elapsed since it last fired (spec §4.6(c), P8).
type AutoscalingEngine struct {
	mu       sync.Mutex
	triggers map[string]*triggerState
}

// NewAutoscalingEngine builds an engine seeded with triggers, each starting
// at its MinNodes.
func NewAutoscalingEngine(triggers []domctrl.ScalingTrigger) *AutoscalingEngine {
	e := &AutoscalingEngine{triggers: make(map[string]*triggerState, len(triggers))}
	for _, t := range triggers {
		e.triggers[t.Name] = &triggerState{trigger: t, currentNodes: t.MinNodes}
	}
	return e
}

// AddTrigger registers or replaces a trigger.
func (e *AutoscalingEngine) AddTrigger(t domctrl.ScalingTrigger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	existing, ok := e.triggers[t.Name]
	if ok {
		existing.trigger = t
		return
	}
	e.triggers[t.Name] = &triggerState{trigger: t, currentNodes: t.MinNodes}
}

// Evaluate checks every registered trigger against readings (keyed by
// trigger.Metric), returning the actions that actually fired this round.
// now is passed in rather than read from time.Now so tests can drive the
// evaluation-window/cooldown state machine deterministically.
func (e *AutoscalingEngine) Evaluate(readings map[string]float64, now time.Time) []AppliedScalingAction {
	e.mu.Lock()
	defer e.mu.Unlock()

	var fired []AppliedScalingAction
	for _, st := range e.triggers {
		value, ok := readings[st.trigger.Metric]
		if !ok {
			st.breachSince = time.Time{}
			continue
		}

		breached := compare(value, st.trigger.Comparison, st.trigger.Threshold)
		if !breached {
			st.breachSince = time.Time{}
			continue
		}
		if st.breachSince.IsZero() {
			st.breachSince = now
		}
		if now.Sub(st.breachSince) < st.trigger.EvaluationWindow {
			continue
		}
		if now.Sub(st.lastFiredAt) < st.trigger.Cooldown {
			continue
		}

		delta := scalingDelta(st.trigger, st.currentNodes)
		if delta == 0 && st.trigger.Action != domctrl.TriggerRedirectLoad {
			continue
		}
		st.currentNodes = clampNodes(st.currentNodes+delta, st.trigger.MinNodes, st.trigger.MaxNodes)
		st.lastFiredAt = now
		st.breachSince = time.Time{}

		metrics.RecordAutoscaleAction(st.trigger.Name, string(st.trigger.Action))
		fired = append(fired, AppliedScalingAction{
			Trigger:   st.trigger.Name,
			Action:    st.trigger.Action,
			NodeDelta: delta,
			Reason:    st.trigger.Metric,
			AppliedAt: now,
		})
	}
	return fired
}

func compare(value float64, comparison string, threshold float64) bool {
	if comparison == "lt" {
		return value < threshold
	}
	return value > threshold
}

func scalingDelta(t domctrl.ScalingTrigger, current int) int {
	factor := t.ScalingFactor
	if factor <= 0 {
		factor = 1
	}
	switch t.Action {
	case domctrl.TriggerScaleUp:
		d := int(float64(current)*factor) - current
		if d < 1 {
			d = 1
		}
		return d
	case domctrl.TriggerScaleDown:
		d := current - int(float64(current)/factor)
		if d < 1 {
			d = 1
		}
		return -d
	default:
		return 0
	}
}

func clampNodes(n, min, max int) int {
	if min > 0 && n < min {
		return min
	}
	if max > 0 && n > max {
		return max
	}
	return n
}

// CurrentNodes reports a trigger's tracked node count, for diagnostics.
func (e *AutoscalingEngine) CurrentNodes(triggerName string) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.triggers[triggerName]
	if !ok {
		return 0, false
	}
	return st.currentNodes, true
}

// optimizerState tracks a rule's last-applied parameters for idempotency
// (spec §4.6(c) "all actions are idempotent with respect to their recorded
// last-applied parameters").
type optimizerState struct {
	rule        domctrl.OptimizerRule
	lastApplied map[string]any
	appliedAt   time.Time
}

// Optimizer activates cache-warming, pool-enlarging or validation-tightening
// rules on warning metrics (spec §4.6(c)).
type Optimizer struct {
	mu    sync.Mutex
	rules map[string]*optimizerState
}

// NewOptimizer builds an Optimizer from rules.
func NewOptimizer(rules []domctrl.OptimizerRule) *Optimizer {
	o := &Optimizer{rules: make(map[string]*optimizerState, len(rules))}
	for _, r := range rules {
		o.rules[r.Name] = &optimizerState{rule: r}
	}
	return o
}

// AddRule registers or replaces a rule.
func (o *Optimizer) AddRule(r domctrl.OptimizerRule) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rules[r.Name] = &optimizerState{rule: r}
}

// Evaluate checks every rule against metrics, returning the rules whose
// threshold is breached and whose params actually changed since the last
// time they were applied (params equal to lastApplied is a no-op, not a
// re-fire).
func (o *Optimizer) Evaluate(metrics map[string]float64, now time.Time) []domctrl.ActiveAction {
	o.mu.Lock()
	defer o.mu.Unlock()

	var applied []domctrl.ActiveAction
	for _, st := range o.rules {
		value, ok := metrics[st.rule.Metric]
		if !ok || value <= st.rule.Threshold {
			continue
		}
		if !st.appliedAt.IsZero() && paramsEqual(st.lastApplied, st.rule.Params) {
			continue
		}
		st.lastApplied = st.rule.Params
		st.appliedAt = now
		applied = append(applied, domctrl.ActiveAction{
			Kind:        st.rule.Action,
			Params:      st.rule.Params,
			AppliedAt:   now,
			LastApplied: st.lastApplied,
		})
	}
	return applied
}

func paramsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		// DeepEqual, not ==: param values may be nested maps/slices, which
		// panic under interface comparison.
		if !reflect.DeepEqual(b[k], v) {
			return false
		}
	}
	return true
}

// ActiveActions returns every currently-applied optimizer action.
func (o *Optimizer) ActiveActions() []domctrl.ActiveAction {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []domctrl.ActiveAction
	for _, st := range o.rules {
		if st.appliedAt.IsZero() {
			continue
		}
		out = append(out, domctrl.ActiveAction{Kind: st.rule.Action, Params: st.rule.Params, AppliedAt: st.appliedAt, LastApplied: st.lastApplied})
	}
	return out
}
