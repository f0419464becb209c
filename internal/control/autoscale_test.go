package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domctrl "github.com/qflow-run/qflow/internal/domain/control"
)

func cpuScaleUpTrigger() domctrl.ScalingTrigger {
	return domctrl.ScalingTrigger{
		Name: "cpu-up", Metric: "cpu", Threshold: 0.75, Comparison: "gt",
		EvaluationWindow: 10 * time.Second, Cooldown: 60 * time.Second,
		Action: domctrl.TriggerScaleUp, MinNodes: 2, MaxNodes: 6, ScalingFactor: 2,
	}
}

func TestAutoscaling_FiresOnlyAfterSustainedBreach(t *testing.T) {
	e := NewAutoscalingEngine([]domctrl.ScalingTrigger{cpuScaleUpTrigger()})
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reading := map[string]float64{"cpu": 0.9}

	assert.Empty(t, e.Evaluate(reading, t0), "first breach only starts the evaluation window")
	assert.Empty(t, e.Evaluate(reading, t0.Add(5*time.Second)), "window not yet elapsed")

	fired := e.Evaluate(reading, t0.Add(10*time.Second))
	require.Len(t, fired, 1)
	assert.Equal(t, domctrl.TriggerScaleUp, fired[0].Action)
	assert.Equal(t, 2, fired[0].NodeDelta, "factor 2 doubles the 2-node baseline")

	nodes, ok := e.CurrentNodes("cpu-up")
	require.True(t, ok)
	assert.Equal(t, 4, nodes)
}

func TestAutoscaling_BreachResetClearsWindow(t *testing.T) {
	e := NewAutoscalingEngine([]domctrl.ScalingTrigger{cpuScaleUpTrigger()})
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Empty(t, e.Evaluate(map[string]float64{"cpu": 0.9}, t0))
	assert.Empty(t, e.Evaluate(map[string]float64{"cpu": 0.1}, t0.Add(5*time.Second)), "recovery resets the window")
	assert.Empty(t, e.Evaluate(map[string]float64{"cpu": 0.9}, t0.Add(12*time.Second)),
		"the old window must not count after a reset")
}

func TestAutoscaling_CooldownPreventsBackToBackFires(t *testing.T) {
	e := NewAutoscalingEngine([]domctrl.ScalingTrigger{cpuScaleUpTrigger()})
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reading := map[string]float64{"cpu": 0.9}

	e.Evaluate(reading, t0)
	require.Len(t, e.Evaluate(reading, t0.Add(10*time.Second)), 1)

	// Breach sustains straight through; the window re-elapses well inside
	// the cooldown, and nothing may fire until the cooldown has passed.
	assert.Empty(t, e.Evaluate(reading, t0.Add(20*time.Second)))
	assert.Empty(t, e.Evaluate(reading, t0.Add(40*time.Second)))

	fired := e.Evaluate(reading, t0.Add(75*time.Second))
	require.Len(t, fired, 1, "cooldown elapsed and the breach re-sustained its window")
	nodes, _ := e.CurrentNodes("cpu-up")
	assert.Equal(t, 6, nodes, "doubling 4 clamps at MaxNodes")
}

func TestAutoscaling_ScaleDownRespectsMinNodes(t *testing.T) {
	e := NewAutoscalingEngine([]domctrl.ScalingTrigger{{
		Name: "cpu-down", Metric: "cpu", Threshold: 0.2, Comparison: "lt",
		EvaluationWindow: 0, Cooldown: 0,
		Action: domctrl.TriggerScaleDown, MinNodes: 2, MaxNodes: 6, ScalingFactor: 2,
	}})
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	fired := e.Evaluate(map[string]float64{"cpu": 0.05}, t0)
	require.Len(t, fired, 1)
	nodes, _ := e.CurrentNodes("cpu-down")
	assert.Equal(t, 2, nodes, "scale-down from the 2-node baseline clamps at MinNodes")
}

func TestOptimizer_IdempotentWithRespectToLastAppliedParams(t *testing.T) {
	o := NewOptimizer([]domctrl.OptimizerRule{{
		Name: "warm-cache", Metric: "error_rate", Threshold: 0.10,
		Action: "warm_cache", Params: map[string]any{"target": "validation-cache"},
	}})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	applied := o.Evaluate(map[string]float64{"error_rate": 0.2}, now)
	require.Len(t, applied, 1)
	assert.Equal(t, "warm_cache", applied[0].Kind)

	assert.Empty(t, o.Evaluate(map[string]float64{"error_rate": 0.3}, now.Add(time.Minute)),
		"unchanged params must not re-fire")
	assert.Len(t, o.ActiveActions(), 1)
}

func TestOptimizer_BelowThresholdDoesNothing(t *testing.T) {
	o := NewOptimizer([]domctrl.OptimizerRule{{
		Name: "warm-cache", Metric: "error_rate", Threshold: 0.10, Action: "warm_cache",
	}})
	assert.Empty(t, o.Evaluate(map[string]float64{"error_rate": 0.05}, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Empty(t, o.ActiveActions())
}
