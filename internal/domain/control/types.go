// Package control defines Adaptive Control's data model: burn rate,
// degradation ladder and autoscaling (spec §3, §4.6).
package control

import "time"

// ResourceBreakdown is a per-resource component of a burn-rate snapshot.
type ResourceBreakdown struct {
	CPU     float64 `json:"cpu"`
	Memory  float64 `json:"memory"`
	Network float64 `json:"network"`
	Storage float64 `json:"storage"`
}

// CostBreakdown is a per-cost-category component of a burn-rate snapshot.
type CostBreakdown struct {
	Compute float64 `json:"compute"`
	Storage float64 `json:"storage"`
	Network float64 `json:"network"`
}

// PerformanceBreakdown is a per-performance-metric component.
type PerformanceBreakdown struct {
	P50LatencyMs float64 `json:"p50LatencyMs"`
	P95LatencyMs float64 `json:"p95LatencyMs"`
	P99LatencyMs float64 `json:"p99LatencyMs"`
	ErrorRate    float64 `json:"errorRate"`
}

// BurnRateSnapshot is a point-in-time composite pressure reading (spec §3).
type BurnRateSnapshot struct {
	Timestamp   time.Time            `json:"timestamp"`
	Overall     float64              `json:"overall"`
	Resource    ResourceBreakdown    `json:"resource"`
	Cost        CostBreakdown        `json:"cost"`
	Performance PerformanceBreakdown `json:"performance"`
}

// DegradationLevel is a rung on the graceful-degradation ladder (spec §3, §4.6).
type DegradationLevel struct {
	Level       int      `json:"level"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	SLAImpact   string   `json:"slaImpact"`
	Actions     []string `json:"actions"`
}

// TriggerKind is the kind of autoscaling action a trigger may fire.
type TriggerKind string

const (
	TriggerScaleUp      TriggerKind = "scale_up"
	TriggerScaleDown    TriggerKind = "scale_down"
	TriggerRedirectLoad TriggerKind = "redirect_load"
)

// ScalingTrigger is a configured autoscaling rule (spec §4.6).
type ScalingTrigger struct {
	Name             string        `json:"name"`
	Metric           string        `json:"metric"`
	Threshold        float64       `json:"threshold"`
	Comparison       string        `json:"comparison"` // "gt" or "lt"
	EvaluationWindow time.Duration `json:"evaluationWindow"`
	Cooldown         time.Duration `json:"cooldown"`
	Action           TriggerKind   `json:"action"`
	MinNodes         int           `json:"minNodes"`
	MaxNodes         int           `json:"maxNodes"`
	ScalingFactor    float64       `json:"scalingFactor"`
}

// OptimizerRule activates a cache-warming, pool-enlarging or validation-
// tightening action on a warning metric (spec §4.6).
type OptimizerRule struct {
	Name      string         `json:"name"`
	Metric    string         `json:"metric"`
	Threshold float64        `json:"threshold"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
}

// ActiveAction is a currently-applied adaptive action, recorded for
// idempotency-with-respect-to-last-applied-parameters (spec §4.6).
type ActiveAction struct {
	Kind        string         `json:"kind"`
	Params      map[string]any `json:"params"`
	AppliedAt   time.Time      `json:"appliedAt"`
	LastApplied map[string]any `json:"lastApplied,omitempty"`
}

// SystemStatus is the coordinator's public status snapshot (spec §4.6).
type SystemStatus struct {
	Overall         string          `json:"overall"`
	Performance     PerformanceBreakdown `json:"performance"`
	Scaling         map[string]any  `json:"scaling"`
	Optimization    map[string]any  `json:"optimization"`
	ActiveActions   []ActiveAction  `json:"activeActions"`
	EmergencyMode   bool            `json:"emergencyMode"`
	Recommendations []string        `json:"recommendations,omitempty"`
}
