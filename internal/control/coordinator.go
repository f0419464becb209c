// Package control implements Adaptive Control (spec §4.6): the burn-rate
// service, the graceful-degradation ladder and the autoscaling/optimizer
// engines, composed by a single Coordinator the rest of the system talks
// to. Per spec §9, the coordinator and its sub-services are wired together
// through the shared event bus and small consumer-defined interfaces
// (FlowController, EngineController, OptionalLayerToggler, NodeRouter)
// rather than importing each other's concrete packages — breaking the
// coordinator↔burn-rate↔degradation cyclic reference the source exhibits.
package control

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qflow-run/qflow/internal/bus"
	domctrl "github.com/qflow-run/qflow/internal/domain/control"
	domexec "github.com/qflow-run/qflow/internal/domain/execution"
	domflow "github.com/qflow-run/qflow/internal/domain/flow"
)

// Coordinator-internal bus topics (spec §4.6 "updateMetrics... emits
// system_metrics_updated, may trigger emergency_response"). These are
// process-local control-loop signals, distinct from the externally
// registered topics in spec §6.
const (
	TopicSystemMetricsUpdated bus.Topic = "q.qflow.control.metrics.updated.v1"
	TopicEmergencyResponse    bus.Topic = "q.qflow.control.emergency.v1"
)

// EngineController is the subset of Execution Engine behavior the
// degradation ladder's "shrink_parallelism" action and backpressure
// recovery need.
type EngineController interface {
	SetMaxParallelism(n int)
	MaxParallelism() int
	AdvancePending(ctx context.Context)
}

// OptionalLayerToggler is the subset of Validation Pipeline behavior the
// degradation ladder's "disable_optional_validation_layers" action needs.
type OptionalLayerToggler interface {
	SetLayerEnabled(layerID string, enabled bool)
}

// CoordinatorConfig holds the thresholds and cadence the Coordinator's
// control loop runs under (spec §4.6, §9 "ControlConfig").
type CoordinatorConfig struct {
	SampleInterval        time.Duration
	BurnRateThreshold     float64
	EscalationCooldown    time.Duration
	DeEscalationDelay     time.Duration
	MaxConcurrentActions  int
	EmergencyErrorRate    float64
	EmergencyP99Ms        float64
	EmergencyResourceUtil float64
	NormalParallelism     int
	ShrunkParallelism     int
	OptionalLayerIDs      []string
}

// DefaultCoordinatorConfig returns illustrative defaults matching
// internal/config.ControlConfig's defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		SampleInterval:        5 * time.Second,
		BurnRateThreshold:     0.80,
		EscalationCooldown:    30 * time.Second,
		DeEscalationDelay:     60 * time.Second,
		MaxConcurrentActions:  4,
		EmergencyErrorRate:    0.25,
		EmergencyP99Ms:        5000,
		EmergencyResourceUtil: 0.95,
		NormalParallelism:     8,
		ShrunkParallelism:     2,
		OptionalLayerIDs:      []string{"metadata"},
	}
}

// Coordinator is Adaptive Control's composition root (spec §4.6): it
// samples the BurnRateService on a fixed interval, drives the Ladder's
// escalation/de-escalation decisions, evaluates autoscaling triggers and
// optimizer rules, and applies each level's actions to the engine and
// validation pipeline.
type Coordinator struct {
	mu sync.Mutex

	burnRate  *BurnRateService
	ladder    *Ladder
	autoscale *AutoscalingEngine
	optimizer *Optimizer
	bus       *bus.Bus
	engine    EngineController
	pipeline  OptionalLayerToggler
	log       *logrus.Logger

	cfg CoordinatorConfig

	emergencyMode    bool
	pausedByControl  []string
	rejectNonCritical bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCoordinator wires a Coordinator from its sub-services. engine and
// pipeline may be nil if the corresponding ladder actions should be no-ops
// (useful for tests exercising burn-rate/degradation logic in isolation).
func NewCoordinator(cfg CoordinatorConfig, burnRate *BurnRateService, ladder *Ladder, autoscale *AutoscalingEngine, optimizer *Optimizer, b *bus.Bus, engine EngineController, pipeline OptionalLayerToggler, log *logrus.Logger) *Coordinator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.MaxConcurrentActions <= 0 {
		cfg.MaxConcurrentActions = 4
	}
	return &Coordinator{
		burnRate:  burnRate,
		ladder:    ladder,
		autoscale: autoscale,
		optimizer: optimizer,
		bus:       b,
		engine:    engine,
		pipeline:  pipeline,
		log:       log,
		cfg:       cfg,
	}
}

// Start begins the fixed-interval sampling loop. Stop must be called to
// release its goroutine.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		return
	}
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop halts the sampling loop and waits for it to exit.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	stop := c.stopCh
	c.stopCh = nil
	c.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	c.wg.Wait()
}

func (c *Coordinator) loop(ctx context.Context) {
	defer c.wg.Done()
	interval := c.cfg.SampleInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChRead():
			return
		case <-ticker.C:
			snapshot := c.burnRate.Sample(ctx)
			c.UpdateMetrics(ctx, snapshot)
		}
	}
}

// stopChRead snapshots the current stop channel under the lock so loop's
// select can read it without racing Stop's reassignment.
func (c *Coordinator) stopChRead() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.stopCh
}

// UpdateMetrics is the coordinator's public entry point for a fresh
// BurnRateSnapshot, whether sampled by the internal loop or supplied by a
// caller (spec §4.6 "updateMetrics(snapshot)"). It emits
// system_metrics_updated, checks for emergency conditions that bypass
// cooldown, and otherwise schedules adaptive actions bounded by
// maxConcurrentActions.
func (c *Coordinator) UpdateMetrics(ctx context.Context, snapshot domctrl.BurnRateSnapshot) {
	if c.bus != nil {
		c.bus.Publish(ctx, bus.NewEvent(TopicSystemMetricsUpdated, "adaptive-control", "", snapshot))
	}

	if c.isEmergency(snapshot) {
		c.enterEmergency(ctx, snapshot)
		return
	}

	c.mu.Lock()
	c.emergencyMode = false
	c.mu.Unlock()

	c.scheduleActions(ctx, snapshot)
}

func (c *Coordinator) isEmergency(s domctrl.BurnRateSnapshot) bool {
	if s.Performance.ErrorRate > c.cfg.EmergencyErrorRate {
		return true
	}
	if s.Performance.P99LatencyMs > c.cfg.EmergencyP99Ms {
		return true
	}
	if s.Resource.CPU > c.cfg.EmergencyResourceUtil || s.Resource.Memory > c.cfg.EmergencyResourceUtil {
		return true
	}
	return false
}

func (c *Coordinator) enterEmergency(ctx context.Context, s domctrl.BurnRateSnapshot) {
	c.mu.Lock()
	c.emergencyMode = true
	c.mu.Unlock()

	if c.ladder != nil {
		top := len(DefaultLadder()) - 1
		_ = c.ladder.Escalate(top, "emergency threshold breached", true)
		c.applyLevelActions(ctx, s)
	}
	if c.bus != nil {
		c.bus.Publish(ctx, bus.NewEvent(TopicEmergencyResponse, "adaptive-control", "", s))
	}
}

// scheduleActions decides the target degradation level from the burn-rate
// reading's compound thresholds, escalates or de-escalates the ladder
// accordingly (respecting cooldown/dwell), and applies the resulting
// level's actions, plus autoscaling and optimizer evaluation. The ladder
// change and autoscaling are bounded by maxConcurrentActions; optimizer
// rules are evaluated on every call.
func (c *Coordinator) scheduleActions(ctx context.Context, s domctrl.BurnRateSnapshot) {
	applied := 0
	budget := c.cfg.MaxConcurrentActions

	if c.ladder != nil {
		target := c.targetLevel(s.Overall)
		current := c.ladder.Current().Level
		switch {
		case target > current && applied < budget:
			if err := c.ladder.Escalate(target, "burn rate compound threshold", false); err == nil {
				applied++
			}
		case target < current && applied < budget:
			if err := c.ladder.DeEscalate(target, "burn rate receded"); err == nil {
				applied++
				if c.ladder.Current().Level == 0 {
					c.resumePausedFlows(ctx)
				}
			}
		}
		c.applyLevelActions(ctx, s)
	}

	if c.autoscale != nil && applied < budget {
		metrics := map[string]float64{
			"burn_rate":    s.Overall,
			"cpu":          s.Resource.CPU,
			"memory":       s.Resource.Memory,
			"error_rate":   s.Performance.ErrorRate,
			"p99_latency":  s.Performance.P99LatencyMs,
		}
		fired := c.autoscale.Evaluate(metrics, time.Now())
		applied += len(fired)
	}

	if c.optimizer != nil {
		metrics := map[string]float64{
			"burn_rate":  s.Overall,
			"error_rate": s.Performance.ErrorRate,
		}
		c.optimizer.Evaluate(metrics, time.Now())
	}
}

// targetLevel maps an overall burn-rate reading to a ladder rung. Levels
// above 3 fall back to the top rung; this assumes the standard 0..3 ladder
// but degrades gracefully for a shorter custom one.
func (c *Coordinator) targetLevel(overall float64) int {
	threshold := c.cfg.BurnRateThreshold
	if threshold <= 0 {
		threshold = 0.80
	}
	switch {
	case overall >= threshold+0.15:
		return 3
	case overall >= threshold:
		return 2
	case overall >= threshold*0.75:
		return 1
	default:
		return 0
	}
}

// applyLevelActions pushes the ladder's current level's named actions out
// to the engine, validation pipeline and burn-rate cost-control actions
// (spec §4.6(b)).
func (c *Coordinator) applyLevelActions(ctx context.Context, s domctrl.BurnRateSnapshot) {
	lvl := c.ladder.Current()
	actions := make(map[string]bool, len(lvl.Actions))
	for _, a := range lvl.Actions {
		actions[a] = true
	}

	if c.pipeline != nil {
		for _, id := range c.cfg.OptionalLayerIDs {
			c.pipeline.SetLayerEnabled(id, !actions["disable_optional_validation_layers"])
		}
	}

	if c.engine != nil {
		if actions["shrink_parallelism"] {
			shrunk := c.cfg.ShrunkParallelism
			if shrunk <= 0 {
				shrunk = 2
			}
			c.engine.SetMaxParallelism(shrunk)
		} else {
			normal := c.cfg.NormalParallelism
			if normal <= 0 {
				normal = 8
			}
			c.engine.SetMaxParallelism(normal)
		}
	}

	c.mu.Lock()
	c.rejectNonCritical = actions["reject_non_critical_ingress"]
	c.mu.Unlock()

	if c.burnRate != nil && (actions["pause_priority_low"] || actions["pause_priority_medium"]) {
		paused := c.burnRate.PauseLowPriorityFlows(ctx, c.cfg.BurnRateThreshold, 0.95)
		if len(paused) > 0 {
			c.mu.Lock()
			c.pausedByControl = append(c.pausedByControl, paused...)
			c.mu.Unlock()
		}
	}
}

func (c *Coordinator) resumePausedFlows(ctx context.Context) {
	c.mu.Lock()
	ids := c.pausedByControl
	c.pausedByControl = nil
	c.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	c.burnRate.ResumePausedFlows(ctx, ids)
	if c.engine != nil {
		c.engine.AdvancePending(ctx)
	}
}

// RejectsNonCriticalIngress reports whether the current degradation level
// calls for rejecting non-critical ingress — consumed by the (out-of-core-
// scope) REST/webhook ingestion front-end (spec §1, §4.6(b)).
func (c *Coordinator) RejectsNonCriticalIngress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejectNonCritical
}

// Admit implements engine.AdmissionGate: it denies dispatch for
// priorities the current degradation level has decided to pause, and for
// steps whose declared resource footprint exceeds the burn-rate service's
// heavy-step deferral threshold (spec §4.6(a) deferHeavySteps, §5
// backpressure).
func (c *Coordinator) Admit(_ string, _ string, priority domexec.Priority, resources domflow.ResourceLimits) (bool, string) {
	if c.ladder != nil {
		if c.ladder.HasAction("pause_priority_medium") && (priority == domexec.PriorityLow || priority == domexec.PriorityMedium) {
			return false, "degradation level pauses medium-and-below priority dispatch"
		}
		if c.ladder.HasAction("pause_priority_low") && priority == domexec.PriorityLow {
			return false, "degradation level pauses low priority dispatch"
		}
	}
	if c.burnRate != nil {
		if threshold := c.burnRate.heavyStepThreshold(); threshold > 0 && resources.MaxMemoryBytes > threshold {
			return false, "deferred: step exceeds heavy-step memory threshold under burn-rate pressure"
		}
	}
	return true, ""
}

// ForceAdaptiveAction lets an operator or test directly invoke a named
// adaptive action outside the normal sampling cadence (spec §4.6
// "forceAdaptiveAction(kind, params)").
func (c *Coordinator) ForceAdaptiveAction(ctx context.Context, kind string, params map[string]any) error {
	switch kind {
	case "escalate":
		level, _ := params["level"].(int)
		reason, _ := params["reason"].(string)
		return c.ladder.Escalate(level, reason, false)
	case "deescalate":
		level, _ := params["level"].(int)
		reason, _ := params["reason"].(string)
		return c.ladder.DeEscalate(level, reason)
	case "defer_heavy_steps":
		threshold, _ := params["thresholdBytes"].(int64)
		c.burnRate.DeferHeavySteps(threshold)
		return nil
	case "reroute_cold":
		threshold, _ := params["threshold"].(float64)
		c.burnRate.RerouteFlowsToColdNodes(threshold, 0.95)
		return nil
	case "resume_paused":
		c.resumePausedFlows(ctx)
		return nil
	default:
		return nil
	}
}

// GetSystemStatus returns the coordinator's public status snapshot (spec
// §4.6).
func (c *Coordinator) GetSystemStatus() domctrl.SystemStatus {
	c.mu.Lock()
	emergency := c.emergencyMode
	var activeActions []domctrl.ActiveAction
	if c.pausedByControl != nil {
		for _, id := range c.pausedByControl {
			activeActions = append(activeActions, domctrl.ActiveAction{Kind: "pause", Params: map[string]any{"executionId": id}})
		}
	}
	c.mu.Unlock()

	var lvl domctrl.DegradationLevel
	if c.ladder != nil {
		lvl = c.ladder.Current()
	}
	var perf domctrl.PerformanceBreakdown
	var overall string = "normal"
	if c.burnRate != nil {
		snap := c.burnRate.Latest()
		perf = snap.Performance
		overall = lvl.Name
	}
	if c.optimizer != nil {
		activeActions = append(activeActions, c.optimizer.ActiveActions()...)
	}

	recommendations := recommendationsFor(lvl)

	return domctrl.SystemStatus{
		Overall:         overall,
		Performance:     perf,
		Scaling:         map[string]any{"level": lvl.Level},
		Optimization:    map[string]any{"activeRules": len(activeActions)},
		ActiveActions:   activeActions,
		EmergencyMode:   emergency,
		Recommendations: recommendations,
	}
}

func recommendationsFor(lvl domctrl.DegradationLevel) []string {
	switch lvl.Level {
	case 0:
		return nil
	case 1:
		return []string{"monitor optional-layer-disabled latency improvement before further action"}
	case 2:
		return []string{"investigate sustained burn-rate pressure before low-priority backlog grows unbounded"}
	default:
		return []string{"page on-call: system in critical degradation, only critical flows progressing"}
	}
}
