package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qflow-run/qflow/internal/bus"
	domctrl "github.com/qflow-run/qflow/internal/domain/control"
	domexec "github.com/qflow-run/qflow/internal/domain/execution"
	domflow "github.com/qflow-run/qflow/internal/domain/flow"
)

type fakeEngine struct {
	mu          sync.Mutex
	parallelism int
	advanced    int
}

func (f *fakeEngine) SetMaxParallelism(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parallelism = n
}

func (f *fakeEngine) MaxParallelism() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.parallelism
}

func (f *fakeEngine) AdvancePending(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advanced++
}

type fakeToggler struct {
	mu      sync.Mutex
	enabled map[string]bool
}

func (f *fakeToggler) SetLayerEnabled(layerID string, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enabled == nil {
		f.enabled = make(map[string]bool)
	}
	f.enabled[layerID] = enabled
}

func (f *fakeToggler) state(layerID string) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.enabled[layerID]
	return v, ok
}

func newTestCoordinator(t *testing.T, cfg CoordinatorConfig, flows FlowController, readings ...domctrl.ResourceBreakdown) (*Coordinator, *fakeEngine, *fakeToggler, *bus.Bus) {
	t.Helper()
	if len(readings) == 0 {
		readings = []domctrl.ResourceBreakdown{{}}
	}
	b := bus.New()
	burnRate := NewBurnRateService(nil, flows, nil, nil,
		WithResourceSampler(&queueSampler{readings: readings}))
	ladder := NewLadder(DefaultLadder(), b, cfg.EscalationCooldown, cfg.DeEscalationDelay)
	eng := &fakeEngine{parallelism: cfg.NormalParallelism}
	toggler := &fakeToggler{}
	c := NewCoordinator(cfg, burnRate, ladder, NewAutoscalingEngine(nil), NewOptimizer(nil), b, eng, toggler, nil)
	return c, eng, toggler, b
}

func snapshotWith(overall float64) domctrl.BurnRateSnapshot {
	return domctrl.BurnRateSnapshot{Timestamp: time.Now(), Overall: overall}
}

func TestCoordinator_EscalatesToCriticalAndAppliesLevelActions(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	cfg.EscalationCooldown = 0
	cfg.BurnRateThreshold = 0.5
	cfg.OptionalLayerIDs = []string{"metadata"}
	flows := mixedPriorityFlows()
	c, eng, toggler, _ := newTestCoordinator(t, cfg, flows, hot())

	c.UpdateMetrics(context.Background(), snapshotWith(0.96))

	assert.Equal(t, 3, c.ladder.Current().Level)
	assert.Equal(t, cfg.ShrunkParallelism, eng.MaxParallelism())
	enabled, ok := toggler.state("metadata")
	require.True(t, ok)
	assert.False(t, enabled, "optional layers disable above level 0")
	assert.True(t, c.RejectsNonCriticalIngress())

	ok, _ = c.Admit("e", "s", domexec.PriorityLow, domflow.ResourceLimits{})
	assert.False(t, ok)
	ok, _ = c.Admit("e", "s", domexec.PriorityMedium, domflow.ResourceLimits{})
	assert.False(t, ok)
	ok, _ = c.Admit("e", "s", domexec.PriorityCritical, domflow.ResourceLimits{})
	assert.True(t, ok, "critical flows always admit")

	assert.NotEmpty(t, flows.paused, "level 3 pauses medium-and-below running flows")
}

func TestCoordinator_DeEscalationRestoresNormalAndResumesFlows(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	cfg.EscalationCooldown = 0
	cfg.DeEscalationDelay = 0
	cfg.BurnRateThreshold = 0.5
	flows := mixedPriorityFlows()
	c, eng, toggler, _ := newTestCoordinator(t, cfg, flows, hot())

	c.UpdateMetrics(context.Background(), snapshotWith(0.96))
	require.Equal(t, 3, c.ladder.Current().Level)
	pausedCount := len(flows.paused)
	require.NotZero(t, pausedCount)

	c.UpdateMetrics(context.Background(), snapshotWith(0.10))

	assert.Equal(t, 0, c.ladder.Current().Level)
	assert.Equal(t, cfg.NormalParallelism, eng.MaxParallelism())
	enabled, _ := toggler.state("metadata")
	assert.True(t, enabled, "optional layers re-enable at level 0")
	assert.False(t, c.RejectsNonCriticalIngress())
	assert.Len(t, flows.resumed, pausedCount, "control-paused flows resume on return to normal")
	assert.NotZero(t, eng.advanced, "gated dispatches re-advance after backpressure lifts")
}

func TestCoordinator_EmergencyBypassesEscalationCooldown(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	cfg.EscalationCooldown = time.Hour
	c, _, _, b := newTestCoordinator(t, cfg, nil)

	emergencies, unsub := b.Subscribe(TopicEmergencyResponse, 4)
	defer unsub()

	// A first escalation starts the cooldown clock.
	c.UpdateMetrics(context.Background(), snapshotWith(0.65))
	require.Equal(t, 1, c.ladder.Current().Level)

	snap := snapshotWith(0.5)
	snap.Performance.ErrorRate = cfg.EmergencyErrorRate + 0.1
	c.UpdateMetrics(context.Background(), snap)

	assert.Equal(t, 3, c.ladder.Current().Level, "emergency escalation skips the cooldown")
	status := c.GetSystemStatus()
	assert.True(t, status.EmergencyMode)
	select {
	case <-emergencies:
	default:
		t.Fatal("expected an emergency_response event")
	}

	// A healthy reading clears emergency mode (the ladder itself de-escalates
	// only after its dwell time).
	c.UpdateMetrics(context.Background(), snapshotWith(0.10))
	assert.False(t, c.GetSystemStatus().EmergencyMode)
}

func TestCoordinator_EscalationCooldownHoldsBackAutoEscalation(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	cfg.EscalationCooldown = time.Hour
	c, _, _, _ := newTestCoordinator(t, cfg, nil)

	c.UpdateMetrics(context.Background(), snapshotWith(0.65))
	require.Equal(t, 1, c.ladder.Current().Level, "the first escalation is not held back")

	c.UpdateMetrics(context.Background(), snapshotWith(0.96))
	assert.Equal(t, 1, c.ladder.Current().Level,
		"the cooldown since the last escalation has not elapsed, so non-emergency escalation must wait")
}

func TestCoordinator_ForceAdaptiveAction(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	cfg.EscalationCooldown = 0
	c, _, _, _ := newTestCoordinator(t, cfg, nil)

	require.NoError(t, c.ForceAdaptiveAction(context.Background(), "escalate", map[string]any{"level": 2, "reason": "drill"}))
	assert.Equal(t, 2, c.ladder.Current().Level)

	require.NoError(t, c.ForceAdaptiveAction(context.Background(), "defer_heavy_steps", map[string]any{"thresholdBytes": int64(1 << 20)}))
	ok, reason := c.Admit("e", "s", domexec.PriorityCritical, domflow.ResourceLimits{MaxMemoryBytes: 2 << 20})
	assert.False(t, ok)
	assert.Contains(t, reason, "heavy-step")
}

func TestCoordinator_GetSystemStatusReflectsLadder(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	cfg.EscalationCooldown = 0
	c, _, _, _ := newTestCoordinator(t, cfg, nil, hot())

	c.burnRate.Sample(context.Background())
	status := c.GetSystemStatus()
	assert.Equal(t, "normal", status.Overall)
	assert.False(t, status.EmergencyMode)
	assert.Empty(t, status.Recommendations)

	c.UpdateMetrics(context.Background(), snapshotWith(0.96))
	status = c.GetSystemStatus()
	assert.Equal(t, "critical", status.Overall)
	assert.NotEmpty(t, status.Recommendations)
}
