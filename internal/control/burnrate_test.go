package control

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domctrl "github.com/qflow-run/qflow/internal/domain/control"
	domexec "github.com/qflow-run/qflow/internal/domain/execution"
)

// queueSampler replays a fixed sequence of resource readings, repeating the
// last one once the queue drains.
type queueSampler struct {
	mu       sync.Mutex
	readings []domctrl.ResourceBreakdown
}

func (q *queueSampler) Sample() domctrl.ResourceBreakdown {
	q.mu.Lock()
	defer q.mu.Unlock()
	r := q.readings[0]
	if len(q.readings) > 1 {
		q.readings = q.readings[1:]
	}
	return r
}

type fakeFlows struct {
	mu      sync.Mutex
	running []RunningExecution
	paused  []string
	resumed []string
}

func (f *fakeFlows) ListRunning() []RunningExecution {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RunningExecution(nil), f.running...)
}

func (f *fakeFlows) PauseExecution(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, re := range f.running {
		if re.ExecutionID == id {
			f.running = append(f.running[:i], f.running[i+1:]...)
			break
		}
	}
	f.paused = append(f.paused, id)
	return nil
}

func (f *fakeFlows) ResumeExecution(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, id)
	return nil
}

type fakeRouter struct {
	mu   sync.Mutex
	cold bool
}

func (f *fakeRouter) SetColdRoutingPreference(prefer bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cold = prefer
}

func (f *fakeRouter) preference() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cold
}

func hot() domctrl.ResourceBreakdown {
	return domctrl.ResourceBreakdown{CPU: 1, Memory: 1, Network: 1, Storage: 1}
}

func mixedPriorityFlows() *fakeFlows {
	return &fakeFlows{running: []RunningExecution{
		{ExecutionID: "crit-1", FlowID: "f", Priority: domexec.PriorityCritical},
		{ExecutionID: "high-1", FlowID: "f", Priority: domexec.PriorityHigh},
		{ExecutionID: "med-1", FlowID: "f", Priority: domexec.PriorityMedium},
		{ExecutionID: "low-1", FlowID: "f", Priority: domexec.PriorityLow},
	}}
}

func TestPauseLowPriorityFlows_PausesLowThenMediumNeverCriticalOrHigh(t *testing.T) {
	flows := mixedPriorityFlows()
	s := NewBurnRateService(nil, flows, nil, nil,
		WithResourceSampler(&queueSampler{readings: []domctrl.ResourceBreakdown{hot()}}))

	paused := s.PauseLowPriorityFlows(context.Background(), 0.5, 0.95)

	assert.Equal(t, []string{"low-1", "med-1"}, paused,
		"low pauses first, medium only while still over threshold")
	remaining := flows.ListRunning()
	require.Len(t, remaining, 2)
	for _, re := range remaining {
		assert.Contains(t, []domexec.Priority{domexec.PriorityCritical, domexec.PriorityHigh}, re.Priority)
	}
}

func TestPauseLowPriorityFlows_StopsAtLowOncePressureRecedes(t *testing.T) {
	flows := mixedPriorityFlows()
	s := NewBurnRateService(nil, flows, nil, nil,
		WithResourceSampler(&queueSampler{readings: []domctrl.ResourceBreakdown{hot(), {}}}))

	paused := s.PauseLowPriorityFlows(context.Background(), 0.5, 0.95)
	assert.Equal(t, []string{"low-1"}, paused, "medium must not pause once the re-sample is under threshold")
}

func TestPauseLowPriorityFlows_NoOpUnderThreshold(t *testing.T) {
	flows := mixedPriorityFlows()
	s := NewBurnRateService(nil, flows, nil, nil,
		WithResourceSampler(&queueSampler{readings: []domctrl.ResourceBreakdown{{}}}))

	assert.Empty(t, s.PauseLowPriorityFlows(context.Background(), 0.5, 0.95))
	assert.Len(t, flows.ListRunning(), 4)
}

func TestResumePausedFlows_ResumesEveryPausedExecution(t *testing.T) {
	flows := mixedPriorityFlows()
	s := NewBurnRateService(nil, flows, nil, nil,
		WithResourceSampler(&queueSampler{readings: []domctrl.ResourceBreakdown{hot()}}))

	paused := s.PauseLowPriorityFlows(context.Background(), 0.5, 0.95)
	s.ResumePausedFlows(context.Background(), paused)
	assert.Equal(t, paused, flows.resumed)
}

func TestSample_ComputesOverallAndPublishesLatest(t *testing.T) {
	s := NewBurnRateService(nil, nil, nil, nil,
		WithResourceSampler(&queueSampler{readings: []domctrl.ResourceBreakdown{hot()}}))

	snap := s.Sample(context.Background())
	assert.InDelta(t, 0.6, snap.Overall, 0.001, "all-hot resources with no error/latency window")
	assert.Equal(t, snap, s.Latest())
	assert.False(t, snap.Timestamp.IsZero())
}

func TestAnalyzeFlowCost_WeighsRawUsage(t *testing.T) {
	s := NewBurnRateService(nil, nil, nil, nil,
		WithResourceSampler(&queueSampler{readings: []domctrl.ResourceBreakdown{{}}}))

	cost := s.AnalyzeFlowCost("flow-1", ExecutionMetrics{
		CPUSeconds:    100,
		MemoryGBHours: 2,
		NetworkBytes:  1 << 30,
		StorageBytes:  2 << 30,
	})
	assert.InDelta(t, 100*0.0001+2*0.01, cost.Compute, 1e-9)
	assert.InDelta(t, 0.02, cost.Network, 1e-9)
	assert.InDelta(t, 2*0.002, cost.Storage, 1e-9)
}

func TestRerouteFlowsToColdNodes_TogglesRouterOnThreshold(t *testing.T) {
	router := &fakeRouter{}
	s := NewBurnRateService(nil, nil, router, nil,
		WithResourceSampler(&queueSampler{readings: []domctrl.ResourceBreakdown{hot(), {}}}))

	s.Sample(context.Background())
	assert.True(t, s.RerouteFlowsToColdNodes(0.5, 0.95))
	assert.True(t, router.preference())

	s.Sample(context.Background())
	assert.False(t, s.RerouteFlowsToColdNodes(0.5, 0.95))
	assert.False(t, router.preference())
}

func TestDeferHeavySteps_SetsThreshold(t *testing.T) {
	s := NewBurnRateService(nil, nil, nil, nil,
		WithResourceSampler(&queueSampler{readings: []domctrl.ResourceBreakdown{{}}}))

	assert.EqualValues(t, 0, s.heavyStepThreshold())
	s.DeferHeavySteps(64 << 20)
	assert.EqualValues(t, 64<<20, s.heavyStepThreshold())
}
