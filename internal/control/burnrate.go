package control

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/qflow-run/qflow/internal/bus"
	domctrl "github.com/qflow-run/qflow/internal/domain/control"
	domexec "github.com/qflow-run/qflow/internal/domain/execution"
	"github.com/qflow-run/qflow/internal/metrics"
)

// FlowController is the subset of Execution Engine behavior Adaptive
// Control needs to pause/resume flows under burn-rate pressure (spec §4.6,
// S6). Neither package imports the other: the composition root adapts
// *engine.Engine to this interface (app.EngineFlowController) and wires the
// two together (spec §9: "neither side owns the other").
type FlowController interface {
	ListRunning() []RunningExecution
	PauseExecution(executionID string) error
	ResumeExecution(ctx context.Context, executionID string) error
}

// RunningExecution mirrors engine.RunningExecution so FlowController needs
// no dependency on the engine package; an adapter converts between the two.
type RunningExecution struct {
	ExecutionID string
	FlowID      string
	Priority    domexec.Priority
}

// NodeRouter is the subset of node-selection behavior rerouteFlowsToColdNodes
// needs (spec §4.6).
type NodeRouter interface {
	SetColdRoutingPreference(prefer bool)
}

// ExecutionMetrics is the raw resource/time usage analyzeFlowCost weighs
// into a cost breakdown (spec §4.6).
type ExecutionMetrics struct {
	CPUSeconds    float64
	MemoryGBHours float64
	NetworkBytes  float64
	StorageBytes  float64
	DurationMs    float64
}

// CostWeights converts raw resource usage into a normalized cost unit.
// Defaults are illustrative per-unit prices, overridable per deployment.
type CostWeights struct {
	PerCPUSecond    float64
	PerMemoryGBHour float64
	PerGBNetwork    float64
	PerGBStorage    float64
}

// DefaultCostWeights returns reasonable illustrative defaults.
func DefaultCostWeights() CostWeights {
	return CostWeights{PerCPUSecond: 0.0001, PerMemoryGBHour: 0.01, PerGBNetwork: 0.02, PerGBStorage: 0.002}
}

// resourceSampler abstracts host-resource sampling so tests can inject a
// fake reading instead of depending on the real OS (spec §9 "tests inject
// fakes instead of monkey-patching").
type resourceSampler interface {
	Sample() domctrl.ResourceBreakdown
}

// gopsutilSampler samples CPU/memory/disk pressure from the host the
// process runs on (spec §4.6 "samples resource utilization... on a fixed
// interval"). Network pressure is read from the event bus's own drop
// counters instead of host NIC counters — a dropped published event is a
// more direct signal of this process's transport pressure than raw
// interface throughput would be.
type gopsutilSampler struct {
	diskPath string
	bus      *bus.Bus
	log      *logrus.Logger
}

func (s *gopsutilSampler) Sample() domctrl.ResourceBreakdown {
	var rb domctrl.ResourceBreakdown

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		rb.CPU = pct[0] / 100
	} else if err != nil && s.log != nil {
		s.log.WithError(err).Debug("cpu.Percent sample failed")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		rb.Memory = vm.UsedPercent / 100
	} else if s.log != nil {
		s.log.WithError(err).Debug("mem.VirtualMemory sample failed")
	}

	path := s.diskPath
	if path == "" {
		path = "/"
	}
	if du, err := disk.Usage(path); err == nil {
		rb.Storage = du.UsedPercent / 100
	} else if s.log != nil {
		s.log.WithError(err).Debug("disk.Usage sample failed")
	}

	if s.bus != nil {
		published, dropped := s.bus.Stats()
		var totalPub, totalDrop int64
		for t, p := range published {
			totalPub += p
			totalDrop += dropped[t]
		}
		if totalPub > 0 {
			rb.Network = float64(totalDrop) / float64(totalPub)
		}
	}
	return rb
}

// latencySample pairs a completion latency with whether the step failed,
// for the rolling performance/error-rate window.
type latencySample struct {
	latency time.Duration
	failed  bool
}

// BurnRateService samples resource and cost pressure on a fixed interval
// and offers the cost-control actions spec §4.6(a) names (spec §3
// BurnRateSnapshot).
type BurnRateService struct {
	mu       sync.Mutex
	sampler  resourceSampler
	bus      *bus.Bus
	flows    FlowController
	router   NodeRouter
	weights  CostWeights
	log      *logrus.Logger

	dispatchedAt map[string]time.Time // execId:stepId -> dispatch time
	window       []latencySample
	windowCap    int

	heavyStepDeferThreshold int64 // bytes; 0 disables deferral
	latest                  domctrl.BurnRateSnapshot

	unsubDispatched func()
	unsubCompleted  func()
}

// BurnRateOption configures a BurnRateService at construction time.
type BurnRateOption func(*BurnRateService)

// WithCostWeights overrides the default per-unit cost weights.
func WithCostWeights(w CostWeights) BurnRateOption { return func(s *BurnRateService) { s.weights = w } }

// WithDiskPath overrides the filesystem path storage pressure samples from.
func WithDiskPath(path string) BurnRateOption {
	return func(s *BurnRateService) { s.sampler = &gopsutilSampler{diskPath: path, bus: s.bus, log: s.log} }
}

// WithResourceSampler overrides the resource sampler, for tests.
func WithResourceSampler(sampler resourceSampler) BurnRateOption {
	return func(s *BurnRateService) { s.sampler = sampler }
}

// NewBurnRateService builds a BurnRateService wired to b (for performance/
// error-rate observation and snapshot publication), flows (for cost-control
// pause actions) and router (for cold-node rerouting).
func NewBurnRateService(b *bus.Bus, flows FlowController, router NodeRouter, log *logrus.Logger, opts ...BurnRateOption) *BurnRateService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &BurnRateService{
		bus:          b,
		flows:        flows,
		router:       router,
		weights:      DefaultCostWeights(),
		log:          log,
		dispatchedAt: make(map[string]time.Time),
		windowCap:    512,
	}
	s.sampler = &gopsutilSampler{bus: b, log: log}
	for _, opt := range opts {
		opt(s)
	}
	if b != nil {
		dispatched, unsubD := b.Subscribe(bus.TopicExecStepDispatched, 256)
		completed, unsubC := b.Subscribe(bus.TopicExecStepCompleted, 256)
		s.unsubDispatched = unsubD
		s.unsubCompleted = unsubC
		go s.observeDispatched(dispatched)
		go s.observeCompleted(completed)
	}
	return s
}

// Close stops the service's bus observation goroutines.
func (s *BurnRateService) Close() {
	if s.unsubDispatched != nil {
		s.unsubDispatched()
	}
	if s.unsubCompleted != nil {
		s.unsubCompleted()
	}
}

func (s *BurnRateService) observeDispatched(ch <-chan bus.Event) {
	for ev := range ch {
		data, ok := ev.Data.(map[string]any)
		if !ok {
			continue
		}
		key := keyOf(data)
		if key == "" {
			continue
		}
		s.mu.Lock()
		s.dispatchedAt[key] = ev.Timestamp
		s.mu.Unlock()
	}
}

func (s *BurnRateService) observeCompleted(ch <-chan bus.Event) {
	for ev := range ch {
		data, ok := ev.Data.(map[string]any)
		if !ok {
			continue
		}
		key := keyOf(data)
		failed, _ := data["failed"].(bool)

		s.mu.Lock()
		start, found := s.dispatchedAt[key]
		if found {
			delete(s.dispatchedAt, key)
			latency := ev.Timestamp.Sub(start)
			s.window = append(s.window, latencySample{latency: latency, failed: failed})
			if len(s.window) > s.windowCap {
				s.window = s.window[len(s.window)-s.windowCap:]
			}
		}
		s.mu.Unlock()
	}
}

func keyOf(data map[string]any) string {
	execID, _ := data["execId"].(string)
	stepID, _ := data["stepId"].(string)
	if execID == "" || stepID == "" {
		return ""
	}
	return execID + ":" + stepID
}

// Sample computes a fresh BurnRateSnapshot from current host resource
// pressure and the rolling performance/error-rate window, publishes it on
// q.qflow.burn_rate.calculated.v1, and returns it (spec §4.6(a)).
func (s *BurnRateService) Sample(ctx context.Context) domctrl.BurnRateSnapshot {
	resource := s.sampler.Sample()
	perf, errRate := s.performanceSnapshot()

	overall := (resource.CPU + resource.Memory + resource.Network + resource.Storage) / 4
	// Weight the composite toward error rate and p99 latency pressure, which
	// are more directly user-visible than raw host utilization alone.
	overall = clamp01(overall*0.6 + errRate*0.25 + latencyPressure(perf.P99LatencyMs)*0.15)

	snapshot := domctrl.BurnRateSnapshot{
		Timestamp:   time.Now().UTC(),
		Overall:     overall,
		Resource:    resource,
		Cost:        s.costBreakdown(resource),
		Performance: perf,
	}

	s.mu.Lock()
	s.latest = snapshot
	s.mu.Unlock()

	metrics.SetBurnRate(overall)

	if s.bus != nil {
		s.bus.Publish(ctx, bus.NewEvent(bus.TopicBurnRateCalculated, "burn-rate-service", "", snapshot))
	}
	return snapshot
}

// Latest returns the most recently computed snapshot without resampling.
func (s *BurnRateService) Latest() domctrl.BurnRateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

func (s *BurnRateService) performanceSnapshot() (domctrl.PerformanceBreakdown, float64) {
	s.mu.Lock()
	samples := append([]latencySample(nil), s.window...)
	s.mu.Unlock()

	if len(samples) == 0 {
		return domctrl.PerformanceBreakdown{}, 0
	}
	latencies := make([]time.Duration, len(samples))
	var failures int
	for i, sm := range samples {
		latencies[i] = sm.latency
		if sm.failed {
			failures++
		}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	perf := domctrl.PerformanceBreakdown{
		P50LatencyMs: msAt(latencies, 0.50),
		P95LatencyMs: msAt(latencies, 0.95),
		P99LatencyMs: msAt(latencies, 0.99),
		ErrorRate:    float64(failures) / float64(len(samples)),
	}
	return perf, perf.ErrorRate
}

func msAt(sorted []time.Duration, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * pct)
	return float64(sorted[idx]) / float64(time.Millisecond)
}

func latencyPressure(p99ms float64) float64 {
	// 5s p99 is treated as maximal latency pressure; linear below that.
	const ceiling = 5000.0
	return clamp01(p99ms / ceiling)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (s *BurnRateService) costBreakdown(resource domctrl.ResourceBreakdown) domctrl.CostBreakdown {
	return domctrl.CostBreakdown{
		Compute: resource.CPU * s.weights.PerCPUSecond * 3600,
		Storage: resource.Storage * s.weights.PerGBStorage,
		Network: resource.Network * s.weights.PerGBNetwork,
	}
}

// AnalyzeFlowCost converts raw execution metrics into a cost breakdown
// (spec §4.6(a)).
func (s *BurnRateService) AnalyzeFlowCost(_ string, m ExecutionMetrics) domctrl.CostBreakdown {
	return domctrl.CostBreakdown{
		Compute: m.CPUSeconds*s.weights.PerCPUSecond + m.MemoryGBHours*s.weights.PerMemoryGBHour,
		Network: (m.NetworkBytes / (1 << 30)) * s.weights.PerGBNetwork,
		Storage: (m.StorageBytes / (1 << 30)) * s.weights.PerGBStorage,
	}
}

// DeferHeavySteps sets the per-step resource-limit threshold (bytes) above
// which Admit defers dispatch under pressure; 0 disables deferral (spec
// §4.6(a)).
func (s *BurnRateService) DeferHeavySteps(thresholdBytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heavyStepDeferThreshold = thresholdBytes
}

// heavyStepThreshold reports the current heavy-step deferral threshold.
func (s *BurnRateService) heavyStepThreshold() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heavyStepDeferThreshold
}

// RerouteFlowsToColdNodes sets the router's cold-node routing preference to
// whether the latest snapshot's overall burn rate exceeds threshold, and
// returns that decision (spec §4.6(a)). percentile is accepted for interface
// fidelity with the spec's named signature and is not used.
func (s *BurnRateService) RerouteFlowsToColdNodes(threshold float64, _ float64) bool {
	if s.router == nil {
		return false
	}
	snap := s.Latest()
	over := snap.Overall > threshold
	s.router.SetColdRoutingPreference(over)
	return over
}

// PauseLowPriorityFlows pauses running low-priority flows when the current
// burn rate exceeds threshold, escalating to medium-priority flows too if
// still over threshold afterward. Critical and high-priority flows are
// never paused by this action (spec §4.6(a), scenario S6).
func (s *BurnRateService) PauseLowPriorityFlows(ctx context.Context, threshold float64, _ float64) []string {
	if s.flows == nil {
		return nil
	}
	if s.Sample(ctx).Overall <= threshold {
		return nil
	}

	var paused []string
	paused = append(paused, s.pausePriority(domexec.PriorityLow)...)

	if s.Sample(ctx).Overall > threshold {
		paused = append(paused, s.pausePriority(domexec.PriorityMedium)...)
	}
	return paused
}

func (s *BurnRateService) pausePriority(p domexec.Priority) []string {
	var paused []string
	for _, re := range s.flows.ListRunning() {
		if re.Priority != p {
			continue
		}
		if err := s.flows.PauseExecution(re.ExecutionID); err == nil {
			paused = append(paused, re.ExecutionID)
		}
	}
	return paused
}

// ResumePausedFlows resumes every execution previously paused by this
// service's cost-control actions, used on de-escalation.
func (s *BurnRateService) ResumePausedFlows(ctx context.Context, executionIDs []string) {
	if s.flows == nil {
		return
	}
	for _, id := range executionIDs {
		if err := s.flows.ResumeExecution(ctx, id); err != nil {
			s.log.WithError(err).WithField("executionId", id).Debug("resume after de-escalation failed")
		}
	}
}
