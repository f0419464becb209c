// Package nodeselect implements the Execution Engine's node-selection
// policy (spec §4.2): candidates are filtered by capability tags and DAO
// subnet (load is not a filter), ranked by lowest observed p95 latency with
// load breaking ties, and each
// node's dispatches are circuit-broken independently so a node whose
// capability-tagged dispatches are failing repeatedly is pulled out of the
// candidate pool before the takeover-threshold heartbeat check would even
// notice it (spec §4.2 "Circuit-breaker-assisted node selection").
package nodeselect

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/qflow-run/qflow/internal/metrics"
	"github.com/qflow-run/qflow/internal/qerrors"
)

// Candidate describes a node eligible for step dispatch. Generalist marks a
// node that serves any step regardless of required capability tags — used
// for the local bootstrap node in a single-node deployment; gossip-
// registered peers should instead declare the tags they actually serve.
type Candidate struct {
	NodeID         string
	CapabilityTags []string
	DAOSubnet      string
	Load           float64 // 0..1, lower is less loaded
	Generalist     bool
}

type nodeEntry struct {
	candidate Candidate
	breaker   *gobreaker.CircuitBreaker
	latencies []time.Duration // bounded recent-sample ring, oldest first
}

const latencyWindow = 32

// Selector tracks the live node pool and its circuit-breaker/latency state.
type Selector struct {
	mu    sync.Mutex
	nodes map[string]*nodeEntry

	breakerSettings func(nodeID string) gobreaker.Settings
	preferCold      bool
}

// SetColdRoutingPreference flips the tie-break order between p95 latency and
// load: by default the lowest-latency node wins and load breaks ties, but under
// Adaptive Control's rerouteFlowsToColdNodes cost-control action (spec
// §4.6) the least-loaded node should win outright so dispatch pressure
// drains toward underutilized nodes even at some latency cost.
func (s *Selector) SetColdRoutingPreference(prefer bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferCold = prefer
}

// New builds an empty Selector.
func New() *Selector {
	return &Selector{nodes: make(map[string]*nodeEntry)}
}

func defaultSettings(nodeID string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        nodeID,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
}

// RegisterNode adds or updates a candidate node.
func (s *Selector) RegisterNode(c Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.nodes[c.NodeID]
	if !ok {
		settings := defaultSettings
		if s.breakerSettings != nil {
			settings = s.breakerSettings
		}
		entry = &nodeEntry{breaker: gobreaker.NewCircuitBreaker(settings(c.NodeID))}
		s.nodes[c.NodeID] = entry
	}
	entry.candidate = c
}

// RemoveNode drops a node from the candidate pool.
func (s *Selector) RemoveNode(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, nodeID)
}

// Select returns the best candidate node for a step requiring
// capabilityTags, optionally restricted to daoSubnet (empty means no
// restriction). Candidates with an open circuit are excluded; among the
// rest, the lowest observed p95 latency wins (spec §4.2).
func (s *Selector) Select(_ context.Context, capabilityTags []string, daoSubnet string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type scored struct {
		nodeID string
		p95    time.Duration
		load   float64
	}
	var candidates []scored

	for _, entry := range s.nodes {
		if entry.breaker.State() == gobreaker.StateOpen {
			continue
		}
		if daoSubnet != "" && entry.candidate.DAOSubnet != "" && entry.candidate.DAOSubnet != daoSubnet {
			continue
		}
		if !entry.candidate.Generalist && !hasAllTags(entry.candidate.CapabilityTags, capabilityTags) {
			continue
		}
		candidates = append(candidates, scored{nodeID: entry.candidate.NodeID, p95: p95Of(entry.latencies), load: entry.candidate.Load})
	}

	if len(candidates) == 0 {
		metrics.RecordNodeSelectError("no_eligible_node")
		return "", qerrors.New(qerrors.KindNodeUnreachable, "no eligible node for required capabilities")
	}

	preferCold := s.preferCold
	sort.Slice(candidates, func(i, j int) bool {
		if preferCold {
			if candidates[i].load != candidates[j].load {
				return candidates[i].load < candidates[j].load
			}
			return candidates[i].p95 < candidates[j].p95
		}
		if candidates[i].p95 != candidates[j].p95 {
			return candidates[i].p95 < candidates[j].p95
		}
		return candidates[i].load < candidates[j].load
	})
	return candidates[0].nodeID, nil
}

// RecordResult feeds a dispatch outcome back into the node's circuit breaker
// and latency window.
func (s *Selector) RecordResult(nodeID string, latency time.Duration, err error) {
	s.mu.Lock()
	entry, ok := s.nodes[nodeID]
	s.mu.Unlock()
	if !ok {
		return
	}

	_, _ = entry.breaker.Execute(func() (any, error) { return nil, err })

	s.mu.Lock()
	entry.latencies = append(entry.latencies, latency)
	if len(entry.latencies) > latencyWindow {
		entry.latencies = entry.latencies[len(entry.latencies)-latencyWindow:]
	}
	s.mu.Unlock()
}

// State reports nodeID's current circuit-breaker state, for diagnostics.
func (s *Selector) State(nodeID string) (gobreaker.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.nodes[nodeID]
	if !ok {
		return 0, false
	}
	return entry.breaker.State(), true
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

func p95Of(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * 0.95)
	return sorted[idx]
}
