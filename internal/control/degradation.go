package control

import (
	"context"
	"sync"
	"time"

	"github.com/qflow-run/qflow/internal/bus"
	domctrl "github.com/qflow-run/qflow/internal/domain/control"
	"github.com/qflow-run/qflow/internal/metrics"
	"github.com/qflow-run/qflow/internal/qerrors"
)

// DefaultLadder is the standard 0..3 graceful-degradation ladder (spec §3,
// §4.6(b)). Level 0 is Normal; each subsequent rung sheds more optional
// work and tightens admission further.
func DefaultLadder() []domctrl.DegradationLevel {
	return []domctrl.DegradationLevel{
		{Level: 0, Name: "normal", Description: "full capacity, no shedding", SLAImpact: "none"},
		{Level: 1, Name: "elevated", Description: "optional validation layers disabled", SLAImpact: "slightly higher latency on first-seen requests", Actions: []string{"disable_optional_validation_layers"}},
		{Level: 2, Name: "degraded", Description: "low-priority flows paused, parallelism shrunk", SLAImpact: "low-priority flows delayed", Actions: []string{"disable_optional_validation_layers", "pause_priority_low", "shrink_parallelism"}},
		{Level: 3, Name: "critical", Description: "medium-and-below flows paused, non-critical ingress rejected", SLAImpact: "only critical flows make progress", Actions: []string{"disable_optional_validation_layers", "pause_priority_medium", "pause_priority_low", "shrink_parallelism", "reject_non_critical_ingress"}},
	}
}

// Ladder is the graceful-degradation state machine (spec §3, §4.6(b)).
// Escalation respects escalationCooldown; de-escalation respects
// deEscalationDelay (minimum dwell time at the current level); a manual
// override expires after a finite window and reverts to the
// auto-escalation decision.
type Ladder struct {
	mu     sync.Mutex
	levels []domctrl.DegradationLevel
	bus    *bus.Bus

	current        int
	lastEscalate   time.Time
	lastDeescalate time.Time
	lastChange     time.Time

	escalationCooldown  time.Duration
	deEscalationDelay   time.Duration

	manualLevel   *int
	manualExpires time.Time
}

// NewLadder builds a Ladder at level 0 (Normal) with the given levels,
// cooldown and dwell time.
func NewLadder(levels []domctrl.DegradationLevel, b *bus.Bus, escalationCooldown, deEscalationDelay time.Duration) *Ladder {
	if len(levels) == 0 {
		levels = DefaultLadder()
	}
	return &Ladder{
		levels:             levels,
		bus:                b,
		escalationCooldown: escalationCooldown,
		deEscalationDelay:  deEscalationDelay,
	}
}

// Current returns the effective current level: a live manual override wins
// over the auto-escalated level.
func (l *Ladder) Current() domctrl.DegradationLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.levelAt(l.effectiveIndexLocked())
}

func (l *Ladder) effectiveIndexLocked() int {
	if l.manualLevel != nil && time.Now().Before(l.manualExpires) {
		return *l.manualLevel
	}
	if l.manualLevel != nil {
		l.manualLevel = nil // expired override
	}
	return l.current
}

func (l *Ladder) levelAt(idx int) domctrl.DegradationLevel {
	if idx < 0 {
		idx = 0
	}
	if idx >= len(l.levels) {
		idx = len(l.levels) - 1
	}
	return l.levels[idx]
}

// Escalate moves to level, provided escalationCooldown has elapsed since the
// last level change; bypassCooldown permits skipping the cooldown for
// emergency conditions (spec §4.6 "Emergency conditions... bypass
// cooldown"). Escalating to a level at or below the current one is a no-op.
func (l *Ladder) Escalate(level int, reason string, bypassCooldown bool) error {
	l.mu.Lock()
	if level <= l.current {
		l.mu.Unlock()
		return nil
	}
	if !bypassCooldown && time.Since(l.lastChange) < l.escalationCooldown {
		l.mu.Unlock()
		return qerrors.New(qerrors.KindInvalidTransition, "escalation cooldown has not elapsed")
	}
	l.current = clampLevel(level, len(l.levels))
	now := time.Now()
	l.lastEscalate = now
	l.lastChange = now
	lvl := l.levelAt(l.current)
	l.mu.Unlock()

	l.publish(bus.TopicDegradationEscalated, lvl, reason)
	return nil
}

// DeEscalate moves back to level, provided deEscalationDelay (the minimum
// dwell time at the current level) has elapsed. De-escalating to a level at
// or above the current one is a no-op.
func (l *Ladder) DeEscalate(level int, reason string) error {
	l.mu.Lock()
	if level >= l.current {
		l.mu.Unlock()
		return nil
	}
	if time.Since(l.lastChange) < l.deEscalationDelay {
		l.mu.Unlock()
		return qerrors.New(qerrors.KindInvalidTransition, "de-escalation dwell time has not elapsed")
	}
	l.current = clampLevel(level, len(l.levels))
	now := time.Now()
	l.lastDeescalate = now
	l.lastChange = now
	lvl := l.levelAt(l.current)
	l.mu.Unlock()

	l.publish(bus.TopicDegradationDeescalated, lvl, reason)
	return nil
}

// SetManualOverride pins the effective level to level until expires, for
// operator intervention (spec §4.6 "manual overrides expire after a finite
// window").
func (l *Ladder) SetManualOverride(level int, expires time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := clampLevel(level, len(l.levels))
	l.manualLevel = &idx
	l.manualExpires = expires
}

// ClearManualOverride cancels a live manual override immediately.
func (l *Ladder) ClearManualOverride() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.manualLevel = nil
}

func clampLevel(level, n int) int {
	if level < 0 {
		return 0
	}
	if level >= n {
		return n - 1
	}
	return level
}

func (l *Ladder) publish(topic bus.Topic, lvl domctrl.DegradationLevel, reason string) {
	metrics.SetDegradationLevel(lvl.Level)
	if l.bus == nil {
		return
	}
	l.bus.Publish(context.Background(), bus.NewEvent(topic, "degradation-ladder", "", map[string]any{
		"level":       lvl.Level,
		"name":        lvl.Name,
		"description": lvl.Description,
		"slaImpact":   lvl.SLAImpact,
		"actions":     lvl.Actions,
		"reason":      reason,
	}))
}

// HasAction reports whether the current level's action set includes name,
// used by the coordinator's Admit and by cost-control wiring.
func (l *Ladder) HasAction(name string) bool {
	lvl := l.Current()
	for _, a := range lvl.Actions {
		if a == name {
			return true
		}
	}
	return false
}
