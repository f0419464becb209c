package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qflow-run/qflow/internal/bus"
)

// TestLadder_EscalationCooldownRespected covers P8: no two escalations for
// the same ladder occur within the escalation cooldown.
func TestLadder_EscalationCooldownRespected(t *testing.T) {
	l := NewLadder(nil, bus.New(), time.Hour, time.Hour)

	require.NoError(t, l.Escalate(1, "burn rate high", false))
	assert.Equal(t, 1, l.Current().Level)

	err := l.Escalate(2, "burn rate still high", false)
	assert.Error(t, err, "a second escalation within the cooldown window must be rejected")
	assert.Equal(t, 1, l.Current().Level, "level must not change when cooldown rejects the escalation")
}

func TestLadder_EmergencyBypassesCooldown(t *testing.T) {
	l := NewLadder(nil, bus.New(), time.Hour, time.Hour)

	require.NoError(t, l.Escalate(1, "burn rate high", false))
	require.NoError(t, l.Escalate(3, "p99 latency emergency", true))
	assert.Equal(t, 3, l.Current().Level, "an emergency escalation must bypass the cooldown")
}

func TestLadder_DeEscalationRespectsDwellTime(t *testing.T) {
	l := NewLadder(nil, bus.New(), 0, time.Hour)
	require.NoError(t, l.Escalate(2, "burn rate high", false))

	err := l.DeEscalate(0, "burn rate recovered")
	assert.Error(t, err, "de-escalation before the minimum dwell time must be rejected")
	assert.Equal(t, 2, l.Current().Level)
}

func TestLadder_DeEscalationSucceedsAfterDwellTime(t *testing.T) {
	l := NewLadder(nil, bus.New(), 0, time.Millisecond)
	require.NoError(t, l.Escalate(2, "burn rate high", false))
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, l.DeEscalate(0, "burn rate recovered"))
	assert.Equal(t, 0, l.Current().Level)
}

func TestLadder_ManualOverrideExpires(t *testing.T) {
	l := NewLadder(nil, bus.New(), 0, 0)
	l.SetManualOverride(3, time.Now().Add(10*time.Millisecond))
	assert.Equal(t, 3, l.Current().Level, "a live manual override must win over the auto-escalated level")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, l.Current().Level, "an expired manual override must fall back to the auto-escalated level")
}

func TestLadder_HasAction(t *testing.T) {
	l := NewLadder(nil, bus.New(), 0, 0)
	require.NoError(t, l.Escalate(2, "burn rate high", false))
	assert.True(t, l.HasAction("pause_priority_low"))
	assert.False(t, l.HasAction("reject_non_critical_ingress"), "level 2 must not yet reject non-critical ingress")
}
