package sandboxrt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qflow-run/qflow/internal/bus"
	domsandbox "github.com/qflow-run/qflow/internal/domain/sandbox"
)

func TestSupervisor_CreateSandbox_StrictDeniesNetwork(t *testing.T) {
	sup := NewSupervisor(bus.New())
	ctx := context.Background()

	sb, err := sup.CreateSandbox(ctx, "exec-1", "step-1", domsandbox.IsolationStrict)
	require.NoError(t, err)
	assert.Equal(t, domsandbox.StatusCreated, sb.Status)

	allowed, err := sup.CheckNetworkAccess(ctx, sb.ID, "example.com", 443)
	require.NoError(t, err)
	assert.False(t, allowed)

	violations, err := sup.GetSandboxViolations(sb.ID)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, domsandbox.ViolationNetworkDenied, violations[0].Type)
}

func TestSupervisor_DetectEscapeAttempt_DestroysSandbox(t *testing.T) {
	sup := NewSupervisor(bus.New())
	ctx := context.Background()

	sb, err := sup.CreateSandbox(ctx, "exec-1", "step-1", domsandbox.IsolationModerate)
	require.NoError(t, err)

	destroyed, err := sup.DetectEscapeAttempt(ctx, sb.ID, domsandbox.ViolationBufferOverflow, map[string]any{"offset": 128})
	require.NoError(t, err)
	assert.True(t, destroyed)

	m, err := sup.GetSandboxMetrics(sb.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Violations)
}

func TestSupervisor_CheckSystemCall_AllowlistedSucceeds(t *testing.T) {
	sup := NewSupervisor(bus.New())
	ctx := context.Background()

	sb, err := sup.CreateSandbox(ctx, "exec-1", "step-1", domsandbox.IsolationStrict)
	require.NoError(t, err)

	allowed, err := sup.CheckSystemCall(ctx, sb.ID, "read")
	require.NoError(t, err)
	assert.True(t, allowed)

	denied, err := sup.CheckSystemCall(ctx, sb.ID, "fork")
	require.NoError(t, err)
	assert.False(t, denied)
}
