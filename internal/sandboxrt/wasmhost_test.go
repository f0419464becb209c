package sandboxrt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qflow-run/qflow/internal/bus"
	"github.com/qflow-run/qflow/internal/cryptoutil"
	domsandbox "github.com/qflow-run/qflow/internal/domain/sandbox"
)

func TestHost_LoadModule_RejectsDisallowedImport(t *testing.T) {
	mgr, _ := newTestManager(t)
	host := NewHost(1<<20, 50, mgr)

	_, err := host.LoadModule(`function(params) { const fs = require('fs'); return params; }`, []string{"lodash"})
	require.Error(t, err)
}

func TestHost_LoadModule_RejectsOversize(t *testing.T) {
	mgr, _ := newTestManager(t)
	host := NewHost(10, 0, mgr)

	_, err := host.LoadModule(`function(params) { return params; }`, nil)
	require.Error(t, err)
}

func TestHost_LoadModule_RejectsBelowScoreFloor(t *testing.T) {
	mgr, _ := newTestManager(t)
	host := NewHost(1<<20, 90, mgr)

	_, err := host.LoadModule(`function(params) { return eval(params.code); }`, nil)
	require.Error(t, err)
}

func TestHost_RunStep_ReturnsResultAndRoutesHostCall(t *testing.T) {
	signer, err := cryptoutil.NewHMACSigner([]byte("secret"), "capability-token")
	require.NoError(t, err)
	registry := NewShimRegistry()
	registry.Register(ShimRegistration{
		Module: "mail", Function: "send", RequiredCapability: "mail.send",
		Impl: func(context.Context, []any) (any, error) { return "sent", nil },
	})
	mgr := NewCapabilityManager(signer, registry, NewEgressAuditor(10), bus.New())
	host := NewHost(1<<20, 10, mgr)

	ctx := context.Background()
	tokenID, err := mgr.IssueToken(ctx, "sb-1", "exec-1", "step-1", "mail.send", nil, domsandbox.Constraints{}, "", time.Minute, 5)
	require.NoError(t, err)

	mod, err := host.LoadModule(`function(params) { const r = host.call('mail', 'send', params.to); return {status: r}; }`, nil)
	require.NoError(t, err)

	result, err := host.RunStep(ctx, mod, map[string]any{"to": "a@example.com"}, tokenID, nil)
	require.NoError(t, err)
	assert.Equal(t, "sent", result.Output["status"])
}

func TestHost_RunStep_HonorsWallTimeLimit(t *testing.T) {
	mgr, _ := newTestManager(t)
	host := NewHost(1<<20, 0, mgr)

	mod, err := host.LoadModule(`function(params) { while (true) {} return params; }`, nil)
	require.NoError(t, err)

	limiter := NewResourceLimiter(20*time.Millisecond, 0, 20*time.Millisecond)
	_, err = host.RunStep(context.Background(), mod, nil, "", limiter)
	require.Error(t, err)
}
