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

func newTestManager(t *testing.T) (*CapabilityManager, *ShimRegistry) {
	t.Helper()
	signer, err := cryptoutil.NewHMACSigner([]byte("test-root-secret"), "capability-token")
	require.NoError(t, err)
	registry := NewShimRegistry()
	mgr := NewCapabilityManager(signer, registry, NewEgressAuditor(100), bus.New())
	return mgr, registry
}

func TestCapabilityManager_UseToken_DeniesWithoutMatchingToken(t *testing.T) {
	mgr, registry := newTestManager(t)
	registry.Register(ShimRegistration{
		Module: "mail", Function: "send", RequiredCapability: "mail.send",
		Impl: func(context.Context, []any) (any, error) { return "ok", nil },
	})

	res, err := mgr.UseToken(context.Background(), "nonexistent-token", "mail", "send", nil)
	require.Error(t, err)
	assert.False(t, res.Allowed)
}

func TestCapabilityManager_UseToken_CapabilityMismatchDenied(t *testing.T) {
	mgr, registry := newTestManager(t)
	registry.Register(ShimRegistration{
		Module: "mail", Function: "send", RequiredCapability: "mail.send",
		Impl: func(context.Context, []any) (any, error) { return "ok", nil },
	})

	ctx := context.Background()
	tokenID, err := mgr.IssueToken(ctx, "sb-1", "exec-1", "step-1", "mail.read", nil, domsandbox.Constraints{}, "", time.Minute, 10)
	require.NoError(t, err)

	res, err := mgr.UseToken(ctx, tokenID, "mail", "send", nil)
	require.Error(t, err)
	assert.False(t, res.Allowed)
}

func TestCapabilityManager_UseToken_ArgumentBoundViolation(t *testing.T) {
	mgr, registry := newTestManager(t)
	registry.Register(ShimRegistration{
		Module: "index", Function: "query", RequiredCapability: "index.query",
		Impl: func(context.Context, []any) (any, error) { return "ok", nil },
	})

	maxLen := 5
	ctx := context.Background()
	tokenID, err := mgr.IssueToken(ctx, "sb-1", "exec-1", "step-1", "index.query", nil, domsandbox.Constraints{
		ArgumentBounds: []domsandbox.ArgumentBound{{Position: 0, MaxLength: &maxLen}},
	}, "", time.Minute, 10)
	require.NoError(t, err)

	res, err := mgr.UseToken(ctx, tokenID, "index", "query", []any{"this-is-way-too-long"})
	require.Error(t, err)
	assert.False(t, res.Allowed)

	res, err = mgr.UseToken(ctx, tokenID, "index", "query", []any{"ok"})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestCapabilityManager_UseToken_RateLimited(t *testing.T) {
	mgr, registry := newTestManager(t)
	registry.Register(ShimRegistration{
		Module: "crypto", Function: "hash", RequiredCapability: "crypto.hash",
		Impl: func(context.Context, []any) (any, error) { return "ok", nil },
	})

	ctx := context.Background()
	tokenID, err := mgr.IssueToken(ctx, "sb-1", "exec-1", "step-1", "crypto.hash", nil, domsandbox.Constraints{
		RateLimits: []domsandbox.RateLimit{{Operation: "hash", MaxRequests: 1, WindowMs: 60_000}},
	}, "", time.Minute, 10)
	require.NoError(t, err)

	res, err := mgr.UseToken(ctx, tokenID, "crypto", "hash", nil)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = mgr.UseToken(ctx, tokenID, "crypto", "hash", nil)
	require.Error(t, err)
	assert.False(t, res.Allowed)
}

func TestCapabilityManager_IssueToken_DAOPolicyNarrowsConstraints(t *testing.T) {
	mgr, _ := newTestManager(t)
	minLen := 1
	maxLen := 1000
	policyMaxLen := 10
	mgr.RegisterDAOPolicy("subnet-a", DAOPolicy{
		Constraints: domsandbox.Constraints{
			ArgumentBounds: []domsandbox.ArgumentBound{{Position: 0, MaxLength: &policyMaxLen}},
		},
		MaxDuration: 30 * time.Second,
	})

	ctx := context.Background()
	tokenID, err := mgr.IssueToken(ctx, "sb-1", "exec-1", "step-1", "cap", nil, domsandbox.Constraints{
		ArgumentBounds: []domsandbox.ArgumentBound{{Position: 0, MinLength: &minLen, MaxLength: &maxLen}},
	}, "subnet-a", time.Hour, 5)
	require.NoError(t, err)

	mgr.mu.Lock()
	tok := mgr.tokens[tokenID]
	mgr.mu.Unlock()

	require.True(t, tok.ExpiresAt.Before(tok.IssuedAt.Add(time.Hour)))
	require.Len(t, tok.Constraints.ArgumentBounds, 1)
	assert.Equal(t, policyMaxLen, *tok.Constraints.ArgumentBounds[0].MaxLength)
	assert.Equal(t, minLen, *tok.Constraints.ArgumentBounds[0].MinLength)
}

func TestCapabilityManager_RevokeToken_DeniesFurtherUse(t *testing.T) {
	mgr, registry := newTestManager(t)
	registry.Register(ShimRegistration{
		Module: "mail", Function: "send", RequiredCapability: "mail.send",
		Impl: func(context.Context, []any) (any, error) { return "ok", nil },
	})

	ctx := context.Background()
	tokenID, err := mgr.IssueToken(ctx, "sb-1", "exec-1", "step-1", "mail.send", nil, domsandbox.Constraints{}, "", time.Minute, 10)
	require.NoError(t, err)

	require.NoError(t, mgr.RevokeToken(ctx, tokenID))

	res, err := mgr.UseToken(ctx, tokenID, "mail", "send", nil)
	require.Error(t, err)
	assert.False(t, res.Allowed)
}
