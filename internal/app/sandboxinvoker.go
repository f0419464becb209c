package app

import (
	"context"
	"fmt"
	"time"

	domflow "github.com/qflow-run/qflow/internal/domain/flow"
	domsandbox "github.com/qflow-run/qflow/internal/domain/sandbox"
	"github.com/qflow-run/qflow/internal/engine"
	"github.com/qflow-run/qflow/internal/qerrors"
	"github.com/qflow-run/qflow/internal/sandboxrt"
)

// SandboxActionInvoker is the production engine.ActionInvoker: every
// task/module-call step runs inside its own sandbox, under a per-step
// capability token (revoked when the step returns) scoped to the shims the step actually declares in
// CapabilityTags (spec §4.4). It is the thing that finally exercises the
// Sandbox Supervisor, Capability Manager and WASM host outside of their own
// package tests.
type SandboxActionInvoker struct {
	supervisor *sandboxrt.Supervisor
	capMgr     *sandboxrt.CapabilityManager
	host       *sandboxrt.Host

	isolation    domsandbox.IsolationLevel
	tokenTTL     time.Duration
	tokenUsage   int64
	maxWallTime  time.Duration
	maxHeapBytes uint64
	grace        time.Duration
}

// NewSandboxActionInvoker builds a SandboxActionInvoker. isolation is the
// default sandbox policy tier applied to every step; maxWallTime/maxHeapBytes
// bound the ResourceLimiter created per run.
func NewSandboxActionInvoker(supervisor *sandboxrt.Supervisor, capMgr *sandboxrt.CapabilityManager, host *sandboxrt.Host, isolation domsandbox.IsolationLevel, maxWallTime time.Duration, maxHeapBytes uint64, grace time.Duration) *SandboxActionInvoker {
	return &SandboxActionInvoker{
		supervisor:   supervisor,
		capMgr:       capMgr,
		host:         host,
		isolation:    isolation,
		tokenTTL:     maxWallTime + grace,
		tokenUsage:   1000,
		maxWallTime:  maxWallTime,
		maxHeapBytes: maxHeapBytes,
		grace:        grace,
	}
}

var _ engine.ActionInvoker = (*SandboxActionInvoker)(nil)

// Invoke creates a sandbox for the step, issues it a capability token scoped
// to step.CapabilityTags, loads step.Params["source"] as a module and runs
// it, tearing the sandbox down in every case (spec §4.4: the sandbox is
// per-step, not pooled).
func (s *SandboxActionInvoker) Invoke(ctx context.Context, step domflow.Step, input map[string]any) (map[string]any, error) {
	source, _ := step.Params["source"].(string)
	if source == "" {
		return nil, fmt.Errorf("step %q: params.source is required to run a task/module-call step", step.ID)
	}

	execID, _ := input["executionId"].(string)

	sb, err := s.supervisor.CreateSandbox(ctx, execID, step.ID, s.isolation)
	if err != nil {
		return nil, fmt.Errorf("step %q: create sandbox: %w", step.ID, err)
	}
	defer func() { _ = s.supervisor.DestroySandbox(ctx, sb.ID) }()

	mod, err := s.host.LoadModule(source, allowedImportsOf(step.Params))
	if err != nil {
		return nil, fmt.Errorf("step %q: load module: %w", step.ID, err)
	}

	daoSubnet, _ := step.Params["daoSubnet"].(string)
	capability := step.Action
	if capability == "" {
		capability = "default"
	}
	tokenID, err := s.capMgr.IssueToken(ctx, sb.ID, execID, step.ID, capability, step.CapabilityTags, domsandbox.Constraints{}, daoSubnet, s.tokenTTL, s.tokenUsage)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.KindCapabilityDenied, fmt.Sprintf("step %q: issue capability token", step.ID), err)
	}
	defer func() { _ = s.capMgr.RevokeToken(ctx, tokenID) }()

	wallTime := s.maxWallTime
	if step.Resources.MaxWallTime > 0 {
		wallTime = step.Resources.MaxWallTime
	}
	limiter := sandboxrt.NewResourceLimiter(wallTime, s.maxHeapBytes, s.grace)

	result, err := s.host.RunStep(ctx, mod, input, tokenID, limiter)
	if err != nil {
		return nil, err
	}
	return result.Output, nil
}

// allowedImportsOf reads params.allowedImports, tolerating both the []any a
// parsed YAML/JSON document produces and a []string supplied in code.
func allowedImportsOf(params map[string]any) []string {
	switch raw := params["allowedImports"].(type) {
	case []string:
		return raw
	case []any:
		var out []string
		for _, v := range raw {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
