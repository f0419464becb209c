package sandboxrt

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/qflow-run/qflow/internal/bus"
	"github.com/qflow-run/qflow/internal/cryptoutil"
	domsandbox "github.com/qflow-run/qflow/internal/domain/sandbox"
	"github.com/qflow-run/qflow/internal/qerrors"
)

// DAOPolicy is a subnet's standing constraint set: every token issued for
// that subnet has its supplied constraints intersected with this policy,
// and its requested duration capped by MaxDuration (spec §4.4: "If a DAO
// policy exists for the subnet, it intersects supplied constraints (policy
// wins on conflicts), and caps durationMs"). Resolved open question: the
// intersection narrows field by field where it can — see intersectConstraints.
type DAOPolicy struct {
	Constraints domsandbox.Constraints
	MaxDuration time.Duration
}

// CapabilityManager issues, uses and revokes capability tokens, enforcing
// the exact step order spec §4.4 mandates: status, expiry, usage cap,
// capability match, argument bounds, rate limit, only then the shim itself.
type CapabilityManager struct {
	mu          sync.Mutex
	tokens      map[string]*domsandbox.Token
	limiters    map[string]*rate.Limiter
	daoPolicies map[string]DAOPolicy
	signer      cryptoutil.Signer
	registry    *ShimRegistry
	auditor     *EgressAuditor
	bus         *bus.Bus
}

// NewCapabilityManager builds a CapabilityManager backed by registry for
// shim dispatch and signer for token integrity.
func NewCapabilityManager(signer cryptoutil.Signer, registry *ShimRegistry, auditor *EgressAuditor, b *bus.Bus) *CapabilityManager {
	return &CapabilityManager{
		tokens:      make(map[string]*domsandbox.Token),
		limiters:    make(map[string]*rate.Limiter),
		daoPolicies: make(map[string]DAOPolicy),
		signer:      signer,
		registry:    registry,
		auditor:     auditor,
		bus:         b,
	}
}

// RegisterDAOPolicy installs subnet's standing policy. An empty subnet
// string registers the policy applied when a token carries no DAO subnet.
func (m *CapabilityManager) RegisterDAOPolicy(subnet string, policy DAOPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.daoPolicies[subnet] = policy
}

// IssueToken signs and stores a new capability token, intersecting
// constraints against subnet's registered DAO policy if one exists.
func (m *CapabilityManager) IssueToken(ctx context.Context, sandboxID, executionID, stepID, capability string, permissions []string, constraints domsandbox.Constraints, daoSubnet string, duration time.Duration, maxUsage int64) (string, error) {
	m.mu.Lock()
	policy, hasPolicy := m.daoPolicies[daoSubnet]
	m.mu.Unlock()

	if hasPolicy {
		constraints = intersectConstraints(constraints, policy.Constraints)
		if policy.MaxDuration > 0 && duration > policy.MaxDuration {
			duration = policy.MaxDuration
		}
	}
	if maxUsage <= 0 {
		maxUsage = 1
	}

	now := time.Now().UTC()
	tok := &domsandbox.Token{
		ID:          uuid.NewString(),
		SandboxID:   sandboxID,
		ExecutionID: executionID,
		StepID:      stepID,
		Capability:  capability,
		Permissions: permissions,
		Constraints: constraints,
		DAOSubnet:   daoSubnet,
		IssuedAt:    now,
		ExpiresAt:   now.Add(duration),
		MaxUsage:    maxUsage,
		Status:      domsandbox.TokenActive,
	}
	digest, err := cryptoutil.DigestHex(tokenSignPayloadOf(tok))
	if err != nil {
		return "", qerrors.Wrap(qerrors.KindSandboxViolation, "digest token", err)
	}
	sig, err := m.signer.Sign([]byte(digest))
	if err != nil {
		return "", qerrors.Wrap(qerrors.KindSandboxViolation, "sign token", err)
	}
	tok.Signature = sig

	m.mu.Lock()
	m.tokens[tok.ID] = tok
	m.mu.Unlock()

	m.publish(ctx, bus.TopicCapabilityTokenIssued, executionID, tok)
	return tok.ID, nil
}

// tokenSignPayload is the subset of a token signed over: constraints and
// usage counters are excluded since they are enforced server-side and
// mutate after issuance.
type tokenSignPayload struct {
	ID          string    `json:"id"`
	SandboxID   string    `json:"sandboxId"`
	ExecutionID string    `json:"executionId"`
	StepID      string    `json:"stepId"`
	Capability  string    `json:"capability"`
	DAOSubnet   string    `json:"daoSubnet"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func tokenSignPayloadOf(tok *domsandbox.Token) tokenSignPayload {
	return tokenSignPayload{
		ID: tok.ID, SandboxID: tok.SandboxID, ExecutionID: tok.ExecutionID, StepID: tok.StepID,
		Capability: tok.Capability, DAOSubnet: tok.DAOSubnet, IssuedAt: tok.IssuedAt, ExpiresAt: tok.ExpiresAt,
	}
}

// UseResult is useToken's outcome.
type UseResult struct {
	Allowed bool
	Reason  string
	Result  any
}

// UseToken enforces the full order spec §4.4 mandates: status, expiry,
// usage cap, capability match, argument-bound validation, rate limit —
// only after every step clears does the shim itself run, and only then are
// usage counters incremented. Every outcome, approved or denied, is
// recorded as an egress request (spec P6, P7).
func (m *CapabilityManager) UseToken(ctx context.Context, tokenID, moduleName, functionName string, args []any) (UseResult, error) {
	m.mu.Lock()
	tok, ok := m.tokens[tokenID]
	m.mu.Unlock()
	if !ok {
		m.deny(ctx, "", "", moduleName, functionName, "unknown token")
		return UseResult{}, qerrors.New(qerrors.KindTokenNotFound, "unknown token")
	}

	now := time.Now().UTC()

	if deny := m.checkStatusAndLimits(tok, now); deny != "" {
		m.deny(ctx, tok.ID, tok.SandboxID, moduleName, functionName, deny)
		return UseResult{Reason: deny}, qerrors.New(qerrors.KindCapabilityDenied, deny)
	}

	reg, found := m.registry.Lookup(moduleName, functionName)
	if !found || reg.RequiredCapability != tok.Capability {
		m.deny(ctx, tok.ID, tok.SandboxID, moduleName, functionName, "capability mismatch")
		return UseResult{Reason: "capability mismatch"}, qerrors.New(qerrors.KindCapabilityDenied, "capability mismatch")
	}

	if ok, reason := validateArgumentBounds(tok.Constraints.ArgumentBounds, args); !ok {
		m.deny(ctx, tok.ID, tok.SandboxID, moduleName, functionName, reason)
		return UseResult{Reason: reason}, qerrors.New(qerrors.KindArgumentBoundViolation, reason)
	}

	if limiter := m.rateLimiterFor(tok, functionName); limiter != nil && !limiter.Allow() {
		m.deny(ctx, tok.ID, tok.SandboxID, moduleName, functionName, "rate limit exceeded")
		return UseResult{Reason: "rate limit exceeded"}, qerrors.New(qerrors.KindRateLimited, "rate limit exceeded")
	}

	result, err := reg.Impl(ctx, args)
	if err != nil {
		m.deny(ctx, tok.ID, tok.SandboxID, moduleName, functionName, err.Error())
		return UseResult{Reason: err.Error()}, err
	}

	m.mu.Lock()
	tok.CurrentUsage++
	if tok.CurrentUsage >= tok.MaxUsage {
		tok.Status = domsandbox.TokenExhausted
	}
	m.mu.Unlock()

	m.record(ctx, tok.ID, tok.SandboxID, moduleName, functionName, true, "")
	m.publish(ctx, bus.TopicCapabilityTokenUsed, tok.ExecutionID, tok)
	return UseResult{Allowed: true, Result: result}, nil
}

// checkStatusAndLimits runs the status, expiry and usage-cap checks, in
// that order, returning a non-empty denial reason on the first failure.
func (m *CapabilityManager) checkStatusAndLimits(tok *domsandbox.Token, now time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case tok.Status != domsandbox.TokenActive:
		return fmt.Sprintf("token status is %s", tok.Status)
	case !now.Before(tok.ExpiresAt):
		tok.Status = domsandbox.TokenExpired
		return "token expired"
	case tok.CurrentUsage >= tok.MaxUsage:
		tok.Status = domsandbox.TokenExhausted
		return "token usage exhausted"
	default:
		return ""
	}
}

// RevokeToken marks tokenID revoked; subsequent uses fail the status check.
func (m *CapabilityManager) RevokeToken(ctx context.Context, tokenID string) error {
	m.mu.Lock()
	tok, ok := m.tokens[tokenID]
	if !ok {
		m.mu.Unlock()
		return qerrors.New(qerrors.KindTokenNotFound, "unknown token")
	}
	tok.Status = domsandbox.TokenRevoked
	m.mu.Unlock()
	m.publish(ctx, bus.TopicCapabilityTokenRevoked, tok.ExecutionID, tok)
	return nil
}

func (m *CapabilityManager) rateLimiterFor(tok *domsandbox.Token, operation string) *rate.Limiter {
	var rl *domsandbox.RateLimit
	for i := range tok.Constraints.RateLimits {
		if tok.Constraints.RateLimits[i].Operation == operation {
			rl = &tok.Constraints.RateLimits[i]
			break
		}
	}
	if rl == nil || rl.MaxRequests <= 0 || rl.WindowMs <= 0 {
		return nil
	}
	key := tok.ID + ":" + operation
	m.mu.Lock()
	defer m.mu.Unlock()
	if limiter, ok := m.limiters[key]; ok {
		return limiter
	}
	perSecond := float64(rl.MaxRequests) / (float64(rl.WindowMs) / 1000.0)
	limiter := rate.NewLimiter(rate.Limit(perSecond), rl.MaxRequests)
	m.limiters[key] = limiter
	return limiter
}

func (m *CapabilityManager) deny(ctx context.Context, tokenID, sandboxID, module, function, reason string) {
	m.record(ctx, tokenID, sandboxID, module, function, false, reason)
}

func (m *CapabilityManager) record(ctx context.Context, tokenID, sandboxID, module, function string, approved bool, reason string) {
	if m.auditor != nil {
		m.auditor.Record(EgressAuditEvent{
			TokenID: tokenID, SandboxID: sandboxID, ModuleName: module, FunctionName: function,
			Approved: approved, Reason: reason,
		})
	}
}

func (m *CapabilityManager) publish(ctx context.Context, topic bus.Topic, actor string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, bus.NewEvent(topic, "capability-manager", actor, data))
}

// validateArgumentBounds checks args against every bound, in position
// order, returning the first violation's reason (spec P7).
func validateArgumentBounds(bounds []domsandbox.ArgumentBound, args []any) (bool, string) {
	for _, b := range bounds {
		if b.Position >= len(args) {
			if b.Required {
				return false, fmt.Sprintf("argument %d is required", b.Position)
			}
			continue
		}
		arg := args[b.Position]
		if reason := checkBound(b, arg); reason != "" {
			return false, fmt.Sprintf("argument %d: %s", b.Position, reason)
		}
	}
	return true, ""
}

func checkBound(b domsandbox.ArgumentBound, arg any) string {
	switch v := arg.(type) {
	case string:
		if b.MinLength != nil && len(v) < *b.MinLength {
			return "below minLength"
		}
		if b.MaxLength != nil && len(v) > *b.MaxLength {
			return "above maxLength"
		}
		if b.Pattern != "" {
			re, err := regexp.Compile(b.Pattern)
			if err != nil || !re.MatchString(v) {
				return "does not match pattern"
			}
		}
		if len(b.AllowedValues) > 0 && !contains(b.AllowedValues, v) {
			return "not in allowed values"
		}
	case float64:
		if b.MinValue != nil && v < *b.MinValue {
			return "below minValue"
		}
		if b.MaxValue != nil && v > *b.MaxValue {
			return "above maxValue"
		}
	case int:
		f := float64(v)
		if b.MinValue != nil && f < *b.MinValue {
			return "below minValue"
		}
		if b.MaxValue != nil && f > *b.MaxValue {
			return "above maxValue"
		}
	}
	if b.Type != "" && !typeMatches(b.Type, arg) {
		return "wrong type"
	}
	return ""
}

func typeMatches(want string, arg any) bool {
	switch want {
	case "string":
		_, ok := arg.(string)
		return ok
	case "number":
		switch arg.(type) {
		case float64, int, int64:
			return true
		default:
			return false
		}
	case "bool", "boolean":
		_, ok := arg.(bool)
		return ok
	default:
		return true
	}
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// intersectConstraints combines supplied constraints with a DAO policy,
// narrowing field by field (resolved open question, see DESIGN.md):
// argument bounds tighten (max of mins, min of maxes, set intersection on
// allowed values, OR on required; a policy pattern replaces the supplied
// one), rate limits take the lower effective rate, resource limits take the
// lower cap, and network host/port lists intersect. When both sides set
// time windows, the policy's windows replace the supplied ones rather than
// being intersected.
func intersectConstraints(supplied, policy domsandbox.Constraints) domsandbox.Constraints {
	out := domsandbox.Constraints{
		ArgumentBounds: intersectArgumentBounds(supplied.ArgumentBounds, policy.ArgumentBounds),
		RateLimits:     intersectRateLimits(supplied.RateLimits, policy.RateLimits),
		ResourceLimit:  intersectResourceLimit(supplied.ResourceLimit, policy.ResourceLimit),
		Network:        intersectNetwork(supplied.Network, policy.Network),
		TimeWindows:    intersectTimeWindows(supplied.TimeWindows, policy.TimeWindows),
	}
	return out
}

func intersectArgumentBounds(a, b []domsandbox.ArgumentBound) []domsandbox.ArgumentBound {
	byPos := make(map[int]domsandbox.ArgumentBound, len(a)+len(b))
	for _, bound := range a {
		byPos[bound.Position] = bound
	}
	for _, bound := range b {
		if existing, ok := byPos[bound.Position]; ok {
			byPos[bound.Position] = narrowBound(existing, bound)
		} else {
			byPos[bound.Position] = bound
		}
	}
	out := make([]domsandbox.ArgumentBound, 0, len(byPos))
	for _, bound := range byPos {
		out = append(out, bound)
	}
	return out
}

func narrowBound(a, b domsandbox.ArgumentBound) domsandbox.ArgumentBound {
	out := a
	out.Required = a.Required || b.Required
	out.MinLength = maxIntPtr(a.MinLength, b.MinLength)
	out.MaxLength = minIntPtr(a.MaxLength, b.MaxLength)
	out.MinValue = maxFloatPtr(a.MinValue, b.MinValue)
	out.MaxValue = minFloatPtr(a.MaxValue, b.MaxValue)
	if b.Pattern != "" {
		out.Pattern = b.Pattern
	}
	if len(a.AllowedValues) > 0 && len(b.AllowedValues) > 0 {
		out.AllowedValues = intersectStrings(a.AllowedValues, b.AllowedValues)
	} else if len(b.AllowedValues) > 0 {
		out.AllowedValues = b.AllowedValues
	}
	return out
}

func intersectRateLimits(a, b []domsandbox.RateLimit) []domsandbox.RateLimit {
	byOp := make(map[string]domsandbox.RateLimit, len(a)+len(b))
	for _, rl := range a {
		byOp[rl.Operation] = rl
	}
	for _, rl := range b {
		if existing, ok := byOp[rl.Operation]; ok {
			if effectiveRate(rl) < effectiveRate(existing) {
				byOp[rl.Operation] = rl
			}
		} else {
			byOp[rl.Operation] = rl
		}
	}
	out := make([]domsandbox.RateLimit, 0, len(byOp))
	for _, rl := range byOp {
		out = append(out, rl)
	}
	return out
}

func effectiveRate(rl domsandbox.RateLimit) float64 {
	if rl.WindowMs <= 0 {
		return float64(rl.MaxRequests)
	}
	return float64(rl.MaxRequests) / float64(rl.WindowMs)
}

func intersectResourceLimit(a, b *domsandbox.ResourceLimit) *domsandbox.ResourceLimit {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	out := *a
	if b.MaxMemoryBytes > 0 && (out.MaxMemoryBytes == 0 || b.MaxMemoryBytes < out.MaxMemoryBytes) {
		out.MaxMemoryBytes = b.MaxMemoryBytes
	}
	if b.MaxCPUTimeMs > 0 && (out.MaxCPUTimeMs == 0 || b.MaxCPUTimeMs < out.MaxCPUTimeMs) {
		out.MaxCPUTimeMs = b.MaxCPUTimeMs
	}
	return &out
}

func intersectNetwork(a, b *domsandbox.NetworkRestriction) *domsandbox.NetworkRestriction {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	out := &domsandbox.NetworkRestriction{}
	if len(a.AllowedHosts) > 0 && len(b.AllowedHosts) > 0 {
		out.AllowedHosts = intersectStrings(a.AllowedHosts, b.AllowedHosts)
	} else if len(b.AllowedHosts) > 0 {
		out.AllowedHosts = b.AllowedHosts
	} else {
		out.AllowedHosts = a.AllowedHosts
	}
	if len(a.AllowedPorts) > 0 && len(b.AllowedPorts) > 0 {
		out.AllowedPorts = intersectInts(a.AllowedPorts, b.AllowedPorts)
	} else if len(b.AllowedPorts) > 0 {
		out.AllowedPorts = b.AllowedPorts
	} else {
		out.AllowedPorts = a.AllowedPorts
	}
	return out
}

func intersectTimeWindows(a, b []domsandbox.TimeWindow) []domsandbox.TimeWindow {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	return b
}

func intersectStrings(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	var out []string
	for _, v := range a {
		if set[v] {
			out = append(out, v)
		}
	}
	return out
}

func intersectInts(a, b []int) []int {
	set := make(map[int]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	var out []int
	for _, v := range a {
		if set[v] {
			out = append(out, v)
		}
	}
	return out
}

func maxIntPtr(a, b *int) *int {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if *a > *b {
		return a
	}
	return b
}

func minIntPtr(a, b *int) *int {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if *a < *b {
		return a
	}
	return b
}

func maxFloatPtr(a, b *float64) *float64 {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if *a > *b {
		return a
	}
	return b
}

func minFloatPtr(a, b *float64) *float64 {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if *a < *b {
		return a
	}
	return b
}
