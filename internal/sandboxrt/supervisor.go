// Package sandboxrt implements the Sandbox Supervisor, Capability Token
// manager and WASM host (spec §4.4): per-step isolation boundaries, the
// deny-by-default token system that gates every host-shim call, and the
// in-process script host those calls run inside.
package sandboxrt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qflow-run/qflow/internal/bus"
	domsandbox "github.com/qflow-run/qflow/internal/domain/sandbox"
	"github.com/qflow-run/qflow/internal/metrics"
	"github.com/qflow-run/qflow/internal/qerrors"
)

// Supervisor owns every live sandbox's policy, violation history and
// metrics. A critical violation or a confirmed escape signature destroys the
// sandbox immediately (spec §4.4).
type Supervisor struct {
	mu       sync.RWMutex
	sandboxes map[string]*domsandbox.Sandbox
	bus      *bus.Bus
}

// NewSupervisor builds an empty Supervisor publishing lifecycle events to b.
func NewSupervisor(b *bus.Bus) *Supervisor {
	return &Supervisor{
		sandboxes: make(map[string]*domsandbox.Sandbox),
		bus:       b,
	}
}

// CreateSandbox allocates a sandbox for (executionID, stepID) at the given
// isolation level, seeding its policy triple from DefaultPolicies.
func (s *Supervisor) CreateSandbox(ctx context.Context, executionID, stepID string, level domsandbox.IsolationLevel) (*domsandbox.Sandbox, error) {
	network, filesystem, system := domsandbox.DefaultPolicies(level)
	sb := &domsandbox.Sandbox{
		ID:             uuid.NewString(),
		ExecutionID:    executionID,
		StepID:         stepID,
		IsolationLevel: level,
		Network:        network,
		Filesystem:     filesystem,
		System:         system,
		Status:         domsandbox.StatusCreated,
		CreatedAt:      time.Now().UTC(),
	}

	s.mu.Lock()
	s.sandboxes[sb.ID] = sb
	s.mu.Unlock()

	s.publish(ctx, bus.TopicSandboxCreated, executionID, sb)
	return sb, nil
}

// DestroySandbox tears sb down, marking it destroyed. Calling it twice is a
// no-op: the second call finds the sandbox already terminal.
func (s *Supervisor) DestroySandbox(ctx context.Context, sandboxID string) error {
	s.mu.Lock()
	sb, ok := s.sandboxes[sandboxID]
	if !ok {
		s.mu.Unlock()
		return qerrors.New(qerrors.KindModuleNotFound, "unknown sandbox")
	}
	if sb.Status == domsandbox.StatusDestroyed {
		s.mu.Unlock()
		return nil
	}
	sb.Status = domsandbox.StatusDestroyed
	sb.DestroyedAt = time.Now().UTC()
	s.mu.Unlock()

	s.publish(ctx, bus.TopicSandboxDestroyed, sb.ExecutionID, sb)
	return nil
}

// get returns sb or a MODULE_NOT_FOUND error, without holding the lock past
// the call.
func (s *Supervisor) get(sandboxID string) (*domsandbox.Sandbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sb, ok := s.sandboxes[sandboxID]
	if !ok {
		return nil, qerrors.New(qerrors.KindModuleNotFound, "unknown sandbox")
	}
	return sb, nil
}

// CheckNetworkAccess reports whether sandboxID's network policy permits an
// outbound connection to host:port, recording a violation on denial.
func (s *Supervisor) CheckNetworkAccess(ctx context.Context, sandboxID, host string, port int) (bool, error) {
	sb, err := s.get(sandboxID)
	if err != nil {
		return false, err
	}
	allowed := sb.Network.OutboundAllowed && hostAllowed(sb.Network.AllowedHosts, host) && portAllowed(sb.Network.AllowedPorts, port)
	if allowed {
		s.mu.Lock()
		sb.Metrics.Connections++
		s.mu.Unlock()
		return true, nil
	}
	s.recordViolation(ctx, sb, domsandbox.Violation{
		Type:        domsandbox.ViolationNetworkDenied,
		Severity:    domsandbox.SeverityMedium,
		Description: fmt.Sprintf("outbound connection to %s:%d denied", host, port),
		Details:     map[string]any{"host": host, "port": port},
		Action:      domsandbox.ActionBlock,
	})
	return false, nil
}

// CheckFilesystemAccess reports whether sandboxID's filesystem policy
// permits the requested read or write of size bytes, recording a violation
// on denial.
func (s *Supervisor) CheckFilesystemAccess(ctx context.Context, sandboxID, path string, write bool, sizeBytes int64) (bool, error) {
	sb, err := s.get(sandboxID)
	if err != nil {
		return false, err
	}
	fs := sb.Filesystem
	allowed := write && fs.WriteAllowed || !write && fs.ReadAllowed
	if allowed && write && fs.MaxFileSizeBytes > 0 && sizeBytes > fs.MaxFileSizeBytes {
		allowed = false
	}
	if allowed {
		s.mu.Lock()
		sb.Metrics.FilesTouched++
		s.mu.Unlock()
		return true, nil
	}
	s.recordViolation(ctx, sb, domsandbox.Violation{
		Type:        domsandbox.ViolationFilesystemDenied,
		Severity:    domsandbox.SeverityMedium,
		Description: fmt.Sprintf("filesystem access to %s denied", path),
		Details:     map[string]any{"path": path, "write": write, "sizeBytes": sizeBytes},
		Action:      domsandbox.ActionBlock,
	})
	return false, nil
}

// CheckSystemCall reports whether syscall is on sandboxID's allowlist,
// recording a violation on denial.
func (s *Supervisor) CheckSystemCall(ctx context.Context, sandboxID, syscall string) (bool, error) {
	sb, err := s.get(sandboxID)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	sb.Metrics.Syscalls++
	s.mu.Unlock()

	for _, allowed := range sb.System.AllowedSyscalls {
		if allowed == syscall {
			return true, nil
		}
	}
	s.recordViolation(ctx, sb, domsandbox.Violation{
		Type:        domsandbox.ViolationSyscallDenied,
		Severity:    domsandbox.SeverityHigh,
		Description: fmt.Sprintf("syscall %s denied", syscall),
		Details:     map[string]any{"syscall": syscall},
		Action:      domsandbox.ActionBlock,
	})
	return false, nil
}

// DetectEscapeAttempt records a critical violation of type t and destroys
// the sandbox immediately (spec §4.4); when t is a recognized escape
// signature (domsandbox.IsEscapeSignature) an escape-detected event is
// published first. It returns true when the sandbox was destroyed as a
// result.
func (s *Supervisor) DetectEscapeAttempt(ctx context.Context, sandboxID string, t domsandbox.ViolationType, details map[string]any) (bool, error) {
	sb, err := s.get(sandboxID)
	if err != nil {
		return false, err
	}
	s.recordViolation(ctx, sb, domsandbox.Violation{
		Type:        t,
		Severity:    domsandbox.SeverityCritical,
		Description: fmt.Sprintf("escape signature detected: %s", t),
		Details:     details,
		Action:      domsandbox.ActionTerminate,
	})
	if domsandbox.IsEscapeSignature(t) {
		s.publish(ctx, bus.TopicSandboxEscapeDetected, sb.ExecutionID, sb)
	}
	return true, s.DestroySandbox(ctx, sandboxID)
}

// recordViolation appends v to sb's history, updates its tally, and
// destroys the sandbox on a critical severity or a recognized escape
// signature (spec §4.4: "Critical violations and any confirmed escape
// attempt ... cause immediate destroyedSandbox"), except when v's action is
// terminate: then the caller (DetectEscapeAttempt) destroys it.
func (s *Supervisor) recordViolation(ctx context.Context, sb *domsandbox.Sandbox, v domsandbox.Violation) {
	v.SandboxID = sb.ID
	v.OccurredAt = time.Now().UTC()

	s.mu.Lock()
	sb.Violations = append(sb.Violations, v)
	sb.Metrics.Violations++
	critical := v.Severity == domsandbox.SeverityCritical || domsandbox.IsEscapeSignature(v.Type)
	s.mu.Unlock()

	s.publish(ctx, bus.TopicSandboxViolation, sb.ExecutionID, v)

	if critical && v.Action != domsandbox.ActionTerminate {
		_ = s.DestroySandbox(ctx, sb.ID)
	}
}

// GetSandboxViolations returns sandboxID's recorded violation history.
func (s *Supervisor) GetSandboxViolations(sandboxID string) ([]domsandbox.Violation, error) {
	sb, err := s.get(sandboxID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domsandbox.Violation(nil), sb.Violations...), nil
}

// GetSandboxMetrics returns sandboxID's current operational tally, with
// UptimeMs computed from CreatedAt.
func (s *Supervisor) GetSandboxMetrics(sandboxID string) (domsandbox.Metrics, error) {
	sb, err := s.get(sandboxID)
	if err != nil {
		return domsandbox.Metrics{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := sb.Metrics
	end := sb.DestroyedAt
	if end.IsZero() {
		end = time.Now().UTC()
	}
	m.UptimeMs = end.Sub(sb.CreatedAt).Milliseconds()
	return m, nil
}

func (s *Supervisor) publish(ctx context.Context, topic bus.Topic, actor string, data any) {
	metrics.RecordSandboxEvent(sandboxMetricEvent(topic))
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, bus.NewEvent(topic, "sandbox-supervisor", actor, data))
}

func sandboxMetricEvent(topic bus.Topic) string {
	switch topic {
	case bus.TopicSandboxCreated:
		return "created"
	case bus.TopicSandboxDestroyed:
		return "destroyed"
	case bus.TopicSandboxEscapeDetected:
		return "escape_detected"
	case bus.TopicSandboxViolation:
		return "violation"
	default:
		return "other"
	}
}

func hostAllowed(allowlist []string, host string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, h := range allowlist {
		if h == host {
			return true
		}
	}
	return false
}

func portAllowed(allowlist []int, port int) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, p := range allowlist {
		if p == port {
			return true
		}
	}
	return false
}
