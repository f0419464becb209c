package sandboxrt

import "sync"

// EgressAuditor is a bounded ring buffer of capability-token egress
// decisions, approved and denied alike. It follows the same fixed-capacity,
// reslice-on-overflow shape as the reference service sandbox's
// SecurityAuditor, retyped to the capability-token domain (spec glossary
// "Egress request").
type EgressAuditor struct {
	mu     sync.Mutex
	events []EgressAuditEvent
	maxLen int
}

// EgressAuditEvent is one recorded attempt to call into a platform module
// through a host shim.
type EgressAuditEvent struct {
	TokenID      string
	SandboxID    string
	ModuleName   string
	FunctionName string
	Approved     bool
	Reason       string
}

// NewEgressAuditor builds an auditor retaining at most maxEvents entries.
func NewEgressAuditor(maxEvents int) *EgressAuditor {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &EgressAuditor{maxLen: maxEvents}
}

// Record appends ev, dropping the oldest entry once at capacity.
func (a *EgressAuditor) Record(ev EgressAuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.events) >= a.maxLen {
		a.events = a.events[1:]
	}
	a.events = append(a.events, ev)
}

// Events returns the most recent limit entries (all of them if limit <= 0),
// oldest first.
func (a *EgressAuditor) Events(limit int) []EgressAuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit <= 0 || limit >= len(a.events) {
		return append([]EgressAuditEvent(nil), a.events...)
	}
	start := len(a.events) - limit
	return append([]EgressAuditEvent(nil), a.events[start:]...)
}
