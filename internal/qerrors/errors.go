// Package qerrors defines the error taxonomy shared by every Qflow subsystem.
//
// Errors are classified by kind, not by the component that raised them, so
// callers across the engine, validation pipeline, sandbox, ledger and control
// loop can all test for the same kinds with IsKind, or with errors.Is against
// an *Error of that kind.
package qerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation-policy decisions (spec §7).
type Kind string

const (
	// Input errors are returned directly to the caller.
	KindParseError             Kind = "PARSE_ERROR"
	KindRequiredFieldMissing   Kind = "REQUIRED_FIELD_MISSING"
	KindInvalidType            Kind = "INVALID_TYPE"
	KindInvalidStepReference   Kind = "INVALID_STEP_REFERENCE"
	KindCircularDependency     Kind = "CIRCULAR_DEPENDENCY"
	KindDuplicateStepIDs       Kind = "DUPLICATE_STEP_IDS"
	KindNoEntryStep            Kind = "NO_ENTRY_STEP"
	KindIDMismatch             Kind = "ID_MISMATCH"

	// Lookup errors.
	KindFlowNotFound      Kind = "FLOW_NOT_FOUND"
	KindExecutionNotFound Kind = "EXECUTION_NOT_FOUND"
	KindTokenNotFound     Kind = "TOKEN_NOT_FOUND"
	KindModuleNotFound    Kind = "MODULE_NOT_FOUND"

	// State errors short-circuit the API call.
	KindInvalidTransition Kind = "INVALID_TRANSITION"
	KindDuplicate         Kind = "DUPLICATE"

	// Authorization errors are recorded as egress-denied audit events.
	KindCapabilityDenied      Kind = "CAPABILITY_DENIED"
	KindArgumentBoundViolation Kind = "ARGUMENT_BOUND_VIOLATION"
	KindRateLimited           Kind = "RATE_LIMITED"
	KindDAOPolicyDeny         Kind = "DAO_POLICY_DENY"

	// Sandbox errors.
	KindResourceLimitExceeded Kind = "RESOURCE_LIMIT_EXCEEDED"
	KindSandboxViolation      Kind = "SANDBOX_VIOLATION"
	KindEscapeAttempt         Kind = "ESCAPE_ATTEMPT"

	// Validation errors.
	KindLayerFailed         Kind = "LAYER_FAILED"
	KindLayerTimeout        Kind = "LAYER_TIMEOUT"
	KindRequiredLayerFailed Kind = "REQUIRED_LAYER_FAILED"

	// Infrastructure errors.
	KindNodeUnreachable   Kind = "NODE_UNREACHABLE"
	KindResourceUnavailable Kind = "RESOURCE_UNAVAILABLE"
	KindLedgerIntegrity   Kind = "LEDGER_INTEGRITY"
	KindReplayMismatch    Kind = "REPLAY_MISMATCH"

	// KindFatal is what a recovered panic is translated to before it reaches a caller.
	KindFatal Kind = "FATAL"
)

// fatalKinds are never safe to retry and always terminate the owning execution.
var fatalKinds = map[Kind]bool{
	KindEscapeAttempt:   true,
	KindLedgerIntegrity: true,
	KindFatal:           true,
}

// infrastructureKinds are distinguished from business faults per spec §4.2:
// they retry independently of a step's business retry budget.
var infrastructureKinds = map[Kind]bool{
	KindNodeUnreachable:     true,
	KindResourceUnavailable: true,
}

// deniedKinds surface as egress-denied audit events per spec §7.
var deniedKinds = map[Kind]bool{
	KindCapabilityDenied:       true,
	KindArgumentBoundViolation: true,
	KindRateLimited:            true,
	KindDAOPolicyDeny:          true,
}

// Error is the structured error every public Qflow API returns. It carries a
// requestID so logs, error responses and emitted failure events correlate
// (spec §7, "every API response carries a requestID").
type Error struct {
	Kind      Kind
	Message   string
	Details   map[string]any
	RequestID string
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match on Kind by comparing against another *Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds a qerrors.Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a qerrors.Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithRequestID returns a copy of the error carrying the given requestID.
func (e *Error) WithRequestID(id string) *Error {
	cp := *e
	cp.RequestID = id
	return &cp
}

// WithDetail returns a copy of the error with an added structured detail.
func (e *Error) WithDetail(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// KindOf extracts the Kind from err, if it is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind, true
	}
	return "", false
}

// IsKind reports whether err is a qerrors.Error of the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsFatal reports whether err is fatal to the owning execution (spec §7).
func IsFatal(err error) bool {
	k, ok := KindOf(err)
	return ok && fatalKinds[k]
}

// IsInfrastructureFault reports whether err should retry under the
// infrastructure budget rather than a step's business retry budget.
func IsInfrastructureFault(err error) bool {
	k, ok := KindOf(err)
	return ok && infrastructureKinds[k]
}

// IsDenied reports whether err represents an authorization denial that must
// be recorded as an egress-denied audit event.
func IsDenied(err error) bool {
	k, ok := KindOf(err)
	return ok && deniedKinds[k]
}

// IsNotFound reports whether err is one of the lookup-failure kinds.
func IsNotFound(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	switch k {
	case KindFlowNotFound, KindExecutionNotFound, KindTokenNotFound, KindModuleNotFound:
		return true
	default:
		return false
	}
}

// Recover translates a recovered panic value into a safe FATAL error. Top-
// level handlers (engine dispatch loop, bus consumers, ops HTTP surface) must
// never leak internals from a panic (spec §7).
func Recover(requestID string, recovered any) *Error {
	return &Error{
		Kind:      KindFatal,
		Message:   "internal error",
		RequestID: requestID,
		Details:   map[string]any{"panic": fmt.Sprintf("%v", recovered)},
	}
}
