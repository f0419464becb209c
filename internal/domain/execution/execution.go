// Package execution defines the runtime instance of a flow (spec §3).
package execution

import "time"

// Status is the lifecycle of an execution as a whole.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// IsTerminal reports whether the execution can no longer transition.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// IsolationLevel is the sandbox isolation tier requested for an execution's
// steps, inherited from the triggering context (spec §4.4).
type IsolationLevel string

const (
	IsolationStrict     IsolationLevel = "strict"
	IsolationModerate   IsolationLevel = "moderate"
	IsolationPermissive IsolationLevel = "permissive"
)

// Priority is used by Adaptive Control to decide which flows to pause first
// under burn-rate pressure (spec §4.6, S6).
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Context carries everything about why and how an execution was triggered.
type Context struct {
	TriggeringPrincipal string            `json:"triggeringPrincipal"`
	TriggerType         string            `json:"triggerType"`
	Input               map[string]any    `json:"input,omitempty"`
	Variables           map[string]any    `json:"variables,omitempty"`
	Permissions         []string          `json:"permissions,omitempty"`
	DAOSubnet           string            `json:"daoSubnet,omitempty"`
	Isolation           IsolationLevel    `json:"isolation"`
	Priority            Priority          `json:"priority"`
}

// StepResult is a captured step outcome, referenced by dataflow expressions
// of the shape ${stepId.result} (spec §4.1, §4.2).
type StepResult struct {
	StepID       string         `json:"stepId"`
	Result       any            `json:"result,omitempty"`
	ResultDigest string         `json:"resultDigest,omitempty"`
	Error        string         `json:"error,omitempty"`
	CompletedAt  time.Time      `json:"completedAt"`
}

// Execution is the runtime instance of a flow (spec §3).
type Execution struct {
	ID              string                 `json:"id"`
	FlowID          string                 `json:"flowId"`
	FlowVersion     int                    `json:"flowVersion"`
	Context         Context                `json:"context"`
	Status          Status                 `json:"status"`
	CompletedSteps  []string               `json:"completedSteps"`
	FailedSteps     []string               `json:"failedSteps"`
	CurrentStep     string                 `json:"currentStep,omitempty"`
	NodeAssignments map[string]string      `json:"nodeAssignments"`
	StepResults     map[string]StepResult  `json:"stepResults"`
	StartTime       time.Time              `json:"startTime"`
	EndTime         time.Time              `json:"endTime,omitempty"`
}

// New creates a pending execution for flowID under ctx.
func New(id, flowID string, flowVersion int, ctx Context) *Execution {
	return &Execution{
		ID:              id,
		FlowID:          flowID,
		FlowVersion:     flowVersion,
		Context:         ctx,
		Status:          StatusPending,
		NodeAssignments: make(map[string]string),
		StepResults:     make(map[string]StepResult),
		StartTime:       time.Now(),
	}
}

// Snapshot is a read-only copy safe to hand to callers outside the engine's
// write lock (spec §5, "readers are lock-free with published snapshots").
type Snapshot struct {
	Execution
}

// Clone returns a deep-enough copy of e for safe external use.
func (e *Execution) Clone() *Execution {
	cp := *e
	cp.CompletedSteps = append([]string(nil), e.CompletedSteps...)
	cp.FailedSteps = append([]string(nil), e.FailedSteps...)
	cp.NodeAssignments = make(map[string]string, len(e.NodeAssignments))
	for k, v := range e.NodeAssignments {
		cp.NodeAssignments[k] = v
	}
	cp.StepResults = make(map[string]StepResult, len(e.StepResults))
	for k, v := range e.StepResults {
		cp.StepResults[k] = v
	}
	return &cp
}
