package app

import (
	"context"

	"github.com/qflow-run/qflow/internal/control"
	"github.com/qflow-run/qflow/internal/engine"
)

// EngineFlowController adapts *engine.Engine to control.FlowController.
// Both packages declare their own RunningExecution (deliberately, so
// neither imports the other — spec §9), so *engine.Engine does not
// structurally satisfy control.FlowController on its own: a named struct
// return type only satisfies an interface method by identity, not by field
// shape. This adapter is the composition root's seam between the two.
type EngineFlowController struct {
	Engine *engine.Engine
}

var _ control.FlowController = (*EngineFlowController)(nil)

func (a *EngineFlowController) ListRunning() []control.RunningExecution {
	running := a.Engine.ListRunning()
	out := make([]control.RunningExecution, len(running))
	for i, r := range running {
		out[i] = control.RunningExecution{ExecutionID: r.ExecutionID, FlowID: r.FlowID, Priority: r.Priority}
	}
	return out
}

func (a *EngineFlowController) PauseExecution(executionID string) error {
	return a.Engine.PauseExecution(executionID)
}

func (a *EngineFlowController) ResumeExecution(ctx context.Context, executionID string) error {
	return a.Engine.ResumeExecution(ctx, executionID)
}
