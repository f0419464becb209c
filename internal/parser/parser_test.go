package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domflow "github.com/qflow-run/qflow/internal/domain/flow"
	"github.com/qflow-run/qflow/internal/qerrors"
)

const yamlFlow = `
id: flow-1
name: Example Flow
version: 1
owner: team-a
steps:
  - id: s1
    type: task
    onSuccess: [s2]
  - id: s2
    type: task
`

const jsonFlow = `{
  "id": "flow-1",
  "name": "Example Flow",
  "version": 1,
  "owner": "team-a",
  "steps": [
    {"id": "s1", "type": "task", "onSuccess": ["s2"]},
    {"id": "s2", "type": "task"}
  ]
}`

func TestParse_AutoDetectsFormatAndAppliesDefaults(t *testing.T) {
	resYAML := Parse([]byte(yamlFlow), "")
	require.Empty(t, resYAML.Errors)
	assert.Equal(t, domflow.DefaultTimeout, resYAML.Flow.Steps[0].Timeout)
	assert.Equal(t, domflow.DefaultRetryPolicy(), resYAML.Flow.Steps[0].Retry)

	resJSON := Parse([]byte(jsonFlow), "")
	require.Empty(t, resJSON.Errors)
	assert.Equal(t, resYAML.Flow.ID, resJSON.Flow.ID)
}

func TestParse_UnparseableDocumentReturnsParseError(t *testing.T) {
	res := Parse([]byte("{not valid"), FormatJSON)
	require.NotEmpty(t, res.Errors)
	kind, ok := qerrors.KindOf(res.Errors[0])
	require.True(t, ok)
	assert.Equal(t, qerrors.KindParseError, kind)
}

func TestParse_MissingRequiredFieldReported(t *testing.T) {
	res := Parse([]byte(`{"steps": [{"id": "s1", "type": "task"}]}`), FormatJSON)
	require.NotEmpty(t, res.Errors)
	var found bool
	for _, e := range res.Errors {
		if qerrors.IsKind(e, qerrors.KindRequiredFieldMissing) {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidateStructure_DetectsDuplicateStepIDs(t *testing.T) {
	f := domflow.Flow{
		ID: "f1", Name: "f", Version: 1, Owner: "o",
		Steps: []domflow.Step{{ID: "s1", Type: domflow.StepTypeTask}, {ID: "s1", Type: domflow.StepTypeTask}},
	}
	errs := ValidateStructure(f)
	require.NotEmpty(t, errs)
	assert.True(t, qerrors.IsKind(errs[0], qerrors.KindDuplicateStepIDs))
}

func TestValidateStructure_DetectsInvalidStepReference(t *testing.T) {
	f := domflow.Flow{
		ID: "f1", Name: "f", Version: 1, Owner: "o",
		Steps: []domflow.Step{{ID: "s1", Type: domflow.StepTypeTask, OnSuccess: []string{"missing"}}},
	}
	errs := ValidateStructure(f)
	require.NotEmpty(t, errs)
	assert.True(t, qerrors.IsKind(errs[0], qerrors.KindInvalidStepReference))
}

func TestValidateStructure_DetectsCircularDependency(t *testing.T) {
	f := domflow.Flow{
		ID: "f1", Name: "f", Version: 1, Owner: "o",
		Steps: []domflow.Step{
			{ID: "s1", Type: domflow.StepTypeTask, OnSuccess: []string{"s2"}},
			{ID: "s2", Type: domflow.StepTypeTask, OnSuccess: []string{"s1"}},
		},
	}
	errs := ValidateStructure(f)
	require.NotEmpty(t, errs)
	var found bool
	for _, e := range errs {
		if qerrors.IsKind(e, qerrors.KindCircularDependency) {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidateStructure_SelfReferencingFailureHandlerPermitted(t *testing.T) {
	f := domflow.Flow{
		ID: "f1", Name: "f", Version: 1, Owner: "o",
		Steps: []domflow.Step{{ID: "s1", Type: domflow.StepTypeTask, OnFailure: []string{"s1"}}},
	}
	errs := ValidateStructure(f)
	for _, e := range errs {
		assert.False(t, qerrors.IsKind(e, qerrors.KindCircularDependency))
	}
}

func TestValidateStructure_DataflowReferenceToUnknownStepDetected(t *testing.T) {
	f := domflow.Flow{
		ID: "f1", Name: "f", Version: 1, Owner: "o",
		Steps: []domflow.Step{
			{ID: "s1", Type: domflow.StepTypeTask, Params: map[string]any{"input": "${missing.result}"}},
		},
	}
	errs := ValidateStructure(f)
	require.NotEmpty(t, errs)
	assert.True(t, qerrors.IsKind(errs[0], qerrors.KindInvalidStepReference))
}

func TestValidateStructure_NoEntryStepDetected(t *testing.T) {
	f := domflow.Flow{
		ID: "f1", Name: "f", Version: 1, Owner: "o",
		Steps: []domflow.Step{
			{ID: "s1", Type: domflow.StepTypeTask, OnSuccess: []string{"s2"}},
			{ID: "s2", Type: domflow.StepTypeTask, OnSuccess: []string{"s1"}},
		},
	}
	errs := ValidateStructure(f)
	require.NotEmpty(t, errs)
	var found bool
	for _, e := range errs {
		if qerrors.IsKind(e, qerrors.KindNoEntryStep) {
			found = true
		}
	}
	assert.True(t, found, "every step has an inbound edge so the flow has no dispatchable entry point")
}

func TestValidateStructure_SingleEntryStepAcceptedEvenWithFanIn(t *testing.T) {
	f := domflow.Flow{
		ID: "f1", Name: "f", Version: 1, Owner: "o",
		Steps: []domflow.Step{
			{ID: "init", Type: domflow.StepTypeTask, OnSuccess: []string{"a", "b"}},
			{ID: "a", Type: domflow.StepTypeTask, OnSuccess: []string{"combine"}},
			{ID: "b", Type: domflow.StepTypeTask, OnSuccess: []string{"combine"}},
			{ID: "combine", Type: domflow.StepTypeTask},
		},
	}
	errs := ValidateStructure(f)
	for _, e := range errs {
		assert.False(t, qerrors.IsKind(e, qerrors.KindNoEntryStep))
	}
}

func TestValidateStructure_InvalidCronScheduleDetected(t *testing.T) {
	f := domflow.Flow{
		ID: "f1", Name: "f", Version: 1, Owner: "o",
		Steps: []domflow.Step{{ID: "s1", Type: domflow.StepTypeEventTrigger, CronSchedule: "not a cron expr"}},
	}
	errs := ValidateStructure(f)
	require.NotEmpty(t, errs)
	assert.True(t, qerrors.IsKind(errs[0], qerrors.KindInvalidType))
}
