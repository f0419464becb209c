package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domvalidation "github.com/qflow-run/qflow/internal/domain/validation"
)

func TestPermissionLayer_EvaluatesRegoPolicy(t *testing.T) {
	module := `
package qflow.permission

default allow = false

allow {
	input.principal == "trusted-op"
}
`
	layer, err := PermissionLayer("data.qflow.permission.allow", module)
	require.NoError(t, err)

	allowed, err := layer.Validator(context.Background(), domvalidation.Request{Principal: "trusted-op"})
	require.NoError(t, err)
	assert.Equal(t, domvalidation.StatusPassed, allowed.Status)

	denied, err := layer.Validator(context.Background(), domvalidation.Request{Principal: "stranger"})
	require.NoError(t, err)
	assert.Equal(t, domvalidation.StatusFailed, denied.Status)
}

func TestMetadataLayer_WarnsWhenFieldsMissing(t *testing.T) {
	layer := MetadataLayer()
	result, err := layer.Validator(context.Background(), domvalidation.Request{})
	require.NoError(t, err)
	assert.Equal(t, domvalidation.StatusWarning, result.Status)

	result, err = layer.Validator(context.Background(), domvalidation.Request{ExecID: "e1", StepID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, domvalidation.StatusPassed, result.Status)
}
