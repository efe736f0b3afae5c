package recipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatorAcceptsValidRecipe(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	err = v.ValidateDefinition([]byte(`{
		"name": "al2o3 standard",
		"steps": [
			{"type": "valve", "valve": {"valve_number": 1, "duration_ms": 100}},
			{"type": "purge", "purge": {"duration_ms": 2000}},
			{"type": "loop", "loop": {"iteration_count": 100, "children": [
				{"type": "valve", "valve": {"valve_number": 2, "duration_ms": 50}}
			]}}
		]
	}`))
	assert.NoError(t, err)
}

func TestValidatorRejectsMissingName(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	err = v.ValidateDefinition([]byte(`{
		"steps": [{"type": "purge"}]
	}`))
	assert.Error(t, err)
}

func TestValidatorRejectsEmptySteps(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	err = v.ValidateDefinition([]byte(`{"name": "empty", "steps": []}`))
	assert.Error(t, err)
}

func TestValidatorRejectsUnknownStepType(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	err = v.ValidateDefinition([]byte(`{
		"name": "bad",
		"steps": [{"type": "anneal"}]
	}`))
	assert.Error(t, err)
}

func TestValidatorRejectsInvalidJSON(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	assert.Error(t, v.ValidateDefinition([]byte(`{not json`)))
}
