package recipe

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenALDCore/internal/types"
)

func TestParseTypedStep(t *testing.T) {
	data := []byte(`{
		"name": "tma pulse",
		"steps": [
			{"name": "open tma", "type": "valve", "valve": {"valve_number": 2, "duration_ms": 150}}
		]
	}`)

	r, err := Parse(data)
	require.NoError(t, err)
	require.NoError(t, r.ResolveAll(zap.NewNop()))

	require.Len(t, r.Steps, 1)
	require.NotNil(t, r.Steps[0].Valve)
	assert.Equal(t, 2, r.Steps[0].Valve.ValveNumber)
	assert.Equal(t, int64(150), r.Steps[0].Valve.DurationMs)
}

func TestResolveLegacyParameterBlob(t *testing.T) {
	data := []byte(`{
		"name": "legacy",
		"steps": [
			{"type": "valve", "parameters": {"valve_number": 7, "duration_ms": 80}}
		]
	}`)

	r, err := Parse(data)
	require.NoError(t, err)
	require.NoError(t, r.ResolveAll(zap.NewNop()))

	require.NotNil(t, r.Steps[0].Valve)
	assert.Equal(t, 7, r.Steps[0].Valve.ValveNumber)
	assert.Equal(t, int64(80), r.Steps[0].Valve.DurationMs)
}

func TestResolveAppliesDurationDefault(t *testing.T) {
	step := Step{Type: StepTypePurge, Purge: &PurgeConfig{}}

	require.NoError(t, step.Resolve(zap.NewNop()))
	assert.Equal(t, int64(defaultDurationMs), step.Purge.DurationMs)
}

func TestResolveLoopDefaultsToOneIteration(t *testing.T) {
	step := Step{
		Type: StepTypeLoop,
		Loop: &LoopConfig{
			Children: []Step{
				{Type: StepTypeValve, Valve: &ValveConfig{ValveNumber: 1, DurationMs: 10}},
			},
		},
	}

	require.NoError(t, step.Resolve(zap.NewNop()))
	assert.Equal(t, 1, step.Loop.IterationCount)
}

func TestResolveLoopWithoutChildrenFails(t *testing.T) {
	step := Step{Type: StepTypeLoop, Loop: &LoopConfig{IterationCount: 3}}

	var cfgErr *types.ConfigurationError
	require.ErrorAs(t, step.Resolve(zap.NewNop()), &cfgErr)
	assert.Equal(t, "loop.children", cfgErr.Field)
}

func TestResolveParameterRequiresID(t *testing.T) {
	step := Step{Type: StepTypeParameter, Parameter: &ParameterConfig{Target: 200}}

	var cfgErr *types.ConfigurationError
	require.ErrorAs(t, step.Resolve(zap.NewNop()), &cfgErr)
	assert.Equal(t, "parameter.parameter_id", cfgErr.Field)
}

func TestResolveParameterSettleDefault(t *testing.T) {
	step := Step{
		Type: StepTypeParameter,
		Parameter: &ParameterConfig{
			ParameterID: uuid.New(),
			Target:      150,
			Tolerance:   2,
		},
	}

	require.NoError(t, step.Resolve(zap.NewNop()))
	assert.Equal(t, int64(defaultSettleTimeoutMs), step.Parameter.SettleTimeoutMs)
}

func TestResolveUnknownStepType(t *testing.T) {
	step := Step{Type: "anneal"}

	var cfgErr *types.ConfigurationError
	require.ErrorAs(t, step.Resolve(zap.NewNop()), &cfgErr)
}

func TestResolveNestedLoop(t *testing.T) {
	data := []byte(`{
		"name": "nanolaminate",
		"steps": [
			{"type": "loop", "loop": {"iteration_count": 10, "children": [
				{"type": "loop", "loop": {"iteration_count": 5, "children": [
					{"type": "valve", "valve": {"valve_number": 1, "duration_ms": 20}}
				]}},
				{"type": "purge", "purge": {"duration_ms": 500}}
			]}}
		]
	}`)

	r, err := Parse(data)
	require.NoError(t, err)
	require.NoError(t, r.ResolveAll(zap.NewNop()))

	outer := r.Steps[0].Loop
	require.NotNil(t, outer)
	assert.Equal(t, 10, outer.IterationCount)

	inner := outer.Children[0].Loop
	require.NotNil(t, inner)
	assert.Equal(t, 5, inner.IterationCount)
}
