package plc

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinKickass/OpenALDCore/internal/types"
)

func holdingDef(address uint16, dataType types.DataType) *types.ParameterDefinition {
	return &types.ParameterDefinition{
		ID:       uuid.New(),
		Address:  address,
		Kind:     types.RegisterKindHolding,
		DataType: dataType,
	}
}

func TestPlanRangesMergesContiguous(t *testing.T) {
	defs := []*types.ParameterDefinition{
		holdingDef(10, types.DataTypeUint16),
		holdingDef(11, types.DataTypeFloat32), // belegt 11-12
		holdingDef(13, types.DataTypeUint16),
	}

	ranges := planRanges(defs)
	require.Len(t, ranges, 1)
	assert.Equal(t, uint16(10), ranges[0].start)
	assert.Equal(t, uint16(4), ranges[0].quantity)
	assert.Len(t, ranges[0].params, 3)
}

func TestPlanRangesBridgesSmallGaps(t *testing.T) {
	defs := []*types.ParameterDefinition{
		holdingDef(10, types.DataTypeUint16),
		holdingDef(10+1+maxMergeGap, types.DataTypeUint16),
	}

	ranges := planRanges(defs)
	require.Len(t, ranges, 1)
	assert.Equal(t, uint16(10+2+maxMergeGap), ranges[0].start+ranges[0].quantity)
}

func TestPlanRangesSplitsLargeGaps(t *testing.T) {
	defs := []*types.ParameterDefinition{
		holdingDef(10, types.DataTypeUint16),
		holdingDef(10+2+maxMergeGap, types.DataTypeUint16),
	}

	ranges := planRanges(defs)
	require.Len(t, ranges, 2)
}

func TestPlanRangesRespectsMaxLength(t *testing.T) {
	defs := make([]*types.ParameterDefinition, 0, maxRangeLength+10)
	for addr := uint16(0); addr < maxRangeLength+10; addr++ {
		defs = append(defs, holdingDef(addr, types.DataTypeUint16))
	}

	ranges := planRanges(defs)
	require.Len(t, ranges, 2)
	for _, r := range ranges {
		assert.LessOrEqual(t, int(r.quantity), maxRangeLength)
	}
}

func TestPlanRangesSeparatesRegisterKinds(t *testing.T) {
	defs := []*types.ParameterDefinition{
		holdingDef(10, types.DataTypeUint16),
		{ID: uuid.New(), Address: 10, Kind: types.RegisterKindInput, DataType: types.DataTypeUint16},
		{ID: uuid.New(), Address: 10, Kind: types.RegisterKindCoil, DataType: types.DataTypeBool},
	}

	ranges := planRanges(defs)
	require.Len(t, ranges, 3)

	kinds := map[types.RegisterKind]bool{}
	for _, r := range ranges {
		kinds[r.kind] = true
	}
	assert.Len(t, kinds, 3)
}

func TestPlanRangesUnsortedInput(t *testing.T) {
	defs := []*types.ParameterDefinition{
		holdingDef(13, types.DataTypeUint16),
		holdingDef(10, types.DataTypeUint16),
		holdingDef(11, types.DataTypeUint16),
	}

	ranges := planRanges(defs)
	require.Len(t, ranges, 1)
	assert.Equal(t, uint16(10), ranges[0].start)
}
