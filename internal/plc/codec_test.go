package plc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinKickass/OpenALDCore/internal/types"
)

func defWith(dataType types.DataType, scale float64) *types.ParameterDefinition {
	return &types.ParameterDefinition{
		Name:        "test_param",
		DataType:    dataType,
		ScaleFactor: scale,
	}
}

func TestCodecRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		dataType types.DataType
		scale    float64
		value    float64
	}{
		{"uint16 unscaled", types.DataTypeUint16, 0, 1234},
		{"uint16 scaled", types.DataTypeUint16, 0.1, 123.4},
		{"int16 negative", types.DataTypeInt16, 0, -250},
		{"int32 large", types.DataTypeInt32, 0, 1_000_000},
		{"int32 negative scaled", types.DataTypeInt32, 0.01, -12345.67},
		{"float32", types.DataTypeFloat32, 0, 273.15},
		{"bool on", types.DataTypeBool, 0, 1},
		{"bool off", types.DataTypeBool, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := defWith(tt.dataType, tt.scale)

			registers, err := encodeValue(tt.value, def)
			require.NoError(t, err)

			decoded, err := decodeRegisters(registers, def)
			require.NoError(t, err)

			assert.InDelta(t, tt.value, decoded, 0.02)
		})
	}
}

func TestDecodeFloat32HighWordFirst(t *testing.T) {
	// 1.0 als IEEE-754: 0x3F800000
	def := defWith(types.DataTypeFloat32, 0)

	value, err := decodeRegisters([]uint16{0x3F80, 0x0000}, def)
	require.NoError(t, err)
	assert.Equal(t, 1.0, value)
}

func TestDecodeInt16SignExtension(t *testing.T) {
	def := defWith(types.DataTypeInt16, 0)

	value, err := decodeRegisters([]uint16{0xFFFF}, def)
	require.NoError(t, err)
	assert.Equal(t, -1.0, value)
}

func TestDecodeMissingRegisters(t *testing.T) {
	def := defWith(types.DataTypeFloat32, 0)

	_, err := decodeRegisters([]uint16{0x3F80}, def)
	assert.Error(t, err)
}
