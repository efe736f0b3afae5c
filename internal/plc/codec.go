package plc

import (
	"fmt"
	"math"

	"github.com/KevinKickass/OpenALDCore/internal/types"
)

// Register encoding on the wire: float32 = 2 registers IEEE-754
// (high word first), int32 = 2 registers, int16/uint16/bool = 1.

func decodeRegisters(registers []uint16, def *types.ParameterDefinition) (float64, error) {
	scale := def.ScaleFactor
	if scale == 0 {
		scale = 1.0
	}

	switch def.DataType {
	case types.DataTypeUint16:
		if len(registers) < 1 {
			return 0, fmt.Errorf("missing register for %s", def.Name)
		}
		return float64(registers[0]) * scale, nil
	case types.DataTypeInt16:
		if len(registers) < 1 {
			return 0, fmt.Errorf("missing register for %s", def.Name)
		}
		return float64(int16(registers[0])) * scale, nil
	case types.DataTypeInt32:
		if len(registers) < 2 {
			return 0, fmt.Errorf("missing registers for %s", def.Name)
		}
		val := int32(uint32(registers[0])<<16 | uint32(registers[1]))
		return float64(val) * scale, nil
	case types.DataTypeFloat32:
		if len(registers) < 2 {
			return 0, fmt.Errorf("missing registers for %s", def.Name)
		}
		bits := uint32(registers[0])<<16 | uint32(registers[1])
		return float64(math.Float32frombits(bits)) * scale, nil
	case types.DataTypeBool:
		if len(registers) < 1 {
			return 0, fmt.Errorf("missing register for %s", def.Name)
		}
		if registers[0] != 0 {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unsupported data type: %s", def.DataType)
	}
}

func encodeValue(value float64, def *types.ParameterDefinition) ([]uint16, error) {
	scale := def.ScaleFactor
	if scale == 0 {
		scale = 1.0
	}
	raw := value / scale

	switch def.DataType {
	case types.DataTypeUint16:
		return []uint16{uint16(raw)}, nil
	case types.DataTypeInt16:
		return []uint16{uint16(int16(raw))}, nil
	case types.DataTypeInt32:
		v := uint32(int32(raw))
		return []uint16{uint16(v >> 16), uint16(v)}, nil
	case types.DataTypeFloat32:
		bits := math.Float32bits(float32(raw))
		return []uint16{uint16(bits >> 16), uint16(bits)}, nil
	case types.DataTypeBool:
		if raw != 0 {
			return []uint16{1}, nil
		}
		return []uint16{0}, nil
	default:
		return nil, fmt.Errorf("unsupported data type: %s", def.DataType)
	}
}
