package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	req := ReadHoldingRegistersRequest(0x1234, 1, 100, 4)
	raw := req.Encode()

	decoded, err := DecodeFrame(raw)
	require.NoError(t, err)

	assert.Equal(t, uint16(0x1234), decoded.TransactionID)
	assert.Equal(t, uint16(0x0000), decoded.ProtocolID)
	assert.Equal(t, uint8(1), decoded.UnitID)
	assert.Equal(t, uint8(FuncCodeReadHoldingRegisters), decoded.FunctionCode)
	assert.Equal(t, []byte{0x00, 0x64, 0x00, 0x04}, decoded.Data)
}

func TestDecodeFrameTooShort(t *testing.T) {
	_, err := DecodeFrame([]byte{0x00, 0x01, 0x00})
	assert.Error(t, err)
}

func TestDecodeFrameInvalidProtocolID(t *testing.T) {
	req := ReadCoilsRequest(1, 1, 0, 8)
	raw := req.Encode()
	raw[2] = 0xFF

	_, err := DecodeFrame(raw)
	assert.Error(t, err)
}

func TestWriteSingleCoilRequest(t *testing.T) {
	on := WriteSingleCoilRequest(7, 2, 104, true)
	assert.Equal(t, []byte{0x00, 0x68, 0xFF, 0x00}, on.Data)

	off := WriteSingleCoilRequest(8, 2, 104, false)
	assert.Equal(t, []byte{0x00, 0x68, 0x00, 0x00}, off.Data)
}

func TestWriteMultipleRegistersRequest(t *testing.T) {
	req := WriteMultipleRegistersRequest(9, 1, 200, []uint16{0xDEAD, 0xBEEF})

	// start addr, quantity, byte count, values
	assert.Equal(t, []byte{0x00, 0xC8, 0x00, 0x02, 0x04, 0xDE, 0xAD, 0xBE, 0xEF}, req.Data)
}

func TestParseRegisterResponse(t *testing.T) {
	frame := &ModbusFrame{
		FunctionCode: FuncCodeReadHoldingRegisters,
		Data:         []byte{0x04, 0x01, 0x02, 0x03, 0x04},
	}

	registers, err := frame.ParseRegisterResponse()
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x0102, 0x0304}, registers)
}

func TestParseRegisterResponseException(t *testing.T) {
	frame := &ModbusFrame{
		FunctionCode: FuncCodeReadHoldingRegisters | exceptionFlag,
		Data:         []byte{0x02}, // illegal data address
	}

	assert.True(t, frame.IsException())
	assert.Equal(t, uint8(0x02), frame.ExceptionCode())

	_, err := frame.ParseRegisterResponse()
	assert.Error(t, err)
}

func TestParseRegisterResponseIncomplete(t *testing.T) {
	frame := &ModbusFrame{
		FunctionCode: FuncCodeReadHoldingRegisters,
		Data:         []byte{0x04, 0x01, 0x02},
	}

	_, err := frame.ParseRegisterResponse()
	assert.Error(t, err)
}

func TestParseBitResponse(t *testing.T) {
	// 10 coils packed LSB-first: 0b00000101, 0b00000010
	frame := &ModbusFrame{
		FunctionCode: FuncCodeReadCoils,
		Data:         []byte{0x02, 0x05, 0x02},
	}

	bits, err := frame.ParseBitResponse(10)
	require.NoError(t, err)
	require.Len(t, bits, 10)

	assert.True(t, bits[0])
	assert.False(t, bits[1])
	assert.True(t, bits[2])
	assert.True(t, bits[9])
	assert.False(t, bits[8])
}
