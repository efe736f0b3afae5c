package plc

import (
	"context"
	"encoding/binary"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenALDCore/internal/config"
	"github.com/KevinKickass/OpenALDCore/internal/modbus"
	"github.com/KevinKickass/OpenALDCore/internal/types"
)

// plcDouble is a minimal in-process Modbus TCP slave backed by register
// and coil maps.
type plcDouble struct {
	listener net.Listener

	mu       sync.Mutex
	holding  map[uint16]uint16
	input    map[uint16]uint16
	coils    map[uint16]bool
	requests int
	failFrom int
}

func newPLCDouble(t *testing.T) *plcDouble {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	d := &plcDouble{
		listener: listener,
		holding:  make(map[uint16]uint16),
		input:    make(map[uint16]uint16),
		coils:    make(map[uint16]bool),
	}

	go d.acceptLoop()
	t.Cleanup(func() { listener.Close() })

	return d
}

func (d *plcDouble) addr() string {
	return d.listener.Addr().String()
}

func (d *plcDouble) setHolding(addr uint16, values ...uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, v := range values {
		d.holding[addr+uint16(i)] = v
	}
}

func (d *plcDouble) coil(addr uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.coils[addr]
}

func (d *plcDouble) requestCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests
}

// failFromRequest kappt die Verbindung ab der n-ten Request statt zu
// antworten.
func (d *plcDouble) failFromRequest(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failFrom = n
}

func (d *plcDouble) cutNow() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failFrom > 0 && d.requests >= d.failFrom
}

func (d *plcDouble) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		go d.serve(conn)
	}
}

func (d *plcDouble) serve(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 260)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}

		frame, err := modbus.DecodeFrame(buf[:n])
		if err != nil {
			return
		}

		response := d.handle(frame)
		if d.cutNow() {
			return
		}
		if _, err := conn.Write(response.Encode()); err != nil {
			return
		}
	}
}

func (d *plcDouble) handle(req *modbus.ModbusFrame) *modbus.ModbusFrame {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests++

	resp := &modbus.ModbusFrame{
		TransactionID: req.TransactionID,
		UnitID:        req.UnitID,
		FunctionCode:  req.FunctionCode,
	}

	start := binary.BigEndian.Uint16(req.Data[0:2])

	switch req.FunctionCode {
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		quantity := binary.BigEndian.Uint16(req.Data[2:4])
		table := d.holding
		if req.FunctionCode == modbus.FuncCodeReadInputRegisters {
			table = d.input
		}
		data := make([]byte, 1+quantity*2)
		data[0] = byte(quantity * 2)
		for i := uint16(0); i < quantity; i++ {
			binary.BigEndian.PutUint16(data[1+i*2:3+i*2], table[start+i])
		}
		resp.Data = data

	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		quantity := binary.BigEndian.Uint16(req.Data[2:4])
		byteCount := (quantity + 7) / 8
		data := make([]byte, 1+byteCount)
		data[0] = byte(byteCount)
		for i := uint16(0); i < quantity; i++ {
			if d.coils[start+i] {
				data[1+i/8] |= 1 << (i % 8)
			}
		}
		resp.Data = data

	case modbus.FuncCodeWriteSingleCoil:
		d.coils[start] = binary.BigEndian.Uint16(req.Data[2:4]) == 0xFF00
		resp.Data = append([]byte{}, req.Data...)

	case modbus.FuncCodeWriteSingleRegister:
		d.holding[start] = binary.BigEndian.Uint16(req.Data[2:4])
		resp.Data = append([]byte{}, req.Data...)

	case modbus.FuncCodeWriteMultipleRegisters:
		quantity := binary.BigEndian.Uint16(req.Data[2:4])
		for i := uint16(0); i < quantity; i++ {
			d.holding[start+i] = binary.BigEndian.Uint16(req.Data[5+i*2 : 7+i*2])
		}
		resp.Data = req.Data[0:4]
	}

	return resp
}

func testPLCConfig(address string) config.PLCConfig {
	return config.PLCConfig{
		Address:               address,
		UnitID:                1,
		Timeout:               time.Second,
		ValveCoilBase:         100,
		ValveCount:            16,
		PurgeCoil:             140,
		PurgeDurationRegister: 200,
	}
}

func newTestLink(t *testing.T, double *plcDouble, defs []*types.ParameterDefinition) *Link {
	t.Helper()

	link := NewLink(testPLCConfig(double.addr()), defs, zap.NewNop())
	require.NoError(t, link.Connect())
	t.Cleanup(func() { link.Close() })

	return link
}

func TestLinkReadParameterFloat32(t *testing.T) {
	double := newPLCDouble(t)

	bits := math.Float32bits(42.5)
	double.setHolding(10, uint16(bits>>16), uint16(bits))

	def := &types.ParameterDefinition{
		ID:       uuid.New(),
		Name:     "reactor_temp",
		Address:  10,
		Kind:     types.RegisterKindHolding,
		DataType: types.DataTypeFloat32,
		Active:   true,
	}
	link := newTestLink(t, double, []*types.ParameterDefinition{def})

	value, err := link.ReadParameter(context.Background(), def.ID)
	require.NoError(t, err)
	assert.InDelta(t, 42.5, value, 0.001)
}

func TestLinkWriteParameterRoundTrip(t *testing.T) {
	double := newPLCDouble(t)

	def := &types.ParameterDefinition{
		ID:       uuid.New(),
		Name:     "gas_flow",
		Address:  20,
		Kind:     types.RegisterKindHolding,
		DataType: types.DataTypeFloat32,
		MinValue: 0,
		MaxValue: 500,
		Writable: true,
		Active:   true,
	}
	link := newTestLink(t, double, []*types.ParameterDefinition{def})

	require.NoError(t, link.WriteParameter(context.Background(), def.ID, 123.25))

	value, err := link.ReadParameter(context.Background(), def.ID)
	require.NoError(t, err)
	assert.InDelta(t, 123.25, value, 0.001)
}

func TestLinkWriteParameterRejectsOutOfBounds(t *testing.T) {
	double := newPLCDouble(t)

	def := &types.ParameterDefinition{
		ID:       uuid.New(),
		Name:     "heater_power",
		Address:  30,
		Kind:     types.RegisterKindHolding,
		DataType: types.DataTypeUint16,
		MinValue: 0,
		MaxValue: 100,
		Writable: true,
	}
	link := newTestLink(t, double, []*types.ParameterDefinition{def})

	before := double.requestCount()
	err := link.WriteParameter(context.Background(), def.ID, 250)

	var violation *types.SafetyViolation
	require.ErrorAs(t, err, &violation)
	// rejected before any frame reached the PLC
	assert.Equal(t, before, double.requestCount())
}

func TestLinkWriteParameterRejectsReadOnly(t *testing.T) {
	double := newPLCDouble(t)

	def := &types.ParameterDefinition{
		ID:       uuid.New(),
		Name:     "chamber_pressure",
		Address:  40,
		Kind:     types.RegisterKindInput,
		DataType: types.DataTypeFloat32,
	}
	link := newTestLink(t, double, []*types.ParameterDefinition{def})

	var violation *types.SafetyViolation
	require.ErrorAs(t, link.WriteParameter(context.Background(), def.ID, 1.0), &violation)
}

func TestLinkReadAllBulk(t *testing.T) {
	double := newPLCDouble(t)
	double.setHolding(10, 100)
	double.setHolding(11, 200)

	defs := []*types.ParameterDefinition{
		{ID: uuid.New(), Name: "a", Address: 10, Kind: types.RegisterKindHolding, DataType: types.DataTypeUint16, Active: true},
		{ID: uuid.New(), Name: "b", Address: 11, Kind: types.RegisterKindHolding, DataType: types.DataTypeUint16, Active: true},
	}
	link := newTestLink(t, double, defs)

	before := double.requestCount()
	readings, err := link.ReadAll(context.Background(), defs)
	require.NoError(t, err)
	require.Len(t, readings, 2)

	assert.Equal(t, Reading{Value: 100, Quality: types.QualityGood}, readings[defs[0].ID])
	assert.Equal(t, Reading{Value: 200, Quality: types.QualityGood}, readings[defs[1].ID])

	// both parameters in a single Modbus transaction
	assert.Equal(t, before+1, double.requestCount())
}

func TestLinkReadAllPartialFailure(t *testing.T) {
	double := newPLCDouble(t)
	double.setHolding(10, 100)
	double.setHolding(100, 200)

	// far enough apart to land in two separate range transactions
	defs := []*types.ParameterDefinition{
		{ID: uuid.New(), Name: "a", Address: 10, Kind: types.RegisterKindHolding, DataType: types.DataTypeUint16, Active: true},
		{ID: uuid.New(), Name: "b", Address: 100, Kind: types.RegisterKindHolding, DataType: types.DataTypeUint16, Active: true},
	}
	link := newTestLink(t, double, defs)

	// die Verbindung stirbt nach der ersten Range-Transaktion
	double.failFromRequest(double.requestCount() + 2)

	readings, err := link.ReadAll(context.Background(), defs)
	require.NoError(t, err)
	require.Len(t, readings, 2)

	// the completed range commits good, the failed one is flagged bad
	assert.Equal(t, Reading{Value: 100, Quality: types.QualityGood}, readings[defs[0].ID])
	assert.Equal(t, types.QualityBad, readings[defs[1].ID].Quality)
}

func TestLinkControlValvePulse(t *testing.T) {
	double := newPLCDouble(t)
	link := newTestLink(t, double, nil)

	start := time.Now()
	require.NoError(t, link.ControlValve(context.Background(), 3, true, 50*time.Millisecond))

	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	// coil 100+3 muss nach dem Puls wieder geschlossen sein
	assert.False(t, double.coil(103))
}

func TestLinkControlValveRejectsUnknownValve(t *testing.T) {
	double := newPLCDouble(t)
	link := newTestLink(t, double, nil)

	var violation *types.SafetyViolation
	require.ErrorAs(t, link.ControlValve(context.Background(), 99, true, 0), &violation)
}

func TestLinkCloseAllValves(t *testing.T) {
	double := newPLCDouble(t)
	link := newTestLink(t, double, nil)

	require.NoError(t, link.ControlValve(context.Background(), 0, true, 0))
	require.NoError(t, link.ControlValve(context.Background(), 5, true, 0))
	require.True(t, double.coil(100))
	require.True(t, double.coil(105))

	require.NoError(t, link.CloseAllValves(context.Background()))
	assert.False(t, double.coil(100))
	assert.False(t, double.coil(105))
}

func TestLinkFailsFastWhileDown(t *testing.T) {
	def := &types.ParameterDefinition{
		ID:       uuid.New(),
		Name:     "x",
		Address:  1,
		Kind:     types.RegisterKindHolding,
		DataType: types.DataTypeUint16,
	}

	// no listener behind this address
	link := NewLink(testPLCConfig("127.0.0.1:1"), []*types.ParameterDefinition{def}, zap.NewNop())

	_, err := link.ReadParameter(context.Background(), def.ID)
	var linkErr *types.LinkError
	require.ErrorAs(t, err, &linkErr)
	assert.True(t, linkErr.Down)

	// second attempt inside the backoff window fails without dialing
	_, err = link.ReadParameter(context.Background(), def.ID)
	require.ErrorAs(t, err, &linkErr)
	assert.True(t, linkErr.Down)
}
