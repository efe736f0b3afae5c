package plc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenALDCore/internal/config"
	"github.com/KevinKickass/OpenALDCore/internal/modbus"
	"github.com/KevinKickass/OpenALDCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	initialRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 30 * time.Second
	retryDelayFactor  = 2
)

// Reading is one parameter value with its read quality.
type Reading struct {
	Value   float64
	Quality types.Quality
}

// Link is the exclusive owner of the Modbus session. Nothing else in the
// process talks to the PLC; all access is serialized through the command
// arbiter. On I/O failure the session reconnects with exponential backoff
// and requests fail fast with a typed link-down error in between.
type Link struct {
	cfg    config.PLCConfig
	client *modbus.Client
	logger *zap.Logger

	paramMu sync.RWMutex
	params  map[uuid.UUID]*types.ParameterDefinition

	reconnectMu sync.Mutex
	retryDelay  time.Duration
	nextRetry   time.Time
}

func NewLink(cfg config.PLCConfig, defs []*types.ParameterDefinition, logger *zap.Logger) *Link {
	params := make(map[uuid.UUID]*types.ParameterDefinition, len(defs))
	for _, def := range defs {
		params[def.ID] = def
	}

	return &Link{
		cfg:        cfg,
		client:     modbus.NewClient(cfg.Address, cfg.Timeout),
		logger:     logger,
		params:     params,
		retryDelay: initialRetryDelay,
	}
}

// Connect stellt die initiale Verbindung her
func (l *Link) Connect() error {
	if err := l.client.Connect(); err != nil {
		return &types.LinkError{Op: "connect", Err: err, Down: true}
	}
	l.logger.Info("PLC link connected", zap.String("address", l.cfg.Address))
	return nil
}

func (l *Link) Close() error {
	return l.client.Close()
}

// Definition returns the immutable reference data for a parameter.
func (l *Link) Definition(id uuid.UUID) (*types.ParameterDefinition, bool) {
	l.paramMu.RLock()
	defer l.paramMu.RUnlock()
	def, ok := l.params[id]
	return def, ok
}

// ActiveDefinitions returns all parameters marked active.
func (l *Link) ActiveDefinitions() []*types.ParameterDefinition {
	l.paramMu.RLock()
	defer l.paramMu.RUnlock()

	defs := make([]*types.ParameterDefinition, 0, len(l.params))
	for _, def := range l.params {
		if def.Active {
			defs = append(defs, def)
		}
	}
	return defs
}

// ensureConnected versucht Reconnect mit exponentiellem Backoff.
// Solange der nächste Versuch noch nicht fällig ist, schlagen Requests
// sofort mit einem Link-Down-Fehler fehl.
func (l *Link) ensureConnected(op string) error {
	if l.client.Connected() {
		return nil
	}

	l.reconnectMu.Lock()
	defer l.reconnectMu.Unlock()

	if l.client.Connected() {
		return nil
	}

	now := time.Now()
	if now.Before(l.nextRetry) {
		return &types.LinkError{
			Op:   op,
			Err:  fmt.Errorf("reconnect backoff, next attempt in %s", time.Until(l.nextRetry).Round(time.Millisecond)),
			Down: true,
		}
	}

	if err := l.client.Connect(); err != nil {
		l.nextRetry = now.Add(l.retryDelay)
		nextDelay := l.retryDelay * retryDelayFactor
		if nextDelay > maxRetryDelay {
			nextDelay = maxRetryDelay
		}
		l.logger.Warn("PLC reconnect failed",
			zap.String("address", l.cfg.Address),
			zap.Duration("retry_in", l.retryDelay),
			zap.Error(err))
		l.retryDelay = nextDelay
		return &types.LinkError{Op: op, Err: err, Down: true}
	}

	// reset retry delay upon successful connection
	l.retryDelay = initialRetryDelay
	l.nextRetry = time.Time{}
	l.logger.Info("PLC link reconnected", zap.String("address", l.cfg.Address))
	return nil
}

// ReadParameter liest einen einzelnen Parameter
func (l *Link) ReadParameter(ctx context.Context, id uuid.UUID) (float64, error) {
	def, ok := l.Definition(id)
	if !ok {
		return 0, fmt.Errorf("parameter not found: %s: %w", id, types.ErrNotFound)
	}

	if err := l.ensureConnected("read_parameter"); err != nil {
		return 0, err
	}

	unitID := uint8(l.cfg.UnitID)

	switch def.Kind {
	case types.RegisterKindHolding, types.RegisterKindInput:
		quantity := def.DataType.RegisterCount()
		var registers []uint16
		var err error
		if def.Kind == types.RegisterKindHolding {
			registers, err = l.client.ReadHoldingRegisters(ctx, unitID, def.Address, quantity)
		} else {
			registers, err = l.client.ReadInputRegisters(ctx, unitID, def.Address, quantity)
		}
		if err != nil {
			return 0, &types.LinkError{Op: "read_parameter", Err: err}
		}
		return decodeRegisters(registers, def)

	case types.RegisterKindCoil, types.RegisterKindDiscrete:
		var bits []bool
		var err error
		if def.Kind == types.RegisterKindCoil {
			bits, err = l.client.ReadCoils(ctx, unitID, def.Address, 1)
		} else {
			bits, err = l.client.ReadDiscreteInputs(ctx, unitID, def.Address, 1)
		}
		if err != nil {
			return 0, &types.LinkError{Op: "read_parameter", Err: err}
		}
		if len(bits) > 0 && bits[0] {
			return 1, nil
		}
		return 0, nil

	default:
		return 0, fmt.Errorf("unsupported register kind: %s", def.Kind)
	}
}

// WriteParameter schreibt einen Parameter. Out-of-bounds Werte werden
// vor jedem Hardware-Zugriff abgelehnt.
func (l *Link) WriteParameter(ctx context.Context, id uuid.UUID, value float64) error {
	def, ok := l.Definition(id)
	if !ok {
		return fmt.Errorf("parameter not found: %s: %w", id, types.ErrNotFound)
	}

	if !def.Writable {
		return &types.SafetyViolation{Parameter: def.Name, Value: value, Reason: "parameter is read-only"}
	}
	if !def.InBounds(value) {
		return &types.SafetyViolation{
			Parameter: def.Name,
			Value:     value,
			Reason:    fmt.Sprintf("outside engineering bounds [%g, %g]", def.MinValue, def.MaxValue),
		}
	}

	if err := l.ensureConnected("write_parameter"); err != nil {
		return err
	}

	unitID := uint8(l.cfg.UnitID)

	switch def.Kind {
	case types.RegisterKindCoil:
		if err := l.client.WriteSingleCoil(ctx, unitID, def.Address, value != 0); err != nil {
			return &types.LinkError{Op: "write_parameter", Err: err}
		}
		return nil

	case types.RegisterKindHolding:
		registers, err := encodeValue(value, def)
		if err != nil {
			return err
		}
		if len(registers) == 1 {
			err = l.client.WriteSingleRegister(ctx, unitID, def.Address, registers[0])
		} else {
			err = l.client.WriteMultipleRegisters(ctx, unitID, def.Address, registers)
		}
		if err != nil {
			return &types.LinkError{Op: "write_parameter", Err: err}
		}
		return nil

	default:
		return &types.SafetyViolation{Parameter: def.Name, Value: value, Reason: "register kind not writable"}
	}
}

// ReadAll bulk-liest alle übergebenen Parameter in wenigen Transaktionen.
// Teilausfälle liefern Quality "bad" statt den ganzen Sweep zu verwerfen.
func (l *Link) ReadAll(ctx context.Context, defs []*types.ParameterDefinition) (map[uuid.UUID]Reading, error) {
	if err := l.ensureConnected("read_all"); err != nil {
		return nil, err
	}

	unitID := uint8(l.cfg.UnitID)
	readings := make(map[uuid.UUID]Reading, len(defs))

	for _, r := range planRanges(defs) {
		switch r.kind {
		case types.RegisterKindHolding, types.RegisterKindInput:
			var registers []uint16
			var err error
			if r.kind == types.RegisterKindHolding {
				registers, err = l.client.ReadHoldingRegisters(ctx, unitID, r.start, r.quantity)
			} else {
				registers, err = l.client.ReadInputRegisters(ctx, unitID, r.start, r.quantity)
			}
			for _, def := range r.params {
				if err != nil {
					readings[def.ID] = Reading{Quality: types.QualityBad}
					continue
				}
				offset := int(def.Address - r.start)
				end := offset + int(def.DataType.RegisterCount())
				if end > len(registers) {
					readings[def.ID] = Reading{Quality: types.QualityBad}
					continue
				}
				value, decErr := decodeRegisters(registers[offset:end], def)
				if decErr != nil {
					readings[def.ID] = Reading{Quality: types.QualityBad}
					continue
				}
				readings[def.ID] = Reading{Value: value, Quality: types.QualityGood}
			}

		case types.RegisterKindCoil, types.RegisterKindDiscrete:
			var bits []bool
			var err error
			if r.kind == types.RegisterKindCoil {
				bits, err = l.client.ReadCoils(ctx, unitID, r.start, r.quantity)
			} else {
				bits, err = l.client.ReadDiscreteInputs(ctx, unitID, r.start, r.quantity)
			}
			for _, def := range r.params {
				if err != nil {
					readings[def.ID] = Reading{Quality: types.QualityBad}
					continue
				}
				offset := int(def.Address - r.start)
				if offset >= len(bits) {
					readings[def.ID] = Reading{Quality: types.QualityBad}
					continue
				}
				value := 0.0
				if bits[offset] {
					value = 1.0
				}
				readings[def.ID] = Reading{Value: value, Quality: types.QualityGood}
			}
		}
	}

	return readings, nil
}

// ControlValve schaltet Ventil n. Bei open mit duration > 0 wird das
// Ventil nach Ablauf wieder geschlossen (Puls).
func (l *Link) ControlValve(ctx context.Context, valve int, open bool, duration time.Duration) error {
	if valve < 0 || valve >= l.cfg.ValveCount {
		return &types.SafetyViolation{
			Parameter: fmt.Sprintf("valve_%d", valve),
			Reason:    fmt.Sprintf("valve number outside 0..%d", l.cfg.ValveCount-1),
		}
	}

	if err := l.ensureConnected("control_valve"); err != nil {
		return err
	}

	unitID := uint8(l.cfg.UnitID)
	addr := l.cfg.ValveCoilBase + uint16(valve)

	if err := l.client.WriteSingleCoil(ctx, unitID, addr, open); err != nil {
		return &types.LinkError{Op: "control_valve", Err: err}
	}

	if open && duration > 0 {
		select {
		case <-time.After(duration):
		case <-ctx.Done():
			// close before reporting cancellation, the valve must not stay open
			if err := l.client.WriteSingleCoil(context.Background(), unitID, addr, false); err != nil {
				l.logger.Error("failed to close valve after cancellation",
					zap.Int("valve", valve), zap.Error(err))
			}
			return ctx.Err()
		}
		if err := l.client.WriteSingleCoil(ctx, unitID, addr, false); err != nil {
			return &types.LinkError{Op: "control_valve", Err: err}
		}
	}

	return nil
}

// CloseAllValves fährt die Hardware in den sicheren Zustand.
func (l *Link) CloseAllValves(ctx context.Context) error {
	if err := l.ensureConnected("close_all_valves"); err != nil {
		return err
	}

	unitID := uint8(l.cfg.UnitID)
	var firstErr error
	for valve := 0; valve < l.cfg.ValveCount; valve++ {
		addr := l.cfg.ValveCoilBase + uint16(valve)
		if err := l.client.WriteSingleCoil(ctx, unitID, addr, false); err != nil {
			if firstErr == nil {
				firstErr = &types.LinkError{Op: "close_all_valves", Err: err}
			}
			l.logger.Error("failed to close valve", zap.Int("valve", valve), zap.Error(err))
		}
	}
	return firstErr
}

// ExecutePurge schreibt die Purge-Dauer, setzt die Trigger-Coil und
// wartet bis zum Ablauf.
func (l *Link) ExecutePurge(ctx context.Context, duration time.Duration) error {
	if err := l.ensureConnected("execute_purge"); err != nil {
		return err
	}

	unitID := uint8(l.cfg.UnitID)

	// Dauer in ms als int32 über zwei Register
	ms := uint32(duration.Milliseconds())
	registers := []uint16{uint16(ms >> 16), uint16(ms)}
	if err := l.client.WriteMultipleRegisters(ctx, unitID, l.cfg.PurgeDurationRegister, registers); err != nil {
		return &types.LinkError{Op: "execute_purge", Err: err}
	}

	if err := l.client.WriteSingleCoil(ctx, unitID, l.cfg.PurgeCoil, true); err != nil {
		return &types.LinkError{Op: "execute_purge", Err: err}
	}

	select {
	case <-time.After(duration):
	case <-ctx.Done():
		if err := l.client.WriteSingleCoil(context.Background(), unitID, l.cfg.PurgeCoil, false); err != nil {
			l.logger.Error("failed to clear purge trigger after cancellation", zap.Error(err))
		}
		return ctx.Err()
	}

	if err := l.client.WriteSingleCoil(ctx, unitID, l.cfg.PurgeCoil, false); err != nil {
		return &types.LinkError{Op: "execute_purge", Err: err}
	}

	return nil
}
