package command

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Operation names understood by the arbiter. Only the arbiter translates
// these into PLC link calls; every other service just enqueues.
const (
	OpReadParameter  = "read_parameter"
	OpWriteParameter = "write_parameter"
	OpBulkRead       = "bulk_read"
	OpControlValve   = "control_valve"
	OpExecutePurge   = "execute_purge"
	OpCloseAllValves = "close_all_valves"
)

// Queue priorities, lower runs first.
const (
	PriorityEmergency = 0
	PrioritySampler   = 1
	PriorityStep      = 5
	PriorityDefault   = 9
)

type ReadParameterPayload struct {
	ParameterID uuid.UUID `json:"parameter_id"`
}

type WriteParameterPayload struct {
	ParameterID uuid.UUID `json:"parameter_id"`
	Value       float64   `json:"value"`
}

// BulkReadPayload with empty ParameterIDs means all active parameters.
type BulkReadPayload struct {
	ParameterIDs []uuid.UUID `json:"parameter_ids,omitempty"`
}

type ControlValvePayload struct {
	Valve      int   `json:"valve"`
	Open       bool  `json:"open"`
	DurationMs int64 `json:"duration_ms,omitempty"`
}

func (p *ControlValvePayload) Duration() time.Duration {
	return time.Duration(p.DurationMs) * time.Millisecond
}

type ExecutePurgePayload struct {
	DurationMs int64 `json:"duration_ms"`
}

func (p *ExecutePurgePayload) Duration() time.Duration {
	return time.Duration(p.DurationMs) * time.Millisecond
}

// ReadResult is the result payload of read_parameter.
type ReadResult struct {
	Value float64 `json:"value"`
}

// BulkReadResult maps parameter IDs to readings with quality.
type BulkReadResult struct {
	Readings map[uuid.UUID]ReadingResult `json:"readings"`
}

type ReadingResult struct {
	Value   float64 `json:"value"`
	Quality string  `json:"quality"`
}

func decodePayload[T any](raw json.RawMessage, op string) (*T, error) {
	var payload T
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing payload for %s", op)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("invalid payload for %s: %w", op, err)
	}
	return &payload, nil
}

// SafetyCritical reports whether a failed operation must raise an
// emergency signal. Valve and purge control directly moves gas.
func SafetyCritical(operation string) bool {
	switch operation {
	case OpControlValve, OpExecutePurge, OpCloseAllValves:
		return true
	default:
		return false
	}
}
