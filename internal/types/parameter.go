package types

import (
	"time"

	"github.com/google/uuid"
)

// RegisterKind identifies the Modbus table a parameter lives in
type RegisterKind string

const (
	RegisterKindHolding  RegisterKind = "holding"
	RegisterKindInput    RegisterKind = "input"
	RegisterKindCoil     RegisterKind = "coil"
	RegisterKindDiscrete RegisterKind = "discrete"
)

type DataType string

const (
	DataTypeBool    DataType = "bool"
	DataTypeInt16   DataType = "int16"
	DataTypeUint16  DataType = "uint16"
	DataTypeInt32   DataType = "int32"
	DataTypeFloat32 DataType = "float32"
)

// RegisterCount gibt die Anzahl 16-bit Register für den Datentyp
func (d DataType) RegisterCount() uint16 {
	switch d {
	case DataTypeInt32, DataTypeFloat32:
		return 2
	default:
		return 1
	}
}

// ParameterDefinition is immutable reference data describing one
// process parameter and its register mapping.
type ParameterDefinition struct {
	ID          uuid.UUID    `json:"id"`
	Name        string       `json:"name"`
	Address     uint16       `json:"address"`
	Kind        RegisterKind `json:"register_kind"`
	DataType    DataType     `json:"data_type"`
	Unit        string       `json:"unit,omitempty"`
	ScaleFactor float64      `json:"scale_factor,omitempty"`
	MinValue    float64      `json:"min_value"`
	MaxValue    float64      `json:"max_value"`
	Writable    bool         `json:"writable"`
	Active      bool         `json:"active"`
}

// InBounds checks a candidate value against the engineering bounds.
func (p *ParameterDefinition) InBounds(value float64) bool {
	if p.MinValue == 0 && p.MaxValue == 0 {
		return true
	}
	return value >= p.MinValue && value <= p.MaxValue
}

// Quality marks whether a sample was read successfully
type Quality string

const (
	QualityGood Quality = "good"
	QualityBad  Quality = "bad"
)

// ParameterSample is one append-only reading of one parameter.
type ParameterSample struct {
	ParameterID uuid.UUID `json:"parameter_id"`
	Value       float64   `json:"value"`
	Timestamp   time.Time `json:"timestamp"`
	Quality     Quality   `json:"quality"`
}

// MachineStatus is the lifecycle state of the machine
type MachineStatus string

const (
	MachineIdle       MachineStatus = "idle"
	MachineStarting   MachineStatus = "starting"
	MachineProcessing MachineStatus = "processing"
	MachineStopping   MachineStatus = "stopping"
	MachineError      MachineStatus = "error"
)

// MachineState is the single live row per machine. CurrentProcessID is
// non-nil exactly while status is processing or stopping.
type MachineState struct {
	MachineID        uuid.UUID     `json:"machine_id"`
	Status           MachineStatus `json:"status"`
	CurrentProcessID *uuid.UUID    `json:"current_process_id,omitempty"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	StateSince       time.Time     `json:"state_since"`
}

// InProcess reports whether samples must be scoped to a process.
func (m *MachineState) InProcess() bool {
	return (m.Status == MachineProcessing || m.Status == MachineStopping) && m.CurrentProcessID != nil
}
