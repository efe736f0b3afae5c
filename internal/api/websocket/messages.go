package websocket

import (
	"time"

	"github.com/google/uuid"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Machine state messages
	MessageTypeMachineState MessageType = "machine_state"

	// Process execution messages
	MessageTypeProcessStarted   MessageType = "process_started"
	MessageTypeProcessStep      MessageType = "process_step"
	MessageTypeProcessCompleted MessageType = "process_completed"
	MessageTypeProcessFailed    MessageType = "process_failed"
	MessageTypeProcessCancelled MessageType = "process_cancelled"

	// Safety messages
	MessageTypeEmergency MessageType = "emergency"

	// System messages
	MessageTypeSystemStatus MessageType = "system_status"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// MachineStateData represents machine state change data
type MachineStateData struct {
	State    string `json:"state"`
	Previous string `json:"previous_state"`
}

// StepEventData represents process step progress data
type StepEventData struct {
	ExecutionID string `json:"execution_id"`
	StepIndex   int    `json:"step_index"`
	StepName    string `json:"step_name,omitempty"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
}

// ProcessEventData represents a process lifecycle transition
type ProcessEventData struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
}

// EmergencyData represents an emergency stop event
type EmergencyData struct {
	Source string `json:"source"`
	Reason string `json:"reason,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewMachineStateMessage(newState, previousState string) Message {
	return NewMessage(MessageTypeMachineState, MachineStateData{
		State:    newState,
		Previous: previousState,
	})
}

func NewStepEventMessage(executionID uuid.UUID, stepIndex int, stepName, status, message string) Message {
	return NewMessage(MessageTypeProcessStep, StepEventData{
		ExecutionID: executionID.String(),
		StepIndex:   stepIndex,
		StepName:    stepName,
		Status:      status,
		Message:     message,
	})
}

// NewProcessEventMessage maps the execution lifecycle status to its own
// message type so dashboards can subscribe coarsely.
func NewProcessEventMessage(executionID uuid.UUID, status, message string) Message {
	msgType := MessageTypeProcessStep
	switch status {
	case "started":
		msgType = MessageTypeProcessStarted
	case "completed":
		msgType = MessageTypeProcessCompleted
	case "failed":
		msgType = MessageTypeProcessFailed
	case "cancelled":
		msgType = MessageTypeProcessCancelled
	}
	return NewMessage(msgType, ProcessEventData{
		ExecutionID: executionID.String(),
		Status:      status,
		Message:     message,
	})
}

func NewEmergencyMessage(source, reason string) Message {
	return NewMessage(MessageTypeEmergency, EmergencyData{
		Source: source,
		Reason: reason,
	})
}
