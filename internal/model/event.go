// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/linhtrum/gateway-app-sub000/internal/modbus"
)

// EventType represents the type of event
type EventType string

const (
	EventValueUpdate      EventType = "VALUE_UPDATE"
	EventNodeError        EventType = "NODE_ERROR"
	EventConnectionOpened EventType = "CONNECTION_OPENED"
	EventConnectionClosed EventType = "CONNECTION_CLOSED"
	EventConfigUpdate     EventType = "CONFIG_UPDATE"
	EventWriteCompleted   EventType = "WRITE_COMPLETED"
)

// GatewayEvent represents an event in the system
type GatewayEvent struct {
	ID        uuid.UUID   `json:"id"`
	EventType EventType   `json:"event_type"`
	Source    string      `json:"source"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
	Severity  string      `json:"severity"` // INFO, WARNING, ERROR
}

// NewEvent stamps a new event
func NewEvent(eventType EventType, source string, data interface{}) GatewayEvent {
	severity := "INFO"
	if eventType == EventNodeError {
		severity = "WARNING"
	}
	return GatewayEvent{
		ID:        uuid.New(),
		EventType: eventType,
		Source:    source,
		Data:      data,
		Timestamp: time.Now(),
		Severity:  severity,
	}
}

// ValueUpdateEventData is published for every successful node read
type ValueUpdateEventData struct {
	Device   string       `json:"device"`
	Node     string       `json:"node"`
	Value    modbus.Value `json:"value"`
	Previous modbus.Value `json:"previous"`
	Changed  bool         `json:"changed"`
}

// NodeErrorEventData is published when a read fails
type NodeErrorEventData struct {
	Device string     `json:"device"`
	Node   string     `json:"node"`
	Status ReadStatus `json:"status"`
	Error  string     `json:"error"`
}

// ConnectionEventData is published when a gateway peer comes or goes
type ConnectionEventData struct {
	Socket       int    `json:"socket"`
	ConnectionID string `json:"connection_id"`
	Peer         string `json:"peer"`
	Reason       string `json:"reason,omitempty"`
}
