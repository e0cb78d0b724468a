package models

import (
	"time"

	"github.com/google/uuid"
)

// EventLog represents an event log entry
type EventLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	SessionID *uuid.UUID `json:"sessionId,omitempty" db:"session_id"`

	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Code        string     `json:"code" db:"code"`
	Description string     `json:"description" db:"description"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

const (
	// Handshake events
	EventTypeHandshakeStarted EventType = "HANDSHAKE_STARTED"
	EventTypeHandshakeFailed  EventType = "HANDSHAKE_FAILED"

	// Session events
	EventTypeSessionStarted   EventType = "SESSION_STARTED"
	EventTypeSessionStopped   EventType = "SESSION_STOPPED"
	EventTypePeerDisconnected EventType = "PEER_DISCONNECTED"
	EventTypeSessionFault     EventType = "SESSION_FAULT"

	// System events
	EventTypeAPICall     EventType = "API_CALL"
	EventTypeIntegration EventType = "INTEGRATION"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)
