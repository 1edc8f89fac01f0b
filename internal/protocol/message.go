// Package protocol defines the relay's WebSocket envelope and payloads.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate = "session.update"
	TypeSessionOutput = "session.output"
	TypeSessionClosed = "session.closed"
	TypeError         = "error"
)

// Client → Server message types.
const (
	TypeSessionCreate = "session.create"
	TypeSessionClose  = "session.close"
)

// Error codes.
const (
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrMaxSessions     = "MAX_SESSIONS"
	ErrAttachFailed    = "ATTACH_FAILED"
)

// Output stream names carried by SessionOutputPayload.
const (
	StreamOutput   = "output"
	StreamProgress = "progress"
)

// Server → Client payloads.

type SessionUpdatePayload struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	OperationID string   `json:"operationId"`
	Label       string   `json:"label"`
	State       string   `json:"state"`
	Outcome     string   `json:"outcome,omitempty"`
	Completed   bool     `json:"completed"`
	Progress    *float64 `json:"progress,omitempty"`
	CreatedAt   string   `json:"createdAt"`
}

type SessionOutputPayload struct {
	SessionID string   `json:"sessionId"`
	Stream    string   `json:"stream"` // "output" | "progress"
	Data      string   `json:"data,omitempty"`
	Phase     string   `json:"phase,omitempty"`
	Progress  *float64 `json:"progress,omitempty"`
}

type SessionClosedPayload struct {
	SessionID string `json:"sessionId"`
	Outcome   string `json:"outcome"`
	Completed bool   `json:"completed"`
	Error     string `json:"error,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionCreatePayload struct {
	Kind        string `json:"kind"`
	OperationID string `json:"operationId"`
	Label       string `json:"label"`
}

type SessionClosePayload struct {
	SessionID string `json:"sessionId"`
}
