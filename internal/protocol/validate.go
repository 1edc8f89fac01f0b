package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"envconsole/internal/hub"
)

// payloadCheckers holds the accepted client message types and how each
// payload is checked.
var payloadCheckers = map[string]func(json.RawMessage) error{
	TypeSessionCreate: func(raw json.RawMessage) error {
		var p SessionCreatePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		return ValidateCreate(p)
	},
	TypeSessionClose: func(raw json.RawMessage) error {
		var p SessionClosePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if p.SessionID == "" {
			return errors.New("missing required field 'sessionId'")
		}
		return nil
	},
}

// ValidateClientMessage parses a raw client frame and checks its type and
// payload.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if msg.Type == "" {
		return nil, errors.New("missing 'type' field")
	}
	check, ok := payloadCheckers[msg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}
	if msg.Payload == nil {
		return nil, errors.New("missing 'payload' field")
	}
	if err := check(msg.Payload); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", msg.Type, err)
	}
	return &msg, nil
}

// ValidateCreate checks a create request. Spawns may leave operationId
// empty to follow the user's default server.
func ValidateCreate(p SessionCreatePayload) error {
	if p.Kind == "" {
		return errors.New("missing required field 'kind'")
	}
	kind, err := hub.ParseKind(p.Kind)
	if err != nil {
		return err
	}
	if kind == hub.KindBuild && p.OperationID == "" {
		return errors.New("missing required field 'operationId'")
	}
	return nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{Code: code, Message: message})
}
