// Package protocol defines the records exchanged with the messenger backend
// and the realtime event types pushed over the websocket channel. All events
// are serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Server -> client event types.
const (
	TypePresenceUpdate  = "presenceUpdate"
	TypeMessageReceived = "messageReceived"
)

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// PresenceUpdateEvent is broadcast by the server whenever the set of online
// users changes. UserIDs is the full replacement set, never a delta.
type PresenceUpdateEvent struct {
	Type    string   `json:"type"`
	UserIDs []string `json:"userIds"`
}

// MessageReceivedEvent carries a message pushed to this client because it is
// the recipient.
type MessageReceivedEvent struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// ParseServerEvent parses raw websocket bytes into a typed server event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown event types
// so callers can log and drop them.
func ParseServerEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		ev  interface{}
		err error
	)

	switch env.Type {
	case TypePresenceUpdate:
		var e PresenceUpdateEvent
		err = json.Unmarshal(env.Raw, &e)
		ev = e
	case TypeMessageReceived:
		var e MessageReceivedEvent
		err = json.Unmarshal(env.Raw, &e)
		ev = e
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, ev, nil
}
