package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// emptyObject is the payload of a message sent without one
var emptyObject = json.RawMessage(`{}`)

// Message is the event envelope carried in the broker message body
type Message struct {
	EventName string          `json:"eventName"`
	Payload   json.RawMessage `json:"payload"`
}

// NewMessage builds a message, marshaling payload unless it is already raw JSON
func NewMessage(eventName string, payload any) (Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Message{}, fmt.Errorf("contracts: cannot encode payload of %q: %w", eventName, err)
	}
	if isNull(raw) {
		raw = emptyObject
	}
	return Message{EventName: eventName, Payload: raw}, nil
}

// EncodeMessage returns the JSON body for an event
func EncodeMessage(eventName string, payload any) ([]byte, error) {
	msg, err := NewMessage(eventName, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// DecodeMessage parses a broker body into a Message. The body must be a JSON
// object; a missing or null payload becomes an empty object.
func DecodeMessage(body []byte) (Message, error) {
	if !isObject(body) {
		return Message{}, &DecodeError{Op: "message", Err: ErrNotAnObject}
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, &DecodeError{Op: "message", Err: err}
	}
	if isNull(msg.Payload) {
		msg.Payload = emptyObject
	}
	return msg, nil
}

// Decode unmarshals the payload into v
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return &DecodeError{Op: "payload", Err: err}
	}
	return nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) > 0 && !json.Valid(p) {
			return nil, ErrInvalidJSON
		}
		return p, nil
	case []byte:
		if len(p) > 0 && !json.Valid(p) {
			return nil, ErrInvalidJSON
		}
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func isObject(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
