package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope is the JSON message carried in a single text frame, in both
// directions.
type Envelope struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

var ErrMissingEvent = errors.New("envelope has no event name")

// NewEnvelope marshals payload and stamps the envelope with now.
func NewEnvelope(event string, payload any, now time.Time) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: event, Payload: raw, Timestamp: now.Unix()}, nil
}

// ParseEnvelope decodes an inbound message. The event field is required;
// a missing payload becomes JSON null.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return nil, ErrMissingEvent
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("null")
	}
	return &env, nil
}

// Marshal serializes the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	if e.Event == "" {
		return nil, ErrMissingEvent
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage("null")
	}
	return json.Marshal(e)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return bytes.Clone(p), nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return raw, nil
	}
}
