package sockrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the unit exchanged over the socket.
type Envelope struct {
	ID      string          `json:"id,omitempty"` // empty on broadcasts and fire-and-forget sends
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// IsBroadcast reports whether the envelope carries no correlation id.
func (e *Envelope) IsBroadcast() bool {
	return e.ID == ""
}

// Failed reports whether the envelope is a failed reply.
func (e *Envelope) Failed() bool {
	return e.Error != ""
}

// MarshalPayload converts v into a raw json payload. Values that are already
// json.RawMessage or []byte are validated rather than re-encoded.
func MarshalPayload(v interface{}) (json.RawMessage, error) {
	raw, err := encodePayload(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return raw, nil
}

func encodePayload(v interface{}) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return validRaw(p)
	case []byte:
		return validRaw(p)
	}
	return json.Marshal(v)
}

func validRaw(p []byte) (json.RawMessage, error) {
	if len(p) == 0 {
		return nil, nil
	}
	if !json.Valid(p) {
		return nil, errors.New("invalid raw json")
	}
	return json.RawMessage(p), nil
}
