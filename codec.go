package sockrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Codec turns envelopes into frames and back.
type Codec interface {
	Encode(env *Envelope) ([]byte, error)
	Decode(data []byte) (*Envelope, error)
}

func NewDefaultCodec() Codec {
	return jsonCodec{}
}

type jsonCodec struct{}

func (c jsonCodec) Encode(env *Envelope) ([]byte, error) {
	if env == nil || env.Event == "" {
		return nil, fmt.Errorf("%w: envelope without event", ErrEncoding)
	}
	if len(env.Payload) > 0 && !json.Valid(env.Payload) {
		return nil, fmt.Errorf("%w: payload of %q is not valid json", ErrEncoding, env.Event)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return data, nil
}

func (c jsonCodec) Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecoding, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrDecoding)
	}
	if env.Error != "" && hasPayload(env.Payload) {
		return nil, fmt.Errorf("%w: %q carries both error and payload", ErrDecoding, env.Event)
	}
	return &env, nil
}

// hasPayload treats an explicit json null the same as an absent payload.
func hasPayload(p json.RawMessage) bool {
	trimmed := bytes.TrimSpace(p)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
