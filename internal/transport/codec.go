package transport

import (
	"encoding/json"
	"fmt"
)

// Codec converts envelopes to bytes for byte-oriented backends.
type Codec interface {
	Marshal(env Envelope) ([]byte, error)
	Unmarshal(data []byte) (Envelope, error)
	ContentType() string
}

// JSONCodec is the default wire format.
type JSONCodec struct{}

// DefaultCodec is used by every backend unless configured otherwise.
var DefaultCodec Codec = JSONCodec{}

func (JSONCodec) Marshal(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Unmarshal decodes and validates; anything undecodable is a contract violation.
func (JSONCodec) Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: decode envelope: %v", ErrContractViolation, err)
	}
	if err := env.Validate(); err != nil {
		return env, err
	}
	return env, nil
}

func (JSONCodec) ContentType() string { return ContentTypeJSON }
