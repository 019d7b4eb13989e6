package wire

import (
	"encoding/json"
	"fmt"
)

// Codec converts messages to and from bytes.
type Codec interface {
	Encode(m *Message) ([]byte, error)
	Decode(data []byte) (*Message, error)
	// Binary reports whether encoded frames are binary rather than text.
	Binary() bool
}

// JSONCodec is the canonical text codec.
type JSONCodec struct{}

// Encode marshals m as JSON.
func (JSONCodec) Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("encode: nil message")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	return b, nil
}

// Decode parses a JSON envelope and validates it.
func (JSONCodec) Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}

// Binary reports false: JSON frames are text.
func (JSONCodec) Binary() bool { return false }

// DefaultCodec is used by transports when no codec is configured.
var DefaultCodec Codec = JSONCodec{}

// CloneViaJSON round-trips m through the JSON codec, producing a copy that
// shares nothing with m. Transports without ownership transfer use it to
// emulate crossing a process boundary.
func CloneViaJSON(m *Message) (*Message, error) {
	b, err := JSONCodec{}.Encode(m)
	if err != nil {
		return nil, err
	}
	return JSONCodec{}.Decode(b)
}
