package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/fabric/internal/wire"
)

// marshalJSON encodes v as compact JSON TEXT for storage.
// HTML escaping is disabled so stored values read back byte-for-byte.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalValue decodes a stored JSON value. Numbers come back as
// json.Number so large integers survive the round trip.
func unmarshalValue(data string) (any, error) {
	if data == "" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return v, nil
}

func marshalMessage(m *wire.Message) (string, error) {
	data, err := marshalJSON(m)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

func unmarshalMessage(data string) (*wire.Message, error) {
	var m wire.Message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &m, nil
}

func marshalStrings(ss []string) (string, error) {
	if ss == nil {
		ss = []string{}
	}
	data, err := marshalJSON(ss)
	if err != nil {
		return "", fmt.Errorf("marshal strings: %w", err)
	}
	return data, nil
}

func unmarshalStrings(data string) ([]string, error) {
	if data == "" {
		return []string{}, nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(data), &ss); err != nil {
		return nil, fmt.Errorf("unmarshal strings: %w", err)
	}
	if ss == nil {
		ss = []string{}
	}
	return ss, nil
}
