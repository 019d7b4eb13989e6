package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary envelope.
const (
	fieldID        protowire.Number = 1
	fieldChannel   protowire.Number = 2
	fieldSender    protowire.Number = 3
	fieldType      protowire.Number = 4
	fieldReqID     protowire.Number = 5
	fieldTimestamp protowire.Number = 6
	fieldPayload   protowire.Number = 7
	fieldFlags     protowire.Number = 8
)

// FlagCompressed marks a zstd-compressed payload.
const FlagCompressed uint64 = 1 << 0

// DefaultCompressThreshold is the payload size above which BinaryCodec
// compresses when no threshold is configured.
const DefaultCompressThreshold = 4096

var typeCodes = map[MessageType]uint64{
	TypeRequest:  1,
	TypeResponse: 2,
	TypeEvent:    3,
	TypeSignal:   4,
}

var typeNames = map[uint64]MessageType{
	1: TypeRequest,
	2: TypeResponse,
	3: TypeEvent,
	4: TypeSignal,
}

// MaxPayloadSize bounds the JSON payload of one message, after
// decompression.
const MaxPayloadSize = 16 << 20

// ErrTooLarge is returned for payloads above MaxPayloadSize.
var ErrTooLarge = errors.New("payload too large")

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// BinaryCodec encodes the envelope in protobuf wire format. The payload is
// JSON, compressed with zstd when larger than CompressThreshold.
//
// A negative CompressThreshold disables compression; zero selects
// DefaultCompressThreshold.
type BinaryCodec struct {
	CompressThreshold int
}

// Binary reports true.
func (BinaryCodec) Binary() bool { return true }

// Encode serializes m.
func (c BinaryCodec) Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("encode: nil message")
	}
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode message %s payload: %w", m.ID, err)
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("encode message %s: %d bytes: %w", m.ID, len(payload), ErrTooLarge)
	}

	var flags uint64
	threshold := c.CompressThreshold
	if threshold == 0 {
		threshold = DefaultCompressThreshold
	}
	if threshold > 0 && len(payload) > threshold {
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("encode message %s: zstd: %w", m.ID, err)
		}
		payload = enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		flags |= FlagCompressed
	}

	b := make([]byte, 0, 64+len(payload))
	b = appendString(b, fieldID, m.ID)
	b = appendString(b, fieldChannel, m.Channel)
	b = appendString(b, fieldSender, m.Sender)
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, typeCodes[m.Type])
	b = appendString(b, fieldReqID, m.ReqID)
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Timestamp))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	if flags != 0 {
		b = protowire.AppendTag(b, fieldFlags, protowire.VarintType)
		b = protowire.AppendVarint(b, flags)
	}
	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Decode parses a binary envelope. Unknown fields are skipped.
func (BinaryCodec) Decode(data []byte) (*Message, error) {
	var m Message
	var payload []byte
	var flags uint64

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("decode message: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldID, fieldChannel, fieldSender, fieldReqID, fieldPayload:
			if typ != protowire.BytesType {
				return nil, fmt.Errorf("decode message: field %d has wire type %d", num, typ)
			}
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("decode message field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldID:
				m.ID = string(v)
			case fieldChannel:
				m.Channel = string(v)
			case fieldSender:
				m.Sender = string(v)
			case fieldReqID:
				m.ReqID = string(v)
			case fieldPayload:
				payload = v
			}
		case fieldType, fieldTimestamp, fieldFlags:
			if typ != protowire.VarintType {
				return nil, fmt.Errorf("decode message: field %d has wire type %d", num, typ)
			}
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("decode message field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldType:
				m.Type = typeNames[v]
			case fieldTimestamp:
				m.Timestamp = int64(v)
			case fieldFlags:
				flags = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("decode message field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if flags&FlagCompressed != 0 {
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("decode message %s: zstd: %w", m.ID, err)
		}
		payload, err = dec.DecodeAll(payload, nil)
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
			return nil, fmt.Errorf("decode message %s: %w", m.ID, ErrTooLarge)
		}
		if err != nil {
			return nil, fmt.Errorf("decode message %s: decompress: %w", m.ID, err)
		}
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("decode message %s: %d bytes: %w", m.ID, len(payload), ErrTooLarge)
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &m.Payload); err != nil {
			return nil, fmt.Errorf("decode message %s payload: %w", m.ID, err)
		}
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}
