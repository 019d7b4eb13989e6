package wire

import (
	"fmt"
	"time"
)

// Broadcast is the destination name that every channel accepts.
const Broadcast = "*"

// MessageType distinguishes the four envelope kinds.
type MessageType string

const (
	// TypeRequest asks the destination to execute an action.
	TypeRequest MessageType = "request"
	// TypeResponse answers exactly one outstanding request.
	TypeResponse MessageType = "response"
	// TypeEvent is fire-and-forget fan-out to subscribers.
	TypeEvent MessageType = "event"
	// TypeSignal carries connection lifecycle notifications.
	TypeSignal MessageType = "signal"
)

// Valid reports whether t is one of the four envelope kinds.
func (t MessageType) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeEvent, TypeSignal:
		return true
	}
	return false
}

// SignalKind names a connection lifecycle signal.
type SignalKind string

const (
	SignalConnect    SignalKind = "connect"
	SignalNotify     SignalKind = "notify"
	SignalDisconnect SignalKind = "disconnect"
)

// Message is the wire unit exchanged between channels.
type Message struct {
	ID        string      `json:"id"`
	Channel   string      `json:"channel"`
	Sender    string      `json:"sender"`
	Type      MessageType `json:"type"`
	ReqID     string      `json:"reqId,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Payload   Payload     `json:"payload"`
}

// Payload is the action-specific body of a Message.
type Payload struct {
	Action     Action      `json:"action,omitempty"`
	Path       []string    `json:"path,omitempty"`
	Args       []any       `json:"args,omitempty"`
	Result     any         `json:"result,omitempty"`
	Descriptor *Descriptor `json:"descriptor,omitempty"`
	Error      string      `json:"error,omitempty"`

	// Transfer marks a result handed over by ownership transfer.
	Transfer bool `json:"transfer,omitempty"`
	// ByValue asks the executor for a deep copy of plain data.
	ByValue bool `json:"byValue,omitempty"`

	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`

	Signal   SignalKind     `json:"signal,omitempty"`
	Version  string         `json:"version,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewMessage builds an envelope stamped with id and the given time.
func NewMessage(id, channel, sender string, typ MessageType, now time.Time) *Message {
	return &Message{
		ID:        id,
		Channel:   channel,
		Sender:    sender,
		Type:      typ,
		Timestamp: now.UnixMilli(),
	}
}

// Clone returns a copy of m whose top-level fields and slices can be mutated
// without affecting m. Args, Result and Data values are shared.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Payload.Path != nil {
		cp.Payload.Path = append([]string(nil), m.Payload.Path...)
	}
	if m.Payload.Args != nil {
		cp.Payload.Args = append([]any(nil), m.Payload.Args...)
	}
	if m.Payload.Descriptor != nil {
		d := m.Payload.Descriptor.Clone()
		cp.Payload.Descriptor = d
	}
	return &cp
}

// Validate checks the envelope fields every receiver relies on.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("message is nil")
	}
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if !m.Type.Valid() {
		return fmt.Errorf("invalid message type %q", m.Type)
	}
	if m.Channel == "" {
		return fmt.Errorf("message %s: destination channel is required", m.ID)
	}
	if m.Type == TypeResponse && m.ReqID == "" {
		return fmt.Errorf("response %s: reqId is required", m.ID)
	}
	if m.Type == TypeRequest && m.Payload.Action != "" && !m.Payload.Action.Valid() {
		return fmt.Errorf("request %s: unknown action %q", m.ID, m.Payload.Action)
	}
	return nil
}

// Time returns the message timestamp as a time.Time.
func (m *Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}
