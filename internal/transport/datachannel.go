package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/roach88/fabric/internal/wire"
)

// DataChannelConn is the subset of *webrtc.DataChannel the adapter uses.
type DataChannelConn interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	OnError(f func(err error))
	Send(data []byte) error
	SendText(s string) error
	Close() error
}

var _ DataChannelConn = (*webrtc.DataChannel)(nil)

// DataChannel adapts a WebRTC data channel. Data channels are not
// persistent: sends before the channel opens, or after it closes, fail
// with ErrNotOpen.
type DataChannel struct {
	dc     DataChannelConn
	codec  wire.Codec
	logger *slog.Logger

	listeners listeners

	mu       sync.Mutex
	attached bool
	detached bool
	once     sync.Once
}

// NewDataChannel wraps dc. The JSON codec sends text messages; the binary
// codec sends binary messages.
func NewDataChannel(dc DataChannelConn, opts ...Option) *DataChannel {
	o := newOptions(opts, wire.DefaultCodec)
	return &DataChannel{dc: dc, codec: o.codec, logger: o.logger}
}

func (d *DataChannel) Kind() Kind                 { return KindDataChannel }
func (d *DataChannel) Capabilities() Capabilities { return CapabilitiesOf(KindDataChannel) }

// Label returns the underlying channel label.
func (d *DataChannel) Label() string { return d.dc.Label() }

// Attach installs the data channel callbacks.
func (d *DataChannel) Attach(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.detached {
		return ErrDetached
	}
	if d.attached {
		return nil
	}
	d.attached = true

	d.dc.OnOpen(func() {
		d.logger.Debug("data channel open", "label", d.dc.Label())
	})
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		codec := wire.Codec(wire.BinaryCodec{})
		if msg.IsString {
			codec = wire.JSONCodec{}
		}
		m, err := codec.Decode(msg.Data)
		if err != nil {
			d.logger.Warn("data channel message dropped", "label", d.dc.Label(), "error", err)
			d.listeners.error(err)
			return
		}
		d.listeners.message(m)
	})
	d.dc.OnError(func(err error) {
		d.listeners.error(fmt.Errorf("data channel %s: %w", d.dc.Label(), err))
	})
	d.dc.OnClose(d.finish)
	return nil
}

// Detach closes the data channel.
func (d *DataChannel) Detach() error {
	d.mu.Lock()
	if d.detached {
		d.mu.Unlock()
		return nil
	}
	d.detached = true
	d.mu.Unlock()

	err := d.dc.Close()
	d.finish()
	return err
}

func (d *DataChannel) finish() {
	d.once.Do(func() {
		d.mu.Lock()
		d.detached = true
		d.mu.Unlock()
		d.listeners.close()
	})
}

// Send encodes msg and writes it if the channel is open.
func (d *DataChannel) Send(msg *wire.Message, transfer ...any) error {
	d.mu.Lock()
	detached := d.detached
	d.mu.Unlock()
	if detached {
		return ErrDetached
	}
	if d.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("data channel %s send %s: %w", d.dc.Label(), msg.ID, ErrNotOpen)
	}
	b, err := d.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("data channel send %s: %w", msg.ID, err)
	}
	if d.codec.Binary() {
		err = d.dc.Send(b)
	} else {
		err = d.dc.SendText(string(b))
	}
	if err != nil {
		return fmt.Errorf("data channel send %s: %w", msg.ID, err)
	}
	return nil
}

func (d *DataChannel) Listen(onMessage func(*wire.Message), onError func(error), onClose func()) func() {
	return d.listeners.add(onMessage, onError, onClose)
}
