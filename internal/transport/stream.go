package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/roach88/fabric/internal/wire"
)

// MaxFrameSize bounds a single inbound frame on stream and WebSocket
// transports.
const MaxFrameSize = wire.MaxPayloadSize + 4096

// Stream frames messages over any byte stream (TCP, unix socket, pipe)
// with a 4-byte big-endian length prefix. The binary codec is the default.
type Stream struct {
	rwc    io.ReadWriteCloser
	codec  wire.Codec
	logger *slog.Logger

	listeners listeners

	wmu      sync.Mutex
	mu       sync.Mutex
	attached bool
	detached bool
	once     sync.Once
}

// NewStream wraps rwc.
func NewStream(rwc io.ReadWriteCloser, opts ...Option) *Stream {
	o := newOptions(opts, wire.BinaryCodec{})
	return &Stream{rwc: rwc, codec: o.codec, logger: o.logger}
}

// DialStream connects to addr and wraps the connection.
func DialStream(ctx context.Context, network, addr string, opts ...Option) (*Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, addr, err)
	}
	return NewStream(conn, opts...), nil
}

func (s *Stream) Kind() Kind                 { return KindStream }
func (s *Stream) Capabilities() Capabilities { return CapabilitiesOf(KindStream) }

// Attach starts the read loop.
func (s *Stream) Attach(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return ErrDetached
	}
	if s.attached {
		return nil
	}
	s.attached = true
	go s.readLoop()
	return nil
}

// Detach closes the underlying stream.
func (s *Stream) Detach() error {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return nil
	}
	s.detached = true
	s.mu.Unlock()

	err := s.rwc.Close()
	s.finish()
	return err
}

// Send writes one frame. Writes are serialized.
func (s *Stream) Send(msg *wire.Message, transfer ...any) error {
	s.mu.Lock()
	detached := s.detached
	s.mu.Unlock()
	if detached {
		return ErrDetached
	}
	b, err := s.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("stream send %s: %w", msg.ID, err)
	}
	if len(b) > MaxFrameSize {
		return fmt.Errorf("stream send %s: frame of %d bytes exceeds %d", msg.ID, len(b), MaxFrameSize)
	}

	frame := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(frame, uint32(len(b)))
	copy(frame[4:], b)

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.rwc.Write(frame); err != nil {
		return fmt.Errorf("stream send %s: %w", msg.ID, err)
	}
	return nil
}

func (s *Stream) Listen(onMessage func(*wire.Message), onError func(error), onClose func()) func() {
	return s.listeners.add(onMessage, onError, onClose)
}

func (s *Stream) readLoop() {
	defer s.finish()
	r := bufio.NewReader(s.rwc)
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			s.readErr(err)
			return
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > MaxFrameSize {
			s.listeners.error(fmt.Errorf("stream frame of %d bytes exceeds %d", n, MaxFrameSize))
			return
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			s.readErr(err)
			return
		}
		m, err := s.codec.Decode(buf)
		if err != nil {
			s.logger.Warn("stream frame dropped", "error", err)
			s.listeners.error(err)
			continue
		}
		s.listeners.message(m)
	}
}

func (s *Stream) readErr(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return
	}
	s.mu.Lock()
	detached := s.detached
	s.mu.Unlock()
	if !detached {
		s.listeners.error(fmt.Errorf("stream read: %w", err))
	}
}

func (s *Stream) finish() {
	s.once.Do(func() {
		s.mu.Lock()
		s.detached = true
		s.mu.Unlock()
		s.listeners.close()
	})
}
