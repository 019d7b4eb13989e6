package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/fabric/internal/fifo"
	"github.com/roach88/fabric/internal/shm"
	"github.com/roach88/fabric/internal/wire"
)

// SharedMemory carries binary-encoded messages over an shm.Link. Sends are
// queued and written by one goroutine so that a slow reader never blocks
// the caller; each write waits at most SendTimeout for the slot.
type SharedMemory struct {
	link        *shm.Link
	codec       wire.Codec
	logger      *slog.Logger
	SendTimeout time.Duration

	outbox    *fifo.Queue[[]byte]
	listeners listeners

	mu       sync.Mutex
	attached bool
	detached bool
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	once     sync.Once
}

// NewSharedMemory wraps link. A nil link yields an adapter whose Attach
// fails with shm.ErrUnavailable.
func NewSharedMemory(link *shm.Link, opts ...Option) *SharedMemory {
	o := newOptions(opts, wire.BinaryCodec{})
	return &SharedMemory{
		link:        link,
		codec:       o.codec,
		logger:      o.logger,
		SendTimeout: shm.DefaultTimeout,
		outbox:      fifo.New[[]byte](),
	}
}

func (s *SharedMemory) Kind() Kind                 { return KindSharedMemory }
func (s *SharedMemory) Capabilities() Capabilities { return CapabilitiesOf(KindSharedMemory) }

// Attach starts the reader and writer goroutines.
func (s *SharedMemory) Attach(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return ErrDetached
	}
	if s.link == nil {
		return fmt.Errorf("attach shared memory: %w", shm.ErrUnavailable)
	}
	if s.attached {
		return nil
	}
	s.attached = true
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.loops.Add(2)
	go s.writeLoop(loopCtx)
	go s.readLoop(loopCtx)
	return nil
}

// Detach stops both loops, waits for them to return and closes the link.
func (s *SharedMemory) Detach() error {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return nil
	}
	s.detached = true
	cancel := s.cancel
	s.outbox.Close()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.loops.Wait()
	var err error
	if s.link != nil {
		err = s.link.Close()
	}
	s.finish()
	return err
}

// Send encodes msg and queues it for the writer.
func (s *SharedMemory) Send(msg *wire.Message, transfer ...any) error {
	s.mu.Lock()
	detached := s.detached
	s.mu.Unlock()
	if detached {
		return ErrDetached
	}
	if s.link == nil {
		return fmt.Errorf("shared memory send %s: %w", msg.ID, shm.ErrUnavailable)
	}
	b, err := s.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("shared memory send %s: %w", msg.ID, err)
	}
	if len(b) > s.link.Capacity() {
		return fmt.Errorf("shared memory send %s: %w", msg.ID, shm.ErrTooLarge)
	}
	if !s.outbox.Enqueue(b) {
		return ErrDetached
	}
	return nil
}

func (s *SharedMemory) Listen(onMessage func(*wire.Message), onError func(error), onClose func()) func() {
	return s.listeners.add(onMessage, onError, onClose)
}

func (s *SharedMemory) writeLoop(ctx context.Context) {
	defer s.loops.Done()
	s.outbox.Drain(ctx.Done(), func(b []byte) {
		wctx, cancel := context.WithTimeout(ctx, s.SendTimeout)
		defer cancel()
		if _, err := s.link.Send(wctx, b, 0); err != nil {
			s.logger.Debug("shared memory write failed", "error", err)
			s.listeners.error(fmt.Errorf("shared memory write: %w", err))
		}
	})
}

func (s *SharedMemory) readLoop(ctx context.Context) {
	defer s.loops.Done()
	defer s.finish()
	for {
		f, err := s.link.Recv(ctx)
		switch {
		case err == nil:
		case errors.Is(err, shm.ErrTimeout):
			continue
		case errors.Is(err, shm.ErrClosed), ctx.Err() != nil:
			return
		default:
			s.listeners.error(err)
			continue
		}
		m, err := s.codec.Decode(f.Data)
		if err != nil {
			s.logger.Warn("shared memory frame dropped", "seq", f.Seq, "error", err)
			s.listeners.error(err)
			continue
		}
		s.listeners.message(m)
	}
}

func (s *SharedMemory) finish() {
	s.once.Do(func() {
		s.mu.Lock()
		s.detached = true
		s.mu.Unlock()
		s.listeners.close()
	})
}
