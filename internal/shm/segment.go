// Package shm implements a single-slot shared-memory mailbox guarded by
// atomic flags.
//
// A segment is a fixed 64-byte header followed by a data region:
//
//	offset  0  lock   writer lock flag (0 free, 1 held)
//	offset  4  seq    sequence number of the last written frame
//	offset  8  size   payload size of the current frame
//	offset 12  flags  caller-defined frame flags
//	offset 16  ready  1 while an unread frame is in the slot
//	offset 20  ack    number of frames consumed by the reader
//
// Writers take the lock with compare-and-swap, fill the slot, bump seq and
// raise ready. The single reader copies the frame out, clears ready and
// bumps ack. Waiting spins briefly, then sleeps with exponential backoff
// capped at one millisecond; waiters in the same process are also woken
// directly. Every wait is bounded by the caller's context, or by
// DefaultTimeout when the context has no deadline. There is no fairness
// between competing writers.
package shm

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

const (
	offLock  = 0
	offSeq   = 4
	offSize  = 8
	offFlags = 12
	offReady = 16
	offAck   = 20

	// HeaderSize is the number of bytes reserved before the data region.
	HeaderSize = 64
)

const (
	// DefaultTimeout bounds a wait whose context has no deadline.
	DefaultTimeout = 5 * time.Second

	spinIterations = 64
	minBackoff     = 10 * time.Microsecond
	maxBackoff     = time.Millisecond
)

var (
	// ErrUnavailable is returned when shared memory cannot be mapped on
	// this platform.
	ErrUnavailable = errors.New("shared memory unavailable")
	// ErrTimeout is returned when a wait exceeds its deadline.
	ErrTimeout = errors.New("shared memory wait timed out")
	// ErrTooLarge is returned when a payload does not fit the data region.
	ErrTooLarge = errors.New("payload exceeds segment capacity")
	// ErrClosed is returned by operations on a closed segment.
	ErrClosed = errors.New("segment closed")
)

// Frame is one message read from a segment.
type Frame struct {
	Seq   uint32
	Flags uint32
	Data  []byte
}

// Segment is one direction of shared memory. Any number of goroutines may
// write; exactly one should read.
type Segment struct {
	buf    []byte
	unmap  func() error
	wake   notifier
	closed atomic.Bool
	once   sync.Once
	err    error

	// users is held shared by every access to buf; Close takes it
	// exclusively before unmapping.
	users sync.RWMutex
}

// NewSegment allocates a process-local segment with the given data
// capacity.
func NewSegment(capacity int) *Segment {
	return newSegment(make([]byte, HeaderSize+capacity), nil)
}

func newSegment(buf []byte, unmap func() error) *Segment {
	return &Segment{buf: buf, unmap: unmap}
}

// Capacity returns the size of the data region.
func (s *Segment) Capacity() int {
	return len(s.buf) - HeaderSize
}

func (s *Segment) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.buf[off]))
}

func (s *Segment) load(off int) uint32 {
	return atomic.LoadUint32(s.word(off))
}

func (s *Segment) store(off int, v uint32) {
	atomic.StoreUint32(s.word(off), v)
}

// enter registers an access to the mapping. Every successful enter must be
// paired with leave.
func (s *Segment) enter() error {
	s.users.RLock()
	if s.closed.Load() {
		s.users.RUnlock()
		return ErrClosed
	}
	return nil
}

func (s *Segment) leave() { s.users.RUnlock() }

// Seq returns the sequence number of the last written frame, or zero once
// the segment is closed.
func (s *Segment) Seq() uint32 {
	if s.enter() != nil {
		return 0
	}
	defer s.leave()
	return s.load(offSeq)
}

// Ack returns the number of frames the reader has consumed, or zero once
// the segment is closed.
func (s *Segment) Ack() uint32 {
	if s.enter() != nil {
		return 0
	}
	defer s.leave()
	return s.load(offAck)
}

// Write places payload in the slot once it is free and returns the frame's
// sequence number.
func (s *Segment) Write(ctx context.Context, payload []byte, flags uint32) (uint32, error) {
	if len(payload) > s.Capacity() {
		return 0, fmt.Errorf("write %d bytes into %d: %w", len(payload), s.Capacity(), ErrTooLarge)
	}
	if err := s.enter(); err != nil {
		return 0, fmt.Errorf("write: %w", err)
	}
	defer s.leave()
	for {
		err := s.waitFor(ctx, func() bool {
			return s.load(offReady) == 0 && atomic.CompareAndSwapUint32(s.word(offLock), 0, 1)
		})
		if err != nil {
			return 0, fmt.Errorf("write: acquire lock: %w", err)
		}
		// Another writer may have filled the slot between the ready check
		// and the CAS.
		if s.load(offReady) == 0 {
			break
		}
		s.store(offLock, 0)
	}

	copy(s.buf[HeaderSize:], payload)
	s.store(offSize, uint32(len(payload)))
	s.store(offFlags, flags)
	seq := atomic.AddUint32(s.word(offSeq), 1)
	s.store(offReady, 1)
	s.store(offLock, 0)
	s.wake.broadcast()
	return seq, nil
}

// Read waits for a frame, copies it out and frees the slot.
func (s *Segment) Read(ctx context.Context) (Frame, error) {
	if err := s.enter(); err != nil {
		return Frame{}, fmt.Errorf("read: %w", err)
	}
	defer s.leave()
	if err := s.waitFor(ctx, func() bool { return s.load(offReady) == 1 }); err != nil {
		return Frame{}, fmt.Errorf("read: %w", err)
	}
	size := int(s.load(offSize))
	if size > s.Capacity() {
		s.store(offReady, 0)
		return Frame{}, fmt.Errorf("read: corrupt frame size %d", size)
	}
	f := Frame{
		Seq:   s.load(offSeq),
		Flags: s.load(offFlags),
		Data:  make([]byte, size),
	}
	copy(f.Data, s.buf[HeaderSize:HeaderSize+size])
	s.store(offReady, 0)
	atomic.AddUint32(s.word(offAck), 1)
	s.wake.broadcast()
	return f, nil
}

// WaitAck blocks until the reader has consumed frame seq. The comparison
// tolerates wraparound of the 32-bit counters.
func (s *Segment) WaitAck(ctx context.Context, seq uint32) error {
	if err := s.enter(); err != nil {
		return fmt.Errorf("wait ack %d: %w", seq, err)
	}
	defer s.leave()
	if err := s.waitFor(ctx, func() bool { return acked(s.load(offAck), seq) }); err != nil {
		return fmt.Errorf("wait ack %d: %w", seq, err)
	}
	return nil
}

func acked(ack, seq uint32) bool {
	return int32(ack-seq) >= 0
}

// Close wakes every waiter, waits for in-flight accesses to return and
// releases the mapping.
func (s *Segment) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		s.wake.broadcast()
		s.users.Lock()
		defer s.users.Unlock()
		if s.unmap != nil {
			s.err = s.unmap()
		}
	})
	return s.err
}

func (s *Segment) waitFor(ctx context.Context, cond func() bool) error {
	if s.closed.Load() {
		return ErrClosed
	}
	for i := 0; i < spinIterations; i++ {
		if s.closed.Load() {
			return ErrClosed
		}
		if cond() {
			return nil
		}
		runtime.Gosched()
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	backoff := minBackoff
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	for {
		wake := s.wake.wait()
		if s.closed.Load() {
			return ErrClosed
		}
		if cond() {
			return nil
		}
		timer.Reset(backoff)
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrTimeout
			}
			return ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// notifier wakes in-process waiters. Waiters in other processes rely on
// polling.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func (n *notifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch == nil {
		n.ch = make(chan struct{})
	}
	return n.ch
}

func (n *notifier) broadcast() {
	n.mu.Lock()
	if n.ch != nil {
		close(n.ch)
		n.ch = nil
	}
	n.mu.Unlock()
}
