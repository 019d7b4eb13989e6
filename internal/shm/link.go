package shm

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
)

// Side selects which half of a file-backed link a process uses.
type Side string

const (
	SideA Side = "a"
	SideB Side = "b"
)

// Link is a duplex connection made of two segments, one per direction.
type Link struct {
	tx *Segment
	rx *Segment
}

// NewLinkPair returns two process-local links wired to each other.
func NewLinkPair(capacity int) (*Link, *Link) {
	ab, ba := NewSegment(capacity), NewSegment(capacity)
	return &Link{tx: ab, rx: ba}, &Link{tx: ba, rx: ab}
}

// OpenLink maps <path>.ab and <path>.ba. Side A writes to .ab and reads
// from .ba; side B does the reverse.
func OpenLink(path string, capacity int, side Side) (*Link, error) {
	if side != SideA && side != SideB {
		return nil, fmt.Errorf("open link: unknown side %q", side)
	}
	ab, err := OpenSegment(path+".ab", capacity)
	if err != nil {
		return nil, err
	}
	ba, err := OpenSegment(path+".ba", capacity)
	if err != nil {
		return nil, multierr.Append(err, ab.Close())
	}
	if side == SideA {
		return &Link{tx: ab, rx: ba}, nil
	}
	return &Link{tx: ba, rx: ab}, nil
}

// Send writes one frame and returns its sequence number.
func (l *Link) Send(ctx context.Context, payload []byte, flags uint32) (uint32, error) {
	return l.tx.Write(ctx, payload, flags)
}

// WaitAck blocks until the peer has read frame seq.
func (l *Link) WaitAck(ctx context.Context, seq uint32) error {
	return l.tx.WaitAck(ctx, seq)
}

// Recv reads the next frame from the peer.
func (l *Link) Recv(ctx context.Context) (Frame, error) {
	return l.rx.Read(ctx)
}

// Capacity returns the largest payload Send accepts.
func (l *Link) Capacity() int {
	return l.tx.Capacity()
}

// Close closes both directions.
func (l *Link) Close() error {
	return multierr.Combine(l.tx.Close(), l.rx.Close())
}
