//go:build !unix

package shm

import "fmt"

// OpenSegment is not supported on this platform.
func OpenSegment(path string, capacity int) (*Segment, error) {
	return nil, fmt.Errorf("open segment %s: %w", path, ErrUnavailable)
}
