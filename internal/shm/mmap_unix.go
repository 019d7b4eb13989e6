//go:build unix

package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// OpenSegment maps the file at path as a shared segment with at least the
// given data capacity, creating and sizing the file if needed. Processes
// that open the same file share the segment.
func OpenSegment(path string, capacity int) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}
	defer f.Close()

	size := int64(HeaderSize + capacity)
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat segment %s: %w", path, err)
	}
	if st.Size() < size {
		if err := f.Truncate(size); err != nil {
			return nil, fmt.Errorf("size segment %s: %w", path, err)
		}
	} else {
		size = st.Size()
	}

	buf, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map segment %s: %w: %w", path, ErrUnavailable, err)
	}
	return newSegment(buf, func() error { return unix.Munmap(buf) }), nil
}
