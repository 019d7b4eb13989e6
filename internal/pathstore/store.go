// Package pathstore is the remote object registry: it maps paths to live
// local values so that results can cross a boundary as descriptors instead
// of copies.
//
// Values live in one of two places. Exposed roots are pinned under their
// name and stay until removed. Results handed out by reference are parked
// in a handle arena under ["$h", "h<n>"]; handles expire after a TTL or
// when explicitly disposed.
//
// A reverse map from object identity to path lets a value that is described
// twice reuse its first path. Only reference kinds (pointers, maps,
// channels) have an identity. Functions are excluded because closures
// created from the same literal share a code pointer.
package pathstore

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/roach88/fabric/internal/object"
)

// HandleRoot is the first path segment of every arena handle.
const HandleRoot = "$h"

const (
	DefaultSize = 4096
	DefaultTTL  = 10 * time.Minute
)

// ErrNotFound is returned when a path's root is neither an exposed name
// nor a live handle.
var ErrNotFound = errors.New("path not found")

// Store is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	roots map[string]any

	handles *expirable.LRU[string, *handle]
	reverse sync.Map // identity -> *ref
	seq     atomic.Uint64

	size    int
	ttl     time.Duration
	onEvict func(path []string)
}

type handle struct {
	value any
	ref   *ref
}

type ref struct {
	path []string
}

type identity struct {
	typ reflect.Type
	ptr uintptr
}

// Option configures a Store.
type Option func(*Store)

// WithSize caps the number of live handles. The least recently used handle
// is evicted first.
func WithSize(n int) Option {
	return func(s *Store) { s.size = n }
}

// WithTTL sets how long a handle lives without being refreshed.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithEvictHook is called with the path of every handle that leaves the
// arena, whether by expiry, capacity or Dispose.
func WithEvictHook(fn func(path []string)) Option {
	return func(s *Store) { s.onEvict = fn }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		roots: make(map[string]any),
		size:  DefaultSize,
		ttl:   DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handles = expirable.NewLRU[string, *handle](s.size, s.evicted, s.ttl)
	return s
}

// evicted runs under the LRU's lock and must not call back into it.
func (s *Store) evicted(id string, h *handle) {
	if key, ok := identityOf(h.value); ok {
		s.reverse.CompareAndDelete(key, h.ref)
	}
	if s.onEvict != nil {
		s.onEvict([]string{HandleRoot, id})
	}
}

// Expose pins v under name and returns its path. Exposing a name again
// replaces the previous value.
func (s *Store) Expose(name string, v any) []string {
	path := []string{name}
	s.mu.Lock()
	prev, had := s.roots[name]
	s.roots[name] = v
	s.mu.Unlock()

	if had {
		s.forget(prev, path)
	}
	if key, ok := identityOf(v); ok {
		s.reverse.LoadOrStore(key, &ref{path: path})
	}
	return path
}

// Unexpose removes a pinned root. It reports whether name was exposed.
func (s *Store) Unexpose(name string) bool {
	s.mu.Lock()
	prev, had := s.roots[name]
	delete(s.roots, name)
	s.mu.Unlock()

	if had {
		s.forget(prev, []string{name})
	}
	return had
}

func (s *Store) forget(v any, path []string) {
	key, ok := identityOf(v)
	if !ok {
		return
	}
	if r, ok := s.reverse.Load(key); ok && samePath(r.(*ref).path, path) {
		s.reverse.CompareAndDelete(key, r)
	}
}

// Roots lists exposed names in sorted order.
func (s *Store) Roots() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.roots))
	for n := range s.roots {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Register parks v in the handle arena and returns its path. A value that
// already has a live path, exposed or parked, gets that path back.
func (s *Store) Register(v any) []string {
	if path, ok := s.PathOf(v); ok {
		return path
	}
	id := "h" + strconv.FormatUint(s.seq.Add(1), 10)
	path := []string{HandleRoot, id}
	r := &ref{path: path}
	if key, ok := identityOf(v); ok {
		s.reverse.Store(key, r)
	}
	s.handles.Add(id, &handle{value: v, ref: r})
	return append([]string(nil), path...)
}

// PathOf returns the live path previously assigned to v.
func (s *Store) PathOf(v any) ([]string, bool) {
	key, ok := identityOf(v)
	if !ok {
		return nil, false
	}
	r, ok := s.reverse.Load(key)
	if !ok {
		return nil, false
	}
	path := r.(*ref).path
	if _, err := s.root(path); err != nil {
		s.reverse.CompareAndDelete(key, r)
		return nil, false
	}
	return append([]string(nil), path...), true
}

// Resolve returns the value at path. The root segment must be an exposed
// name or a live handle; the remaining segments are walked with object.Get.
func (s *Store) Resolve(path []string) (any, error) {
	v, err := s.root(path)
	if err != nil {
		return nil, err
	}
	for i := rootLen(path); i < len(path); i++ {
		v, err = object.Get(v, path[i])
		if err != nil {
			return nil, fmt.Errorf("resolve %v: %w", path, err)
		}
	}
	return v, nil
}

// Lookup is Resolve without the error detail.
func (s *Store) Lookup(path []string) (any, bool) {
	v, err := s.Resolve(path)
	return v, err == nil
}

// HasRoot reports whether the first segment of path addresses a stored
// value, regardless of whether the rest of the path resolves.
func (s *Store) HasRoot(path []string) bool {
	_, err := s.root(path)
	return err == nil
}

// Parent resolves everything but the last segment of path and returns it
// with that segment. Paths that end at a root have no parent.
func (s *Store) Parent(path []string) (any, string, error) {
	if len(path) <= rootLen(path) {
		return nil, "", fmt.Errorf("parent of %v: path is a root", path)
	}
	parent, err := s.Resolve(path[:len(path)-1])
	if err != nil {
		return nil, "", err
	}
	return parent, path[len(path)-1], nil
}

// Assign stores v at path. A root path exposes or replaces the root; a
// deeper path sets the property on its parent.
func (s *Store) Assign(path []string, v any) error {
	switch {
	case len(path) == 0:
		return fmt.Errorf("assign: empty path")
	case isHandle(path) && len(path) == 2:
		h, ok := s.handles.Peek(path[1])
		if !ok {
			return fmt.Errorf("assign %v: %w", path, ErrNotFound)
		}
		if key, ok := identityOf(h.value); ok {
			s.reverse.CompareAndDelete(key, h.ref)
		}
		if key, ok := identityOf(v); ok {
			s.reverse.Store(key, h.ref)
		}
		s.handles.Add(path[1], &handle{value: v, ref: h.ref})
		return nil
	case len(path) == 1:
		s.Expose(path[0], v)
		return nil
	}
	parent, key, err := s.Parent(path)
	if err != nil {
		return err
	}
	if err := object.Set(parent, key, v); err != nil {
		return fmt.Errorf("assign %v: %w", path, err)
	}
	return nil
}

// Delete removes the value at path: a root is unexposed, a handle is
// disposed, anything deeper is deleted from its parent.
func (s *Store) Delete(path []string) (bool, error) {
	switch {
	case len(path) == 0:
		return false, fmt.Errorf("delete: empty path")
	case isHandle(path) && len(path) == 2:
		return s.handles.Remove(path[1]), nil
	case len(path) == 1:
		return s.Unexpose(path[0]), nil
	}
	parent, key, err := s.Parent(path)
	if err != nil {
		return false, err
	}
	return object.Delete(parent, key)
}

// Has reports whether path resolves to a stored value or property.
func (s *Store) Has(path []string) bool {
	if len(path) <= rootLen(path) {
		return s.HasRoot(path)
	}
	parent, key, err := s.Parent(path)
	if err != nil {
		return false
	}
	return object.Has(parent, key)
}

// Dispose releases a handle early. Exposed roots are pinned and cannot be
// disposed.
func (s *Store) Dispose(path []string) bool {
	if !isHandle(path) || len(path) != 2 {
		return false
	}
	return s.handles.Remove(path[1])
}

// Len returns the number of live handles.
func (s *Store) Len() int {
	return s.handles.Len()
}

// Purge drops every handle and every exposed root.
func (s *Store) Purge() {
	s.handles.Purge()
	s.mu.Lock()
	s.roots = make(map[string]any)
	s.mu.Unlock()
	s.reverse.Range(func(k, _ any) bool {
		s.reverse.Delete(k)
		return true
	})
}

func (s *Store) root(path []string) (any, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("resolve: empty path: %w", ErrNotFound)
	}
	if isHandle(path) {
		if len(path) < 2 {
			return nil, fmt.Errorf("resolve %v: %w", path, ErrNotFound)
		}
		h, ok := s.handles.Get(path[1])
		if !ok {
			return nil, fmt.Errorf("resolve %v: handle %s: %w", path, path[1], ErrNotFound)
		}
		return h.value, nil
	}
	s.mu.RLock()
	v, ok := s.roots[path[0]]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("resolve %v: %w", path, ErrNotFound)
	}
	return v, nil
}

func isHandle(path []string) bool {
	return len(path) > 0 && path[0] == HandleRoot
}

func rootLen(path []string) int {
	if isHandle(path) {
		return 2
	}
	return 1
}

func samePath(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func identityOf(v any) (identity, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.UnsafePointer:
		if rv.IsNil() {
			return identity{}, false
		}
		return identity{typ: rv.Type(), ptr: rv.Pointer()}, true
	}
	return identity{}, false
}
