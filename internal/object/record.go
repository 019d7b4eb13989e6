package object

import (
	"sort"
	"sync"
)

// Record is a dynamic, concurrency-safe Object. Exposing a Record gives
// peers a value they can add keys to, delete from and freeze.
type Record struct {
	mu     sync.RWMutex
	props  map[string]any
	frozen bool
}

// NewRecord returns a Record holding a copy of props.
func NewRecord(props map[string]any) *Record {
	r := &Record{props: make(map[string]any, len(props))}
	for k, v := range props {
		r.props[k] = v
	}
	return r
}

func (r *Record) GetProperty(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.props[key]
	return v, ok
}

func (r *Record) SetProperty(key string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.props[key]; !exists && r.frozen {
		return ErrNotExtensible
	}
	r.props[key] = value
	return nil
}

func (r *Record) DeleteProperty(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		_, exists := r.props[key]
		return !exists
	}
	delete(r.props, key)
	return true
}

func (r *Record) OwnKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.props))
	for k := range r.props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Record) IsExtensible() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.frozen
}

func (r *Record) PreventExtensions() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Snapshot returns a shallow copy of the current properties.
func (r *Record) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.props))
	for k, v := range r.props {
		out[k] = v
	}
	return out
}
