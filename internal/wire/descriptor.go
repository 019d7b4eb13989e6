package wire

import (
	"encoding/json"
	"strings"
)

// Descriptor is the serializable stand-in for a value that is not returned
// by copy. The receiver resolves it back through the owner's path store.
type Descriptor struct {
	IsDescriptor  bool     `json:"$isDescriptor"`
	Path          []string `json:"path"`
	Owner         string   `json:"owner"`
	Channel       string   `json:"channel"`
	Primitive     bool     `json:"primitive"`
	Writable      bool     `json:"writable"`
	Enumerable    bool     `json:"enumerable"`
	Configurable  bool     `json:"configurable"`
	ArgumentCount int      `json:"argumentCount"`
}

// Key identifies the addressed target: owner plus path.
func (d *Descriptor) Key() string {
	return d.Owner + "\x00" + PathKey(d.Path)
}

// Target returns the channel name requests for this descriptor go to.
func (d *Descriptor) Target() string {
	if d.Channel != "" {
		return d.Channel
	}
	return d.Owner
}

// Clone returns a deep copy of d.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Path = append([]string(nil), d.Path...)
	return &cp
}

// DescriptorFrom recognizes a descriptor in any of the shapes it can take
// after crossing a boundary: the struct itself, a pointer to it, or the
// generic map produced by JSON decoding.
func DescriptorFrom(v any) (*Descriptor, bool) {
	switch d := v.(type) {
	case *Descriptor:
		if d == nil || !d.IsDescriptor {
			return nil, false
		}
		return d, true
	case Descriptor:
		if !d.IsDescriptor {
			return nil, false
		}
		return &d, true
	case map[string]any:
		flag, _ := d["$isDescriptor"].(bool)
		if !flag {
			return nil, false
		}
		b, err := json.Marshal(d)
		if err != nil {
			return nil, false
		}
		var out Descriptor
		if err := json.Unmarshal(b, &out); err != nil {
			return nil, false
		}
		return &out, true
	}
	return nil, false
}

// PathKey returns a collision-free string key for a path.
func PathKey(path []string) string {
	if len(path) == 0 {
		return "[]"
	}
	b, err := json.Marshal(path)
	if err != nil {
		// []string always marshals; keep a readable fallback anyway.
		return strings.Join(path, "\x1f")
	}
	return string(b)
}

// JoinPath returns a new path of base extended by keys.
func JoinPath(base []string, keys ...string) []string {
	out := make([]string, 0, len(base)+len(keys))
	out = append(out, base...)
	return append(out, keys...)
}
