package object

import (
	"fmt"
	"reflect"
)

// PropertyDescriptor describes one key of a value. Value is filled only for
// plain data.
type PropertyDescriptor struct {
	Value         any    `json:"value,omitempty"`
	Kind          string `json:"kind"`
	Writable      bool   `json:"writable"`
	Enumerable    bool   `json:"enumerable"`
	Configurable  bool   `json:"configurable"`
	ArgumentCount int    `json:"argumentCount,omitempty"`
}

// GetOwnPropertyDescriptor describes key as an own property of target:
// a map entry, struct field, slice element or Object key. Methods are not
// own properties. It returns nil when key is absent.
func GetOwnPropertyDescriptor(target any, key string) (*PropertyDescriptor, error) {
	if target == nil {
		return nil, fmt.Errorf("describe %q on nil: %w", key, ErrUnsupported)
	}
	if o, ok := target.(Object); ok {
		v, ok := o.GetProperty(key)
		if !ok {
			return nil, nil
		}
		configurable := true
		if e, ok := target.(Extensible); ok {
			configurable = e.IsExtensible()
		}
		return describe(v, true, true, configurable), nil
	}

	v := indirect(reflect.ValueOf(target))
	switch v.Kind() {
	case reflect.Map:
		mk, err := mapKey(v.Type(), key)
		if err != nil {
			return nil, nil
		}
		e := v.MapIndex(mk)
		if !e.IsValid() {
			return nil, nil
		}
		return describe(e.Interface(), true, true, true), nil
	case reflect.Struct:
		f, ok := fieldByKey(v, key)
		if !ok {
			return nil, nil
		}
		return describe(live(f), f.CanSet(), true, false), nil
	case reflect.Slice, reflect.Array:
		if key == "length" {
			return describe(v.Len(), false, false, false), nil
		}
		i, ok := index(v, key)
		if !ok {
			return nil, nil
		}
		e := v.Index(i)
		return describe(live(e), e.CanSet(), true, false), nil
	}
	return nil, nil
}

// GetPropertyDescriptor is GetOwnPropertyDescriptor extended to methods.
func GetPropertyDescriptor(target any, key string) (*PropertyDescriptor, error) {
	d, err := GetOwnPropertyDescriptor(target, key)
	if err != nil || d != nil {
		return d, err
	}
	if m := methodByKey(reflect.ValueOf(target), key); m.IsValid() {
		return describe(m.Interface(), false, false, false), nil
	}
	return nil, nil
}

// Flags returns the writable, enumerable and configurable attributes of
// key on parent. Unknown keys report all false.
func Flags(parent any, key string) (writable, enumerable, configurable bool) {
	d, err := GetPropertyDescriptor(parent, key)
	if err != nil || d == nil {
		return false, false, false
	}
	return d.Writable, d.Enumerable, d.Configurable
}

func describe(v any, writable, enumerable, configurable bool) *PropertyDescriptor {
	d := &PropertyDescriptor{
		Kind:          kindOf(v),
		Writable:      writable,
		Enumerable:    enumerable,
		Configurable:  configurable,
		ArgumentCount: ArgCount(v),
	}
	if IsPlainData(v) {
		d.Value = v
	}
	return d
}

func kindOf(v any) string {
	if v == nil {
		return "nil"
	}
	if IsCallable(v) {
		return "func"
	}
	return reflect.TypeOf(v).Kind().String()
}

// IsExtensible reports whether new keys can be added to v.
func IsExtensible(v any) bool {
	if e, ok := v.(Extensible); ok {
		return e.IsExtensible()
	}
	rv := indirect(reflect.ValueOf(v))
	return rv.Kind() == reflect.Map && !rv.IsNil()
}

// PreventExtensions freezes v against new keys. It reports false for values
// that cannot be frozen.
func PreventExtensions(v any) bool {
	if e, ok := v.(Extensible); ok {
		e.PreventExtensions()
		return true
	}
	return false
}

// SetPrototypeOf always fails: Go types are fixed at compile time.
func SetPrototypeOf(v any, proto any) error {
	return fmt.Errorf("set prototype of %T: %w", v, ErrUnsupported)
}
