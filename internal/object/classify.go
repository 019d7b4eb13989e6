package object

import (
	"encoding/json"
	"reflect"
)

const maxPlainDepth = 64

// IsPrimitive reports whether v is nil, a bool, a number or a string.
// Primitives are always returned by value.
func IsPrimitive(v any) bool {
	if v == nil {
		return true
	}
	if _, ok := v.(json.Number); ok {
		return true
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// IsTransferable reports whether v may be handed over by ownership:
// byte slices and values implementing Transferable.
func IsTransferable(v any) bool {
	switch v.(type) {
	case []byte, Transferable:
		return true
	}
	return false
}

// IsPlainData reports whether v is made only of primitives, string-keyed
// maps, slices, arrays and method-less structs of the same. Plain data can
// be copied across a boundary without losing behaviour.
func IsPlainData(v any) bool {
	return plain(reflect.ValueOf(v), 0)
}

func plain(v reflect.Value, depth int) bool {
	if depth > maxPlainDepth {
		return false
	}
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	case reflect.Interface:
		if v.IsNil() {
			return true
		}
		return plain(v.Elem(), depth+1)
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return false
		}
		iter := v.MapRange()
		for iter.Next() {
			if !plain(iter.Value(), depth+1) {
				return false
			}
		}
		return true
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if !plain(v.Index(i), depth+1) {
				return false
			}
		}
		return true
	case reflect.Struct:
		t := v.Type()
		if t.NumMethod() > 0 || reflect.PointerTo(t).NumMethod() > 0 {
			return false
		}
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			if !plain(v.Field(i), depth+1) {
				return false
			}
		}
		return true
	}
	return false
}

// Clone deep-copies the generic containers of v (map[string]any and []any),
// giving replace the first look at every node. When replace reports true
// its result is used in place of the node and the node is not descended
// into. Other values are kept as-is.
func Clone(v any, replace func(any) (any, bool)) any {
	if replace != nil {
		if r, ok := replace(v); ok {
			return r
		}
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Clone(e, replace)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Clone(e, replace)
		}
		return out
	}
	return v
}

// PrototypeOf names the type of v, the closest Go analogue of a prototype.
func PrototypeOf(v any) any {
	if v == nil {
		return nil
	}
	return reflect.TypeOf(v).String()
}
