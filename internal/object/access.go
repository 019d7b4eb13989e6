package object

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Get reads key from target.
//
// Resolution order: Object implementations, methods (bound to target),
// then map entries, struct fields and slice elements. Struct-valued fields
// reached through a pointer are returned as pointers so later operations
// act on the live field rather than a copy.
func Get(target any, key string) (any, error) {
	if target == nil {
		return nil, fmt.Errorf("get %q on nil: %w", key, ErrNoProperty)
	}
	if o, ok := target.(Object); ok {
		v, ok := o.GetProperty(key)
		if !ok {
			return nil, fmt.Errorf("get %q: %w", key, ErrNoProperty)
		}
		return v, nil
	}

	rv := reflect.ValueOf(target)
	if m := methodByKey(rv, key); m.IsValid() {
		return m.Interface(), nil
	}

	v := indirect(rv)
	switch v.Kind() {
	case reflect.Map:
		mk, err := mapKey(v.Type(), key)
		if err != nil {
			return nil, fmt.Errorf("get %q: %w", key, err)
		}
		e := v.MapIndex(mk)
		if !e.IsValid() {
			return nil, fmt.Errorf("get %q: %w", key, ErrNoProperty)
		}
		return e.Interface(), nil

	case reflect.Struct:
		f, ok := fieldByKey(v, key)
		if !ok {
			return nil, fmt.Errorf("get %q: %w", key, ErrNoProperty)
		}
		return live(f), nil

	case reflect.Slice, reflect.Array:
		if key == "length" {
			return v.Len(), nil
		}
		i, ok := index(v, key)
		if !ok {
			return nil, fmt.Errorf("get %q: %w", key, ErrNoProperty)
		}
		return live(v.Index(i)), nil
	}
	return nil, fmt.Errorf("get %q on %s: %w", key, rv.Type(), ErrNoProperty)
}

// Set assigns value to key on target, converting it to the destination type.
func Set(target any, key string, value any) error {
	if target == nil {
		return fmt.Errorf("set %q on nil: %w", key, ErrUnsupported)
	}
	if o, ok := target.(Object); ok {
		return o.SetProperty(key, value)
	}

	v := indirect(reflect.ValueOf(target))
	switch v.Kind() {
	case reflect.Map:
		if v.IsNil() {
			return fmt.Errorf("set %q: nil map: %w", key, ErrUnsupported)
		}
		if e, ok := target.(Extensible); ok && !e.IsExtensible() {
			return fmt.Errorf("set %q: %w", key, ErrNotExtensible)
		}
		mk, err := mapKey(v.Type(), key)
		if err != nil {
			return fmt.Errorf("set %q: %w", key, err)
		}
		ev, err := Convert(value, v.Type().Elem())
		if err != nil {
			return fmt.Errorf("set %q: %w", key, err)
		}
		v.SetMapIndex(mk, ev)
		return nil

	case reflect.Struct:
		f, ok := fieldByKey(v, key)
		if !ok {
			return fmt.Errorf("set %q: %w", key, ErrNoProperty)
		}
		if !f.CanSet() {
			return fmt.Errorf("set %q: field is not addressable: %w", key, ErrUnsupported)
		}
		fv, err := Convert(value, f.Type())
		if err != nil {
			return fmt.Errorf("set %q: %w", key, err)
		}
		f.Set(fv)
		return nil

	case reflect.Slice, reflect.Array:
		i, ok := index(v, key)
		if !ok {
			return fmt.Errorf("set %q: index out of range: %w", key, ErrUnsupported)
		}
		e := v.Index(i)
		if !e.CanSet() {
			return fmt.Errorf("set %q: element is not addressable: %w", key, ErrUnsupported)
		}
		ev, err := Convert(value, e.Type())
		if err != nil {
			return fmt.Errorf("set %q: %w", key, err)
		}
		e.Set(ev)
		return nil
	}
	return fmt.Errorf("set %q on %T: %w", key, target, ErrUnsupported)
}

// Has reports whether key resolves on target, including methods.
func Has(target any, key string) bool {
	if target == nil {
		return false
	}
	if o, ok := target.(Object); ok {
		_, ok := o.GetProperty(key)
		return ok
	}
	rv := reflect.ValueOf(target)
	if methodByKey(rv, key).IsValid() {
		return true
	}
	v := indirect(rv)
	switch v.Kind() {
	case reflect.Map:
		mk, err := mapKey(v.Type(), key)
		return err == nil && v.MapIndex(mk).IsValid()
	case reflect.Struct:
		_, ok := fieldByKey(v, key)
		return ok
	case reflect.Slice, reflect.Array:
		if key == "length" {
			return true
		}
		_, ok := index(v, key)
		return ok
	}
	return false
}

// Delete removes key from target. It reports false, without error, when
// the key exists but cannot be removed (struct fields, slice elements) and
// when target is a nil map.
func Delete(target any, key string) (bool, error) {
	if target == nil {
		return false, fmt.Errorf("delete %q on nil: %w", key, ErrUnsupported)
	}
	if o, ok := target.(Object); ok {
		return o.DeleteProperty(key), nil
	}
	v := indirect(reflect.ValueOf(target))
	if v.Kind() != reflect.Map {
		return false, nil
	}
	if v.IsNil() {
		return false, nil
	}
	mk, err := mapKey(v.Type(), key)
	if err != nil {
		return false, fmt.Errorf("delete %q: %w", key, err)
	}
	v.SetMapIndex(mk, reflect.Value{})
	return true, nil
}

// OwnKeys lists the enumerable keys of target: map keys sorted, exported
// struct fields in declaration order, slice indices ascending.
func OwnKeys(target any) []string {
	if target == nil {
		return nil
	}
	if o, ok := target.(Object); ok {
		return o.OwnKeys()
	}
	v := indirect(reflect.ValueOf(target))
	switch v.Kind() {
	case reflect.Map:
		keys := make([]string, 0, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			keys = append(keys, fmt.Sprint(iter.Key().Interface()))
		}
		sort.Strings(keys)
		return keys

	case reflect.Struct:
		t := v.Type()
		keys := make([]string, 0, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name, skip := jsonName(f)
			if skip {
				continue
			}
			keys = append(keys, name)
		}
		return keys

	case reflect.Slice, reflect.Array:
		keys := make([]string, v.Len())
		for i := range keys {
			keys[i] = strconv.Itoa(i)
		}
		return keys
	}
	return nil
}

// methodByKey finds an exported method named key, or key with its first
// letter upper-cased. Lookup tries the value itself and, when addressable,
// its pointer.
func methodByKey(rv reflect.Value, key string) reflect.Value {
	if !rv.IsValid() || key == "" {
		return reflect.Value{}
	}
	for _, name := range candidates(key) {
		if m := rv.MethodByName(name); m.IsValid() {
			return m
		}
		if rv.Kind() != reflect.Pointer && rv.CanAddr() {
			if m := rv.Addr().MethodByName(name); m.IsValid() {
				return m
			}
		}
	}
	return reflect.Value{}
}

// fieldByKey matches json tag names first, then Go field names.
func fieldByKey(v reflect.Value, key string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if name, skip := jsonName(f); !skip && name == key {
			return v.Field(i), true
		}
	}
	for _, name := range candidates(key) {
		sf, ok := t.FieldByName(name)
		if !ok || !sf.IsExported() {
			continue
		}
		f, err := v.FieldByIndexErr(sf.Index)
		if err != nil {
			continue
		}
		return f, true
	}
	return reflect.Value{}, false
}

func jsonName(f reflect.StructField) (string, bool) {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", true
	}
	if name, _, _ := strings.Cut(tag, ","); name != "" {
		return name, false
	}
	return f.Name, false
}

func candidates(key string) []string {
	r, size := utf8.DecodeRuneInString(key)
	if unicode.IsUpper(r) || !unicode.IsLetter(r) {
		return []string{key}
	}
	return []string{key, string(unicode.ToUpper(r)) + key[size:]}
}

func index(v reflect.Value, key string) (int, bool) {
	i, err := strconv.Atoi(key)
	if err != nil || i < 0 || i >= v.Len() {
		return 0, false
	}
	return i, true
}

func mapKey(t reflect.Type, key string) (reflect.Value, error) {
	kt := t.Key()
	switch kt.Kind() {
	case reflect.String:
		return reflect.ValueOf(key).Convert(kt), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(key, 10, kt.Bits())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("map key %q: %w", key, ErrNoProperty)
		}
		return reflect.ValueOf(n).Convert(kt), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(key, 10, kt.Bits())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("map key %q: %w", key, ErrNoProperty)
		}
		return reflect.ValueOf(n).Convert(kt), nil
	}
	return reflect.Value{}, fmt.Errorf("map key type %s: %w", kt, ErrUnsupported)
}

// live returns a pointer for addressable composite values so the caller
// keeps a reference into the parent rather than a copy.
func live(v reflect.Value) any {
	switch v.Kind() {
	case reflect.Struct, reflect.Array:
		if v.CanAddr() {
			return v.Addr().Interface()
		}
	}
	if !v.CanInterface() {
		return nil
	}
	return v.Interface()
}
