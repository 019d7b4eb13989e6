package object

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// Call invokes fn with args.
//
// A leading context.Context parameter receives ctx. Missing arguments are
// zero values, extra arguments are dropped unless fn is variadic. Results
// may be (), (T), (error) or (T, error); more than one non-error result is
// returned as a []any. A panic inside fn is returned as an error.
func Call(ctx context.Context, fn any, args []any) (result any, err error) {
	if c, ok := fn.(Callable); ok {
		return c.Apply(ctx, args)
	}
	rv := reflect.ValueOf(fn)
	if !rv.IsValid() || rv.Kind() != reflect.Func || rv.IsNil() {
		return nil, fmt.Errorf("call %T: %w", fn, ErrNotCallable)
	}

	in, err := callArgs(ctx, rv.Type(), args)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("call panicked: %v", r)
		}
	}()
	return results(rv.Call(in))
}

func callArgs(ctx context.Context, ft reflect.Type, args []any) ([]reflect.Value, error) {
	n := ft.NumIn()
	offset := 0
	in := make([]reflect.Value, 0, n)
	if n > 0 && ft.In(0) == contextType {
		if ctx == nil {
			ctx = context.Background()
		}
		in = append(in, reflect.ValueOf(ctx))
		offset = 1
	}

	fixed := n - offset
	if ft.IsVariadic() {
		fixed--
	}
	for i := 0; i < fixed; i++ {
		var a any
		if i < len(args) {
			a = args[i]
		}
		v, err := Convert(a, ft.In(offset+i))
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		in = append(in, v)
	}
	if ft.IsVariadic() {
		et := ft.In(n - 1).Elem()
		for i := fixed; i < len(args); i++ {
			v, err := Convert(args[i], et)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			in = append(in, v)
		}
	}
	return in, nil
}

func results(out []reflect.Value) (any, error) {
	if len(out) == 0 {
		return nil, nil
	}
	last := out[len(out)-1]
	var err error
	if last.Type() == errorType {
		if !last.IsNil() {
			err = last.Interface().(error)
		}
		out = out[:len(out)-1]
	}
	switch len(out) {
	case 0:
		return nil, err
	case 1:
		return out[0].Interface(), err
	}
	vals := make([]any, len(out))
	for i, v := range out {
		vals[i] = v.Interface()
	}
	return vals, err
}

// Construct creates a new value from target.
//
// Constructible values construct themselves. A reflect.Type allocates a new
// value of that type, initialized from args[0] when given. A function is
// treated as a factory and called with args.
func Construct(ctx context.Context, target any, args []any) (any, error) {
	switch t := target.(type) {
	case Constructible:
		return t.Construct(ctx, args)
	case reflect.Type:
		p := reflect.New(t)
		if len(args) > 0 && args[0] != nil {
			v, err := Convert(args[0], t)
			if err != nil {
				return nil, fmt.Errorf("construct %s: %w", t, err)
			}
			p.Elem().Set(v)
		}
		return p.Interface(), nil
	}
	if reflect.ValueOf(target).Kind() == reflect.Func {
		return Call(ctx, target, args)
	}
	return nil, fmt.Errorf("construct %T: %w", target, ErrNotCallable)
}

// ArgCount reports the number of declared parameters of v, excluding a
// leading context.Context and a trailing variadic parameter. Non-callable
// values report 0.
func ArgCount(v any) int {
	if c, ok := v.(ArgCounter); ok {
		return c.ArgCount()
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Func {
		return 0
	}
	ft := rv.Type()
	n := ft.NumIn()
	if n > 0 && ft.In(0) == contextType {
		n--
	}
	if ft.IsVariadic() {
		n--
	}
	return n
}

// IsCallable reports whether v can be the target of Call.
func IsCallable(v any) bool {
	if _, ok := v.(Callable); ok {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.IsValid() && rv.Kind() == reflect.Func && !rv.IsNil()
}

// Convert adapts v to type t.
//
// Assignable values pass through. Numbers convert between numeric kinds as
// long as no fractional part is lost. A FuncAdapter becomes a function of
// type t. Anything else is converted by a JSON round trip, which covers
// maps decoded from the wire being bound to struct parameters.
func Convert(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		if t.Kind() == reflect.Interface {
			out := reflect.New(t).Elem()
			out.Set(rv)
			return out, nil
		}
		return rv, nil
	}

	if t.Kind() == reflect.Func {
		if fa, ok := v.(FuncAdapter); ok {
			if fv, ok := fa.MakeFunc(t); ok {
				return fv, nil
			}
		}
		return reflect.Value{}, fmt.Errorf("cannot use %T as %s", v, t)
	}

	if isNumber(rv.Kind()) && isNumber(t.Kind()) {
		return convertNumber(rv, t)
	}
	if rv.Kind() == reflect.String && t.Kind() == reflect.String {
		return rv.Convert(t), nil
	}
	if t.Kind() == reflect.Pointer && rv.Type().AssignableTo(t.Elem()) {
		p := reflect.New(t.Elem())
		p.Elem().Set(rv)
		return p, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("cannot use %T as %s: %w", v, t, err)
	}
	p := reflect.New(t)
	if err := json.Unmarshal(b, p.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("cannot use %T as %s: %w", v, t, err)
	}
	return p.Elem(), nil
}

func convertNumber(rv reflect.Value, t reflect.Type) (reflect.Value, error) {
	switch t.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Convert(t), nil
	}
	if k := rv.Kind(); k == reflect.Float32 || k == reflect.Float64 {
		f := rv.Float()
		if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
			return reflect.Value{}, fmt.Errorf("cannot use %v as %s: not an integer", f, t)
		}
	}
	out := rv.Convert(t)
	if !sameNumber(rv, out) {
		return reflect.Value{}, fmt.Errorf("cannot use %v as %s: out of range", rv.Interface(), t)
	}
	return out, nil
}

func sameNumber(a, b reflect.Value) bool {
	return numberOf(a) == numberOf(b)
}

func numberOf(v reflect.Value) float64 {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(v.Uint())
	}
	return v.Float()
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
