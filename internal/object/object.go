package object

import (
	"context"
	"errors"
	"reflect"
)

var (
	// ErrNoProperty is returned when a key does not resolve on a value.
	ErrNoProperty = errors.New("no such property")
	// ErrNotCallable is returned when apply or construct targets a value
	// that is neither a function nor implements Callable/Constructible.
	ErrNotCallable = errors.New("value is not callable")
	// ErrUnsupported is returned for operations a value cannot support,
	// such as assigning to a field of an unaddressable struct.
	ErrUnsupported = errors.New("operation not supported")
	// ErrNotExtensible is returned when adding a key to a frozen object.
	ErrNotExtensible = errors.New("object is not extensible")
)

// Object lets a type define its own property surface instead of being
// inspected by reflection.
type Object interface {
	GetProperty(key string) (any, bool)
	SetProperty(key string, value any) error
	DeleteProperty(key string) bool
	OwnKeys() []string
}

// Callable values handle apply themselves.
type Callable interface {
	Apply(ctx context.Context, args []any) (any, error)
}

// Constructible values handle construct themselves.
type Constructible interface {
	Construct(ctx context.Context, args []any) (any, error)
}

// Extensible values track whether new keys may be added.
type Extensible interface {
	IsExtensible() bool
	PreventExtensions()
}

// Transferable marks values whose ownership may be handed to the receiver
// instead of being described by reference.
type Transferable interface {
	Transferable()
}

// FuncAdapter converts itself into a Go function of type t. It lets a
// remote reference be passed where an exposed function expects a callback.
type FuncAdapter interface {
	MakeFunc(t reflect.Type) (reflect.Value, bool)
}

// ArgCounter reports the number of declared parameters of a Callable.
type ArgCounter interface {
	ArgCount() int
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// indirect follows pointers and interfaces down to the underlying value.
// Nil pointers stop the walk and are returned as-is.
func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return v
		}
		v = v.Elem()
	}
	return v
}
