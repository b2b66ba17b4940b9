// Package rpcdispatch implements the typed name-to-handler registry
// described in spec.md §4.D / §9: register (code, InputType, OutputType,
// handler) tuples, dispatch by the wire protocol's fn_call byte code,
// and surface a distinct error when a caller's expected types don't
// match what was registered for that code.
package rpcdispatch

import (
	"context"
	"reflect"

	"golang.org/x/xerrors"
)

var (
	// ErrHandlerNotFound is returned when no handler was registered for a code.
	ErrHandlerNotFound = xerrors.New("rpcdispatch: no handler registered for this code")
	// ErrHandlerTypeMismatch is returned when a Dispatch call's type
	// parameters don't match the types a code was Register-ed with.
	ErrHandlerTypeMismatch = xerrors.New("rpcdispatch: handler registered with different input/output types")
)

type entry struct {
	inType  reflect.Type
	outType reflect.Type
	call    func(context.Context, any) (any, error)
}

// Registry maps fn_call codes to typed handlers.
type Registry struct {
	handlers map[byte]entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[byte]entry)}
}

// Register associates code with a handler taking In and returning Out.
// Registering the same code twice replaces the previous handler (this
// mirrors Subscribe's idempotent-replace semantics rather than panicking,
// since the broker registers its RPC table once at startup and tests
// may re-register stub handlers).
func Register[In, Out any](r *Registry, code byte, handler func(context.Context, In) (Out, error)) {
	r.handlers[code] = entry{
		inType:  reflect.TypeOf((*In)(nil)).Elem(),
		outType: reflect.TypeOf((*Out)(nil)).Elem(),
		call: func(ctx context.Context, in any) (any, error) {
			typedIn, ok := in.(In)
			if !ok {
				return nil, ErrHandlerTypeMismatch
			}
			return handler(ctx, typedIn)
		},
	}
}

// Dispatch looks up code, type-checks In/Out against what was registered,
// invokes the handler with in, and returns its typed output.
func Dispatch[In, Out any](ctx context.Context, r *Registry, code byte, in In) (Out, error) {
	var zero Out
	e, ok := r.handlers[code]
	if !ok {
		return zero, ErrHandlerNotFound
	}

	wantIn := reflect.TypeOf((*In)(nil)).Elem()
	wantOut := reflect.TypeOf((*Out)(nil)).Elem()
	if e.inType != wantIn || e.outType != wantOut {
		return zero, ErrHandlerTypeMismatch
	}

	out, err := e.call(ctx, in)
	if err != nil {
		return zero, err
	}
	typedOut, ok := out.(Out)
	if !ok {
		return zero, ErrHandlerTypeMismatch
	}
	return typedOut, nil
}

// Has reports whether a handler is registered for code, without invoking it.
func (r *Registry) Has(code byte) bool {
	_, ok := r.handlers[code]
	return ok
}
