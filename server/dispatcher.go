package server

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"query-rpc/codec"
	"query-rpc/rpcerr"
)

// Handler executes one method. params is the decoded params value (a []any, a
// map[string]any, or nil when the request carried none). A returned *rpcerr.Error is
// sent to the caller unchanged; any other error becomes an Internal error.
type Handler func(ctx context.Context, params any) (any, error)

// Dispatcher maps method names to handlers.
//
// Register is expected to happen before serving starts, but the registry is guarded so
// late registration is safe. Registering an existing name replaces the previous handler.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(method string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = h
}

// Methods returns the registered method names, sorted.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the handler registered for method. Handler panics are recovered and
// reported as Internal errors, isolating them from other in-flight calls.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, params any) (result any, rerr *rpcerr.Error) {
	d.mu.RLock()
	h, ok := d.handlers[method]
	d.mu.RUnlock()
	if !ok {
		return nil, rpcerr.MethodNotFound(fmt.Sprintf("Method '%s' not found", method))
	}

	defer func() {
		if r := recover(); r != nil {
			result, rerr = nil, rpcerr.Internal(fmt.Sprintf("Internal error: %v", r))
		}
	}()

	res, err := h(ctx, params)
	if err != nil {
		if e, ok := rpcerr.As(err); ok {
			if e == nil {
				// A nil *rpcerr.Error stored in a non-nil error.
				return nil, rpcerr.Internal("Internal error: handler returned a nil error value")
			}
			return nil, e
		}
		return nil, rpcerr.Internal("Internal error: " + err.Error())
	}
	return res, nil
}

// BindParams decodes params into v. A mismatch is reported as InvalidParams.
func BindParams(params any, v any) error {
	if err := codec.Bind(params, v); err != nil {
		return rpcerr.InvalidParams("Invalid params: " + err.Error())
	}
	return nil
}

// Typed adapts a function taking a concrete params type into a Handler.
func Typed[P, R any](fn func(ctx context.Context, params P) (R, error)) Handler {
	return func(ctx context.Context, params any) (any, error) {
		var p P
		if err := BindParams(params, &p); err != nil {
			return nil, err
		}
		return fn(ctx, p)
	}
}
