package eventsourcing

import (
	"context"
	"fmt"
	"reflect"
)

// RouterHandler processes a routed message. Handlers that produce no result
// return a nil value.
type RouterHandler func(ctx context.Context, msg any) (any, error)

// Router is a type-indexed dispatch table. One router is built per
// component (aggregate, processor, projection, saga, middleware) during
// wiring and is treated as immutable afterwards.
//
// Resolution order: exact message type, then registered interface types in
// registration order (nearest supertype wins by being registered first),
// then the catch-all handler. Strict routers fail a miss with ErrNoHandler;
// permissive routers report it as unhandled, which lets event processors
// skip event types they don't care about.
type Router struct {
	strict     bool
	exact      map[reflect.Type]RouterHandler
	interfaces []interfaceRoute
	catchAll   RouterHandler
}

type interfaceRoute struct {
	typ     reflect.Type
	handler RouterHandler
}

// NewRouter creates a permissive router.
func NewRouter() *Router {
	return &Router{exact: make(map[reflect.Type]RouterHandler)}
}

// NewStrictRouter creates a router that returns ErrNoHandler on a miss.
func NewStrictRouter() *Router {
	r := NewRouter()
	r.strict = true
	return r
}

// On registers a handler for the concrete type of sample.
// Registering the same type twice panics: duplicate handlers are a wiring
// bug, not a runtime condition.
func (r *Router) On(sample any, handler RouterHandler) {
	typ := reflect.TypeOf(sample)
	if typ == nil {
		panic("router: sample must be a concrete value")
	}
	if _, exists := r.exact[typ]; exists {
		panic(fmt.Sprintf("router: handler already registered for %s", typ))
	}
	r.exact[typ] = handler
}

// OnInterface registers a handler for an interface type, given as a nil
// pointer to the interface, e.g. (*Correlated)(nil). Messages match in
// registration order after the exact lookup misses.
func (r *Router) OnInterface(ifacePtr any, handler RouterHandler) {
	ptr := reflect.TypeOf(ifacePtr)
	if ptr == nil || ptr.Kind() != reflect.Pointer || ptr.Elem().Kind() != reflect.Interface {
		panic("router: OnInterface expects a nil pointer to an interface type")
	}
	typ := ptr.Elem()
	for _, entry := range r.interfaces {
		if entry.typ == typ {
			panic(fmt.Sprintf("router: handler already registered for %s", typ))
		}
	}
	r.interfaces = append(r.interfaces, interfaceRoute{typ: typ, handler: handler})
}

// OnAny registers the catch-all handler consulted when nothing else matches.
func (r *Router) OnAny(handler RouterHandler) {
	if r.catchAll != nil {
		panic("router: catch-all handler already registered")
	}
	r.catchAll = handler
}

// Handles reports whether a message would find a handler.
func (r *Router) Handles(msg any) bool {
	return r.resolve(msg) != nil
}

// Route dispatches a message to its handler. The second return value
// reports whether a handler was found; a strict router turns a miss into
// ErrNoHandler instead.
func (r *Router) Route(ctx context.Context, msg any) (any, bool, error) {
	handler := r.resolve(msg)
	if handler == nil {
		if r.strict {
			return nil, false, fmt.Errorf("%w: %T", ErrNoHandler, msg)
		}
		return nil, false, nil
	}
	result, err := handler(ctx, msg)
	return result, true, err
}

func (r *Router) resolve(msg any) RouterHandler {
	typ := reflect.TypeOf(msg)
	if typ == nil {
		return r.catchAll
	}
	if handler, ok := r.exact[typ]; ok {
		return handler
	}
	for _, entry := range r.interfaces {
		if typ.Implements(entry.typ) {
			return entry.handler
		}
	}
	return r.catchAll
}

// RouteTo registers a typed handler for messages of concrete type T.
func RouteTo[T any](r *Router, fn func(ctx context.Context, msg T) (any, error)) {
	var sample T
	r.On(sample, func(ctx context.Context, msg any) (any, error) {
		return fn(ctx, msg.(T))
	})
}
