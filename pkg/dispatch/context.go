package dispatch

import (
	"fmt"
	"reflect"
	"sync"
)

// Context is a type-keyed value store shared by every handler of a dispatch cycle.
//
// A base Context holds process-wide singletons. Dispatch forks it for every update, so
// values inserted during a cycle stay local to that cycle while lookups fall through to the
// base. Register singletons before dispatching starts.
type Context struct {
	parent *Context

	mu     sync.RWMutex
	values map[reflect.Type]any
}

// NewContext returns an empty base Context.
func NewContext() *Context {
	return &Context{values: make(map[reflect.Type]any)}
}

// Fork returns a child Context whose lookups fall through to c.
func (c *Context) Fork() *Context {
	return &Context{parent: c, values: make(map[reflect.Type]any)}
}

// Set stores value under an explicit type key, replacing any previous value.
func (c *Context) Set(key reflect.Type, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Lookup returns the raw value stored under key in c or its ancestors.
func (c *Context) Lookup(key reflect.Type) (any, bool) {
	for current := c; current != nil; current = current.parent {
		current.mu.RLock()
		value, ok := current.values[key]
		current.mu.RUnlock()
		if ok {
			return value, true
		}
	}

	return nil, false
}

// Len reports the number of values stored directly in c, ignoring ancestors.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

// Insert stores value under the type T.
func Insert[T any](c *Context, value T) {
	c.Set(reflect.TypeFor[T](), value)
}

// Get returns the value registered for type T.
//
// It fails with ErrNotRegistered when nothing is stored under T and with ErrWrongType when
// the value stored under T through Set has another dynamic type.
func Get[T any](c *Context) (T, error) {
	var zero T

	key := reflect.TypeFor[T]()
	raw, ok := c.Lookup(key)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNotRegistered, key)
	}

	value, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("%w: want %s, have %T", ErrWrongType, key, raw)
	}

	return value, nil
}

// MustGet is Get for values registered during setup; it panics when the value is missing.
func MustGet[T any](c *Context) T {
	value, err := Get[T](c)
	if err != nil {
		panic(err)
	}

	return value
}
