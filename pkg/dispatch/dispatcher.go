package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"
)

// CycleID identifies one dispatch cycle. It is inserted into the forked Context of every cycle.
type CycleID string

func NewCycleID() CycleID {
	return CycleID(uuid.NewString())
}

// Dispatcher routes updates through middlewares and then handlers, in registration order.
//
// Registration is append-only and may happen while updates are in flight; an update only sees
// the entries registered before its dispatch started.
type Dispatcher struct {
	base *Context
	log  *slog.Logger

	mu          sync.RWMutex
	middlewares []Handler
	handlers    []Handler
}

// NewDispatcher creates a dispatcher whose cycles fork base.
func NewDispatcher(base *Context, log *slog.Logger) *Dispatcher {
	if base == nil {
		base = NewContext()
	}
	if log == nil {
		log = slog.Default()
	}

	return &Dispatcher{
		base: base,
		log:  log.With("component", "dispatch"),
	}
}

// Context returns the base Context shared by all cycles.
func (d *Dispatcher) Context() *Context {
	return d.base
}

// AddMiddleware appends a middleware. Middlewares run before every handler.
func (d *Dispatcher) AddMiddleware(m Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middlewares = append(d.middlewares, m)
}

// AddHandler appends a handler.
func (d *Dispatcher) AddHandler(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Dispatch runs the full pipeline for one update and returns once it is resolved.
//
// The result is Stop when a chain entry stopped the update and Continue when every entry
// continued. An error from any entry ends the pipeline and is returned categorized.
func (d *Dispatcher) Dispatch(ctx context.Context, update *telego.Update) (Result, error) {
	return d.DispatchCycle(ctx, NewCycleID(), update)
}

// DispatchCycle is Dispatch with a caller-chosen cycle id, so callers can correlate their own
// records with the dispatcher logs.
func (d *Dispatcher) DispatchCycle(ctx context.Context, cycle CycleID, update *telego.Update) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.RLock()
	middlewares := d.middlewares[:len(d.middlewares):len(d.middlewares)]
	handlers := d.handlers[:len(d.handlers):len(d.handlers)]
	d.mu.RUnlock()

	if cycle == "" {
		cycle = NewCycleID()
	}
	dc := d.base.Fork()
	Insert(dc, cycle)
	if update != nil {
		Insert(dc, update)
	}

	log := d.log.With("cycle_id", string(cycle))
	if update != nil {
		log = log.With("update_id", update.UpdateID)
	}
	started := time.Now()

	result, err := d.runChain(ctx, dc, update, "middleware", middlewares)
	if err == nil && result == Continue {
		result, err = d.runChain(ctx, dc, update, "handler", handlers)
	}

	elapsed := time.Since(started)
	switch {
	case err != nil:
		log.Error("Dispatch failed", "category", CategoryFromError(err), "elapsed", elapsed, "error", err)
	case result == Stop:
		log.Debug("Dispatch stopped", "elapsed", elapsed)
	default:
		log.Debug("Dispatch completed", "elapsed", elapsed)
	}

	return result, err
}

func (d *Dispatcher) runChain(ctx context.Context, dc *Context, update *telego.Update, kind string, chain []Handler) (Result, error) {
	for i, entry := range chain {
		result, err := d.runEntry(ctx, dc, update, entry)
		if err != nil {
			return Continue, categorize(fmt.Sprintf("%s #%d", kind, i), err)
		}
		if result == Stop {
			return Stop, nil
		}
	}

	return Continue, nil
}

func (d *Dispatcher) runEntry(ctx context.Context, dc *Context, update *telego.Update, entry Handler) (result Result, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.log.Error("Handler panicked", "panic", recovered, "stack", string(debug.Stack()))
			result = Continue
			err = NewError(ErrorHandler, "", fmt.Errorf("panic: %v", recovered))
		}
	}()

	return entry.Handle(ctx, dc, update)
}
