package dispatch

import (
	"context"

	"github.com/mymmrac/telego"
)

// Gate decides whether a wrapped handler runs for an update.
type Gate func(ctx context.Context, dc *Context, update *telego.Update) (bool, error)

// TypedGate decides on a converted input.
type TypedGate[T any] func(ctx context.Context, dc *Context, input T) (bool, error)

type predicate struct {
	gate  Gate
	inner Handler
}

// Predicate runs inner only when gate evaluates to true.
//
// A false gate is a Continue without touching inner. A gate failure is returned as a gate
// error; it is never read as false.
func Predicate(gate Gate, inner Handler) Handler {
	return &predicate{gate: gate, inner: inner}
}

func (p *predicate) Handle(ctx context.Context, dc *Context, update *telego.Update) (Result, error) {
	ok, err := p.gate(ctx, dc, update)
	if err != nil {
		return Continue, NewError(ErrorGate, "", err)
	}
	if !ok {
		return Continue, nil
	}

	return p.inner.Handle(ctx, dc, update)
}

// GateFor lifts a typed gate. Updates the converter does not apply to evaluate to false.
func GateFor[T any](convert Converter[T], gate TypedGate[T]) Gate {
	return func(ctx context.Context, dc *Context, update *telego.Update) (bool, error) {
		input, ok, err := convert(dc, update)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}

		return gate(ctx, dc, input)
	}
}

// All evaluates gates in order and stops at the first false or failing gate.
func All(gates ...Gate) Gate {
	return func(ctx context.Context, dc *Context, update *telego.Update) (bool, error) {
		for _, gate := range gates {
			ok, err := gate(ctx, dc, update)
			if err != nil || !ok {
				return false, err
			}
		}

		return true, nil
	}
}

// Not negates a gate. Failures pass through unchanged.
func Not(gate Gate) Gate {
	return func(ctx context.Context, dc *Context, update *telego.Update) (bool, error) {
		ok, err := gate(ctx, dc, update)
		if err != nil {
			return false, err
		}

		return !ok, nil
	}
}
