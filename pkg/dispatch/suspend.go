package dispatch

import "context"

// SuspendFunc runs wait on behalf of a handler. Whoever runs the dispatch may release
// resources tied to the update, such as a concurrency slot, until wait returns.
type SuspendFunc func(ctx context.Context, wait func() error) error

type suspendKey struct{}

// WithSuspend returns a ctx whose Suspend calls run through fn.
func WithSuspend(ctx context.Context, fn SuspendFunc) context.Context {
	return context.WithValue(ctx, suspendKey{}, fn)
}

// Suspend runs wait, a blocking step that does no pipeline work (a rate limit sleep, for
// instance). Without WithSuspend it simply calls wait. It must be called from the goroutine
// running the dispatch.
func Suspend(ctx context.Context, wait func() error) error {
	if fn, ok := ctx.Value(suspendKey{}).(SuspendFunc); ok && fn != nil {
		return fn(ctx, wait)
	}

	return wait()
}
