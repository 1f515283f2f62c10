package offline

import (
	"context"
	"time"
)

type skipReadCtxKey struct{}

// WithSkipRead returns context with cache read ignored.
//
// With such context Fetcher treats cache as empty and goes to upstream if online.
func WithSkipRead(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipReadCtxKey{}, true)
}

// SkipRead returns true if cache read is ignored in context.
func SkipRead(ctx context.Context) bool {
	_, ok := ctx.Value(skipReadCtxKey{}).(bool)

	return ok
}

// detachedContext keeps values of parent context, but never expires.
//
// Background revalidation and drains run with it to outlive the caller.
type detachedContext struct {
	parent context.Context
}

func detach(ctx context.Context) context.Context {
	if _, ok := ctx.(detachedContext); ok {
		return ctx
	}

	return detachedContext{parent: ctx}
}

func (detachedContext) Deadline() (deadline time.Time, ok bool) {
	return time.Time{}, false
}

func (detachedContext) Done() <-chan struct{} {
	return nil
}

func (detachedContext) Err() error {
	return nil
}

func (dctx detachedContext) Value(key interface{}) interface{} {
	return dctx.parent.Value(key)
}
