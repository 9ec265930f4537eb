package querycache

import (
	"context"

	"go.uber.org/zap"
)

// MutateOptions are the callbacks run around a mutation.
type MutateOptions[T any] struct {
	OnSuccess func(T)
	OnError   func(error)
	// Invalidates lists key prefixes marked stale after a successful mutation.
	Invalidates []Key
}

// Mutate runs fn, then on success invalidates the configured prefixes before
// calling OnSuccess. Mutations are never retried.
func Mutate[T any](c *Cache, ctx context.Context, fn func(context.Context) (T, error), opts MutateOptions[T]) (T, error) {
	v, err := fn(ctx)
	if err != nil {
		if opts.OnError != nil {
			opts.OnError(err)
		}
		return v, err
	}

	for _, prefix := range opts.Invalidates {
		c.Invalidate(prefix)
	}
	if opts.OnSuccess != nil {
		opts.OnSuccess(v)
	}
	c.logger.Debug("mutation applied", zap.Int("invalidated_prefixes", len(opts.Invalidates)))
	return v, nil
}
