// Package pmap runs a function over a slice with bounded concurrency.
package pmap

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Map calls fn for every item with at most limit calls in flight and returns
// the results in input order. The first error cancels the context passed to
// the remaining calls and is returned; items not yet started are skipped.
// A limit below 1 runs one call at a time.
func Map[T, R any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, item T) (R, error)) ([]R, error) {
	results := make([]R, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(limit, 1))

	for i, item := range items {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			r, err := fn(gctx, item)
			if err != nil {
				return err
			}

			results[i] = r

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return results, nil
}

// Each is [Map] without results.
func Each[T any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, item T) error) error {
	_, err := Map(ctx, items, limit, func(ctx context.Context, item T) (struct{}, error) {
		return struct{}{}, fn(ctx, item)
	})

	return err
}
