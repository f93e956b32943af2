package parallel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ForEach runs fn over items with at most limit workers. It is context
// aware, a canceled context stops new work, and the first error cancels
// the remaining items. Already running calls finish.
func ForEach[E any](ctx context.Context, limit int, items []E, fn func(context.Context, E) error) error {
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return fn(gctx, item)
		})
	}
	return g.Wait()
}
