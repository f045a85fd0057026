// Package concurrent holds small fan-out helpers built on errgroup.
package concurrent

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ForEach runs action for every item with at most limit goroutines in flight
// (limit <= 0 means unbounded) and waits for all of them. Every item is
// processed; the errors are joined. A cancelled ctx stops scheduling new items.
func ForEach[T any](ctx context.Context, items []T, limit int, action func(ctx context.Context, item T) error) error {
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}
		g.Go(func() error {
			if err := action(ctx, item); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// FirstError runs action for every item and returns the first error. The
// context passed to action is cancelled as soon as one fails.
func FirstError[T any](ctx context.Context, items []T, limit int, action func(ctx context.Context, item T) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, item := range items {
		g.Go(func() error {
			return action(gctx, item)
		})
	}
	return g.Wait()
}

// Map applies fn to each item with at most limit goroutines, preserving order.
func Map[T, R any](items []T, limit int, fn func(T) R) []R {
	out := make([]R, len(items))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, item := range items {
		g.Go(func() error {
			out[i] = fn(item)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Merge merges channels into one that is closed once every input is closed.
func Merge[T any](chs ...<-chan T) <-chan T {
	out := make(chan T)
	var wg sync.WaitGroup
	wg.Add(len(chs))
	for _, ch := range chs {
		go func(c <-chan T) {
			defer wg.Done()
			for v := range c {
				out <- v
			}
		}(ch)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
