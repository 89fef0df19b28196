// Package parallel runs a function over an ordered list with bounded concurrency.
package parallel

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Func maps the i-th input to its result.
type Func[T, R any] func(ctx context.Context, i int, item T) (R, error)

// Map calls fn for every item with at most limit calls in flight and returns
// the results in input order. Workers pull the next index from a shared
// cursor as soon as they finish, so a slow item never holds back a batch.
//
// The first error fails the whole call: no further items are started and
// the context passed to in-flight calls is cancelled. Callers that want to
// tolerate per-item failures must handle them inside fn. A panic in fn is
// recovered and reported as a *PanicError.
func Map[T, R any](ctx context.Context, items []T, limit int, fn Func[T, R]) ([]R, error) {
	results := make([]R, len(items))
	if len(items) == 0 {
		return results, nil
	}
	if limit < 1 {
		limit = 1
	}

	var cursor atomic.Int64
	g, gctx := errgroup.WithContext(ctx)

	for range min(limit, len(items)) {
		g.Go(func() error {
			for {
				i := int(cursor.Add(1) - 1)
				if i >= len(items) {
					return nil
				}
				if err := gctx.Err(); err != nil {
					return err
				}

				r, err := call(gctx, fn, i, items[i])
				if err != nil {
					return err
				}
				results[i] = r
			}
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// PanicError is a panic recovered from a worker.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func call[T, R any](ctx context.Context, fn Func[T, R], i int, item T) (r R, err error) {
	defer func() {
		if v := recover(); v != nil {
			if pe, ok := v.(*PanicError); ok {
				err = pe
				return
			}
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return fn(ctx, i, item)
}

// MapFrom resolves the input list first and then behaves like Map.
func MapFrom[T, R any](ctx context.Context, load func(context.Context) ([]T, error), limit int, fn Func[T, R]) ([]R, error) {
	items, err := load(ctx)
	if err != nil {
		return nil, err
	}
	return Map(ctx, items, limit, fn)
}
