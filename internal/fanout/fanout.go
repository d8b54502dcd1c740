// Package fanout applies one operation to many items with bounded
// parallelism. Every item yields exactly one Outcome: panics, timeouts and
// errors become failures on that item and never reach its siblings.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"runtime"
	"runtime/debug"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	ErrTimeout       = errors.New("item timed out")
	ErrNotDispatched = errors.New("item not dispatched")
)

// PanicError carries a recovered worker panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("worker panic: %v", e.Value)
}

type Func[T, R any] func(ctx context.Context, item T) (R, error)

type Outcome[T, R any] struct {
	Index    int
	Item     T
	Value    R
	Err      error
	Duration time.Duration
}

func (o Outcome[T, R]) Success() bool { return o.Err == nil }

type Options struct {
	// MaxConcurrency bounds in-flight workers; zero or less means GOMAXPROCS.
	MaxConcurrency int
	// ItemTimeout bounds a single worker call; zero disables it.
	ItemTimeout time.Duration
}

func (o Options) limit(n int) int {
	limit := o.MaxConcurrency
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	if n > 0 && limit > n {
		limit = n
	}
	return max(limit, 1)
}

// Run processes every item and returns outcomes in completion order.
func Run[T, R any](ctx context.Context, items []T, fn Func[T, R], opts Options) []Outcome[T, R] {
	outcomes := make([]Outcome[T, R], 0, len(items))
	for o := range Stream(ctx, items, fn, opts) {
		outcomes = append(outcomes, o)
	}
	return outcomes
}

// Stream yields outcomes as workers complete. Once ctx is done no further
// item is started; each remaining item is yielded as a failure wrapping
// ErrNotDispatched. Breaking out of the loop cancels in-flight workers and
// waits for them to return.
func Stream[T, R any](ctx context.Context, items []T, fn Func[T, R], opts Options) iter.Seq[Outcome[T, R]] {
	return func(yield func(Outcome[T, R]) bool) {
		if len(items) == 0 {
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		limit := opts.limit(len(items))
		sem := semaphore.NewWeighted(int64(limit))
		out := make(chan Outcome[T, R], limit)

		go func() {
			var g errgroup.Group
			defer func() {
				_ = g.Wait()
				close(out)
			}()

			for i, item := range items {
				err := ctx.Err()
				if err == nil {
					err = sem.Acquire(ctx, 1)
					// Acquire can win the race against a cancellation.
					if err == nil && ctx.Err() != nil {
						sem.Release(1)
						err = ctx.Err()
					}
				}
				if err != nil {
					for j := i; j < len(items); j++ {
						out <- Outcome[T, R]{
							Index: j,
							Item:  items[j],
							Err:   fmt.Errorf("%w: %w", ErrNotDispatched, err),
						}
					}
					return
				}

				g.Go(func() error {
					defer sem.Release(1)
					out <- runItem(ctx, i, item, fn, opts.ItemTimeout)
					return nil
				})
			}
		}()

		for o := range out {
			if !yield(o) {
				cancel()
				for range out {
				}
				return
			}
		}
	}
}

func runItem[T, R any](ctx context.Context, index int, item T, fn Func[T, R], timeout time.Duration) (o Outcome[T, R]) {
	start := time.Now()
	o = Outcome[T, R]{Index: index, Item: item}

	itemCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			var zero R
			o.Value = zero
			o.Err = &PanicError{Value: r, Stack: debug.Stack()}
		}
		o.Duration = time.Since(start)
	}()

	o.Value, o.Err = fn(itemCtx, item)

	// The item deadline passed while the run itself is still live.
	if timeout > 0 && ctx.Err() == nil && errors.Is(itemCtx.Err(), context.DeadlineExceeded) {
		var zero R
		if o.Err != nil {
			o.Err = fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, o.Err)
		} else {
			o.Err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		o.Value = zero
	}
	return o
}

// InOrder returns a copy of outcomes sorted by submission index.
func InOrder[T, R any](outcomes []Outcome[T, R]) []Outcome[T, R] {
	sorted := slices.Clone(outcomes)
	slices.SortFunc(sorted, func(a, b Outcome[T, R]) int { return a.Index - b.Index })
	return sorted
}

// Values returns the values of successful outcomes in the order given.
func Values[T, R any](outcomes []Outcome[T, R]) []R {
	values := make([]R, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Success() {
			values = append(values, o.Value)
		}
	}
	return values
}

func Count[T, R any](outcomes []Outcome[T, R]) (succeeded, failed int) {
	for _, o := range outcomes {
		if o.Success() {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}
