// ABOUTME: Deferred settlement primitive bridging message replies into calls
// ABOUTME: First writer wins; settlement is broadcast to every awaiter

package tunnel

import (
	"context"
	"sync"
	"time"
)

type outcome[T any] struct {
	value T
	err   error
}

// deferred is registered before an async reply arrives and settled exactly
// once by whichever of resolve, reject, or the awaiter's timeout runs first.
// Settlement closes done, so any number of awaiters observe the same outcome;
// an open joined mid-flight awaits the same deferred as its initiator.
type deferred[T any] struct {
	once sync.Once
	done chan struct{}
	out  outcome[T]
}

func newDeferred[T any]() *deferred[T] {
	return &deferred[T]{done: make(chan struct{})}
}

func (d *deferred[T]) resolve(v T) {
	d.once.Do(func() {
		d.out = outcome[T]{value: v}
		close(d.done)
	})
}

func (d *deferred[T]) reject(err error) {
	d.once.Do(func() {
		d.out = outcome[T]{err: err}
		close(d.done)
	})
}

// await blocks for settlement, the timeout, or context cancellation. An
// abandoned deferred is settled by its owner's cleanup path, never leaked.
func (d *deferred[T]) await(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-d.done:
		return d.out.value, d.out.err
	case <-timer.C:
		return zero, ErrAwaitTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
