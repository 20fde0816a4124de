package actor

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// chanPromise is a channel-backed Promise/Future pair. Complete is safe to
// call concurrently and at most once takes effect; Await may be called any
// number of times, by any number of goroutines, before or after completion.
type chanPromise[T any] struct {
	done   chan struct{}
	once   sync.Once
	result fn.Result[T]
}

// NewPromise creates an uncompleted Promise.
func NewPromise[T any]() Promise[T] {
	return &chanPromise[T]{
		done: make(chan struct{}),
	}
}

func (p *chanPromise[T]) Future() Future[T] {
	return p
}

func (p *chanPromise[T]) Complete(result fn.Result[T]) bool {
	completed := false
	p.once.Do(func() {
		p.result = result
		close(p.done)
		completed = true
	})

	return completed
}

func (p *chanPromise[T]) Await(ctx context.Context) fn.Result[T] {
	select {
	case <-p.done:
		return p.result

	case <-ctx.Done():
		return fn.Err[T](ctx.Err())
	}
}
