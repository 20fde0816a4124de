package actor

import (
	"context"
	"sync"
	"sync/atomic"
)

// envelope wraps a message with its optional promise (nil for a Tell) and
// the caller's context (used to merge deadlines for Ask processing).
type envelope[M Message, R any] struct {
	message   M
	promise   Promise[R]
	callerCtx context.Context
}

// mailbox is a bounded, channel-backed FIFO queue for one actor. send may
// be called concurrently by any number of senders; receiveBatch and drain
// are only ever called from the actor's own goroutine.
type mailbox[M Message, R any] struct {
	ch       chan envelope[M, R]
	actorCtx context.Context

	mu        sync.RWMutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func newMailbox[M Message, R any](
	actorCtx context.Context, capacity int,
) *mailbox[M, R] {

	if capacity <= 0 {
		capacity = 1
	}

	return &mailbox[M, R]{
		ch:       make(chan envelope[M, R], capacity),
		actorCtx: actorCtx,
	}
}

// send blocks until env is accepted, ctx is cancelled, or the actor's own
// context is cancelled. The read lock is held for the duration of the send
// so Close (which takes the write lock) can never race a send onto a closed
// channel.
func (m *mailbox[M, R]) send(ctx context.Context, env envelope[M, R]) bool {
	if ctx.Err() != nil || m.actorCtx.Err() != nil {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return false
	}

	select {
	case m.ch <- env:
		return true
	case <-ctx.Done():
		return false
	case <-m.actorCtx.Done():
		return false
	}
}

// close shuts the mailbox down; further sends fail. Idempotent.
func (m *mailbox[M, R]) close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		m.closed.Store(true)
		close(m.ch)
	})
}

// receiveBatch blocks until at least one envelope is available (or ctx is
// done), then drains every envelope currently buffered without blocking
// again. This realizes spec §4.1's "drains all currently pending messages
// into a batch" — a manager's FinishBatch only has to run once per group of
// updates that arrived together, bounding dataplane commit rate.
func (m *mailbox[M, R]) receiveBatch(ctx context.Context) ([]envelope[M, R], bool) {
	var first envelope[M, R]

	select {
	case env, ok := <-m.ch:
		if !ok {
			return nil, false
		}
		first = env

	case <-ctx.Done():
		return nil, false
	}

	batch := []envelope[M, R]{first}
	for {
		select {
		case env, ok := <-m.ch:
			if !ok {
				return batch, true
			}
			batch = append(batch, env)

		default:
			return batch, true
		}
	}
}

// drain returns every envelope left in a closed mailbox, without blocking.
func (m *mailbox[M, R]) drain() []envelope[M, R] {
	var out []envelope[M, R]
	for {
		select {
		case env, ok := <-m.ch:
			if !ok {
				return out
			}
			out = append(out, env)
		default:
			return out
		}
	}
}
