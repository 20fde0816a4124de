package refmgr

import (
	"context"
	"fmt"
	"sync"
)

type lifecycleState int

const (
	stateStarting lifecycleState = iota
	stateReady
	stateStopping
)

type entry[T Object] struct {
	obj   T
	state lifecycleState
	refs  int

	// forgotten closes once this incarnation has been torn down and
	// removed from the manager's table.
	forgotten chan struct{}
}

// Manager owns the shared lifecycle of every live instance of T, keyed by
// ID. Safe for concurrent use by any number of callers.
type Manager[ID comparable, T Object] struct {
	mu      sync.Mutex
	entries map[ID]*entry[T]
	factory func(id ID) T
}

// NewManager constructs a Manager that builds new instances with factory.
// factory must not call back into the Manager.
func NewManager[ID comparable, T Object](factory func(id ID) T) *Manager[ID, T] {
	return &Manager[ID, T]{
		entries: make(map[ID]*entry[T]),
		factory: factory,
	}
}

// Incref returns the live instance for id, creating and starting one if
// none exists, and blocks until that instance signals Ready. Concurrent
// callers referencing the same id that arrive while it is still starting
// are all released together once it becomes ready (spec.md §4.2's tie-break:
// a caller never observes an object before it is usable).
//
// If id is currently stopping, the old incarnation is never revived:
// Incref waits for its teardown to finish and creates a fresh one.
func (m *Manager[ID, T]) Incref(ctx context.Context, id ID) (T, error) {
	for {
		m.mu.Lock()

		e, ok := m.entries[id]
		if !ok {
			obj := m.factory(id)
			e = &entry[T]{obj: obj, state: stateStarting, refs: 1, forgotten: make(chan struct{})}
			m.entries[id] = e
			m.mu.Unlock()

			obj.Start(ctx)
			return m.awaitReady(ctx, e)
		}

		switch e.state {
		case stateStarting:
			e.refs++
			m.mu.Unlock()
			return m.awaitReady(ctx, e)

		case stateReady:
			e.refs++
			obj := e.obj
			m.mu.Unlock()
			return obj, nil

		case stateStopping:
			forgotten := e.forgotten
			m.mu.Unlock()

			select {
			case <-forgotten:
				continue
			case <-ctx.Done():
				var zero T
				return zero, ctx.Err()
			}

		default:
			m.mu.Unlock()
			var zero T
			return zero, fmt.Errorf("refmgr: unreachable state %v for %v", e.state, id)
		}
	}
}

func (m *Manager[ID, T]) awaitReady(ctx context.Context, e *entry[T]) (T, error) {
	select {
	case <-e.obj.Ready():
		m.mu.Lock()
		if e.state == stateStarting {
			e.state = stateReady
		}
		obj := e.obj
		m.mu.Unlock()

		return obj, nil

	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Decref releases one reference on id. On reaching zero, the instance
// moves to stopping, OnUnreferenced is invoked, and the entry is forgotten
// once Done closes. Returns an error if id has no live instance.
func (m *Manager[ID, T]) Decref(ctx context.Context, id ID) error {
	m.mu.Lock()

	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("refmgr: decref of unknown id %v", id)
	}
	if e.refs <= 0 {
		m.mu.Unlock()
		return fmt.Errorf("refmgr: decref of id %v with zero refcount", id)
	}

	e.refs--
	if e.refs > 0 {
		m.mu.Unlock()
		return nil
	}

	e.state = stateStopping
	obj := e.obj
	m.mu.Unlock()

	obj.OnUnreferenced(ctx)

	go func() {
		<-obj.Done()

		m.mu.Lock()
		defer m.mu.Unlock()

		// Only remove this exact incarnation; a re-incref during
		// stopping installs a brand new entry once this one forgets.
		if cur, ok := m.entries[id]; ok && cur == e {
			delete(m.entries, id)
		}
		close(e.forgotten)
	}()

	return nil
}

// RefCount reports the current reference count for id, or 0 if unknown.
// Intended for tests and invariant assertions (spec.md's I3), not control
// flow.
func (m *Manager[ID, T]) RefCount(id ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return 0
	}

	return e.refs
}

// Live reports whether id currently has a tracked instance, in any state.
func (m *Manager[ID, T]) Live(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.entries[id]
	return ok
}

// Snapshot returns every instance currently tracked, in any lifecycle
// state (starting, ready, or stopping). Used by a cleanup sweep to build
// a whitelist of objects that must not be torn down out from under a
// pending reference, even one that hasn't reached ready yet.
func (m *Manager[ID, T]) Snapshot() []T {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]T, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.obj)
	}

	return out
}

// Peek returns the current instance for id without incrementing its
// refcount, and whether it is in the ready state. Used by callers that
// only want to program an already-referenced object (e.g. a tag's
// address-set rewrite at the end of a batch) without taking ownership of
// it themselves.
func (m *Manager[ID, T]) Peek(id ID) (obj T, ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok || e.state != stateReady {
		var zero T
		return zero, false
	}

	return e.obj, true
}
