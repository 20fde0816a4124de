// Package refmgr implements the reference-counted lifecycle shared by every
// dataplane object this repository owns on behalf of many referrers: a
// tag's address set, a local endpoint's state machine. An object moves
// through starting → ready → stopping → forgotten exactly once per
// incarnation; a reference taken while stopping never revives the old
// incarnation (spec.md §4.2).
package refmgr

import "context"

// Object is the capability set the reference manager requires of anything
// it owns. Implementations are typically a thin wrapper around an actor
// reference.
type Object interface {
	// Start begins the object's own lifecycle (e.g. launches its actor).
	// Called exactly once, immediately after creation.
	Start(ctx context.Context)

	// Ready is closed once the object has completed whatever async setup
	// it needs (e.g. its first successful dataplane commit) and is safe
	// for referrers to use.
	Ready() <-chan struct{}

	// OnUnreferenced is called exactly once, when the refcount reaches
	// zero, to begin teardown.
	OnUnreferenced(ctx context.Context)

	// Done is closed once teardown triggered by OnUnreferenced has fully
	// completed (spec.md's "cleanup_complete").
	Done() <-chan struct{}
}
