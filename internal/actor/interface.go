// Package actor provides the message-passing fabric every reconciliation
// component in this repository is built on: a mailbox per actor, a single
// dedicated goroutine draining it, and batch-then-finish semantics so a
// manager can coalesce many upstream updates into one dataplane commit.
package actor

import (
	"context"
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrActorTerminated indicates that an operation failed because the target
// actor was terminated or is shutting down.
var ErrActorTerminated = fmt.Errorf("actor terminated")

// BaseMessage is embedded in message types to satisfy the Message interface's
// unexported marker method.
type BaseMessage struct{}

func (BaseMessage) messageMarker() {}

// Message is a sealed interface for actor messages.
type Message interface {
	messageMarker()

	// MessageType names the message for logging/routing.
	MessageType() string
}

// Future represents the result of an asynchronous Ask.
type Future[T any] interface {
	// Await blocks until the result is available or ctx is done.
	Await(ctx context.Context) fn.Result[T]
}

// Promise lets a producer complete the Future it is paired with.
type Promise[T any] interface {
	Future() Future[T]

	// Complete sets the result. Returns true iff this call was the one
	// that completed it.
	Complete(result fn.Result[T]) bool
}

// BaseActorRef is the non-generic handle every actor reference satisfies.
type BaseActorRef interface {
	ID() string
}

// TellOnlyRef supports fire-and-forget sends only.
type TellOnlyRef[M Message] interface {
	BaseActorRef

	// Tell enqueues msg without waiting for a reply. If ctx is cancelled
	// before the send completes, the message may be dropped.
	Tell(ctx context.Context, msg M)
}

// ActorRef supports both Tell and Ask (request/response).
type ActorRef[M Message, R any] interface {
	TellOnlyRef[M]

	// Ask enqueues msg and returns a Future for the eventual reply.
	Ask(ctx context.Context, msg M) Future[R]
}

// Behavior defines how an actor reacts to a batch of messages. Receive is
// called once per message currently in the batch, in mailbox order;
// FinishBatch runs exactly once after every message in the batch has been
// given to Receive, letting a manager defer expensive work (a dataplane
// commit, a ReplaceMembers call) until the whole batch has been folded into
// its in-memory state.
type Behavior[M Message, R any] interface {
	// Receive processes a single message and returns its result. ctx
	// merges the actor's lifecycle context with the caller's (for Ask
	// messages); Tell messages only see the actor's own context.
	Receive(ctx context.Context, msg M) fn.Result[R]

	// FinishBatch runs once after all messages currently queued have been
	// passed to Receive. It never sees an error from an individual
	// Receive call directly — per-message failures are reported through
	// that message's own completion signal.
	FinishBatch(ctx context.Context)
}

// Stoppable lets a Behavior run cleanup when its actor stops.
type Stoppable interface {
	OnStop(ctx context.Context) error
}
