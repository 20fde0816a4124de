// Package actorutil provides small convenience wrappers around the actor
// fabric in internal/actor, used by managers that need to synchronously
// wait on another actor (e.g. a LocalEndpoint awaiting its profile's chain
// readiness) or fan a message out to several actors at once.
package actorutil

import (
	"context"

	"github.com/projectcalico/felix-agent/internal/actor"
)

// AskAwait sends msg to ref and blocks until the reply (or ctx) completes,
// unpacking the actor.Result into a plain (value, error) pair.
func AskAwait[M actor.Message, R any](
	ctx context.Context,
	ref actor.ActorRef[M, R],
	msg M,
) (R, error) {

	result := ref.Ask(ctx, msg).Await(ctx)
	return result.Unpack()
}

// TellAll sends msg to every ref, fire-and-forget.
func TellAll[M actor.Message](
	ctx context.Context,
	refs []actor.TellOnlyRef[M],
	msg M,
) {

	for _, ref := range refs {
		ref.Tell(ctx, msg)
	}
}
