package endpoint

import (
	"context"

	"github.com/projectcalico/felix-agent/internal/actor"
	"github.com/projectcalico/felix-agent/internal/actorutil"
	"github.com/projectcalico/felix-agent/internal/model"
)

// localRef is the refmgr.Object wrapping one EndpointID's Local state
// machine in its own actor. Created and started on the first Incref
// (normally internal/endpoint.Manager's own OnEndpointUpdate, the moment
// an endpoint's host first matches this process's own hostname); torn
// down once the last reference — held by Manager itself, for as long as
// the endpoint record exists locally — is released.
type localRef struct {
	id    model.EndpointID
	local *Local
	actor *actor.Actor[Msg, any]

	readyCh chan struct{}
	doneCh  chan struct{}
}

func newLocalRef(id model.EndpointID, cfg Config) *localRef {
	local := newLocal(id, cfg)

	a := actor.NewActor[Msg, any](actor.Config[Msg, any]{
		ID:       "endpoint-" + id.Host + "/" + id.Orchestrator + "/" + id.Workload + "/" + id.Endpoint,
		Behavior: local,
	})
	local.self = a.TellRef()

	return &localRef{
		id:      id,
		local:   local,
		actor:   a,
		readyCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start implements refmgr.Object. A Local has no asynchronous setup of
// its own before it is usable — its dataplane work is entirely driven by
// the EndpointChanged/IfaceChanged messages Manager sends once this call
// returns — so readiness is immediate.
func (r *localRef) Start(ctx context.Context) {
	r.actor.Start()
	close(r.readyCh)
}

func (r *localRef) Ready() <-chan struct{} { return r.readyCh }

// OnUnreferenced implements refmgr.Object: drive teardown (removing the
// dispatch rule, the endpoint's own chains, and interface configuration,
// per spec.md §4.7's not-ready path) on a background goroutine and only
// then stop the actor, so the caller is not held up by dataplane work and
// Done never closes ahead of cleanup actually finishing.
func (r *localRef) OnUnreferenced(ctx context.Context) {
	go func() {
		_, _ = actorutil.AskAwait[Msg, any](ctx, r.actor.Ref(), &teardown{})
		r.actor.Stop()
		close(r.doneCh)
	}()
}

func (r *localRef) Done() <-chan struct{} { return r.doneCh }

// tell forwards msg to the underlying actor, used by Manager once it has
// resolved a live, ready localRef via Incref or Peek.
func (r *localRef) tell(ctx context.Context, msg Msg) {
	r.actor.Ref().Tell(ctx, msg)
}
