package actor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// mergeContexts returns a context that is cancelled when either parent is,
// preserving the earliest deadline of the two. Used so an Ask's processing
// context respects both the actor's shutdown and the caller's own deadline.
func mergeContexts(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	deadline1, has1 := ctx1.Deadline()
	deadline2, has2 := ctx2.Deadline()

	base := ctx1
	if has2 && (!has1 || deadline2.Before(deadline1)) {
		base = ctx2
	}

	merged, cancel := context.WithCancel(base)

	go func() {
		select {
		case <-ctx1.Done():
			cancel()
		case <-ctx2.Done():
			cancel()
		case <-merged.Done():
		}
	}()

	return merged, cancel
}

// Config configures a new Actor.
type Config[M Message, R any] struct {
	// ID uniquely names the actor. No re-entrancy check uses it; the
	// only related facility is Actor.Processing.
	ID string

	Behavior Behavior[M, R]

	// DLO receives messages that could not be delivered (mailbox closed
	// or actor terminated). May be nil.
	DLO ActorRef[Message, any]

	MailboxSize int

	// Wg, if set, is Add(1)'d on Start and Done()'d when the actor's
	// goroutine exits, for deterministic shutdown.
	Wg *sync.WaitGroup

	// CleanupTimeout bounds OnStop. Defaults to 5s.
	CleanupTimeout time.Duration
}

// Actor drives one Behavior from a single goroutine, processing every
// message in a batch drained from its mailbox before invoking FinishBatch
// exactly once (spec §4.1). At most one Receive/FinishBatch call executes at
// any instant for a given Actor, and messages from one sender to one
// receiver are processed in send order.
type Actor[M Message, R any] struct {
	id       string
	behavior Behavior[M, R]
	mailbox  *mailbox[M, R]

	ctx    context.Context
	cancel context.CancelFunc

	dlo ActorRef[Message, any]
	wg  *sync.WaitGroup

	cleanupTimeout time.Duration

	startOnce sync.Once
	stopOnce  sync.Once

	// processing is set to true only while this actor's own goroutine is
	// inside a batch. Exposed via Processing for callers that want to
	// assert the re-entrancy rule in tests (spec §4.1 forbids a handler
	// from blocking on its own actor while it is running).
	processing atomic.Bool

	ref *actorRef[M, R]
}

// NewActor constructs an Actor. Call Start to begin processing.
func NewActor[M Message, R any](cfg Config[M, R]) *Actor[M, R] {
	ctx, cancel := context.WithCancel(context.Background())

	mailboxSize := cfg.MailboxSize
	if mailboxSize <= 0 {
		mailboxSize = 1
	}

	cleanup := cfg.CleanupTimeout
	if cleanup <= 0 {
		cleanup = 5 * time.Second
	}

	a := &Actor[M, R]{
		id:             cfg.ID,
		behavior:       cfg.Behavior,
		mailbox:        newMailbox[M, R](ctx, mailboxSize),
		ctx:            ctx,
		cancel:         cancel,
		dlo:            cfg.DLO,
		wg:             cfg.Wg,
		cleanupTimeout: cleanup,
	}
	a.ref = &actorRef[M, R]{actor: a}

	return a
}

// Start launches the actor's processing goroutine. Safe to call more than
// once; only the first call has an effect.
func (a *Actor[M, R]) Start() {
	a.startOnce.Do(func() {
		if a.wg != nil {
			a.wg.Add(1)
		}
		go a.process()
	})
}

// Stop signals the actor to shut down. The mailbox is closed and any
// remaining messages are drained to the DLO once the current batch (if any)
// finishes.
func (a *Actor[M, R]) Stop() {
	a.stopOnce.Do(func() {
		a.cancel()
	})
}

// Ref returns a full ActorRef (Tell + Ask) for this actor.
func (a *Actor[M, R]) Ref() ActorRef[M, R] { return a.ref }

// TellRef returns a Tell-only handle for this actor.
func (a *Actor[M, R]) TellRef() TellOnlyRef[M] { return a.ref }

// ID returns this actor's identifier.
func (a *Actor[M, R]) ID() string { return a.id }

// Processing reports whether this actor's goroutine is currently inside a
// batch. Intended for re-entrancy assertions in tests, not control flow.
func (a *Actor[M, R]) Processing() bool { return a.processing.Load() }

func (a *Actor[M, R]) process() {
	if a.wg != nil {
		defer a.wg.Done()
	}

	for {
		batch, ok := a.mailbox.receiveBatch(a.ctx)
		if !ok {
			break
		}

		a.processing.Store(true)
		a.runBatch(batch)
		a.processing.Store(false)
	}

	a.mailbox.close()
	a.drainToDLO()

	if stoppable, ok := a.behavior.(Stoppable); ok {
		cleanupCtx, cancel := context.WithTimeout(
			context.Background(), a.cleanupTimeout,
		)
		_ = stoppable.OnStop(cleanupCtx)
		cancel()
	}
}

func (a *Actor[M, R]) runBatch(batch []envelope[M, R]) {
	for _, env := range batch {
		var processCtx context.Context
		var cancel context.CancelFunc

		if env.promise != nil {
			processCtx, cancel = mergeContexts(a.ctx, env.callerCtx)
		} else {
			processCtx, cancel = a.ctx, func() {}
		}

		result := a.behavior.Receive(processCtx, env.message)
		cancel()

		if env.promise != nil {
			env.promise.Complete(result)
		}
	}

	a.behavior.FinishBatch(a.ctx)
}

func (a *Actor[M, R]) drainToDLO() {
	for _, env := range a.mailbox.drain() {
		if a.dlo != nil {
			a.dlo.Tell(context.Background(), env.message)
		}
		if env.promise != nil {
			env.promise.Complete(fn.Err[R](ErrActorTerminated))
		}
	}
}

// actorRef implements ActorRef by forwarding into the Actor's mailbox.
type actorRef[M Message, R any] struct {
	actor *Actor[M, R]
}

func (r *actorRef[M, R]) ID() string { return r.actor.id }

func (r *actorRef[M, R]) Tell(ctx context.Context, msg M) {
	env := envelope[M, R]{message: msg, callerCtx: ctx}
	if !r.actor.mailbox.send(ctx, env) {
		r.routeToDLO(msg)
	}
}

func (r *actorRef[M, R]) Ask(ctx context.Context, msg M) Future[R] {
	promise := NewPromise[R]()

	if r.actor.ctx.Err() != nil {
		promise.Complete(fn.Err[R](ErrActorTerminated))
		return promise.Future()
	}

	env := envelope[M, R]{message: msg, promise: promise, callerCtx: ctx}
	if !r.actor.mailbox.send(ctx, env) {
		if r.actor.ctx.Err() != nil {
			promise.Complete(fn.Err[R](ErrActorTerminated))
		} else {
			err := ctx.Err()
			if err == nil {
				err = ErrActorTerminated
			}
			promise.Complete(fn.Err[R](err))
		}
	}

	return promise.Future()
}

func (r *actorRef[M, R]) routeToDLO(msg M) {
	if r.actor.dlo != nil {
		r.actor.dlo.Tell(context.Background(), msg)
	}
}
