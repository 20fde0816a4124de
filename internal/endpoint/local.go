package endpoint

import (
	"context"
	"net"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/projectcalico/felix-agent/internal/actor"
	"github.com/projectcalico/felix-agent/internal/actorutil"
	"github.com/projectcalico/felix-agent/internal/logging"
	"github.com/projectcalico/felix-agent/internal/model"
	"github.com/projectcalico/felix-agent/internal/profile"
)

// defaultRetryDelay is the fixed backoff spec.md §4.7 step 3 names for a
// failed ready-path programming attempt.
const defaultRetryDelay = 5 * time.Second

// ChainProgrammer is the subset of internal/iptables.Programmer a Local
// drives to commit its own pair of filter chains, mirroring
// internal/profile.ChainProgrammer (kept as a separate, identically
// shaped interface rather than imported, the same way internal/profile
// itself does not import internal/iptables directly).
type ChainProgrammer interface {
	ApplyUpdates(ctx context.Context, updates map[string][]string, dependencies map[string]map[string]bool) error
	DeleteChain(ctx context.Context, name string) error
}

// DispatchProgrammer is the subset of internal/iptables.Programmer a
// Local drives to add/remove its own interface's rule in the shared
// dispatch chain.
type DispatchProgrammer interface {
	EnsureRuleInserted(builtinChain string, ruleSpec ...string) error
	EnsureRuleRemoved(builtinChain string, ruleSpec ...string) error
}

// Config bundles everything one Local needs to program the dataplane and
// hold profile references, supplied by internal/endpoint.Manager's
// factory at Incref time.
type Config struct {
	Prefix string

	ChainV4 ChainProgrammer
	ChainV6 ChainProgrammer

	DispatchV4 DispatchProgrammer
	DispatchV6 DispatchProgrammer

	ProfileV4 actor.ActorRef[profile.Msg, any]
	ProfileV6 actor.ActorRef[profile.Msg, any]

	Links LinkConfigurer

	// RetryDelay overrides defaultRetryDelay; zero uses the default.
	RetryDelay time.Duration

	Log logging.Logger
}

// Local is the per-local-endpoint state machine of spec.md §4.7. Always
// run from its own actor goroutine, so its fields need no locking.
type Local struct {
	id  model.EndpointID
	cfg Config

	self actor.TellOnlyRef[Msg]

	endpoint *model.Endpoint
	iface    *model.IfaceState

	// profiles is the set of profile_ids this Local currently holds a
	// reference on — captured at reconcile time so
	// teardown can still resolve chain/dependency names after endpoint
	// or iface go nil.
	profiles map[string]bool

	ready   bool
	failed  bool
	dirty   bool

	// lastIfaceName/lastNets record what was actually programmed, so
	// teardown can clean up even after Endpoint/IfaceState have already
	// been cleared by the caller.
	lastIfaceName string
	lastNets      []net.IP

	retryTimer *time.Timer
}

func newLocal(id model.EndpointID, cfg Config) *Local {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	return &Local{
		id:       id,
		cfg:      cfg,
		profiles: make(map[string]bool),
	}
}

// Receive implements actor.Behavior[Msg, any].
func (l *Local) Receive(ctx context.Context, msg Msg) fn.Result[any] {
	switch v := msg.(type) {
	case *EndpointChanged:
		l.endpoint = v.Endpoint
		l.dirty = true

	case *IfaceChanged:
		l.iface = v.State
		l.dirty = true

	case *retryProgram:
		l.dirty = true

	case *teardown:
		l.teardownAll(ctx)
	}

	return fn.Ok[any](nil)
}

// FinishBatch implements actor.Behavior[Msg, any]: every message in the
// batch only marks state dirty; the ready predicate is recomputed and
// acted on once per batch, so an EndpointChanged and an IfaceChanged
// arriving together never cause two separate program/teardown passes.
func (l *Local) FinishBatch(ctx context.Context) {
	if !l.dirty {
		return
	}
	l.dirty = false
	l.reconcile(ctx)
}

func (l *Local) reconcile(ctx context.Context) {
	next := profileIDSet(l.endpoint)

	// Step 1: incref every newly-added profile before decreffing any
	// removed one, never in the reverse order (spec.md §4.7 step 1).
	for p := range next {
		if !l.profiles[p] {
			l.referenceProfile(ctx, p)
		}
	}
	for p := range l.profiles {
		if !next[p] {
			l.dereferenceProfile(ctx, p)
		}
	}
	l.profiles = next

	wasReady := l.ready
	nowReady := l.endpoint != nil &&
		l.endpoint.State == model.EndpointActive &&
		l.iface != nil && l.iface.Up &&
		len(l.profiles) > 0

	if !l.failed && nowReady == wasReady {
		return
	}

	if nowReady {
		if err := l.program(ctx); err != nil {
			l.failed = true
			l.ready = false
			if l.cfg.Log != nil {
				l.cfg.Log.Errorf("endpoint: programming %v failed, retrying in %s: %v", l.id, l.cfg.RetryDelay, err)
			}
			l.scheduleRetry()
		} else {
			l.failed = false
			l.ready = true
		}
		return
	}

	l.teardownDataplane(ctx)
	l.ready = false
	l.failed = false
}

func (l *Local) scheduleRetry() {
	if l.retryTimer != nil {
		l.retryTimer.Stop()
	}
	if l.self == nil {
		return
	}
	self := l.self
	l.retryTimer = time.AfterFunc(l.cfg.RetryDelay, func() {
		self.Tell(context.Background(), &retryProgram{})
	})
}

// referenceProfile increfs profileID on both family profile managers
// (spec.md §4.7 step 1's "incref new"). It blocks (via Ask) until the
// profile manager's own Receive has registered the reference, mirroring
// internal/actorutil.AskAwait's documented "await profile readiness"
// use — the chain that jumps to this profile's own chain can then rely
// on internal/iptables' dependency-stub guarantee to make the chain
// exist even before its rules are known (spec.md §9's Open Question).
func (l *Local) referenceProfile(ctx context.Context, profileID string) {
	msgV4 := &profile.ProfileReferenced{ID: profileID}
	msgV6 := &profile.ProfileReferenced{ID: profileID}

	if l.cfg.ProfileV4 != nil {
		if _, err := actorutil.AskAwait[profile.Msg, any](ctx, l.cfg.ProfileV4, msgV4); err != nil && l.cfg.Log != nil {
			l.cfg.Log.Errorf("endpoint: referencing profile %s (v4): %v", profileID, err)
		}
	}
	if l.cfg.ProfileV6 != nil {
		if _, err := actorutil.AskAwait[profile.Msg, any](ctx, l.cfg.ProfileV6, msgV6); err != nil && l.cfg.Log != nil {
			l.cfg.Log.Errorf("endpoint: referencing profile %s (v6): %v", profileID, err)
		}
	}
}

// dereferenceProfile decrefs profileID on both family profile managers.
// Fire-and-forget: spec.md draws no requirement that a decref complete
// before the caller proceeds, unlike the incref side.
func (l *Local) dereferenceProfile(ctx context.Context, profileID string) {
	if l.cfg.ProfileV4 != nil {
		l.cfg.ProfileV4.Tell(ctx, &profile.ProfileUnreferenced{ID: profileID})
	}
	if l.cfg.ProfileV6 != nil {
		l.cfg.ProfileV6.Tell(ctx, &profile.ProfileUnreferenced{ID: profileID})
	}
}

// program implements spec.md §4.7's "becoming ready" path: per-endpoint
// chains (one per family), the interface's dispatch rule, and interface
// configuration. Each step's error short-circuits the rest; a partial
// success is safe to retry since every step besides route/sysctl writes
// is already idempotent (ApplyUpdates/EnsureRuleInserted), and the route
// writes use RouteReplace, itself idempotent.
func (l *Local) program(ctx context.Context) error {
	profileIDs := orderedProfiles(l.endpoint, l.profiles)
	inbound := ProfileChainNames(l.cfg.Prefix, profileIDs, profile.DirectionInbound)
	outbound := ProfileChainNames(l.cfg.Prefix, profileIDs, profile.DirectionOutbound)

	toChain := ChainName(l.cfg.Prefix, l.id, profile.DirectionInbound)
	fromChain := ChainName(l.cfg.Prefix, l.id, profile.DirectionOutbound)

	deps := map[string]map[string]bool{
		toChain:   toSet(inbound),
		fromChain: toSet(outbound),
	}

	v4Updates := map[string][]string{
		toChain:   CompileToChain(4, inbound),
		fromChain: CompileFromChain(l.endpoint, 4, outbound),
	}
	if err := l.cfg.ChainV4.ApplyUpdates(ctx, v4Updates, deps); err != nil {
		return err
	}

	v6Updates := map[string][]string{
		toChain:   CompileToChain(6, inbound),
		fromChain: CompileFromChain(l.endpoint, 6, outbound),
	}
	if err := l.cfg.ChainV6.ApplyUpdates(ctx, v6Updates, deps); err != nil {
		return err
	}

	iface := l.iface.Name

	if err := l.cfg.DispatchV4.EnsureRuleInserted(DispatchChainName(l.cfg.Prefix, profile.DirectionInbound), DispatchRuleSpec(iface, toChain)...); err != nil {
		return err
	}
	if err := l.cfg.DispatchV4.EnsureRuleInserted(DispatchChainName(l.cfg.Prefix, profile.DirectionOutbound), DispatchRuleSpec(iface, fromChain)...); err != nil {
		return err
	}
	if err := l.cfg.DispatchV6.EnsureRuleInserted(DispatchChainName(l.cfg.Prefix, profile.DirectionInbound), DispatchRuleSpec(iface, toChain)...); err != nil {
		return err
	}
	if err := l.cfg.DispatchV6.EnsureRuleInserted(DispatchChainName(l.cfg.Prefix, profile.DirectionOutbound), DispatchRuleSpec(iface, fromChain)...); err != nil {
		return err
	}

	if l.cfg.Links != nil {
		if err := l.cfg.Links.EnsureSysctls(iface, 4); err != nil {
			return err
		}
		if err := l.cfg.Links.EnsureSysctls(iface, 6); err != nil {
			return err
		}

		nets := allNets(l.endpoint)
		for _, ip := range nets {
			if err := l.cfg.Links.AddRoute(iface, ip); err != nil {
				return err
			}
		}
		l.lastNets = nets
	}

	l.lastIfaceName = iface
	return nil
}

// teardownDataplane implements spec.md §4.7's "becoming not-ready" path:
// remove the dispatch rule first (so the profile/own chains become
// unreferenced), then delete the to/from chains, then tear down
// interface configuration. Each sub-step is best-effort: failures are
// logged and never block the next step (spec.md §4.7).
func (l *Local) teardownDataplane(ctx context.Context) {
	if l.lastIfaceName == "" {
		return
	}

	toChain := ChainName(l.cfg.Prefix, l.id, profile.DirectionInbound)
	fromChain := ChainName(l.cfg.Prefix, l.id, profile.DirectionOutbound)
	iface := l.lastIfaceName

	l.removeDispatchRule(l.cfg.DispatchV4, profile.DirectionInbound, iface, toChain)
	l.removeDispatchRule(l.cfg.DispatchV4, profile.DirectionOutbound, iface, fromChain)
	l.removeDispatchRule(l.cfg.DispatchV6, profile.DirectionInbound, iface, toChain)
	l.removeDispatchRule(l.cfg.DispatchV6, profile.DirectionOutbound, iface, fromChain)

	l.deleteChain(l.cfg.ChainV4, toChain)
	l.deleteChain(l.cfg.ChainV4, fromChain)
	l.deleteChain(l.cfg.ChainV6, toChain)
	l.deleteChain(l.cfg.ChainV6, fromChain)

	if l.cfg.Links != nil {
		for _, ip := range l.lastNets {
			if err := l.cfg.Links.RemoveRoute(iface, ip); err != nil && l.cfg.Log != nil {
				l.cfg.Log.Errorf("endpoint: removing route %s via %s: %v", ip, iface, err)
			}
		}
	}

	l.lastIfaceName = ""
	l.lastNets = nil
}

func (l *Local) removeDispatchRule(prog DispatchProgrammer, dir profile.Direction, iface, chain string) {
	if prog == nil {
		return
	}
	if err := prog.EnsureRuleRemoved(DispatchChainName(l.cfg.Prefix, dir), DispatchRuleSpec(iface, chain)...); err != nil && l.cfg.Log != nil {
		l.cfg.Log.Errorf("endpoint: removing dispatch rule for %s: %v", iface, err)
	}
}

func (l *Local) deleteChain(prog ChainProgrammer, name string) {
	if prog == nil {
		return
	}
	if err := prog.DeleteChain(context.Background(), name); err != nil && l.cfg.Log != nil {
		l.cfg.Log.Errorf("endpoint: deleting chain %s: %v", name, err)
	}
}

// teardownAll runs the full not-ready path (regardless of current ready
// state) and releases every profile reference still held, used when
// OnUnreferenced is driving this Local out of existence entirely.
func (l *Local) teardownAll(ctx context.Context) {
	if l.retryTimer != nil {
		l.retryTimer.Stop()
	}

	l.teardownDataplane(ctx)

	for p := range l.profiles {
		l.dereferenceProfile(ctx, p)
	}
	l.profiles = make(map[string]bool)
	l.ready = false
	l.failed = false
}

func profileIDSet(ep *model.Endpoint) map[string]bool {
	if ep == nil {
		return nil
	}
	out := make(map[string]bool, len(ep.ProfileIDs))
	for _, p := range ep.ProfileIDs {
		out[p] = true
	}
	return out
}

// orderedProfiles returns ep's profile_ids in their original store order,
// falling back to an arbitrary order over held if ep is already nil
// (teardown after the endpoint record itself was cleared).
func orderedProfiles(ep *model.Endpoint, held map[string]bool) []string {
	if ep != nil {
		out := make([]string, 0, len(ep.ProfileIDs))
		seen := make(map[string]bool, len(ep.ProfileIDs))
		for _, p := range ep.ProfileIDs {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
		return out
	}

	out := make([]string, 0, len(held))
	for p := range held {
		out = append(out, p)
	}
	return out
}

func allNets(ep *model.Endpoint) []net.IP {
	if ep == nil {
		return nil
	}
	out := make([]net.IP, 0, len(ep.IPv4Nets)+len(ep.IPv6Nets))
	for _, n := range ep.IPv4Nets {
		out = append(out, n.IP)
	}
	for _, n := range ep.IPv6Nets {
		out = append(out, n.IP)
	}
	return out
}

func toSet(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}
