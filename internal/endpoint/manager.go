package endpoint

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/projectcalico/felix-agent/internal/actor"
	"github.com/projectcalico/felix-agent/internal/logging"
	"github.com/projectcalico/felix-agent/internal/model"
	"github.com/projectcalico/felix-agent/internal/profile"
	"github.com/projectcalico/felix-agent/internal/refmgr"
)

// increfTimeout bounds how long a single OnEndpointUpdate call will wait
// for a newly-created Local to report ready. localRef.Ready always
// closes immediately (see ref.go), so this is a defensive ceiling, not
// something normal operation ever approaches.
const increfTimeout = 5 * time.Second

// ManagerConfig bundles the dataplane programmers and profile refs
// shared by every Local this Manager creates.
type ManagerConfig struct {
	// LocalHost is this process's own hostname; only endpoints whose
	// EndpointID.Host matches it are ever referenced (spec.md §4.7 —
	// LocalEndpoint only exists for this host's own workloads).
	LocalHost string

	Prefix string

	ChainV4 ChainProgrammer
	ChainV6 ChainProgrammer

	DispatchV4 DispatchProgrammer
	DispatchV6 DispatchProgrammer

	ProfileV4 actor.ActorRef[profile.Msg, any]
	ProfileV6 actor.ActorRef[profile.Msg, any]

	Links LinkConfigurer

	RetryDelay time.Duration

	Log logging.Logger
}

// Manager is the per-host endpoint manager of spec.md §4.7: a
// refmgr.Manager over EndpointID holding one localRef per local
// endpoint, fed endpoint and interface events from internal/watcher and
// the externally-owned interface-watcher subsystem (spec.md §1's
// out-of-scope "interface watcher" — this package only consumes its
// events, through OnInterfaceUpdate, never subscribes to netlink
// link-state itself).
//
// Manager is a plain synchronous struct, not an actor, matching
// watcher.EndpointSink's contract: its methods do not wait on dataplane
// work, with one exception — an endpoint referenced again while its
// previous Local is still tearing down waits, up to increfTimeout, for
// that teardown to finish. Otherwise the only wait is localRef's Ready
// signal, which closes immediately.
type Manager struct {
	cfg ManagerConfig
	ctx context.Context

	refs *refmgr.Manager[model.EndpointID, *localRef]

	mu sync.Mutex

	// endpoints mirrors every endpoint record this process has seen,
	// local or not, so OnEndpointSnapshot can diff against the full
	// prior view and OnInterfaceUpdate can resolve an interface name
	// back to its owning EndpointID even for an endpoint this host
	// does not locally own (a no-op lookup in that case).
	endpoints map[model.EndpointID]*model.Endpoint

	ifaceOwner map[string]model.EndpointID // interface name -> owning id
	ifaces     map[string]*model.IfaceState

	hostIPs map[string]net.IP
	pools   map[string]*model.IPAMPool

	// referenced marks every id this Manager currently holds a refmgr
	// reference on, independent of m.endpoints — an id stays referenced
	// across repeated updates to the same local endpoint and is
	// decreffed exactly once, on the transition to non-local or absent.
	referenced map[model.EndpointID]bool
}

// NewManager constructs a Manager. ctx bounds every dataplane call this
// Manager's Locals make; cancelling it is the supervisor's forced-exit
// path (spec.md §4.9/§9), not a per-call budget.
func NewManager(ctx context.Context, cfg ManagerConfig) *Manager {
	m := &Manager{
		cfg:        cfg,
		ctx:        ctx,
		endpoints:  make(map[model.EndpointID]*model.Endpoint),
		ifaceOwner: make(map[string]model.EndpointID),
		ifaces:     make(map[string]*model.IfaceState),
		hostIPs:    make(map[string]net.IP),
		pools:      make(map[string]*model.IPAMPool),
		referenced: make(map[model.EndpointID]bool),
	}

	m.refs = refmgr.NewManager(func(id model.EndpointID) *localRef {
		return newLocalRef(id, Config{
			Prefix:     cfg.Prefix,
			ChainV4:    cfg.ChainV4,
			ChainV6:    cfg.ChainV6,
			DispatchV4: cfg.DispatchV4,
			DispatchV6: cfg.DispatchV6,
			ProfileV4:  cfg.ProfileV4,
			ProfileV6:  cfg.ProfileV6,
			Links:      cfg.Links,
			RetryDelay: cfg.RetryDelay,
			Log:        cfg.Log,
		})
	})

	return m
}

// OnEndpointUpdate implements watcher.EndpointSink.
func (m *Manager) OnEndpointUpdate(id model.EndpointID, ep *model.Endpoint) {
	m.mu.Lock()
	prev := m.endpoints[id]
	nowLocal := ep != nil && ep.IsLocal(m.cfg.LocalHost)
	alreadyReferenced := m.referenced[id]

	if prev != nil && prev.Name != "" {
		delete(m.ifaceOwner, prev.Name)
	}
	if ep != nil {
		m.endpoints[id] = ep
		if ep.Name != "" {
			m.ifaceOwner[ep.Name] = id
		}
	} else {
		delete(m.endpoints, id)
	}

	switch {
	case nowLocal && !alreadyReferenced:
		m.referenced[id] = true
	case !nowLocal && alreadyReferenced:
		delete(m.referenced, id)
	}
	m.mu.Unlock()

	switch {
	case nowLocal && !alreadyReferenced:
		m.refLocal(id, ep)
	case nowLocal && alreadyReferenced:
		m.updateLocal(id, ep)
	case !nowLocal && alreadyReferenced:
		m.unrefLocal(id)
	}
}

// OnEndpointSnapshot implements watcher.EndpointSink.
func (m *Manager) OnEndpointSnapshot(endpoints map[model.EndpointID]*model.Endpoint) {
	m.mu.Lock()
	prior := m.endpoints
	m.mu.Unlock()

	for id := range prior {
		if _, ok := endpoints[id]; !ok {
			m.OnEndpointUpdate(id, nil)
		}
	}
	for id, ep := range endpoints {
		m.OnEndpointUpdate(id, ep)
	}
}

// OnHostIPUpdate implements watcher.EndpointSink. Cached only — no
// routing logic lives in this package (spec.md §12's bird_ip supplement
// is informational).
func (m *Manager) OnHostIPUpdate(host string, ip net.IP) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ip == nil {
		delete(m.hostIPs, host)
		return
	}
	m.hostIPs[host] = ip
}

// OnPoolUpdate implements watcher.EndpointSink. Cached read-only (spec.md
// §12's IPAM pool supplement); nothing in this package currently
// consults it beyond the cache itself, since SNAT-exempt route handling
// is out of scope for the dataplane this Local programs.
func (m *Manager) OnPoolUpdate(cidr string, pool *model.IPAMPool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pool == nil {
		delete(m.pools, cidr)
		return
	}
	m.pools[cidr] = pool
}

// OnInterfaceUpdate is the input type spec.md §1 names as the
// interface-watcher subsystem's event, accepted here without this
// package ever subscribing to netlink link-state itself. A nil state
// means the interface was removed.
func (m *Manager) OnInterfaceUpdate(iface string, state *model.IfaceState) {
	m.mu.Lock()
	if state != nil {
		m.ifaces[iface] = state
	} else {
		delete(m.ifaces, iface)
	}
	id, owned := m.ifaceOwner[iface]
	m.mu.Unlock()

	if !owned {
		return
	}

	if ref, ready := m.refs.Peek(id); ready {
		ref.tell(m.ctx, &IfaceChanged{State: state})
	}
}

func (m *Manager) refLocal(id model.EndpointID, ep *model.Endpoint) {
	ctx, cancel := context.WithTimeout(m.ctx, increfTimeout)
	defer cancel()

	ref, err := m.refs.Incref(ctx, id)
	if err != nil {
		if m.cfg.Log != nil {
			m.cfg.Log.Errorf("endpoint: referencing %v: %v", id, err)
		}
		return
	}

	ref.tell(m.ctx, &EndpointChanged{Endpoint: ep})

	m.mu.Lock()
	iface, known := m.ifaces[ep.Name]
	m.mu.Unlock()
	if known {
		ref.tell(m.ctx, &IfaceChanged{State: iface})
	}
}

// updateLocal forwards a new record to an already-referenced local
// endpoint's Local without touching the refmgr refcount.
func (m *Manager) updateLocal(id model.EndpointID, ep *model.Endpoint) {
	ref, ready := m.refs.Peek(id)
	if !ready {
		return
	}
	ref.tell(m.ctx, &EndpointChanged{Endpoint: ep})
}

func (m *Manager) unrefLocal(id model.EndpointID) {
	if err := m.refs.Decref(m.ctx, id); err != nil && m.cfg.Log != nil {
		m.cfg.Log.Errorf("endpoint: dereferencing %v: %v", id, err)
	}
}
