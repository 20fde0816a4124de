package profile

import (
	"context"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/projectcalico/felix-agent/internal/ipset"
	"github.com/projectcalico/felix-agent/internal/logging"
	"github.com/projectcalico/felix-agent/internal/model"
	"github.com/projectcalico/felix-agent/internal/tagindex"
)

// ChainProgrammer is the subset of internal/iptables.Programmer this
// manager drives: one atomic batch commit per finished message batch,
// plus leaf-chain deletion when a profile is removed.
type ChainProgrammer interface {
	ApplyUpdates(ctx context.Context, updates map[string][]string, dependencies map[string]map[string]bool) error
	DeleteChain(ctx context.Context, name string) error
}

// Manager is the actor.Behavior driving one IP family's profile chains.
// Always run from a single actor goroutine (spec.md §4.1), so its state
// needs no locking of its own.
type Manager struct {
	family  int
	prefix  string
	namer   tagSetNamer
	targets Targets

	programmer ChainProgrammer
	sets       *tagindex.SetManager
	log        logging.Logger

	// profiles holds the working copy compiled each batch: either real
	// content from the store or an empty stub kept alive by a reference.
	profiles map[string]*model.Profile

	// hasContent distinguishes a profile whose rules arrived from the
	// store from one that exists only because something referenced it.
	hasContent map[string]bool

	// refCount is the number of local endpoints currently holding
	// profileID (spec.md §4.7's incref/decref of a profile).
	refCount map[string]int

	referenced map[string]map[model.Tag]bool

	dirty map[string]bool
}

// NewManager constructs a Manager for one IP family.
func NewManager(
	family ipset.Family, prefix string, programmer ChainProgrammer,
	sets *tagindex.SetManager, targets Targets, log logging.Logger,
) *Manager {

	return &Manager{
		family:     int(family),
		prefix:     prefix,
		namer:      NewTagSetNamer(prefix, family),
		targets:    targets,
		programmer: programmer,
		sets:       sets,
		log:        log,
		profiles:   make(map[string]*model.Profile),
		hasContent: make(map[string]bool),
		refCount:   make(map[string]int),
		referenced: make(map[string]map[model.Tag]bool),
		dirty:      make(map[string]bool),
	}
}

// Receive implements actor.Behavior[Msg, any].
func (m *Manager) Receive(ctx context.Context, msg Msg) fn.Result[any] {
	switch v := msg.(type) {
	case *ProfileUpdate:
		if v.Profile == nil {
			m.hasContent[v.ID] = false
			if m.refCount[v.ID] <= 0 {
				delete(m.profiles, v.ID)
			} else {
				m.profiles[v.ID] = &model.Profile{ID: v.ID}
			}
		} else {
			m.hasContent[v.ID] = true
			m.profiles[v.ID] = v.Profile
		}
		m.dirty[v.ID] = true

	case *ApplySnapshot:
		m.applySnapshot(v.Profiles)

	case *ProfileReferenced:
		m.refCount[v.ID]++
		if _, exists := m.profiles[v.ID]; !exists {
			m.profiles[v.ID] = &model.Profile{ID: v.ID}
		}
		m.dirty[v.ID] = true

	case *ProfileUnreferenced:
		if m.refCount[v.ID] > 0 {
			m.refCount[v.ID]--
		}
		if m.refCount[v.ID] <= 0 {
			delete(m.refCount, v.ID)
			if !m.hasContent[v.ID] {
				delete(m.profiles, v.ID)
			}
		}
		m.dirty[v.ID] = true
	}

	return fn.Ok[any](nil)
}

// applySnapshot replaces the manager's whole view of profile rules,
// retiring any id previously tracked (with content) but absent from the
// snapshot — mirroring internal/tagindex.Manager.applySnapshot. A
// profile kept alive purely by a reference (no content, refCount>0) is
// left untouched even if the snapshot omits it, since the store never
// carried its content in the first place.
func (m *Manager) applySnapshot(profiles map[string]*model.Profile) {
	missing := make(map[string]bool)
	for id, had := range m.hasContent {
		if had {
			missing[id] = true
		}
	}

	for id, p := range profiles {
		delete(missing, id)
		m.hasContent[id] = true
		m.profiles[id] = p
		m.dirty[id] = true
	}

	for id := range missing {
		m.hasContent[id] = false
		if m.refCount[id] <= 0 {
			delete(m.profiles, id)
		} else {
			m.profiles[id] = &model.Profile{ID: id}
		}
		m.dirty[id] = true
	}
}

// FinishBatch implements actor.Behavior[Msg, any]: every profile touched
// in this batch gets its tag references reconciled and both its chains
// recompiled, then the whole set of chain rewrites commits in one
// iptables-restore script (spec.md §4.6).
func (m *Manager) FinishBatch(ctx context.Context) {
	updates := make(map[string][]string)

	for id := range m.dirty {
		profile, live := m.profiles[id]
		if !live {
			m.retire(ctx, id)
			continue
		}

		m.reconcileTagRefs(ctx, id, profile)

		inName := ChainName(m.prefix, id, DirectionInbound)
		outName := ChainName(m.prefix, id, DirectionOutbound)

		updates[inName] = CompileChain(profile.InboundRules, m.family, m.namer, m.targets)
		updates[outName] = CompileChain(profile.OutboundRules, m.family, m.namer, m.targets)
	}

	if len(updates) > 0 {
		if err := m.programmer.ApplyUpdates(ctx, updates, nil); err != nil && m.log != nil {
			m.log.Errorf("profile: committing chain updates: %v", err)
		}
	}

	m.dirty = make(map[string]bool)
}

func (m *Manager) reconcileTagRefs(ctx context.Context, id string, profile *model.Profile) {
	newRefs := ReferencedTags(append(
		append([]model.Rule{}, profile.InboundRules...), profile.OutboundRules...,
	))
	old := m.referenced[id]

	for tag := range newRefs {
		if !old[tag] {
			if _, err := m.sets.Incref(ctx, tag); err != nil && m.log != nil {
				m.log.Errorf("profile: increfing tag %s for %s: %v", tag, id, err)
			}
		}
	}
	for tag := range old {
		if !newRefs[tag] {
			if err := m.sets.Decref(ctx, tag); err != nil && m.log != nil {
				m.log.Errorf("profile: decreffing tag %s for %s: %v", tag, id, err)
			}
		}
	}

	m.referenced[id] = newRefs
}

func (m *Manager) retire(ctx context.Context, id string) {
	for tag := range m.referenced[id] {
		if err := m.sets.Decref(ctx, tag); err != nil && m.log != nil {
			m.log.Errorf("profile: decreffing tag %s for removed profile %s: %v", tag, id, err)
		}
	}
	delete(m.referenced, id)

	inName := ChainName(m.prefix, id, DirectionInbound)
	outName := ChainName(m.prefix, id, DirectionOutbound)

	if err := m.programmer.DeleteChain(ctx, inName); err != nil && m.log != nil {
		m.log.Errorf("profile: deleting chain %s: %v", inName, err)
	}
	if err := m.programmer.DeleteChain(ctx, outName); err != nil && m.log != nil {
		m.log.Errorf("profile: deleting chain %s: %v", outName, err)
	}
}
