// Package tagindex maintains, per IP family, the cross-product index from
// (tag, profile, endpoint) membership to the set of IP addresses that tag
// must contain, and drives the kernel address set for every tag currently
// referenced by a profile's rules (spec.md §4.5).
package tagindex

import (
	"context"
	"net"
	"sort"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/projectcalico/felix-agent/internal/ipset"
	"github.com/projectcalico/felix-agent/internal/logging"
	"github.com/projectcalico/felix-agent/internal/model"
)

// ipOwners is owners[tag][ip][profile] -> set of endpoints, the reverse
// index spec.md §4.5 describes: for a given tag and IP, which profiles
// (and which endpoints under them) currently grant that IP the tag.
type ipOwners map[model.Tag]map[string]map[string]map[model.EndpointID]bool

// Manager is the actor.Behavior driving one IP family's tag index. It is
// always run from a single actor goroutine (spec.md §4.1), so its own
// state needs no locking.
type Manager struct {
	family ipset.Family
	prefix string
	log    logging.Logger
	sets   *SetManager

	tagsByProfile      map[string]map[model.Tag]bool
	endpointsByID      map[model.EndpointID]*model.Endpoint
	endpointsByProfile map[string]map[model.EndpointID]bool
	owners             ipOwners

	dirtyTags map[model.Tag]bool
}

// NewManager constructs a Manager for one IP family. sets is the same
// SetManager instance internal/profile increfs/decrefs tags against; this
// Manager only ever Peeks and Snapshots it, never changes a tag's refcount.
func NewManager(family ipset.Family, prefix string, sets *SetManager, log logging.Logger) *Manager {
	return &Manager{
		family:             family,
		prefix:             prefix,
		log:                log,
		sets:               sets,
		tagsByProfile:      make(map[string]map[model.Tag]bool),
		endpointsByID:      make(map[model.EndpointID]*model.Endpoint),
		endpointsByProfile: make(map[string]map[model.EndpointID]bool),
		owners:             make(ipOwners),
		dirtyTags:          make(map[model.Tag]bool),
	}
}

// Receive implements actor.Behavior[Msg, any].
func (m *Manager) Receive(ctx context.Context, msg Msg) fn.Result[any] {
	switch v := msg.(type) {
	case *TagsUpdate:
		m.onTagsUpdate(v.Profile, v.Tags, v.Deleted)
	case *EndpointUpdate:
		m.onEndpointUpdate(v.ID, v.Endpoint)
	case *ApplySnapshot:
		m.applySnapshot(v.TagsByProfile, v.Endpoints)
	case *Cleanup:
		if err := m.cleanup(ctx); err != nil {
			if m.log != nil {
				m.log.Errorf("tagindex: cleanup: %v", err)
			}
			return fn.Err[any](err)
		}
	}

	return fn.Ok[any](nil)
}

// FinishBatch implements actor.Behavior[Msg, any]: every tag whose
// membership changed during this batch gets its kernel set rewritten
// exactly once, even if several messages touched it (spec.md §4.5's
// dirty-tag coalescing, and the "no thrashing on profile churn" property).
func (m *Manager) FinishBatch(ctx context.Context) {
	for tag := range m.dirtyTags {
		set, ready := m.sets.Peek(tag)
		if !ready {
			continue
		}

		members := m.membersOf(tag)
		if err := set.ReplaceMembers(ctx, members); err != nil && m.log != nil {
			m.log.Errorf("tagindex: replacing members of %s: %v", tag, err)
		}
	}

	m.dirtyTags = make(map[model.Tag]bool)
}

func (m *Manager) membersOf(tag model.Tag) []net.IP {
	ipMap := m.owners[tag]
	ips := make([]net.IP, 0, len(ipMap))
	for ipStr := range ipMap {
		ips = append(ips, net.ParseIP(ipStr))
	}

	sort.Slice(ips, func(i, j int) bool { return ips[i].String() < ips[j].String() })
	return ips
}

// onTagsUpdate folds profile's new tag set in, moving every endpoint
// currently assigned to profile between the removed and added tags'
// owner sets (spec.md §4.5).
func (m *Manager) onTagsUpdate(profile string, tags []model.Tag, deleted bool) {
	old := m.tagsByProfile[profile]

	var next map[model.Tag]bool
	if !deleted {
		next = make(map[model.Tag]bool, len(tags))
		for _, t := range tags {
			next[t] = true
		}
	}

	removed, added := diffTagSets(old, next)

	for ep := range m.endpointsByProfile[profile] {
		ips := addrsOf(m.endpointsByID[ep], m.family)
		for tag := range removed {
			for _, ip := range ips {
				m.removeOwner(tag, ip, profile, ep)
			}
		}
		for tag := range added {
			for _, ip := range ips {
				m.addOwner(tag, ip, profile, ep)
			}
		}
	}

	if deleted {
		delete(m.tagsByProfile, profile)
	} else {
		m.tagsByProfile[profile] = next
	}
}

func diffTagSets(old, next map[model.Tag]bool) (removed, added map[model.Tag]bool) {
	removed = make(map[model.Tag]bool)
	added = make(map[model.Tag]bool)

	for t := range old {
		if !next[t] {
			removed[t] = true
		}
	}
	for t := range next {
		if !old[t] {
			added[t] = true
		}
	}

	return removed, added
}

// onEndpointUpdate folds id's new record in. The endpoint's tag
// contribution under each profile it belongs to is resolved via
// tagsByProfile, then applied as a cross product of (profile status ×
// IP-set delta): profiles the endpoint lost contribute old IPs to
// removal, profiles it gained contribute new IPs to addition, and
// profiles it kept only see the IP-set delta (spec.md §4.5).
func (m *Manager) onEndpointUpdate(id model.EndpointID, ep *model.Endpoint) {
	old := m.endpointsByID[id]

	oldProfiles := profileSet(old)
	newProfiles := profileSet(ep)

	oldIPs := addrsOf(old, m.family)
	newIPs := addrsOf(ep, m.family)

	removedProfiles, addedProfiles, unchangedProfiles := diffProfileSets(oldProfiles, newProfiles)

	for p := range removedProfiles {
		for tag := range m.tagsByProfile[p] {
			for _, ip := range oldIPs {
				m.removeOwner(tag, ip, p, id)
			}
		}
		if eps := m.endpointsByProfile[p]; eps != nil {
			delete(eps, id)
			if len(eps) == 0 {
				delete(m.endpointsByProfile, p)
			}
		}
	}

	removedIPs, addedIPs := diffIPSets(oldIPs, newIPs)
	for p := range unchangedProfiles {
		for tag := range m.tagsByProfile[p] {
			for _, ip := range removedIPs {
				m.removeOwner(tag, ip, p, id)
			}
			for _, ip := range addedIPs {
				m.addOwner(tag, ip, p, id)
			}
		}
	}

	for p := range addedProfiles {
		for tag := range m.tagsByProfile[p] {
			for _, ip := range newIPs {
				m.addOwner(tag, ip, p, id)
			}
		}
		if m.endpointsByProfile[p] == nil {
			m.endpointsByProfile[p] = make(map[model.EndpointID]bool)
		}
		m.endpointsByProfile[p][id] = true
	}

	if ep == nil {
		delete(m.endpointsByID, id)
	} else {
		m.endpointsByID[id] = ep
	}
}

func profileSet(ep *model.Endpoint) map[string]bool {
	if ep == nil {
		return nil
	}

	out := make(map[string]bool, len(ep.ProfileIDs))
	for _, p := range ep.ProfileIDs {
		out[p] = true
	}

	return out
}

func diffProfileSets(old, next map[string]bool) (removed, added, unchanged map[string]bool) {
	removed = make(map[string]bool)
	added = make(map[string]bool)
	unchanged = make(map[string]bool)

	for p := range old {
		if next[p] {
			unchanged[p] = true
		} else {
			removed[p] = true
		}
	}
	for p := range next {
		if !old[p] {
			added[p] = true
		}
	}

	return removed, added, unchanged
}

func diffIPSets(old, next []string) (removed, added []string) {
	oldSet := make(map[string]bool, len(old))
	for _, ip := range old {
		oldSet[ip] = true
	}
	nextSet := make(map[string]bool, len(next))
	for _, ip := range next {
		nextSet[ip] = true
	}

	for ip := range oldSet {
		if !nextSet[ip] {
			removed = append(removed, ip)
		}
	}
	for ip := range nextSet {
		if !oldSet[ip] {
			added = append(added, ip)
		}
	}

	return removed, added
}

// addrsOf returns the address-only (no mask) string form of every CIDR
// ep owns in family, the unit of membership a tag's address set tracks.
func addrsOf(ep *model.Endpoint, family ipset.Family) []string {
	if ep == nil {
		return nil
	}

	nets := ep.IPv4Nets
	if family == ipset.FamilyV6 {
		nets = ep.IPv6Nets
	}

	out := make([]string, 0, len(nets))
	for _, n := range nets {
		out = append(out, n.IP.String())
	}

	return out
}

// addOwner records that profile grants ep the tag via ip, marking tag
// dirty the moment ip becomes a new member (spec.md §4.5).
func (m *Manager) addOwner(tag model.Tag, ip, profile string, ep model.EndpointID) {
	ipMap, ok := m.owners[tag]
	if !ok {
		ipMap = make(map[string]map[string]map[model.EndpointID]bool)
		m.owners[tag] = ipMap
	}

	profMap, wasMember := ipMap[ip]
	if !wasMember {
		profMap = make(map[string]map[model.EndpointID]bool)
		ipMap[ip] = profMap
	}

	epSet, ok := profMap[profile]
	if !ok {
		epSet = make(map[model.EndpointID]bool)
		profMap[profile] = epSet
	}
	epSet[ep] = true

	if !wasMember {
		m.dirtyTags[tag] = true
	}
}

// removeOwner reverses addOwner, deleting every empty level it uncovers
// and marking tag dirty iff ip stops being a member as a result (spec.md
// §4.5's "any ip_owner entry that empties is deleted and marks the tag
// dirty").
func (m *Manager) removeOwner(tag model.Tag, ip, profile string, ep model.EndpointID) {
	ipMap, ok := m.owners[tag]
	if !ok {
		return
	}
	profMap, ok := ipMap[ip]
	if !ok {
		return
	}
	epSet, ok := profMap[profile]
	if !ok {
		return
	}

	delete(epSet, ep)
	if len(epSet) == 0 {
		delete(profMap, profile)
	}

	if len(profMap) == 0 {
		delete(ipMap, ip)
		m.dirtyTags[tag] = true
	}

	if len(ipMap) == 0 {
		delete(m.owners, tag)
	}
}

// applySnapshot replaces the manager's whole view of profile tags and
// endpoints, used after a from-scratch resync (spec.md §4.9). Present
// entries are folded in through the normal handlers; any profile or
// endpoint previously tracked but absent from the snapshot is then
// retired with a null update, so nothing is left owning stale membership.
func (m *Manager) applySnapshot(
	tagsByProfile map[string][]model.Tag, endpoints map[model.EndpointID]*model.Endpoint,
) {

	missingProfiles := make(map[string]bool, len(m.tagsByProfile))
	for p := range m.tagsByProfile {
		missingProfiles[p] = true
	}
	missingEndpoints := make(map[model.EndpointID]bool, len(m.endpointsByID))
	for id := range m.endpointsByID {
		missingEndpoints[id] = true
	}

	for p, tags := range tagsByProfile {
		delete(missingProfiles, p)
		m.onTagsUpdate(p, tags, false)
	}
	for id, ep := range endpoints {
		delete(missingEndpoints, id)
		m.onEndpointUpdate(id, ep)
	}

	for p := range missingProfiles {
		m.onTagsUpdate(p, nil, true)
	}
	for id := range missingEndpoints {
		m.onEndpointUpdate(id, nil)
	}
}

// cleanup destroys every kernel address set bearing this family's prefix
// that the SetManager does not currently consider live, reconciling away
// sets a previous run created and never cleaned up (spec.md §4.3).
func (m *Manager) cleanup(ctx context.Context) error {
	names, err := ipset.ListNames(ctx)
	if err != nil {
		return err
	}

	famPrefix := m.prefix + "t4-"
	if m.family == ipset.FamilyV6 {
		famPrefix = m.prefix + "t6-"
	}

	whitelist := make(map[string]bool)
	for _, set := range m.sets.Snapshot() {
		whitelist[set.Name()] = true
		whitelist[set.Name()+"-tmp"] = true
	}

	for _, name := range names {
		if !hasPrefix(name, famPrefix) || whitelist[name] {
			continue
		}
		if err := ipset.Destroy(ctx, name); err != nil && m.log != nil {
			m.log.Errorf("tagindex: cleanup destroying %s: %v", name, err)
		}
	}

	return nil
}

func hasPrefix(name, prefix string) bool {
	return len(name) >= len(prefix) && name[:len(prefix)] == prefix
}
