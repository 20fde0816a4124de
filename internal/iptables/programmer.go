package iptables

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"sync"

	"github.com/coreos/go-iptables/iptables"
)

// Programmer owns the felix-managed chains of one table (normally
// "filter") for one IP family, committing batches atomically via
// iptables-restore. It is not an actor: the profile managers and every
// local endpoint call it directly from their own goroutines, and mu
// serializes every operation on its state.
type Programmer struct {
	table  string
	family Family
	prefix string

	ipt *iptables.IPTables

	mu sync.Mutex
	m  *model

	// startupChains is the felix-prefixed chains LearnExistingChains found
	// already present at process start -- candidates for ReapOrphans.
	// claimed marks every chain name a batch has asserted (directly via
	// updates, or indirectly as a dependency endpoint) since startup; a
	// startup chain that is never claimed by any batch is an orphan left
	// behind by a previous incarnation (spec.md §4.4).
	startupChains map[string]bool
	claimed       map[string]bool
}

// NewProgrammer constructs a Programmer for table (e.g. "filter") and
// family, identifying its own chains by prefix (e.g. "felix-").
func NewProgrammer(table string, family Family, prefix string) (*Programmer, error) {
	proto := iptables.ProtocolIPv4
	if family == FamilyV6 {
		proto = iptables.ProtocolIPv6
	}

	ipt, err := iptables.NewWithProtocol(proto)
	if err != nil {
		return nil, fmt.Errorf("iptables: initializing for family %d: %w", family, err)
	}

	return &Programmer{
		table:         table,
		family:        family,
		prefix:        prefix,
		ipt:           ipt,
		m:             newModel(),
		startupChains: make(map[string]bool),
		claimed:       make(map[string]bool),
	}, nil
}

// LearnExistingChains consumes the table's current save output to learn
// which felix-prefixed chains already exist, per spec.md §6's "consume
// the tool's save-style output at startup to learn existing chain names".
func (p *Programmer) LearnExistingChains(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, p.family.saveCmd(), "-t", p.table).Output()
	if err != nil {
		return fmt.Errorf("iptables: %s -t %s: %w", p.family.saveCmd(), p.table, err)
	}

	chains := ParseSaveOutput(out, p.table)

	p.mu.Lock()
	defer p.mu.Unlock()

	for name := range chains {
		if nameHasPrefix(name, p.prefix) {
			p.m.known[name] = true
			p.startupChains[name] = true
		}
	}

	return nil
}

func nameHasPrefix(name, prefix string) bool {
	return len(name) >= len(prefix) && name[:len(prefix)] == prefix
}

// ApplyUpdates commits updates (chain name → ordered rule fragments) and
// ensures every chain named only as a dependency target exists as a stub.
// The whole batch is one iptables-restore script: either every listed
// chain ends up with exactly its given fragments, or (on failure) the
// kernel state is re-read and the commit retried once before the error is
// surfaced (spec.md §4.4/§7).
func (p *Programmer) ApplyUpdates(
	ctx context.Context,
	updates map[string][]string,
	dependencies map[string]map[string]bool,
) error {

	p.mu.Lock()
	defer p.mu.Unlock()

	for chain := range updates {
		p.m.clearDependenciesFrom(chain)
	}
	for from, tos := range dependencies {
		for to := range tos {
			p.m.addDependency(from, to)
		}
	}

	stubs := p.stubChains(updates, dependencies)
	script := p.buildRestoreScript(updates, stubs)

	if err := p.commit(script); err != nil {
		if relearnErr := p.relearnLocked(ctx); relearnErr != nil {
			return fmt.Errorf(
				"iptables: commit failed (%v) and could not resync dataplane state: %w",
				err, relearnErr,
			)
		}
		if retryErr := p.commit(script); retryErr != nil {
			return fmt.Errorf("iptables: commit failed after retry: %w", retryErr)
		}
	}

	for chain, fragments := range updates {
		p.m.rules[chain] = fragments
		p.m.known[chain] = true
	}
	for chain := range stubs {
		if _, ok := p.m.rules[chain]; !ok {
			p.m.rules[chain] = nil
		}
		p.m.known[chain] = true
	}
	for name := range claimedNames(updates, dependencies) {
		p.claimed[name] = true
	}

	return nil
}

// claimedNames returns every chain name a batch's updates or dependency
// endpoints reference, the set ApplyUpdates marks claimed so ReapOrphans
// leaves it alone (spec.md §4.4).
func claimedNames(
	updates map[string][]string, dependencies map[string]map[string]bool,
) map[string]bool {

	out := make(map[string]bool, len(updates)+len(dependencies))
	for chain := range updates {
		out[chain] = true
	}
	for from, tos := range dependencies {
		out[from] = true
		for to := range tos {
			out[to] = true
		}
	}

	return out
}

// stubChains returns every chain named as a dependency target that is
// neither in updates nor already known to exist.
func (p *Programmer) stubChains(
	updates map[string][]string, dependencies map[string]map[string]bool,
) map[string]bool {

	stubs := make(map[string]bool)
	for _, tos := range dependencies {
		for to := range tos {
			if _, inUpdates := updates[to]; inUpdates {
				continue
			}
			if p.m.known[to] {
				continue
			}
			stubs[to] = true
		}
	}

	return stubs
}

// buildRestoreScript renders one iptables-restore blob: a table header,
// a forward reference plus a full flush-and-rewrite for every chain in
// updates, a bare forward reference for every stub, and a terminating
// COMMIT.
func (p *Programmer) buildRestoreScript(
	updates map[string][]string, stubs map[string]bool,
) []byte {

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "*%s\n", p.table)

	for chain, fragments := range updates {
		fmt.Fprintf(&buf, ":%s - [0:0]\n", chain)
		fmt.Fprintf(&buf, "-F %s\n", chain)
		for _, frag := range fragments {
			fmt.Fprintf(&buf, "-A %s %s\n", chain, frag)
		}
	}
	for chain := range stubs {
		fmt.Fprintf(&buf, ":%s - [0:0]\n", chain)
	}

	buf.WriteString("COMMIT\n")

	return buf.Bytes()
}

func (p *Programmer) commit(script []byte) error {
	return p.ipt.RestoreAll(script, iptables.NoFlushTables, iptables.NoRestoreCounters)
}

func (p *Programmer) relearnLocked(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, p.family.saveCmd(), "-t", p.table).Output()
	if err != nil {
		return err
	}

	chains := ParseSaveOutput(out, p.table)
	p.m.known = make(map[string]bool, len(chains))
	for name := range chains {
		if nameHasPrefix(name, p.prefix) {
			p.m.known[name] = true
		}
	}

	return nil
}

// DeleteChain removes a leaf chain. Fails if any other known chain still
// jumps to it (spec.md §4.4).
func (p *Programmer) DeleteChain(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if deps := p.m.dependentsOf(name); len(deps) > 0 {
		return &ErrChainReferenced{Chain: name, Dependents: deps}
	}

	if err := p.ipt.ClearChain(p.table, name); err != nil {
		return fmt.Errorf("iptables: clearing chain %s before delete: %w", name, err)
	}
	if err := p.ipt.DeleteChain(p.table, name); err != nil {
		return fmt.Errorf("iptables: deleting chain %s: %w", name, err)
	}

	delete(p.m.rules, name)
	delete(p.m.known, name)
	delete(p.m.dependents, name)
	delete(p.startupChains, name)
	delete(p.claimed, name)

	return nil
}

// orphanedChains returns the felix-prefixed chains LearnExistingChains
// found at startup that no batch has claimed since, in sorted order.
func (p *Programmer) orphanedChains() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []string
	for name := range p.startupChains {
		if !p.claimed[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)

	return out
}

// ReapOrphans deletes every chain orphanedChains names: felix-prefixed
// chains present at startup that no manager has re-asserted since, per
// spec.md §4.4's "any chain starting with the felix prefix and not in the
// model is scheduled for deletion at the next batch." Orphans are deleted
// leaf-first, so a stale dispatch -> endpoint -> profile chain unwinds in
// one call; any chain still referenced once no further progress is made is
// left for the next call to retry.
func (p *Programmer) ReapOrphans(ctx context.Context) error {
	remaining := make(map[string]bool)
	for _, name := range p.orphanedChains() {
		remaining[name] = true
	}

	for progressed := true; progressed && len(remaining) > 0; {
		progressed = false
		for name := range remaining {
			if err := p.DeleteChain(ctx, name); err != nil {
				continue
			}
			delete(remaining, name)
			progressed = true
		}
	}

	if len(remaining) == 0 {
		return nil
	}

	stuck := make([]string, 0, len(remaining))
	for name := range remaining {
		stuck = append(stuck, name)
	}
	sort.Strings(stuck)

	return fmt.Errorf("iptables: %d orphaned chain(s) still referenced, will retry: %v", len(stuck), stuck)
}

// EnsureRuleInserted idempotently inserts ruleSpec at position 1 of a
// built-in chain (e.g. "INPUT"), deduping an identical rule already
// present (spec.md §4.4).
func (p *Programmer) EnsureRuleInserted(builtinChain string, ruleSpec ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	exists, err := p.ipt.Exists(p.table, builtinChain, ruleSpec...)
	if err != nil {
		return fmt.Errorf("iptables: checking existence in %s: %w", builtinChain, err)
	}
	if exists {
		return nil
	}

	if err := p.ipt.Insert(p.table, builtinChain, 1, ruleSpec...); err != nil {
		return fmt.Errorf("iptables: inserting into %s: %w", builtinChain, err)
	}

	return nil
}

// EnsureRuleRemoved idempotently deletes ruleSpec from a built-in chain,
// treating "doesn't exist" as success (spec.md §4.7's "remove the
// dispatch rule first" step of local-endpoint teardown, best-effort).
func (p *Programmer) EnsureRuleRemoved(builtinChain string, ruleSpec ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	exists, err := p.ipt.Exists(p.table, builtinChain, ruleSpec...)
	if err != nil {
		return fmt.Errorf("iptables: checking existence in %s: %w", builtinChain, err)
	}
	if !exists {
		return nil
	}

	if err := p.ipt.Delete(p.table, builtinChain, ruleSpec...); err != nil {
		return fmt.Errorf("iptables: deleting rule from %s: %w", builtinChain, err)
	}

	return nil
}

// KnownChains returns the felix-prefixed chain names currently believed
// to exist in the kernel, for tests and diagnostics.
func (p *Programmer) KnownChains() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.m.known))
	for name := range p.m.known {
		out = append(out, name)
	}

	return out
}
