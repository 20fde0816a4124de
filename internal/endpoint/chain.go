// Package endpoint implements the per-host endpoint manager and the
// per-local-endpoint state machine of spec.md §4.7: a reference manager
// over EndpointID whose objects, once ready, hold the endpoint's own pair
// of filter chains, its dispatch-chain rule, and its interface routes in
// sync with the endpoint's (endpoint present ∧ active ∧ interface up ∧
// profile held) readiness predicate.
package endpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"

	"github.com/projectcalico/felix-agent/internal/model"
	"github.com/projectcalico/felix-agent/internal/profile"
)

// maxChainNameLen mirrors internal/profile.maxChainNameLen: the kernel's
// usable chain-name length.
const maxChainNameLen = 28

// icmpv6PreAccept is the fixed set of NDP/ICMPv6 types the to-endpoint
// chain must accept before consulting any profile, on every IPv6 local
// endpoint (spec.md §4.7): multicast listener query/report/done (130,
// 131, 132), router advertisement (134), and neighbor
// solicitation/advertisement (135, 136).
var icmpv6PreAccept = []int{130, 131, 132, 134, 135, 136}

// ChainName deterministically derives the per-endpoint to/from chain
// name, stable across restarts so a chain already present in a save-output
// parse is recognized as belonging to this endpoint.
func ChainName(prefix string, id model.EndpointID, dir profile.Direction) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%s/%s/%s", id.Host, id.Orchestrator, id.Workload, id.Endpoint)))
	hash := hex.EncodeToString(sum[:])[:16]

	name := fmt.Sprintf("%se%s-%s", prefix, dir, hash)
	if len(name) > maxChainNameLen {
		name = name[:maxChainNameLen]
	}

	return name
}

// DispatchChainName names the shared, per-family chain every local
// endpoint on this host inserts one interface-matching rule into
// (spec.md's "dispatch chain"). Unlike ChainName this is not per-endpoint:
// every local endpoint of a given direction/family shares the same
// dispatch chain, distinguished only by the "-i <iface>" match each
// endpoint's own rule carries.
func DispatchChainName(prefix string, dir profile.Direction) string {
	return prefix + "disp-" + string(dir)
}

// ipMacPair is one (address, hardware address) tuple the from-endpoint
// chain's anti-spoofing rules match on.
type ipMacPair struct {
	ip  net.IP
	mac string
}

func ipMacPairs(ep *model.Endpoint, family int) []ipMacPair {
	if ep == nil || ep.MAC == "" {
		return nil
	}

	nets := ep.IPv4Nets
	if family == 6 {
		nets = ep.IPv6Nets
	}

	out := make([]ipMacPair, 0, len(nets))
	for _, n := range nets {
		out = append(out, ipMacPair{ip: n.IP, mac: ep.MAC})
	}

	return out
}

// CompileToChain renders the to-endpoint chain: drop invalid, accept
// established/related, pre-accept NDP on v6, then goto the profile's
// inbound chain (spec.md §4.7). profileInboundChains lists every
// referenced profile's inbound chain name in the endpoint's own
// profile_ids order; every entry but the last is jumped to (so a
// fall-through, sentinel-marked verdict continues on to the next
// profile), and the last is gone to (so a fall-through there returns past
// this chain entirely, to whatever called the dispatch chain, per the
// goto-vs-jump rationale spec.md §4.7 states).
func CompileToChain(family int, profileInboundChains []string) []string {
	out := []string{
		"-m conntrack --ctstate INVALID -j DROP",
		"-m conntrack --ctstate RELATED,ESTABLISHED -j ACCEPT",
	}

	if family == 6 {
		out = append(out, icmpv6PreAcceptFragments()...)
	}

	return appendProfileLinks(out, profileInboundChains)
}

// CompileFromChain renders the from-endpoint chain: the same invalid/
// established prelude, a DHCP allowance for the endpoint's own family,
// one anti-spoof rule per (ip, mac) pair gotoing the profile's outbound
// chain, and a final unconditional drop (spec.md §4.7).
func CompileFromChain(ep *model.Endpoint, family int, profileOutboundChains []string) []string {
	out := []string{
		"-m conntrack --ctstate INVALID -j DROP",
		"-m conntrack --ctstate RELATED,ESTABLISHED -j ACCEPT",
	}

	if family == 6 {
		out = append(out, icmpv6PreAcceptFragments()...)
		out = append(out, "-p udp --sport 546 --dport 547 -j ACCEPT")
	} else {
		out = append(out, "-p udp --sport 68 --dport 67 -j ACCEPT")
	}

	for _, pair := range ipMacPairs(ep, family) {
		for i, chain := range profileOutboundChains {
			op := "-j"
			if i == len(profileOutboundChains)-1 {
				op = "-g"
			}
			out = append(out, fmt.Sprintf(
				"-s %s -m mac --mac-source %s %s %s", pair.ip.String(), pair.mac, op, chain,
			))
		}
	}

	out = append(out, "-j DROP")
	return out
}

func icmpv6PreAcceptFragments() []string {
	frags := make([]string, 0, len(icmpv6PreAccept))
	for _, t := range icmpv6PreAccept {
		frags = append(frags, fmt.Sprintf("-p ipv6-icmp --icmpv6-type %d -j ACCEPT", t))
	}
	return frags
}

func appendProfileLinks(out []string, chains []string) []string {
	for i, chain := range chains {
		op := "-j"
		if i == len(chains)-1 {
			op = "-g"
		}
		out = append(out, op+" "+chain)
	}
	return out
}

// ProfileChainNames resolves profileIDs to their per-family inbound or
// outbound chain names, in order, via internal/profile's own deterministic
// naming so the per-endpoint chain jumps to exactly the chain
// internal/profile programs for each profile.
func ProfileChainNames(prefix string, profileIDs []string, dir profile.Direction) []string {
	out := make([]string, len(profileIDs))
	for i, id := range profileIDs {
		out[i] = profile.ChainName(prefix, id, dir)
	}
	return out
}

// DispatchRuleSpec is the iptables match/target spec inserted into the
// shared dispatch chain for one local endpoint's interface.
func DispatchRuleSpec(iface, targetChain string) []string {
	return []string{"-i", iface, "-g", targetChain}
}
