// Package model holds the domain types shared by every reconciliation
// manager: endpoint and profile records, rules, tags, interface state, and
// the IPAM pool cache, plus the JSON wire structs used at the watcher
// boundary.
package model

import "net"

// Host names the machine an EndpointID belongs to. Interned by the caller
// (the watcher dispatches against a small, repeated set of hostnames) —
// left as a plain string since Go string values already share backing
// arrays for identical literals and substrings.
type Host = string

// EndpointState is one of the two states an Endpoint record may be in.
type EndpointState string

const (
	EndpointActive   EndpointState = "active"
	EndpointInactive EndpointState = "inactive"
)

// EndpointID structurally identifies an endpoint by its four-part key:
// host, orchestrator, workload, and endpoint name. Comparable by value so
// it can key a map directly.
type EndpointID struct {
	Host         Host
	Orchestrator string
	Workload     string
	Endpoint     string
}

// Endpoint is the mutable record describing one workload network
// interface's desired state.
type Endpoint struct {
	ID EndpointID

	State EndpointState

	// Name is the host-side interface name, e.g. "cali1234abcd".
	Name string

	// MAC is the lowercase colon-separated hardware address, or "" if
	// unset.
	MAC string

	// ProfileIDs is an ordered, deduplicated list of profile identifiers
	// applied to this endpoint.
	ProfileIDs []string

	IPv4Nets []net.IPNet
	IPv6Nets []net.IPNet

	IPv4Gateway net.IP
	IPv6Gateway net.IP
}

// IsLocal reports whether this endpoint's host matches the configured
// local hostname.
func (e *Endpoint) IsLocal(localHost string) bool {
	return e.ID.Host == localHost
}

// RuleAction is the terminal verdict of a Rule.
type RuleAction string

const (
	ActionAllow RuleAction = "allow"
	ActionDeny  RuleAction = "deny"
)

// IPVersion is 4 or 6; zero means "unspecified, matches either family".
type IPVersion int

// PortRange is either a single port (Min == Max) or an inclusive range.
// A rule's src/dst ports are a list of these, matching the upstream
// encoding of a bare int or a "lo:hi" string.
type PortRange struct {
	Min uint16
	Max uint16
}

// Single reports whether this range names exactly one port.
func (p PortRange) Single() bool { return p.Min == p.Max }

// Rule is one entry of a profile's inbound or outbound rule list. Every
// field besides Action is optional; an absent field matches everything.
type Rule struct {
	Protocol  string
	IPVersion IPVersion

	SrcNet *net.IPNet
	DstNet *net.IPNet

	SrcTag string
	DstTag string

	SrcPorts []PortRange
	DstPorts []PortRange

	// ICMPType of -1 means unset. A value of 255 is out of the valid
	// ICMP type range and forces the rule to compile to a commented drop
	// (spec §4.6, seed scenario 5).
	ICMPType int
	ICMPCode int

	Action RuleAction

	// Invalid marks a rule that failed JSON decode validation at the
	// watcher boundary (spec §7); the profile compiler substitutes a
	// single commented drop fragment for it rather than failing the
	// whole chain, the same isolation ICMPType 255 gets.
	Invalid       bool
	InvalidReason string
}

// Tag identifies a set of endpoints, materialized per IP family as a
// kernel address set.
type Tag string

// Profile pairs a rule set with the tag membership it grants. Rules and
// tags are independently versioned and may arrive out of order from the
// store, so Profile carries both unconditionally — a manager folds
// whichever half last arrived into its working copy.
type Profile struct {
	ID string

	InboundRules  []Rule
	OutboundRules []Rule

	Tags []Tag
}

// IfaceState is the observed operating-system state of a host interface,
// as reported by the (externally owned) interface watcher.
type IfaceState struct {
	Name string
	Up   bool

	Addresses []net.IP
}

// IPAMPool is a CIDR-keyed descriptor of an address pool's masquerade
// policy, consumed read-only by the endpoint manager to decide whether a
// local endpoint's gateway falls inside a masquerade-enabled pool.
type IPAMPool struct {
	CIDR net.IPNet

	Masquerade bool
}
