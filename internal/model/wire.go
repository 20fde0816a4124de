package model

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// EndpointJSON is the wire shape of a value stored at
// .../workload/{orch}/{wl}/endpoint/{ep}. It accepts both the plural
// profile_ids list (canonical) and a legacy singular profile_id field,
// normalizing to the plural form in Normalize — see DESIGN.md for the
// Open Question this resolves.
type EndpointJSON struct {
	State string `json:"state"`
	Name  string `json:"name"`
	MAC   string `json:"mac"`

	ProfileID  *string  `json:"profile_id,omitempty"`
	ProfileIDs []string `json:"profile_ids,omitempty"`

	IPv4Nets []string `json:"ipv4_nets,omitempty"`
	IPv6Nets []string `json:"ipv6_nets,omitempty"`

	IPv4Gateway string `json:"ipv4_gateway,omitempty"`
	IPv6Gateway string `json:"ipv6_gateway,omitempty"`
}

// Normalize folds a legacy singular ProfileID into ProfileIDs (appended if
// not already present) and returns the combined, deduplicated list.
func (e *EndpointJSON) Normalize() []string {
	ids := make([]string, 0, len(e.ProfileIDs)+1)
	seen := make(map[string]bool, len(e.ProfileIDs)+1)

	for _, id := range e.ProfileIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}

	if e.ProfileID != nil && *e.ProfileID != "" && !seen[*e.ProfileID] {
		ids = append(ids, *e.ProfileID)
	}

	return ids
}

// DecodeEndpoint parses and validates raw JSON into an Endpoint for id.
// Any structural or semantic failure is reported as an error; per spec
// §7 the caller treats a decode error identically to a delete.
func DecodeEndpoint(id EndpointID, raw []byte, interfacePrefix string) (*Endpoint, error) {
	var wire EndpointJSON
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decoding endpoint %+v: %w", id, err)
	}

	state := EndpointState(strings.ToLower(wire.State))
	if state != EndpointActive && state != EndpointInactive {
		return nil, fmt.Errorf("endpoint %+v: invalid state %q", id, wire.State)
	}

	if interfacePrefix != "" && !strings.HasPrefix(wire.Name, interfacePrefix) {
		return nil, fmt.Errorf(
			"endpoint %+v: interface name %q missing required prefix %q",
			id, wire.Name, interfacePrefix,
		)
	}

	mac := strings.ToLower(wire.MAC)
	if mac != "" {
		if _, err := net.ParseMAC(mac); err != nil {
			return nil, fmt.Errorf("endpoint %+v: invalid mac %q: %w", id, wire.MAC, err)
		}
	}

	ipv4Nets, err := parseCIDRList(wire.IPv4Nets)
	if err != nil {
		return nil, fmt.Errorf("endpoint %+v: %w", id, err)
	}
	ipv6Nets, err := parseCIDRList(wire.IPv6Nets)
	if err != nil {
		return nil, fmt.Errorf("endpoint %+v: %w", id, err)
	}

	var gw4, gw6 net.IP
	if wire.IPv4Gateway != "" {
		if gw4 = net.ParseIP(wire.IPv4Gateway); gw4 == nil {
			return nil, fmt.Errorf("endpoint %+v: invalid ipv4_gateway %q", id, wire.IPv4Gateway)
		}
	}
	if wire.IPv6Gateway != "" {
		if gw6 = net.ParseIP(wire.IPv6Gateway); gw6 == nil {
			return nil, fmt.Errorf("endpoint %+v: invalid ipv6_gateway %q", id, wire.IPv6Gateway)
		}
	}

	return &Endpoint{
		ID:          id,
		State:       state,
		Name:        wire.Name,
		MAC:         mac,
		ProfileIDs:  wire.Normalize(),
		IPv4Nets:    ipv4Nets,
		IPv6Nets:    ipv6Nets,
		IPv4Gateway: gw4,
		IPv6Gateway: gw6,
	}, nil
}

func parseCIDRList(raw []string) ([]net.IPNet, error) {
	out := make([]net.IPNet, 0, len(raw))
	for _, s := range raw {
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", s, err)
		}
		out = append(out, *ipnet)
	}

	return out, nil
}

// RuleJSON is the wire shape of one entry in a RulesJSON inbound/outbound
// list. SrcPorts/DstPorts entries are either a JSON number (single port)
// or a "lo:hi" string (range), matching the upstream encoding.
type RuleJSON struct {
	Protocol  string `json:"protocol,omitempty"`
	IPVersion int    `json:"ip_version,omitempty"`

	SrcNet string `json:"src_net,omitempty"`
	DstNet string `json:"dst_net,omitempty"`

	SrcTag string `json:"src_tag,omitempty"`
	DstTag string `json:"dst_tag,omitempty"`

	SrcPorts []json.RawMessage `json:"src_ports,omitempty"`
	DstPorts []json.RawMessage `json:"dst_ports,omitempty"`

	ICMPType *int `json:"icmp_type,omitempty"`
	ICMPCode *int `json:"icmp_code,omitempty"`

	Action string `json:"action"`
}

// RulesJSON is the wire shape of .../policy/profile/{prof}/rules.
type RulesJSON struct {
	InboundRules  []RuleJSON `json:"inbound_rules"`
	OutboundRules []RuleJSON `json:"outbound_rules"`
}

// DecodePortEntry turns one raw src_ports/dst_ports element into a
// PortRange, accepting either a bare number or a "lo:hi" string.
func DecodePortEntry(raw json.RawMessage) (PortRange, error) {
	var asNumber int
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		if asNumber < 0 || asNumber > 65535 {
			return PortRange{}, fmt.Errorf("port %d out of range", asNumber)
		}
		return PortRange{Min: uint16(asNumber), Max: uint16(asNumber)}, nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err != nil {
		return PortRange{}, fmt.Errorf("port entry %s is neither a number nor a string", raw)
	}

	lo, hi, ok := strings.Cut(asString, ":")
	if !ok {
		return PortRange{}, fmt.Errorf("port range %q missing ':'", asString)
	}

	loN, err := strconv.Atoi(lo)
	if err != nil {
		return PortRange{}, fmt.Errorf("port range %q: invalid low bound: %w", asString, err)
	}
	hiN, err := strconv.Atoi(hi)
	if err != nil {
		return PortRange{}, fmt.Errorf("port range %q: invalid high bound: %w", asString, err)
	}
	if loN < 0 || hiN > 65535 || loN > hiN {
		return PortRange{}, fmt.Errorf("port range %q out of bounds", asString)
	}

	return PortRange{Min: uint16(loN), Max: uint16(hiN)}, nil
}

// DecodeRule converts one RuleJSON into a Rule. An invalid rule is
// reported as an error; per spec §7 the profile compiler replaces only
// that rule with a commented drop fragment rather than failing the
// whole chain.
func DecodeRule(raw RuleJSON) (Rule, error) {
	action := RuleAction(strings.ToLower(raw.Action))
	if action != ActionAllow && action != ActionDeny {
		return Rule{}, fmt.Errorf("invalid action %q", raw.Action)
	}

	r := Rule{
		Protocol:  raw.Protocol,
		IPVersion: IPVersion(raw.IPVersion),
		SrcTag:    raw.SrcTag,
		DstTag:    raw.DstTag,
		Action:    action,
		ICMPType:  -1,
		ICMPCode:  -1,
	}

	if raw.SrcNet != "" {
		_, n, err := net.ParseCIDR(raw.SrcNet)
		if err != nil {
			return Rule{}, fmt.Errorf("invalid src_net %q: %w", raw.SrcNet, err)
		}
		r.SrcNet = n
	}
	if raw.DstNet != "" {
		_, n, err := net.ParseCIDR(raw.DstNet)
		if err != nil {
			return Rule{}, fmt.Errorf("invalid dst_net %q: %w", raw.DstNet, err)
		}
		r.DstNet = n
	}

	for _, p := range raw.SrcPorts {
		pr, err := DecodePortEntry(p)
		if err != nil {
			return Rule{}, fmt.Errorf("src_ports: %w", err)
		}
		r.SrcPorts = append(r.SrcPorts, pr)
	}
	for _, p := range raw.DstPorts {
		pr, err := DecodePortEntry(p)
		if err != nil {
			return Rule{}, fmt.Errorf("dst_ports: %w", err)
		}
		r.DstPorts = append(r.DstPorts, pr)
	}

	if raw.ICMPType != nil {
		r.ICMPType = *raw.ICMPType
	}
	if raw.ICMPCode != nil {
		r.ICMPCode = *raw.ICMPCode
	}

	return r, nil
}

// DecodeRuleOrInvalid converts raw into a Rule exactly like DecodeRule,
// except a decode failure is reported as a single Rule with Invalid set
// rather than an error — the watcher boundary isolates one bad rule
// record to a commented drop in its chain instead of discarding the
// whole profile (spec §7).
func DecodeRuleOrInvalid(raw RuleJSON) Rule {
	r, err := DecodeRule(raw)
	if err != nil {
		return Rule{Invalid: true, InvalidReason: err.Error(), ICMPType: -1, ICMPCode: -1}
	}
	return r
}

// PoolJSON is the wire shape of .../ipam/v4/pool/{encoded_cidr}.
type PoolJSON struct {
	CIDR       string `json:"cidr"`
	Masquerade bool   `json:"masquerade"`
}

// DecodePool parses and validates raw JSON into an IPAMPool.
func DecodePool(raw []byte) (*IPAMPool, error) {
	var wire PoolJSON
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decoding pool: %w", err)
	}

	_, cidr, err := net.ParseCIDR(wire.CIDR)
	if err != nil {
		return nil, fmt.Errorf("invalid pool cidr %q: %w", wire.CIDR, err)
	}

	return &IPAMPool{CIDR: *cidr, Masquerade: wire.Masquerade}, nil
}
