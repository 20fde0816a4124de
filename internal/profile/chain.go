// Package profile compiles each profile's inbound and outbound rule list
// into a pair of iptables chains and keeps their kernel state in sync with
// the profile store, increfing every tag a rule references so its
// address set exists before the rule that names it commits (spec.md
// §4.6).
package profile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/projectcalico/felix-agent/internal/ipset"
	"github.com/projectcalico/felix-agent/internal/model"
	"github.com/projectcalico/felix-agent/internal/tagindex"
)

// maxChainNameLen is IFNAMSIZ-1-equivalent for iptables chain names
// (XT_EXTENSION_MAXNAMELEN is 29, conventionally treated as 28 usable).
const maxChainNameLen = 28

// Direction is one of a profile's two rule chains.
type Direction string

const (
	DirectionInbound  Direction = "i"
	DirectionOutbound Direction = "o"
)

// ChainName deterministically derives the kernel chain name for a
// profile's inbound or outbound rule chain, stable across restarts so a
// chain already present in a save-output parse is recognized as "this
// profile's" (spec.md §4.6).
func ChainName(prefix, profileID string, dir Direction) string {
	sum := sha256.Sum256([]byte(profileID))
	hash := hex.EncodeToString(sum[:])[:16]

	name := fmt.Sprintf("%sp%s-%s", prefix, dir, hash)
	if len(name) > maxChainNameLen {
		name = name[:maxChainNameLen]
	}

	return name
}

// Targets names the built-in iptables targets a rule's terminal verdict
// jumps to. Exposed so a deployment can route through an accounting
// chain instead of ACCEPT/DROP directly; defaults to the plain verdicts.
type Targets struct {
	Accept string
	Deny   string
}

// DefaultTargets are the built-in ACCEPT/DROP verdicts.
var DefaultTargets = Targets{Accept: "ACCEPT", Deny: "DROP"}

// sentinelMarkFragment is appended after a chain's last rule, flagging
// the packet as having fallen through without matching any rule in this
// profile (spec.md §4.6). Downstream chains branch on this mark to
// decide whether any profile explicitly allowed the packet.
const sentinelMarkFragment = "-j MARK --set-xmark 0x10000/0x10000"

// UnsupportedType reports that a rule's ICMP type cannot be expressed in
// the kernel's match syntax (spec.md §4.6, seed scenario 5: ICMP type
// 255). The caller substitutes a single commented deny fragment rather
// than failing the whole chain.
type UnsupportedType struct {
	Rule model.Rule
}

func (e *UnsupportedType) Error() string {
	return fmt.Sprintf("profile: icmp type %d is not representable", e.Rule.ICMPType)
}

// tagSetNamer resolves a tag to its kernel address-set name for the
// chain's own IP family.
type tagSetNamer func(model.Tag) string

// NewTagSetNamer returns a tagSetNamer bound to prefix/family, backed by
// tagindex's deterministic naming so a profile chain references exactly
// the set tagindex programs.
func NewTagSetNamer(prefix string, family ipset.Family) tagSetNamer {
	return func(tag model.Tag) string { return tagindex.SetName(prefix, family, tag) }
}

// CompileChain renders rules into an ordered list of -A fragments for one
// direction's chain, in the IP family namer/targets are bound to. A rule
// whose IPVersion is set and disagrees with family is skipped entirely.
// A rule with an unsupported ICMP type compiles to a single commented
// deny fragment instead of failing the chain (spec.md §4.6).
func CompileChain(
	rules []model.Rule, family int, namer tagSetNamer, targets Targets,
) []string {

	var out []string
	for _, rule := range rules {
		if rule.IPVersion != 0 && int(rule.IPVersion) != family {
			continue
		}

		lines, err := CompileRule(rule, namer, targets)
		if err != nil {
			out = append(out, fmt.Sprintf(
				`-m comment --comment %q -j %s`, err.Error(), targets.Deny,
			))
			continue
		}

		out = append(out, lines...)
	}

	out = append(out, sentinelMarkFragment)
	return out
}

// CompileRule renders one rule as one fragment per (src port chunk, dst
// port chunk) pair — ordinarily a single fragment, more than one only
// when a port list needed chunking or isolating port 0 (spec.md §4.6).
func CompileRule(rule model.Rule, namer tagSetNamer, targets Targets) ([]string, error) {
	if rule.Invalid {
		return nil, fmt.Errorf("rule failed validation: %s", rule.InvalidReason)
	}
	if rule.ICMPType == 255 {
		return nil, &UnsupportedType{Rule: rule}
	}

	base := baseMatchFragments(rule, namer)
	jump := jumpFragment(rule.Action, targets)

	srcChunks := BuildPortChunks(rule.SrcPorts)
	if len(srcChunks) == 0 {
		srcChunks = []PortChunk{{}}
	}
	dstChunks := BuildPortChunks(rule.DstPorts)
	if len(dstChunks) == 0 {
		dstChunks = []PortChunk{{}}
	}

	var lines []string
	for _, sc := range srcChunks {
		for _, dc := range dstChunks {
			frag := make([]string, len(base))
			copy(frag, base)

			if f := portFragment(sc, "sport"); f != "" {
				frag = append(frag, f)
			}
			if f := portFragment(dc, "dport"); f != "" {
				frag = append(frag, f)
			}
			if f := icmpFragment(rule); f != "" {
				frag = append(frag, f)
			}
			frag = append(frag, jump)

			lines = append(lines, strings.Join(frag, " "))
		}
	}

	return lines, nil
}

func baseMatchFragments(rule model.Rule, namer tagSetNamer) []string {
	var f []string

	if rule.Protocol != "" {
		f = append(f, "-p "+rule.Protocol)
	}
	if rule.SrcNet != nil {
		f = append(f, "-s "+rule.SrcNet.String())
	}
	if rule.DstNet != nil {
		f = append(f, "-d "+rule.DstNet.String())
	}
	if rule.SrcTag != "" {
		f = append(f, fmt.Sprintf("-m set --match-set %s src", namer(model.Tag(rule.SrcTag))))
	}
	if rule.DstTag != "" {
		f = append(f, fmt.Sprintf("-m set --match-set %s dst", namer(model.Tag(rule.DstTag))))
	}

	return f
}

// icmpFragment renders a rule's ICMP type/code match, if any. Emitted last
// among a fragment's match clauses, after source and destination ports
// (spec.md §4.6's documented fragment order).
func icmpFragment(rule model.Rule) string {
	if rule.ICMPType < 0 {
		return ""
	}

	icmp := fmt.Sprintf("--icmp-type %d", rule.ICMPType)
	if rule.ICMPCode >= 0 {
		icmp += fmt.Sprintf("/%d", rule.ICMPCode)
	}

	return icmp
}

func jumpFragment(action model.RuleAction, targets Targets) string {
	if action == model.ActionAllow {
		return "-j " + targets.Accept
	}
	return "-j " + targets.Deny
}

func portFragment(c PortChunk, opt string) string {
	if len(c.Ranges) == 0 {
		return ""
	}
	if c.Zero {
		return fmt.Sprintf("--%s 0", opt)
	}

	return fmt.Sprintf("-m multiport --%ss %s", opt, c.MultiportSpec())
}

// ReferencedTags returns the set of tags rules names via SrcTag/DstTag,
// the set this profile's chains must hold a reference on (spec.md §4.6).
func ReferencedTags(rules []model.Rule) map[model.Tag]bool {
	out := make(map[model.Tag]bool)
	for _, r := range rules {
		if r.SrcTag != "" {
			out[model.Tag(r.SrcTag)] = true
		}
		if r.DstTag != "" {
			out[model.Tag(r.DstTag)] = true
		}
	}

	return out
}
