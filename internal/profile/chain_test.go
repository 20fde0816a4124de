package profile

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/projectcalico/felix-agent/internal/model"
)

func cidr(t *testing.T, s string) *net.IPNet {
	t.Helper()
	ip, n, err := net.ParseCIDR(s)
	require.NoError(t, err)
	n.IP = ip
	return n
}

func namer(tag model.Tag) string { return "set-" + string(tag) }

// Seed scenario 1: single rule, src_net + allow, IPv4.
func TestCompileChain_SeedScenario1(t *testing.T) {
	rules := []model.Rule{{
		SrcNet:   cidr(t, "10.0.0.0/8"),
		Action:   model.ActionAllow,
		ICMPType: -1, ICMPCode: -1,
	}}

	out := CompileChain(rules, 4, namer, DefaultTargets)
	require.Equal(t, []string{
		"-s 10.0.0.0/8 -j ACCEPT",
		sentinelMarkFragment,
	}, out)
}

// Seed scenario 5: icmp_type 255 isolates to a single commented drop,
// other rules unaffected.
func TestCompileChain_SeedScenario5_UnsupportedICMPType(t *testing.T) {
	rules := []model.Rule{
		{SrcNet: cidr(t, "10.0.0.0/8"), Action: model.ActionAllow, ICMPType: -1, ICMPCode: -1},
		{ICMPType: 255, ICMPCode: -1, Action: model.ActionDeny},
		{DstNet: cidr(t, "172.16.0.0/12"), Action: model.ActionDeny, ICMPType: -1, ICMPCode: -1},
	}

	out := CompileChain(rules, 4, namer, DefaultTargets)
	require.Len(t, out, 4) // 3 rules + sentinel
	require.Contains(t, out[1], "-m comment")
	require.Contains(t, out[1], "-j DROP")
}

func TestCompileChain_InvalidRuleIsolatesToCommentedDrop(t *testing.T) {
	rules := []model.Rule{
		{Invalid: true, InvalidReason: "bad cidr", ICMPType: -1, ICMPCode: -1, Action: model.ActionAllow},
	}

	out := CompileChain(rules, 4, namer, DefaultTargets)
	require.Len(t, out, 2)
	require.Contains(t, out[0], "bad cidr")
	require.Contains(t, out[0], "-j DROP")
}

func TestCompileChain_IPVersionMismatchDropsRule(t *testing.T) {
	rules := []model.Rule{
		{IPVersion: 6, Action: model.ActionAllow, ICMPType: -1, ICMPCode: -1},
	}

	out := CompileChain(rules, 4, namer, DefaultTargets)
	require.Equal(t, []string{sentinelMarkFragment}, out)
}

func TestCompileRule_SrcDstTagsRenderSetMatch(t *testing.T) {
	r := model.Rule{
		SrcTag: "t1", DstTag: "t2",
		Action: model.ActionDeny, ICMPType: -1, ICMPCode: -1,
	}

	lines, err := CompileRule(r, namer, DefaultTargets)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "--match-set set-t1 src")
	require.Contains(t, lines[0], "--match-set set-t2 dst")
	require.Contains(t, lines[0], "-j DROP")
}

// Seed scenario 3: a 17-entry port list splits into two chunks.
func TestCompileRule_PortChunkingCartesianProduct(t *testing.T) {
	ports := make([]model.PortRange, 0, 17)
	for i := uint16(1); i <= 17; i++ {
		ports = append(ports, model.PortRange{Min: i, Max: i})
	}

	r := model.Rule{
		Protocol: "tcp", SrcPorts: ports,
		Action: model.ActionAllow, ICMPType: -1, ICMPCode: -1,
	}

	lines, err := CompileRule(r, namer, DefaultTargets)
	require.NoError(t, err)
	require.Len(t, lines, 2)
}

func TestCompileRule_ICMPFragmentFollowsPorts(t *testing.T) {
	r := model.Rule{
		Protocol: "icmp",
		SrcNet:   cidr(t, "10.0.0.0/8"),
		DstPorts: []model.PortRange{{Min: 80, Max: 80}},
		ICMPType: 8, ICMPCode: 0,
		Action: model.ActionAllow,
	}

	lines, err := CompileRule(r, namer, DefaultTargets)
	require.NoError(t, err)
	require.Len(t, lines, 1)

	portIdx := strings.Index(lines[0], "--dports")
	icmpIdx := strings.Index(lines[0], "--icmp-type")
	jumpIdx := strings.Index(lines[0], "-j ACCEPT")

	require.Greater(t, portIdx, 0)
	require.Greater(t, icmpIdx, portIdx)
	require.Greater(t, jumpIdx, icmpIdx)
	require.Contains(t, lines[0], "--icmp-type 8/0")
}

func TestChainNameIsStableAndWithinLimit(t *testing.T) {
	name := ChainName("felix-", "profile-1", DirectionInbound)
	require.LessOrEqual(t, len(name), maxChainNameLen)
	require.Equal(t, name, ChainName("felix-", "profile-1", DirectionInbound))
}
