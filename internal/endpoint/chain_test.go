package endpoint

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/projectcalico/felix-agent/internal/model"
	"github.com/projectcalico/felix-agent/internal/profile"
)

func TestChainName_DeterministicAndBounded(t *testing.T) {
	id := model.EndpointID{Host: "h1", Orchestrator: "k8s", Workload: "w1", Endpoint: "eth0"}

	a := ChainName("felix-", id, profile.DirectionInbound)
	b := ChainName("felix-", id, profile.DirectionInbound)
	require.Equal(t, a, b)
	require.LessOrEqual(t, len(a), maxChainNameLen)

	out := ChainName("felix-", id, profile.DirectionOutbound)
	require.NotEqual(t, a, out)
}

func TestDispatchChainName_SharedAcrossEndpoints(t *testing.T) {
	require.Equal(t, "felix-disp-i", DispatchChainName("felix-", profile.DirectionInbound))
	require.Equal(t, "felix-disp-o", DispatchChainName("felix-", profile.DirectionOutbound))
}

func TestCompileToChain_SingleProfileUsesGoto(t *testing.T) {
	out := CompileToChain(4, []string{"felix-pi-aaaa"})
	require.Equal(t, "-g felix-pi-aaaa", out[len(out)-1])
}

func TestCompileToChain_MultipleProfilesJumpThenGoto(t *testing.T) {
	out := CompileToChain(4, []string{"felix-pi-aaaa", "felix-pi-bbbb"})
	require.Equal(t, "-j felix-pi-aaaa", out[len(out)-2])
	require.Equal(t, "-g felix-pi-bbbb", out[len(out)-1])
}

func TestCompileToChain_V6IncludesICMPv6PreAccept(t *testing.T) {
	out := CompileToChain(6, nil)
	require.Contains(t, out, "-p ipv6-icmp --icmpv6-type 130 -j ACCEPT")
	require.Contains(t, out, "-p ipv6-icmp --icmpv6-type 136 -j ACCEPT")
}

func TestCompileFromChain_AntiSpoofPerIPMACPairAndTerminalDrop(t *testing.T) {
	ep := &model.Endpoint{
		MAC:      "ab:cd:ef:00:00:01",
		IPv4Nets: []net.IPNet{{IP: net.ParseIP("10.0.0.1"), Mask: net.CIDRMask(32, 32)}},
	}

	out := CompileFromChain(ep, 4, []string{"felix-po-aaaa"})
	require.Contains(t, out, "-s 10.0.0.1 -m mac --mac-source ab:cd:ef:00:00:01 -g felix-po-aaaa")
	require.Equal(t, "-j DROP", out[len(out)-1])
	require.Contains(t, out, "-p udp --sport 68 --dport 67 -j ACCEPT")
}

func TestCompileFromChain_V6UsesDHCPv6Ports(t *testing.T) {
	out := CompileFromChain(&model.Endpoint{}, 6, nil)
	require.Contains(t, out, "-p udp --sport 546 --dport 547 -j ACCEPT")
}

func TestProfileChainNames_MatchesProfilePackageNaming(t *testing.T) {
	names := ProfileChainNames("felix-", []string{"p1", "p2"}, profile.DirectionInbound)
	require.Equal(t, []string{
		profile.ChainName("felix-", "p1", profile.DirectionInbound),
		profile.ChainName("felix-", "p2", profile.DirectionInbound),
	}, names)
}

func TestDispatchRuleSpec(t *testing.T) {
	require.Equal(t, []string{"-i", "cali123", "-g", "felix-e-abc"}, DispatchRuleSpec("cali123", "felix-e-abc"))
}
