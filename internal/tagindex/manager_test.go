package tagindex

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/projectcalico/felix-agent/internal/ipset"
	"github.com/projectcalico/felix-agent/internal/model"
)

func testManager() *Manager {
	sets := NewSetManager("felix-", ipset.FamilyV4, nil)
	return NewManager(ipset.FamilyV4, "felix-", sets, nil)
}

func cidr(s string) net.IPNet {
	ip, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	n.IP = ip
	return *n
}

func epID(name string) model.EndpointID {
	return model.EndpointID{Host: "host1", Orchestrator: "k8s", Workload: "wl", Endpoint: name}
}

// Seed scenario 2: a profile grants tag "t1", an endpoint carries that
// profile and one address; the tag's membership is exactly that address.
func TestEndpointAndProfile_GrantsTagMembership(t *testing.T) {
	m := testManager()

	m.onTagsUpdate("p", []model.Tag{"t1"}, false)
	m.onEndpointUpdate(epID("ep1"), &model.Endpoint{
		ID:         epID("ep1"),
		ProfileIDs: []string{"p"},
		IPv4Nets:   []net.IPNet{cidr("10.1.1.1/32")},
	})

	require.True(t, m.dirtyTags["t1"])
	require.Equal(t, []net.IP{net.ParseIP("10.1.1.1")}, m.membersOf("t1"))
}

func TestEndpointUpdate_ProfileDropped_RemovesMembership(t *testing.T) {
	m := testManager()

	m.onTagsUpdate("p", []model.Tag{"t1"}, false)
	ep := &model.Endpoint{
		ID:         epID("ep1"),
		ProfileIDs: []string{"p"},
		IPv4Nets:   []net.IPNet{cidr("10.1.1.1/32")},
	}
	m.onEndpointUpdate(epID("ep1"), ep)
	m.dirtyTags = make(map[model.Tag]bool)

	updated := *ep
	updated.ProfileIDs = nil
	m.onEndpointUpdate(epID("ep1"), &updated)

	require.Empty(t, m.membersOf("t1"))
	require.True(t, m.dirtyTags["t1"])
}

func TestEndpointUpdate_IPChangeUnderUnchangedProfile(t *testing.T) {
	m := testManager()

	m.onTagsUpdate("p", []model.Tag{"t1"}, false)
	ep := &model.Endpoint{
		ID:         epID("ep1"),
		ProfileIDs: []string{"p"},
		IPv4Nets:   []net.IPNet{cidr("10.1.1.1/32")},
	}
	m.onEndpointUpdate(epID("ep1"), ep)

	updated := *ep
	updated.IPv4Nets = []net.IPNet{cidr("10.1.1.2/32")}
	m.onEndpointUpdate(epID("ep1"), &updated)

	require.Equal(t, []net.IP{net.ParseIP("10.1.1.2")}, m.membersOf("t1"))
}

func TestEndpointUpdate_Deletion_ClearsAllMembership(t *testing.T) {
	m := testManager()

	m.onTagsUpdate("p", []model.Tag{"t1", "t2"}, false)
	m.onEndpointUpdate(epID("ep1"), &model.Endpoint{
		ID:         epID("ep1"),
		ProfileIDs: []string{"p"},
		IPv4Nets:   []net.IPNet{cidr("10.1.1.1/32")},
	})

	m.onEndpointUpdate(epID("ep1"), nil)

	require.Empty(t, m.membersOf("t1"))
	require.Empty(t, m.membersOf("t2"))
	require.Empty(t, m.owners)
}

func TestTagsUpdate_RemovingTagFromProfile(t *testing.T) {
	m := testManager()

	m.onTagsUpdate("p", []model.Tag{"t1"}, false)
	m.onEndpointUpdate(epID("ep1"), &model.Endpoint{
		ID:         epID("ep1"),
		ProfileIDs: []string{"p"},
		IPv4Nets:   []net.IPNet{cidr("10.1.1.1/32")},
	})

	m.onTagsUpdate("p", nil, false)

	require.Empty(t, m.membersOf("t1"))
}

func TestApplySnapshot_RetiresMissingEntries(t *testing.T) {
	m := testManager()

	m.applySnapshot(
		map[string][]model.Tag{"p": {"t1"}},
		map[model.EndpointID]*model.Endpoint{
			epID("ep1"): {
				ID:         epID("ep1"),
				ProfileIDs: []string{"p"},
				IPv4Nets:   []net.IPNet{cidr("10.1.1.1/32")},
			},
		},
	)
	require.Equal(t, []net.IP{net.ParseIP("10.1.1.1")}, m.membersOf("t1"))

	// A second snapshot that drops both the profile and the endpoint
	// must leave no residual membership.
	m.applySnapshot(map[string][]model.Tag{}, map[model.EndpointID]*model.Endpoint{})

	require.Empty(t, m.membersOf("t1"))
	require.Empty(t, m.tagsByProfile)
	require.Empty(t, m.endpointsByID)
}

func TestDiffIPSets(t *testing.T) {
	removed, added := diffIPSets([]string{"10.0.0.1", "10.0.0.2"}, []string{"10.0.0.2", "10.0.0.3"})
	require.ElementsMatch(t, []string{"10.0.0.1"}, removed)
	require.ElementsMatch(t, []string{"10.0.0.3"}, added)
}

func TestFinishBatch_SkipsTagsWithNoLiveAddressSet(t *testing.T) {
	m := testManager()

	m.onTagsUpdate("p", []model.Tag{"t1"}, false)
	m.onEndpointUpdate(epID("ep1"), &model.Endpoint{
		ID:         epID("ep1"),
		ProfileIDs: []string{"p"},
		IPv4Nets:   []net.IPNet{cidr("10.1.1.1/32")},
	})

	// No caller has increfed "t1" via the SetManager, so FinishBatch must
	// not attempt to program a kernel set for it.
	require.NotPanics(t, func() { m.FinishBatch(nil) })
	require.Empty(t, m.dirtyTags)
}
