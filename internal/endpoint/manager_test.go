package endpoint

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/projectcalico/felix-agent/internal/model"
)

func testManager(t *testing.T) (*Manager, *fakeChainProgrammer, *fakeDispatchProgrammer) {
	chainV4 := &fakeChainProgrammer{}
	dispV4 := &fakeDispatchProgrammer{}

	m := NewManager(context.Background(), ManagerConfig{
		LocalHost:  "h1",
		Prefix:     "felix-",
		ChainV4:    chainV4,
		ChainV6:    &fakeChainProgrammer{},
		DispatchV4: dispV4,
		DispatchV6: &fakeDispatchProgrammer{},
		ProfileV4:  &fakeProfileRef{},
		ProfileV6:  &fakeProfileRef{},
		Links:      &fakeLinks{},
	})

	return m, chainV4, dispV4
}

func TestManager_IgnoresNonLocalEndpoints(t *testing.T) {
	m, _, _ := testManager(t)

	remote := model.EndpointID{Host: "other-host", Orchestrator: "k8s", Workload: "w1", Endpoint: "eth0"}
	m.OnEndpointUpdate(remote, &model.Endpoint{
		ID: remote, State: model.EndpointActive, Name: "cali9999", ProfileIDs: []string{"p1"},
	})

	require.False(t, m.refs.Live(remote))
}

func TestManager_ReferencesLocalEndpointAndProgramsOnIfaceUp(t *testing.T) {
	m, chainV4, dispV4 := testManager(t)

	id := testID()
	ep := activeEndpoint()
	m.OnEndpointUpdate(id, ep)
	require.True(t, m.refs.Live(id))

	m.OnInterfaceUpdate("cali1234", &model.IfaceState{Name: "cali1234", Up: true})

	require.Eventually(t, func() bool {
		return len(chainV4.updates) > 0
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(dispV4.inserted) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestManager_EndpointRemovalDereferences(t *testing.T) {
	m, _, _ := testManager(t)

	id := testID()
	m.OnEndpointUpdate(id, activeEndpoint())
	require.True(t, m.refs.Live(id))

	m.OnEndpointUpdate(id, nil)

	require.Eventually(t, func() bool {
		return !m.refs.Live(id)
	}, time.Second, 5*time.Millisecond)
}

func TestManager_SnapshotRetiresDroppedEndpoints(t *testing.T) {
	m, _, _ := testManager(t)

	id := testID()
	m.OnEndpointUpdate(id, activeEndpoint())
	require.True(t, m.refs.Live(id))

	m.OnEndpointSnapshot(map[model.EndpointID]*model.Endpoint{})

	require.Eventually(t, func() bool {
		return !m.refs.Live(id)
	}, time.Second, 5*time.Millisecond)
}

func TestManager_HostIPAndPoolCaches(t *testing.T) {
	m, _, _ := testManager(t)

	m.OnHostIPUpdate("h2", net.ParseIP("10.1.1.1"))
	require.Equal(t, net.ParseIP("10.1.1.1"), m.hostIPs["h2"])

	m.OnHostIPUpdate("h2", nil)
	require.NotContains(t, m.hostIPs, "h2")

	m.OnPoolUpdate("10.0.0.0/16", &model.IPAMPool{Masquerade: true})
	require.True(t, m.pools["10.0.0.0/16"].Masquerade)

	m.OnPoolUpdate("10.0.0.0/16", nil)
	require.NotContains(t, m.pools, "10.0.0.0/16")
}
