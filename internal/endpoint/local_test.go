package endpoint

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"

	"github.com/projectcalico/felix-agent/internal/actor"
	"github.com/projectcalico/felix-agent/internal/model"
	"github.com/projectcalico/felix-agent/internal/profile"
)

type fakeChainProgrammer struct {
	updates map[string][]string
	deps    map[string]map[string]bool
	deleted []string
	failNext bool
}

func (f *fakeChainProgrammer) ApplyUpdates(ctx context.Context, updates map[string][]string, deps map[string]map[string]bool) error {
	if f.failNext {
		f.failNext = false
		return errors.New("simulated commit failure")
	}
	if f.updates == nil {
		f.updates = make(map[string][]string)
	}
	for k, v := range updates {
		f.updates[k] = v
	}
	f.deps = deps
	return nil
}

func (f *fakeChainProgrammer) DeleteChain(ctx context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

type fakeDispatchProgrammer struct {
	inserted [][]string
	removed  [][]string
}

func (f *fakeDispatchProgrammer) EnsureRuleInserted(builtinChain string, ruleSpec ...string) error {
	f.inserted = append(f.inserted, append([]string{builtinChain}, ruleSpec...))
	return nil
}

func (f *fakeDispatchProgrammer) EnsureRuleRemoved(builtinChain string, ruleSpec ...string) error {
	f.removed = append(f.removed, append([]string{builtinChain}, ruleSpec...))
	return nil
}

type fakeLinks struct {
	routesAdded   []net.IP
	routesRemoved []net.IP
}

func (f *fakeLinks) EnsureSysctls(iface string, family int) error { return nil }

func (f *fakeLinks) AddRoute(iface string, ip net.IP) error {
	f.routesAdded = append(f.routesAdded, ip)
	return nil
}

func (f *fakeLinks) RemoveRoute(iface string, ip net.IP) error {
	f.routesRemoved = append(f.routesRemoved, ip)
	return nil
}

// fakeProfileRef records every ProfileReferenced/ProfileUnreferenced Tell
// and immediately completes an Ask with a nil result.
type fakeProfileRef struct {
	referenced   []string
	unreferenced []string
}

func (f *fakeProfileRef) ID() string { return "fake-profile-manager" }

func (f *fakeProfileRef) Tell(ctx context.Context, msg profile.Msg) {
	if m, ok := msg.(*profile.ProfileUnreferenced); ok {
		f.unreferenced = append(f.unreferenced, m.ID)
	}
}

func (f *fakeProfileRef) Ask(ctx context.Context, msg profile.Msg) actor.Future[any] {
	if m, ok := msg.(*profile.ProfileReferenced); ok {
		f.referenced = append(f.referenced, m.ID)
	}
	return doneFuture{}
}

type doneFuture struct{}

func (doneFuture) Await(ctx context.Context) fn.Result[any] {
	return fn.Ok[any](nil)
}

func testID() model.EndpointID {
	return model.EndpointID{Host: "h1", Orchestrator: "k8s", Workload: "w1", Endpoint: "eth0"}
}

func testLocal() (*Local, *fakeChainProgrammer, *fakeChainProgrammer, *fakeDispatchProgrammer, *fakeDispatchProgrammer, *fakeLinks, *fakeProfileRef, *fakeProfileRef) {
	chainV4 := &fakeChainProgrammer{}
	chainV6 := &fakeChainProgrammer{}
	dispV4 := &fakeDispatchProgrammer{}
	dispV6 := &fakeDispatchProgrammer{}
	links := &fakeLinks{}
	profV4 := &fakeProfileRef{}
	profV6 := &fakeProfileRef{}

	l := newLocal(testID(), Config{
		Prefix:     "felix-",
		ChainV4:    chainV4,
		ChainV6:    chainV6,
		DispatchV4: dispV4,
		DispatchV6: dispV6,
		ProfileV4:  profV4,
		ProfileV6:  profV6,
		Links:      links,
	})

	return l, chainV4, chainV6, dispV4, dispV6, links, profV4, profV6
}

func activeEndpoint() *model.Endpoint {
	return &model.Endpoint{
		ID:         testID(),
		State:      model.EndpointActive,
		Name:       "cali1234",
		MAC:        "ab:cd:ef:00:00:01",
		ProfileIDs: []string{"p1"},
		IPv4Nets:   []net.IPNet{{IP: net.ParseIP("10.0.0.1"), Mask: net.CIDRMask(32, 32)}},
	}
}

func TestLocal_BecomesReadyOnceEndpointActiveIfaceUpAndProfileHeld(t *testing.T) {
	l, chainV4, _, dispV4, _, links, profV4, _ := testLocal()
	ctx := context.Background()

	l.Receive(ctx, &EndpointChanged{Endpoint: activeEndpoint()})
	l.Receive(ctx, &IfaceChanged{State: &model.IfaceState{Name: "cali1234", Up: true}})
	l.FinishBatch(ctx)

	require.True(t, l.ready)
	require.False(t, l.failed)
	require.Contains(t, profV4.referenced, "p1")

	toChain := ChainName("felix-", testID(), profile.DirectionInbound)
	require.Contains(t, chainV4.updates, toChain)
	require.Len(t, dispV4.inserted, 2)
	require.Len(t, links.routesAdded, 1)
}

func TestLocal_NotReadyWithoutProfiles(t *testing.T) {
	l, _, _, _, _, _, _, _ := testLocal()
	ctx := context.Background()

	ep := activeEndpoint()
	ep.ProfileIDs = nil

	l.Receive(ctx, &EndpointChanged{Endpoint: ep})
	l.Receive(ctx, &IfaceChanged{State: &model.IfaceState{Name: "cali1234", Up: true}})
	l.FinishBatch(ctx)

	require.False(t, l.ready)
}

func TestLocal_IfaceDownTearsDownDataplane(t *testing.T) {
	l, chainV4, _, dispV4, _, links, _, _ := testLocal()
	ctx := context.Background()

	l.Receive(ctx, &EndpointChanged{Endpoint: activeEndpoint()})
	l.Receive(ctx, &IfaceChanged{State: &model.IfaceState{Name: "cali1234", Up: true}})
	l.FinishBatch(ctx)
	require.True(t, l.ready)

	l.Receive(ctx, &IfaceChanged{State: &model.IfaceState{Name: "cali1234", Up: false}})
	l.FinishBatch(ctx)

	require.False(t, l.ready)
	toChain := ChainName("felix-", testID(), profile.DirectionInbound)
	require.Contains(t, chainV4.deleted, toChain)
	require.Len(t, dispV4.removed, 2)
	require.Len(t, links.routesRemoved, 1)
}

func TestLocal_ProfileChangeIncrefsNewBeforeDecreffingOld(t *testing.T) {
	l, _, _, _, _, _, profV4, _ := testLocal()
	ctx := context.Background()

	l.Receive(ctx, &EndpointChanged{Endpoint: activeEndpoint()})
	l.Receive(ctx, &IfaceChanged{State: &model.IfaceState{Name: "cali1234", Up: true}})
	l.FinishBatch(ctx)
	require.Equal(t, []string{"p1"}, profV4.referenced)

	ep2 := activeEndpoint()
	ep2.ProfileIDs = []string{"p2"}
	l.Receive(ctx, &EndpointChanged{Endpoint: ep2})
	l.FinishBatch(ctx)

	require.Equal(t, []string{"p1", "p2"}, profV4.referenced)
	require.Equal(t, []string{"p1"}, profV4.unreferenced)
}

func TestLocal_FailedProgrammingSchedulesRetryAndClearsOnSuccess(t *testing.T) {
	l, chainV4, _, _, _, _, _, _ := testLocal()
	ctx := context.Background()
	chainV4.failNext = true

	l.Receive(ctx, &EndpointChanged{Endpoint: activeEndpoint()})
	l.Receive(ctx, &IfaceChanged{State: &model.IfaceState{Name: "cali1234", Up: true}})
	l.FinishBatch(ctx)

	require.False(t, l.ready)
	require.True(t, l.failed)

	// Simulate the retry timer firing without waiting on a real clock.
	l.Receive(ctx, &retryProgram{})
	l.FinishBatch(ctx)

	require.True(t, l.ready)
	require.False(t, l.failed)
}

func TestLocal_TeardownReleasesAllHeldProfiles(t *testing.T) {
	l, _, _, _, _, _, profV4, profV6 := testLocal()
	ctx := context.Background()

	l.Receive(ctx, &EndpointChanged{Endpoint: activeEndpoint()})
	l.Receive(ctx, &IfaceChanged{State: &model.IfaceState{Name: "cali1234", Up: true}})
	l.FinishBatch(ctx)

	l.Receive(ctx, &teardown{})

	require.Contains(t, profV4.unreferenced, "p1")
	require.Contains(t, profV6.unreferenced, "p1")
	require.Empty(t, l.profiles)
	require.False(t, l.ready)
}
