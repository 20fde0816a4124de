package profile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/projectcalico/felix-agent/internal/ipset"
	"github.com/projectcalico/felix-agent/internal/model"
	"github.com/projectcalico/felix-agent/internal/tagindex"
)

type fakeProgrammer struct {
	updates map[string][]string
	deleted []string
}

func (f *fakeProgrammer) ApplyUpdates(ctx context.Context, updates map[string][]string, deps map[string]map[string]bool) error {
	if f.updates == nil {
		f.updates = make(map[string][]string)
	}
	for k, v := range updates {
		f.updates[k] = v
	}
	return nil
}

func (f *fakeProgrammer) DeleteChain(ctx context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

func testManagerWith(prog ChainProgrammer) *Manager {
	sets := tagindex.NewSetManager("felix-", ipset.FamilyV4, nil)
	return NewManager(ipset.FamilyV4, "felix-", prog, sets, DefaultTargets, nil)
}

// Resolves the Open Question: a profile referenced before its rules
// arrive gets an empty chain pair immediately.
func TestProfileReferenced_CreatesEmptyStubChain(t *testing.T) {
	prog := &fakeProgrammer{}
	m := testManagerWith(prog)
	ctx := context.Background()

	m.Receive(ctx, &ProfileReferenced{ID: "p1"})
	m.FinishBatch(ctx)

	inName := ChainName("felix-", "p1", DirectionInbound)
	require.Contains(t, prog.updates, inName)
	require.Equal(t, []string{sentinelMarkFragment}, prog.updates[inName])
}

func TestProfileUnreferenced_RetiresStubWithNoContent(t *testing.T) {
	prog := &fakeProgrammer{}
	m := testManagerWith(prog)
	ctx := context.Background()

	m.Receive(ctx, &ProfileReferenced{ID: "p1"})
	m.FinishBatch(ctx)

	m.Receive(ctx, &ProfileUnreferenced{ID: "p1"})
	m.FinishBatch(ctx)

	require.Contains(t, prog.deleted, ChainName("felix-", "p1", DirectionInbound))
	require.Contains(t, prog.deleted, ChainName("felix-", "p1", DirectionOutbound))
}

func TestProfileUnreferenced_KeepsChainIfContentArrivedMeanwhile(t *testing.T) {
	prog := &fakeProgrammer{}
	m := testManagerWith(prog)
	ctx := context.Background()

	m.Receive(ctx, &ProfileReferenced{ID: "p1"})
	m.Receive(ctx, &ProfileUpdate{ID: "p1", Profile: &model.Profile{
		ID: "p1",
		InboundRules: []model.Rule{{
			Action: model.ActionAllow, ICMPType: -1, ICMPCode: -1,
		}},
	}})
	m.FinishBatch(ctx)

	m.Receive(ctx, &ProfileUnreferenced{ID: "p1"})
	m.FinishBatch(ctx)

	require.NotContains(t, prog.deleted, ChainName("felix-", "p1", DirectionInbound))
}

func TestApplySnapshot_RetiresProfileWithContentButKeepsReferencedStub(t *testing.T) {
	prog := &fakeProgrammer{}
	m := testManagerWith(prog)
	ctx := context.Background()

	m.Receive(ctx, &ProfileUpdate{ID: "withContent", Profile: &model.Profile{ID: "withContent"}})
	m.Receive(ctx, &ProfileReferenced{ID: "referencedOnly"})
	m.FinishBatch(ctx)

	m.Receive(ctx, &ApplySnapshot{Profiles: map[string]*model.Profile{}})
	m.FinishBatch(ctx)

	require.Contains(t, prog.deleted, ChainName("felix-", "withContent", DirectionInbound))
	require.NotContains(t, prog.deleted, ChainName("felix-", "referencedOnly", DirectionInbound))
}
