package iptables

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testProgrammer() *Programmer {
	return &Programmer{
		table:         "filter",
		family:        FamilyV4,
		prefix:        "felix-",
		m:             newModel(),
		startupChains: make(map[string]bool),
		claimed:       make(map[string]bool),
	}
}

func TestBuildRestoreScript_UpdatesAndStubs(t *testing.T) {
	p := testProgrammer()

	updates := map[string][]string{
		"felix-FROM-abcd": {"-s 10.0.0.0/8 -j ACCEPT", "-j DROP"},
	}
	stubs := map[string]bool{"felix-TO-abcd": true}

	script := string(p.buildRestoreScript(updates, stubs))
	lines := strings.Split(strings.TrimSpace(script), "\n")

	require.Equal(t, "*filter", lines[0])
	require.Contains(t, script, ":felix-FROM-abcd - [0:0]")
	require.Contains(t, script, "-F felix-FROM-abcd")
	require.Contains(t, script, "-A felix-FROM-abcd -s 10.0.0.0/8 -j ACCEPT")
	require.Contains(t, script, "-A felix-FROM-abcd -j DROP")
	require.Contains(t, script, ":felix-TO-abcd - [0:0]")
	require.True(t, strings.HasSuffix(script, "COMMIT\n"))
}

func TestStubChains_SkipsKnownAndUpdatedChains(t *testing.T) {
	p := testProgrammer()
	p.m.known["felix-already-exists"] = true

	updates := map[string][]string{"felix-in-updates": {"-j ACCEPT"}}
	deps := map[string]map[string]bool{
		"felix-in-updates": {
			"felix-already-exists": true,
			"felix-new-stub":       true,
		},
	}

	stubs := p.stubChains(updates, deps)
	require.Len(t, stubs, 1)
	require.True(t, stubs["felix-new-stub"])
}

func TestDeleteChain_RefusesWhileReferenced(t *testing.T) {
	p := testProgrammer()
	p.m.addDependency("felix-FROM-abcd", "felix-TO-abcd")

	err := p.DeleteChain(nil, "felix-TO-abcd")
	require.Error(t, err)

	var refErr *ErrChainReferenced
	require.ErrorAs(t, err, &refErr)
	require.Equal(t, "felix-TO-abcd", refErr.Chain)
	require.Contains(t, refErr.Dependents, "felix-FROM-abcd")
}

func TestClearDependenciesFrom_ClearsStaleDependencyEdges(t *testing.T) {
	p := testProgrammer()
	p.m.addDependency("felix-chain-a", "felix-chain-b")

	// felix-chain-a no longer depends on felix-chain-b; the dependency
	// map it supplies this batch is empty for that chain.
	p.m.clearDependenciesFrom("felix-chain-a")

	require.Empty(t, p.m.dependentsOf("felix-chain-b"))
}

func TestOrphanedChains_ExcludesClaimed(t *testing.T) {
	p := testProgrammer()
	p.startupChains["felix-old-a"] = true
	p.startupChains["felix-old-b"] = true
	p.claimed["felix-old-a"] = true

	require.Equal(t, []string{"felix-old-b"}, p.orphanedChains())
}

func TestClaimedNames_IncludesUpdatesAndDependencyEndpoints(t *testing.T) {
	claimed := claimedNames(
		map[string][]string{"felix-from": {"-j ACCEPT"}},
		map[string]map[string]bool{"felix-from": {"felix-to": true}},
	)

	require.True(t, claimed["felix-from"])
	require.True(t, claimed["felix-to"])
}

func TestReapOrphans_NoOrphansIsNoop(t *testing.T) {
	p := testProgrammer()
	require.NoError(t, p.ReapOrphans(nil))
}

func TestReapOrphans_LeavesStillReferencedChainForNextCall(t *testing.T) {
	p := testProgrammer()
	p.startupChains["felix-TO-abcd"] = true
	p.m.addDependency("felix-FROM-abcd", "felix-TO-abcd")

	err := p.ReapOrphans(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "felix-TO-abcd")
}

func TestNameHasPrefix(t *testing.T) {
	require.True(t, nameHasPrefix("felix-FROM-x", "felix-"))
	require.False(t, nameHasPrefix("INPUT", "felix-"))
	require.False(t, nameHasPrefix("fel", "felix-"))
}
