package iptables

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleSave = `# Generated by iptables-save
*filter
:INPUT ACCEPT [0:0]
:FORWARD ACCEPT [0:0]
:OUTPUT ACCEPT [0:0]
:felix-FROM-abcd1234 - [0:0]
:felix-TO-abcd1234 - [0:0]
-A INPUT -j felix-FROM-abcd1234
-A felix-FROM-abcd1234 -s 10.0.0.0/8 -j ACCEPT
-A felix-TO-abcd1234 -m comment --comment "drop icmp" -j DROP
COMMIT
*nat
:PREROUTING ACCEPT [0:0]
:felix-nat-chain - [0:0]
COMMIT
`

func TestParseSaveOutput_OnlyRequestedTable(t *testing.T) {
	chains := ParseSaveOutput([]byte(sampleSave), "filter")

	require.True(t, chains["felix-FROM-abcd1234"])
	require.True(t, chains["felix-TO-abcd1234"])
	require.True(t, chains["INPUT"])
	require.False(t, chains["felix-nat-chain"])
	require.False(t, chains["PREROUTING"])
}

func TestParseSaveOutput_ChainWithOnlyAppendLineStillCounted(t *testing.T) {
	save := "*filter\n-A felix-FROM-x -j ACCEPT\nCOMMIT\n"

	chains := ParseSaveOutput([]byte(save), "filter")
	require.True(t, chains["felix-FROM-x"])
}

func TestFelixOwnedChains(t *testing.T) {
	chains := ParseSaveOutput([]byte(sampleSave), "filter")

	owned := FelixOwnedChains(chains, "felix-")
	require.ElementsMatch(t, []string{"felix-FROM-abcd1234", "felix-TO-abcd1234"}, owned)
}

func TestTokenizeSaveLine_HandlesQuotedComment(t *testing.T) {
	tokens, err := TokenizeSaveLine(`-A felix-TO-abcd1234 -m comment --comment "drop icmp" -j DROP`)
	require.NoError(t, err)
	require.Equal(t, []string{
		"-A", "felix-TO-abcd1234", "-m", "comment", "--comment", "drop icmp", "-j", "DROP",
	}, tokens)
}
