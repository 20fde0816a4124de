package iptables

import (
	"bufio"
	"bytes"
	"regexp"
	"strings"

	shellquote "github.com/kballard/go-shellquote"
)

// chainForwardRefRegexp matches an iptables-save forward-declaration line,
// e.g. ":felix-FROM-abcd1234 - [0:0]", capturing the chain name.
var chainForwardRefRegexp = regexp.MustCompile(`^:(\S+)`)

// appendRegexp matches an iptables-save rule-append line, e.g.
// "-A felix-FROM-abcd1234 -j ACCEPT", capturing the owning chain name.
var appendRegexp = regexp.MustCompile(`^-A (\S+)`)

// tableHeaderRegexp matches an iptables-save table header, e.g. "*filter".
var tableHeaderRegexp = regexp.MustCompile(`^\*(\S+)`)

// ParseSaveOutput scans iptables-save (or ip6tables-save) output for
// exactly one table and returns the set of chain names it declares,
// whether via a forward reference or because at least one rule is
// appended to it. Rule bodies are not parsed — only chain membership, per spec.md
// §4.4 ("Rule bodies are not parsed, only membership").
func ParseSaveOutput(data []byte, table string) map[string]bool {
	chains := make(map[string]bool)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	inTable := false

	for scanner.Scan() {
		line := scanner.Text()

		if m := tableHeaderRegexp.FindStringSubmatch(line); m != nil {
			inTable = m[1] == table
			continue
		}
		if !inTable {
			continue
		}
		if line == "COMMIT" {
			inTable = false
			continue
		}

		if m := chainForwardRefRegexp.FindStringSubmatch(line); m != nil {
			chains[m[1]] = true
			continue
		}
		if m := appendRegexp.FindStringSubmatch(line); m != nil {
			chains[m[1]] = true
			continue
		}
	}

	return chains
}

// TokenizeSaveLine splits one iptables-save rule line into shell-style
// tokens, correctly handling quoted --comment text. Used when a caller
// needs the rule body itself (e.g. diagnostics), not just chain
// membership.
func TokenizeSaveLine(line string) ([]string, error) {
	return shellquote.Split(strings.TrimSpace(line))
}

// FelixOwnedChains filters chains to those starting with prefix.
func FelixOwnedChains(chains map[string]bool, prefix string) []string {
	var out []string
	for name := range chains {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}

	return out
}
