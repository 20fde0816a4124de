// Package iptables programs the kernel filter table's felix-managed
// chains via the iptables-restore dialect, one actor per IP family
// (spec.md §4.4).
package iptables

import "fmt"

// Family is an IP address family, v4 or v6.
type Family int

const (
	FamilyV4 Family = 4
	FamilyV6 Family = 6
)

func (f Family) restoreCmd() string {
	if f == FamilyV6 {
		return "ip6tables-restore"
	}
	return "iptables-restore"
}

func (f Family) saveCmd() string {
	if f == FamilyV6 {
		return "ip6tables-save"
	}
	return "iptables-save"
}

// ErrChainReferenced is returned by DeleteChain when another chain in the
// model still jumps to the one being deleted.
type ErrChainReferenced struct {
	Chain      string
	Dependents []string
}

func (e *ErrChainReferenced) Error() string {
	return fmt.Sprintf(
		"iptables: chain %s still referenced by %v", e.Chain, e.Dependents,
	)
}
