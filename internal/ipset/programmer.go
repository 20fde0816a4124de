// Package ipset programs kernel IP sets used to materialize tag membership
// as atomically-swappable address sets, one instance per (tag, IP family)
// (spec.md §4.3).
package ipset

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"

	"github.com/nadoo/ipset"
)

// Family is an IP address family, v4 or v6.
type Family int

const (
	FamilyV4 Family = 4
	FamilyV6 Family = 6
)

func (f Family) hashFamily() string {
	if f == FamilyV6 {
		return "inet6"
	}
	return "inet"
}

// Programmer owns one named kernel IP set plus its parallel "temp" set,
// for a single IP family. It is not safe for concurrent use — callers
// serialize access to one Programmer the same way every dataplane
// programmer in this repository is driven from a single actor goroutine.
type Programmer struct {
	name     string
	tempName string
	family   Family

	exists bool
}

// NewProgrammer returns a Programmer for the named set. Neither set name
// is created in the kernel until EnsureExists or ReplaceMembers is called.
func NewProgrammer(name string, family Family) *Programmer {
	return &Programmer{
		name:     name,
		tempName: name + "-tmp",
		family:   family,
	}
}

// EnsureExists idempotently creates both the live and temp sets if they do
// not already exist.
func (p *Programmer) EnsureExists() error {
	if err := ipset.Create(p.name, "hash:ip", "family", p.family.hashFamily()); err != nil {
		return fmt.Errorf("ipset: create %s: %w", p.name, err)
	}
	if err := ipset.Create(p.tempName, "hash:ip", "family", p.family.hashFamily()); err != nil {
		return fmt.Errorf("ipset: create %s: %w", p.tempName, err)
	}

	p.exists = true
	return nil
}

// Delete best-effort destroys both the live and temp sets. Errors from an
// already-absent set are swallowed; any other failure is returned.
func (p *Programmer) Delete() error {
	_ = ipset.Destroy(p.tempName)
	if err := ipset.Destroy(p.name); err != nil {
		return fmt.Errorf("ipset: destroy %s: %w", p.name, err)
	}

	p.exists = false
	return nil
}

// ReplaceMembers atomically rewrites the live set to contain exactly the
// given addresses. The whole operation — ensure-exists, flush temp,
// populate temp, swap, destroy temp — is submitted as a single script to
// `ipset restore` so a concurrent reader of the live set only ever
// observes the pre- or post-rewrite membership, never a partial union
// (spec.md's I5/P7 analogue for address sets).
func (p *Programmer) ReplaceMembers(ctx context.Context, members []net.IP) error {
	script := p.buildRestoreScript(members)

	if err := p.restore(ctx, script); err != nil {
		return fmt.Errorf("ipset: replace_members %s: %w", p.name, err)
	}

	p.exists = true
	return nil
}

// buildRestoreScript renders the ensure/flush/populate/swap/destroy
// sequence for ReplaceMembers. Split out from ReplaceMembers so the
// script's contents can be asserted on without invoking the ipset binary.
func (p *Programmer) buildRestoreScript(members []net.IP) []byte {
	var script bytes.Buffer

	fmt.Fprintf(&script, "create %s hash:ip family %s -exist\n", p.name, p.family.hashFamily())
	fmt.Fprintf(&script, "create %s hash:ip family %s -exist\n", p.tempName, p.family.hashFamily())
	fmt.Fprintf(&script, "flush %s\n", p.tempName)

	for _, addr := range members {
		fmt.Fprintf(&script, "add %s %s\n", p.tempName, addr.String())
	}

	fmt.Fprintf(&script, "swap %s %s\n", p.name, p.tempName)
	fmt.Fprintf(&script, "destroy %s\n", p.tempName)

	return script.Bytes()
}

// ListNames returns every ipset name currently present in the kernel,
// used by the tag index's startup sweep to find sets a previous run left
// behind (spec.md §4.3/§4.5's cleanup()).
func ListNames(ctx context.Context) ([]string, error) {
	out, err := exec.CommandContext(ctx, "ipset", "list", "-name").Output()
	if err != nil {
		return nil, fmt.Errorf("ipset: list -name: %w", err)
	}

	var names []string
	for _, line := range bytes.Split(out, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		names = append(names, string(line))
	}

	return names, nil
}

// Destroy destroys a named set by name, ignoring an already-absent set.
func Destroy(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, "ipset", "destroy", name)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if bytes.Contains(stderr.Bytes(), []byte("does not exist")) {
			return nil
		}
		return fmt.Errorf("ipset: destroy %s: %w: %s", name, err, stderr.String())
	}

	return nil
}

// restore pipes script to `ipset restore`, the atomic batch-apply dialect
// analogous to iptables-restore (spec.md §6). The nadoo/ipset package
// exposes single-operation calls only, with no batch/restore entry point,
// so the transactional multi-step commit this method guarantees is built
// directly against the `ipset restore` command line.
func (p *Programmer) restore(ctx context.Context, script []byte) error {
	cmd := exec.CommandContext(ctx, "ipset", "restore")
	cmd.Stdin = bytes.NewReader(script)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, stderr.String())
	}

	return nil
}
