package tagindex

import (
	"context"
	"net"

	"github.com/projectcalico/felix-agent/internal/ipset"
	"github.com/projectcalico/felix-agent/internal/logging"
	"github.com/projectcalico/felix-agent/internal/model"
	"github.com/projectcalico/felix-agent/internal/refmgr"
)

// AddressSet is the refmgr.Object wrapping one tag's kernel ipset for one
// IP family. Its lifecycle is driven entirely by internal/refmgr: created
// and started on the first Incref (normally from internal/profile, the
// first time a rule references the tag), destroyed once the last
// reference is released.
type AddressSet struct {
	name string
	prog *ipset.Programmer
	log  logging.Logger

	readyCh chan struct{}
	doneCh  chan struct{}
}

func newAddressSet(name string, family ipset.Family, log logging.Logger) *AddressSet {
	return &AddressSet{
		name:    name,
		prog:    ipset.NewProgrammer(name, family),
		log:     log,
		readyCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Name returns the kernel ipset name this instance programs.
func (a *AddressSet) Name() string { return a.name }

// Start implements refmgr.Object.
func (a *AddressSet) Start(ctx context.Context) {
	if err := a.prog.EnsureExists(); err != nil && a.log != nil {
		a.log.Errorf("tagindex: creating address set %s: %v", a.name, err)
	}
	close(a.readyCh)
}

// Ready implements refmgr.Object.
func (a *AddressSet) Ready() <-chan struct{} { return a.readyCh }

// OnUnreferenced implements refmgr.Object.
func (a *AddressSet) OnUnreferenced(ctx context.Context) {
	if err := a.prog.Delete(); err != nil && a.log != nil {
		a.log.Errorf("tagindex: destroying address set %s: %v", a.name, err)
	}
	close(a.doneCh)
}

// Done implements refmgr.Object.
func (a *AddressSet) Done() <-chan struct{} { return a.doneCh }

// ReplaceMembers atomically rewrites this set's membership.
func (a *AddressSet) ReplaceMembers(ctx context.Context, members []net.IP) error {
	return a.prog.ReplaceMembers(ctx, members)
}

// SetManager owns the lifecycle of every tag's address set for one IP
// family. internal/profile increfs/decrefs tags as rules start/stop
// referencing them; the tag index's own actor calls Peek to program
// member updates into whichever sets are currently live.
type SetManager = refmgr.Manager[model.Tag, *AddressSet]

// NewSetManager constructs a SetManager for one IP family, naming each
// tag's set deterministically via SetName.
func NewSetManager(prefix string, family ipset.Family, log logging.Logger) *SetManager {
	return refmgr.NewManager(func(tag model.Tag) *AddressSet {
		return newAddressSet(SetName(prefix, family, tag), family, log)
	})
}
