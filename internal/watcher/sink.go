package watcher

import (
	"net"

	"github.com/projectcalico/felix-agent/internal/model"
)

// EndpointSink is the subset of internal/endpoint.Manager the watcher
// drives directly (spec.md §4.7's "fed interface events and endpoint
// events"). internal/endpoint.Manager is a plain synchronous struct, not
// an actor, so these calls run on the watcher's own goroutine; Manager
// implementations must not block.
type EndpointSink interface {
	OnEndpointUpdate(id model.EndpointID, ep *model.Endpoint)

	// OnEndpointSnapshot replaces the sink's whole view of endpoints in
	// one step, retiring any id previously tracked but absent from the
	// snapshot, mirroring internal/tagindex and internal/profile's
	// ApplySnapshot (spec.md §4.9).
	OnEndpointSnapshot(endpoints map[model.EndpointID]*model.Endpoint)

	// OnHostIPUpdate records the BGP-speaker IP published at
	// host/{host}/bird_ip (spec.md §12's supplemented bird_ip feature).
	// A nil ip means the key was deleted.
	OnHostIPUpdate(host string, ip net.IP)

	// OnPoolUpdate records a change to one IPAM pool's masquerade policy
	// (spec.md §12's supplemented pool cache). A nil pool means the key
	// was deleted.
	OnPoolUpdate(cidr string, pool *model.IPAMPool)
}
