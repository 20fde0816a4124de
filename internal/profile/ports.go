package profile

import (
	"fmt"
	"strings"

	"github.com/projectcalico/felix-agent/internal/model"
)

// maxMultiportEntries is the largest number of port-list entries the
// kernel's multiport match accepts in one rule; a range counts as two
// entries (spec.md §4.6).
const maxMultiportEntries = 15

// PortChunk is one emittable port-match fragment: either a plain list fed
// to -m multiport, or the isolated single-port-0 rule multiport cannot
// express.
type PortChunk struct {
	Ranges []model.PortRange
	Zero   bool
}

// BuildPortChunks normalizes and chunks ports per spec.md §4.6: port 0
// (as a bare value or a range endpoint) is stripped out of every
// multiport-eligible chunk and instead isolated into its own single-entry
// chunk, since the multiport match cannot express port 0. A nil/empty
// ports list (meaning "match any port") yields no chunks at all — the
// caller omits the port match fragment entirely in that case.
func BuildPortChunks(ports []model.PortRange) []PortChunk {
	if len(ports) == 0 {
		return nil
	}

	hasZero, normalized := normalizePortList(ports)

	var chunks []PortChunk
	for _, group := range chunkByEntryCost(normalized, maxMultiportEntries) {
		chunks = append(chunks, PortChunk{Ranges: group})
	}
	if hasZero {
		chunks = append(chunks, PortChunk{Ranges: []model.PortRange{{Min: 0, Max: 0}}, Zero: true})
	}

	return chunks
}

// normalizePortList strips port 0 out of every range, reporting whether
// it was present anywhere in the input so the caller can add the isolated
// port-0 chunk. A 0:0 range disappears entirely (it named nothing but
// port 0); a 0:1 or 1:0 range collapses to the single port 1.
func normalizePortList(ports []model.PortRange) (hasZero bool, out []model.PortRange) {
	for _, r := range ports {
		lo, hi := r.Min, r.Max
		if lo > hi {
			lo, hi = hi, lo
		}

		if lo != 0 {
			out = append(out, model.PortRange{Min: lo, Max: hi})
			continue
		}

		hasZero = true
		switch {
		case hi == 0:
			// 0:0 — nothing left once port 0 is isolated.
		case hi == 1:
			out = append(out, model.PortRange{Min: 1, Max: 1})
		default:
			out = append(out, model.PortRange{Min: 1, Max: hi})
		}
	}

	return hasZero, out
}

// chunkByEntryCost greedily groups ranges so each group's total entry
// cost (a range costs 2, a single port costs 1) stays at or under max.
func chunkByEntryCost(ranges []model.PortRange, max int) [][]model.PortRange {
	var chunks [][]model.PortRange
	var current []model.PortRange
	cost := 0

	for _, r := range ranges {
		c := 1
		if !r.Single() {
			c = 2
		}

		if cost+c > max && len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			cost = 0
		}

		current = append(current, r)
		cost += c
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}

	return chunks
}

// MultiportSpec renders a chunk as the comma-separated list the
// multiport match expects, e.g. "80,443,1024:2048". A Zero chunk is not
// rendered through this: portFragment emits it as a plain port-0 match.
func (c PortChunk) MultiportSpec() string {
	parts := make([]string, 0, len(c.Ranges))
	for _, r := range c.Ranges {
		if r.Single() {
			parts = append(parts, fmt.Sprintf("%d", r.Min))
		} else {
			parts = append(parts, fmt.Sprintf("%d:%d", r.Min, r.Max))
		}
	}

	return strings.Join(parts, ",")
}
