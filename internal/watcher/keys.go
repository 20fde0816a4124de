package watcher

import "strings"

// Key path templates exactly as spec.md §6 lists them. Wildcard segments
// are written "<name>" to match internal/dispatch.Trie's pattern syntax.
const (
	readyKey = "/calico/v1/Ready"

	configGlobalPrefix = "/calico/v1/config/"
	hostPrefixFmt       = "/calico/v1/host/%s/"
	hostConfigPrefixFmt = "/calico/v1/host/%s/config/"

	endpointPattern  = "/calico/v1/host/<host>/workload/<orch>/<wl>/endpoint/<ep>"
	hostIPPattern    = "/calico/v1/host/<host>/bird_ip"
	tagsPattern      = "/calico/v1/policy/profile/<prof>/tags"
	rulesPattern     = "/calico/v1/policy/profile/<prof>/rules"
	poolPattern      = "/calico/v1/ipam/v4/pool/<cidr>"

	policyProfilePrefix = "/calico/v1/policy/profile/"
	ipamPoolPrefix      = "/calico/v1/ipam/v4/pool/"
	hostPrefix          = "/calico/v1/host/"
)

// decodeCIDRSegment reverses the "-"-for-"/" substitution a pool key's final
// segment applies to its CIDR, since "/" cannot appear inside a store path
// segment. The watcher never writes a pool key, only decodes ones the IPAM
// controller publishes.
func decodeCIDRSegment(seg string) string {
	return strings.Replace(seg, "-", "/", 1)
}

// classifiedKind names which leaf kind a SNAPSHOT-time key was classified
// as, per spec.md §4.9's "classify each leaf by regex".
type classifiedKind int

const (
	kindUnknown classifiedKind = iota
	kindReady
	kindConfigGlobal
	kindConfigHost
	kindHostIP
	kindEndpoint
	kindTags
	kindRules
	kindPool
	kindStatus
)

// classified is the result of classifying one snapshot leaf key.
type classified struct {
	kind classifiedKind

	host, orch, wl, ep string
	param              string
	profile            string
	cidr               string
}

// classify recognizes every leaf kind spec.md §6 lists. A key this agent
// never needs to act on directly (e.g. its own status writes read back in
// a snapshot) classifies as kindStatus and is ignored by the caller.
func classify(key string) classified {
	if key == readyKey {
		return classified{kind: kindReady}
	}

	if param, ok := strings.CutPrefix(key, configGlobalPrefix); ok && param != "" {
		return classified{kind: kindConfigGlobal, param: param}
	}

	if rest, ok := strings.CutPrefix(key, hostPrefix); ok {
		host, tail, hasTail := strings.Cut(rest, "/")
		if host == "" {
			return classified{}
		}
		if !hasTail {
			return classified{}
		}

		if tail == "bird_ip" {
			return classified{kind: kindHostIP, host: host}
		}
		if tail == "status" || strings.HasPrefix(tail, "status/") {
			return classified{kind: kindStatus, host: host}
		}
		if param, ok := strings.CutPrefix(tail, "config/"); ok && param != "" {
			return classified{kind: kindConfigHost, host: host, param: param}
		}
		if orchWl, ok := strings.CutPrefix(tail, "workload/"); ok {
			parts := strings.SplitN(orchWl, "/", 4)
			if len(parts) == 4 && parts[2] == "endpoint" {
				return classified{kind: kindEndpoint, host: host, orch: parts[0], wl: parts[1], ep: parts[3]}
			}
		}

		return classified{}
	}

	if prof, ok := strings.CutPrefix(key, policyProfilePrefix); ok {
		p, leaf, hasLeaf := strings.Cut(prof, "/")
		if hasLeaf && p != "" {
			switch leaf {
			case "tags":
				return classified{kind: kindTags, profile: p}
			case "rules":
				return classified{kind: kindRules, profile: p}
			}
		}
		return classified{}
	}

	if cidrSeg, ok := strings.CutPrefix(key, ipamPoolPrefix); ok && cidrSeg != "" {
		return classified{kind: kindPool, cidr: decodeCIDRSegment(cidrSeg)}
	}

	return classified{}
}
