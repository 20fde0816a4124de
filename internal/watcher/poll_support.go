package watcher

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/projectcalico/felix-agent/internal/dispatch"
	"github.com/projectcalico/felix-agent/internal/store"
)

// trieType names the concrete trie poll routes through, aliased so
// watcher.go doesn't need a second import of internal/dispatch.
type trieType = dispatch.Trie

func (h *trieHolder) ensure(interfacePrefix string) {
	if h.built && h.interfacePrefix == interfacePrefix {
		return
	}
	h.t = buildTrie(h.targets, interfacePrefix, h.log)
	h.interfacePrefix = interfacePrefix
	h.built = true
}

func (h *trieHolder) dispatch(ctx context.Context, action dispatch.Action, key string, value []byte) error {
	return h.t.Dispatch(ctx, action, key, value)
}

func actionFor(ev store.WatchEvent) dispatch.Action {
	if ev.IsDelete {
		return dispatch.ActionDelete
	}
	return dispatch.ActionSet
}

// resyncCriticalPrefixes are the directory roots whose outright deletion
// means the incremental stream can no longer be trusted to reconstruct
// state (spec.md §4.9: "directory deletes at resync-key prefixes ...
// abort POLL and re-enter SNAPSHOT").
var resyncCriticalPrefixes = []string{
	strings.TrimSuffix(policyProfilePrefix, "/"),
	strings.TrimSuffix(hostPrefix, "/"),
	strings.TrimSuffix(ipamPoolPrefix, "/"),
}

func isResyncCriticalDelete(key string) bool {
	trimmed := strings.TrimSuffix(key, "/")
	for _, p := range resyncCriticalPrefixes {
		if trimmed == p {
			return true
		}
	}
	return false
}

// newJitteredTimer returns a timer firing after d ± 20% (spec.md §4.9's
// periodic resync task). A zero or negative d (ResyncIntervalSecs == 0)
// disables the timer by never firing it.
func newJitteredTimer(d time.Duration) *time.Timer {
	if d <= 0 {
		return time.NewTimer(time.Duration(1<<63 - 1))
	}

	jitter := time.Duration(float64(d) * (rand.Float64()*0.4 - 0.2))
	return time.NewTimer(d + jitter)
}
