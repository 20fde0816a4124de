package tagindex

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/projectcalico/felix-agent/internal/ipset"
	"github.com/projectcalico/felix-agent/internal/model"
)

// maxIPSetNameLen is IPSET_MAXNAMELEN minus the trailing NUL the kernel
// reserves.
const maxIPSetNameLen = 31

// SetName deterministically derives the kernel ipset name for tag in the
// given family, stable across restarts so a re-learned set is recognized
// as the same one (spec.md §4.6's "deterministic chain/set naming").
// Callers that only need the name to build an iptables match fragment
// (internal/profile) call this directly rather than going through a
// SetManager instance.
func SetName(prefix string, family ipset.Family, tag model.Tag) string {
	sum := sha256.Sum256([]byte(tag))
	hash := hex.EncodeToString(sum[:])[:16]

	fam := "4"
	if family == ipset.FamilyV6 {
		fam = "6"
	}

	name := fmt.Sprintf("%st%s-%s", prefix, fam, hash)
	if len(name) > maxIPSetNameLen {
		name = name[:maxIPSetNameLen]
	}

	return name
}
