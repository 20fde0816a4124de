package iptables

// model is the in-memory picture of the chains this Programmer owns,
// kept in sync with the kernel after every successful commit so the next
// batch only has to describe what changed.
type model struct {
	// rules holds the last-written fragments for every chain this
	// Programmer has created, keyed by chain name.
	rules map[string][]string

	// dependents maps a chain name to the set of chains that jump to it,
	// the reverse of the caller-supplied dependency map. DeleteChain
	// consults this to refuse deleting a chain still in use.
	dependents map[string]map[string]bool

	// known is the set of felix-prefixed chain names observed to exist
	// in the kernel, populated at startup by parsing save output and
	// kept current after every commit.
	known map[string]bool
}

func newModel() *model {
	return &model{
		rules:      make(map[string][]string),
		dependents: make(map[string]map[string]bool),
		known:      make(map[string]bool),
	}
}

// addDependency records that fromChain jumps to toChain.
func (m *model) addDependency(fromChain, toChain string) {
	if m.dependents[toChain] == nil {
		m.dependents[toChain] = make(map[string]bool)
	}
	m.dependents[toChain][fromChain] = true
}

// clearDependenciesFrom removes every dependency edge originating at
// fromChain, used before re-adding the batch's current dependency set so
// stale edges from a previous batch don't linger.
func (m *model) clearDependenciesFrom(fromChain string) {
	for _, deps := range m.dependents {
		delete(deps, fromChain)
	}
}

func (m *model) dependentsOf(chain string) []string {
	var out []string
	for name := range m.dependents[chain] {
		out = append(out, name)
	}

	return out
}
