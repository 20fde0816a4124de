package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/projectcalico/felix-agent/internal/actor"
	"github.com/projectcalico/felix-agent/internal/dispatch"
	"github.com/projectcalico/felix-agent/internal/logging"
	"github.com/projectcalico/felix-agent/internal/model"
	"github.com/projectcalico/felix-agent/internal/profile"
	"github.com/projectcalico/felix-agent/internal/tagindex"
)

// Targets bundles every downstream consumer the watcher feeds. One
// instance of each tag/profile manager exists per IP family (spec.md
// §4.5/§4.6), so every endpoint/tag/profile event is told to both.
type Targets struct {
	TagIndexV4 actor.TellOnlyRef[tagindex.Msg]
	TagIndexV6 actor.TellOnlyRef[tagindex.Msg]

	ProfileV4 actor.TellOnlyRef[profile.Msg]
	ProfileV6 actor.TellOnlyRef[profile.Msg]

	Endpoints EndpointSink
}

func (t Targets) tellTagIndex(ctx context.Context, msg tagindex.Msg) {
	t.TagIndexV4.Tell(ctx, msg)
	t.TagIndexV6.Tell(ctx, msg)
}

func (t Targets) tellProfile(ctx context.Context, msg profile.Msg) {
	t.ProfileV4.Tell(ctx, msg)
	t.ProfileV6.Tell(ctx, msg)
}

// buildTrie registers one handler pair per incremental key pattern
// spec.md §6 lists (excluding config and the ready flag, which only ever
// change between restarts and are re-read, not watched — spec.md §9: "no
// dynamic reconfiguration"). Used for routing during the POLL state;
// SNAPSHOT bypasses the trie entirely in favor of classify (spec.md
// §4.9's "recursive read ... classify each leaf").
func buildTrie(targets Targets, interfacePrefix string, log logging.Logger) *dispatch.Trie {
	t := dispatch.New()

	t.Handle(endpointPattern,
		func(ctx context.Context, key string, value []byte, c dispatch.Captures) error {
			id := model.EndpointID{Host: c["host"], Orchestrator: c["orch"], Workload: c["wl"], Endpoint: c["ep"]}

			ep, err := model.DecodeEndpoint(id, value, interfacePrefix)
			if err != nil {
				if log != nil {
					log.Warnf("watcher: invalid endpoint record at %s, treating as deleted: %v", key, err)
				}
				ep = nil
			}

			targets.tellTagIndex(ctx, &tagindex.EndpointUpdate{ID: id, Endpoint: ep})
			targets.Endpoints.OnEndpointUpdate(id, ep)
			return nil
		},
		func(ctx context.Context, key string, c dispatch.Captures) error {
			id := model.EndpointID{Host: c["host"], Orchestrator: c["orch"], Workload: c["wl"], Endpoint: c["ep"]}
			targets.tellTagIndex(ctx, &tagindex.EndpointUpdate{ID: id, Endpoint: nil})
			targets.Endpoints.OnEndpointUpdate(id, nil)
			return nil
		},
	)

	t.Handle(tagsPattern,
		func(ctx context.Context, key string, value []byte, c dispatch.Captures) error {
			var raw []string
			if err := json.Unmarshal(value, &raw); err != nil {
				if log != nil {
					log.Warnf("watcher: invalid tags record at %s, treating as deleted: %v", key, err)
				}
				targets.tellTagIndex(ctx, &tagindex.TagsUpdate{Profile: c["prof"], Deleted: true})
				return nil
			}

			tags := make([]model.Tag, len(raw))
			for i, s := range raw {
				tags[i] = model.Tag(s)
			}

			targets.tellTagIndex(ctx, &tagindex.TagsUpdate{Profile: c["prof"], Tags: tags})
			return nil
		},
		func(ctx context.Context, key string, c dispatch.Captures) error {
			targets.tellTagIndex(ctx, &tagindex.TagsUpdate{Profile: c["prof"], Deleted: true})
			return nil
		},
	)

	t.Handle(rulesPattern,
		func(ctx context.Context, key string, value []byte, c dispatch.Captures) error {
			p, err := decodeProfileRules(c["prof"], value)
			if err != nil {
				if log != nil {
					log.Warnf("watcher: invalid rules record at %s, treating as deleted: %v", key, err)
				}
				targets.tellProfile(ctx, &profile.ProfileUpdate{ID: c["prof"], Profile: nil})
				return nil
			}

			targets.tellProfile(ctx, &profile.ProfileUpdate{ID: c["prof"], Profile: p})
			return nil
		},
		func(ctx context.Context, key string, c dispatch.Captures) error {
			targets.tellProfile(ctx, &profile.ProfileUpdate{ID: c["prof"], Profile: nil})
			return nil
		},
	)

	t.Handle(hostIPPattern,
		func(ctx context.Context, key string, value []byte, c dispatch.Captures) error {
			ip := net.ParseIP(string(value))
			if ip == nil && log != nil {
				log.Warnf("watcher: invalid bird_ip at %s: %q", key, value)
			}
			targets.Endpoints.OnHostIPUpdate(c["host"], ip)
			return nil
		},
		func(ctx context.Context, key string, c dispatch.Captures) error {
			targets.Endpoints.OnHostIPUpdate(c["host"], nil)
			return nil
		},
	)

	t.Handle(poolPattern,
		func(ctx context.Context, key string, value []byte, c dispatch.Captures) error {
			pool, err := model.DecodePool(value)
			if err != nil {
				if log != nil {
					log.Warnf("watcher: invalid pool record at %s, treating as deleted: %v", key, err)
				}
				targets.Endpoints.OnPoolUpdate(decodeCIDRSegment(c["cidr"]), nil)
				return nil
			}
			targets.Endpoints.OnPoolUpdate(decodeCIDRSegment(c["cidr"]), pool)
			return nil
		},
		func(ctx context.Context, key string, c dispatch.Captures) error {
			targets.Endpoints.OnPoolUpdate(decodeCIDRSegment(c["cidr"]), nil)
			return nil
		},
	)

	return t
}

func decodeProfileRules(id string, raw []byte) (*model.Profile, error) {
	var wire model.RulesJSON
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decoding rules for %s: %w", id, err)
	}

	p := &model.Profile{ID: id}
	for _, r := range wire.InboundRules {
		p.InboundRules = append(p.InboundRules, model.DecodeRuleOrInvalid(r))
	}
	for _, r := range wire.OutboundRules {
		p.OutboundRules = append(p.OutboundRules, model.DecodeRuleOrInvalid(r))
	}

	return p, nil
}
