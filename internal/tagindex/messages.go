package tagindex

import (
	"github.com/projectcalico/felix-agent/internal/actor"
	"github.com/projectcalico/felix-agent/internal/model"
)

// Msg is the sealed set of messages internal/tagindex.Manager accepts.
type Msg interface {
	actor.Message
	isTagIndexMsg()
}

type baseMsg struct{ actor.BaseMessage }

func (baseMsg) isTagIndexMsg() {}

// TagsUpdate reports profile's current tag set. A nil Tags with Deleted
// set to true means the profile record itself was removed.
type TagsUpdate struct {
	baseMsg

	Profile string
	Tags    []model.Tag
	Deleted bool
}

func (TagsUpdate) MessageType() string { return "tags_update" }

// EndpointUpdate reports id's current record. A nil Endpoint means the
// endpoint was removed.
type EndpointUpdate struct {
	baseMsg

	ID       model.EndpointID
	Endpoint *model.Endpoint
}

func (EndpointUpdate) MessageType() string { return "endpoint_update" }

// ApplySnapshot replaces the manager's entire view of profile tags and
// endpoints in one step, used when the watcher delivers a fresh
// from-scratch snapshot (spec.md §4.9).
type ApplySnapshot struct {
	baseMsg

	TagsByProfile map[string][]model.Tag
	Endpoints     map[model.EndpointID]*model.Endpoint
}

func (ApplySnapshot) MessageType() string { return "apply_snapshot" }

// Cleanup asks the manager to destroy any kernel address set bearing its
// prefix that is not currently live or stopping, reconciling away sets
// left behind by a previous run (spec.md §4.3's startup sweep).
type Cleanup struct {
	baseMsg
}

func (Cleanup) MessageType() string { return "cleanup" }
