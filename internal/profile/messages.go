package profile

import (
	"github.com/projectcalico/felix-agent/internal/actor"
	"github.com/projectcalico/felix-agent/internal/model"
)

// Msg is the sealed set of messages internal/profile.Manager accepts.
type Msg interface {
	actor.Message
	isProfileMsg()
}

type baseMsg struct{ actor.BaseMessage }

func (baseMsg) isProfileMsg() {}

// ProfileUpdate reports id's current rule set. A nil Profile means the
// profile record was removed; its chains and tag references are torn
// down unless something still holds a reference on id (spec.md §9's
// Open Question: "profile chains must be creatable before their rules
// are known" — a referenced-but-contentless profile keeps an empty
// chain pair rather than disappearing).
type ProfileUpdate struct {
	baseMsg

	ID      string
	Profile *model.Profile
}

func (ProfileUpdate) MessageType() string { return "profile_update" }

// ApplySnapshot replaces the manager's entire view of profile rules in
// one step, used when the watcher delivers a fresh from-scratch snapshot
// (spec.md §4.9). Any profile id previously tracked but absent from the
// snapshot is retired exactly as a ProfileUpdate with a nil Profile
// would retire it.
type ApplySnapshot struct {
	baseMsg

	Profiles map[string]*model.Profile
}

func (ApplySnapshot) MessageType() string { return "apply_snapshot" }

// ProfileReferenced is sent by internal/endpoint when a local endpoint
// first starts holding profileID (spec.md §4.7 step 1's "incref new").
// If no ProfileUpdate has ever supplied real rules for profileID, this
// creates an empty stub profile (chains exist, containing only the
// terminal sentinel fragment) so the endpoint's chains always have a
// chain to jump to, per spec.md §9's Open Question decision.
type ProfileReferenced struct {
	baseMsg

	ID string
}

func (ProfileReferenced) MessageType() string { return "profile_referenced" }

// ProfileUnreferenced is sent when a local endpoint stops holding
// profileID ("decref old"). A profile with no remaining reference and no
// real rules from the store is fully retired.
type ProfileUnreferenced struct {
	baseMsg

	ID string
}

func (ProfileUnreferenced) MessageType() string { return "profile_unreferenced" }
