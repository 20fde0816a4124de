package endpoint

import (
	"github.com/projectcalico/felix-agent/internal/actor"
	"github.com/projectcalico/felix-agent/internal/model"
)

// Msg is the sealed set of messages a Local actor accepts.
type Msg interface {
	actor.Message
	isLocalMsg()
}

type baseMsg struct{ actor.BaseMessage }

func (baseMsg) isLocalMsg() {}

// EndpointChanged reports the endpoint's latest record, delivered by
// internal/endpoint.Manager on every internal/watcher endpoint update
// while this Local is referenced.
type EndpointChanged struct {
	baseMsg

	Endpoint *model.Endpoint
}

func (EndpointChanged) MessageType() string { return "endpoint_changed" }

// IfaceChanged reports the observed operating-system state of the
// interface this endpoint is bound to. A nil State means the interface
// was removed or is not currently known.
type IfaceChanged struct {
	baseMsg

	State *model.IfaceState
}

func (IfaceChanged) MessageType() string { return "iface_changed" }

// retryProgram is sent to a Local's own mailbox after Config.RetryDelay
// (5s by default) following a failed ready-path programming attempt
// (spec.md §4.7 step 3).
type retryProgram struct{ baseMsg }

func (retryProgram) MessageType() string { return "retry_program" }

// teardown is sent by the owning localRef's OnUnreferenced to run full
// cleanup synchronously before the refmgr entry is forgotten.
type teardown struct{ baseMsg }

func (teardown) MessageType() string { return "teardown" }
