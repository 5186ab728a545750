// Package agent defines bounded-context request handlers. An Agent is plain
// data: an id, a persona, a declared set of allowed capabilities and a
// pluggable decision policy. One generic Executor interprets every agent, so
// per-agent behavior is a value, never a subclass.
//
// The decision of what to do with a message is delegated to the Policy; the
// executor only enforces the calling contract and the allowed-capability
// invariant. An agent invoking a capability outside its declared set is an
// integrity fault, not a user-facing error.
package agent

import (
	"context"

	"github.com/taskmesh/taskmesh/capability"
	"github.com/taskmesh/taskmesh/core"
)

// Agent describes one bounded-context handler. Agents are registered with the
// router and interpreted by the Executor.
type Agent struct {
	// ID is the unique agent identifier.
	ID string
	// Description is a short routing hint shown in status output.
	Description string
	// Persona is the system instruction handed to the decision policy.
	Persona string
	// Allowed is the declared capability subset this agent may invoke.
	// Invoking anything outside it raises a core.IntegrityFault.
	Allowed []string
	// Handoffs lists agent ids this agent may hand a request off to.
	Handoffs []string
	// Policy decides what to do with each request.
	Policy Policy
}

// Request is the calling contract handed to a Policy: the user message, the
// conversation window, the descriptors of the allowed capabilities and the
// permitted handoff targets.
type Request struct {
	Message      string
	ThreadID     string
	UserID       string
	Persona      string
	History      []core.Message
	Capabilities []capability.Descriptor
	Handoffs     []string
}

// CapabilityCall is one capability invocation requested by a policy decision.
type CapabilityCall struct {
	Capability string
	Arguments  map[string]any
}

// Decision is a policy's answer for one round: exactly one of a direct reply,
// a set of capability calls to execute before the next round, or a handoff
// directive naming another agent.
type Decision struct {
	Reply   string
	Calls   []CapabilityCall
	Handoff string
}

// Policy is the pluggable, externally supplied decision function of an agent.
// Implementations are treated as black boxes (typically a language model);
// the executor specifies only this contract.
type Policy interface {
	Predict(ctx context.Context, req Request) (Decision, error)
}

// Result is the outcome of handling one message: the reply (or a handoff
// target), the tool-result messages generated along the way, and the ids of
// the capabilities actually invoked.
type Result struct {
	Reply   string
	Handoff string
	// Messages are the tool-result messages to append to thread memory, in
	// invocation order.
	Messages []core.Message
	// Invoked records the capability ids dispatched while handling.
	Invoked []string
}
