package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/taskmesh/taskmesh/capability"
	"github.com/taskmesh/taskmesh/core"
	"github.com/taskmesh/taskmesh/logging"
)

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	// MaxToolRounds bounds how many predict/invoke rounds one message may
	// take before the executor gives up with a fallback reply.
	MaxToolRounds int
	// Logger defaults to NoOp if nil.
	Logger logging.Logger
}

// fallbackReply is returned when the tool-round budget is exhausted without a
// final decision. Deliberately generic; diagnostics go to the log.
const fallbackReply = "I wasn't able to complete that request. Please try again."

// Executor interprets agents: it drives the predict/invoke loop for one
// message, enforcing the allowed-capability invariant on every dispatch.
// One executor serves all agents and is safe for concurrent use.
type Executor struct {
	registry      *capability.Registry
	maxToolRounds int
	logger        logging.Logger
}

// NewExecutor constructs an Executor over the given registry.
func NewExecutor(registry *capability.Registry, optFns ...func(o *ExecutorOptions)) *Executor {
	opts := ExecutorOptions{MaxToolRounds: 5, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Executor{registry: registry, maxToolRounds: opts.MaxToolRounds, logger: opts.Logger}
}

// Handle processes one message with the given agent. Each round the policy
// decides on a reply, a handoff, or capability calls; calls are checked
// against the agent's allowed set, dispatched through the registry, and their
// results fed back into the next round's history.
//
// A capability id outside the allowed set, or one the registry does not
// know, aborts with a core.IntegrityFault: logged here, never phrased to the
// user by callers. On a fault the partial Result is returned alongside the
// error so callers can persist the tool-result messages of calls that were
// already dispatched. Capability execution failures are recorded as
// tool-result messages so the policy can react (apologize, retry, pick
// another tool) instead of crashing the turn.
func (e *Executor) Handle(ctx context.Context, a Agent, message, threadID, userID string, history []core.Message) (*Result, error) {
	if a.Policy == nil {
		return nil, &core.ConfigurationError{Component: "agent", Message: "agent " + a.ID + " has no policy"}
	}

	allowed := make(map[string]struct{}, len(a.Allowed))
	for _, id := range a.Allowed {
		allowed[id] = struct{}{}
	}

	req := Request{
		Message:      message,
		ThreadID:     threadID,
		UserID:       userID,
		Persona:      a.Persona,
		History:      history,
		Capabilities: e.registry.Describe(a.Allowed),
		Handoffs:     a.Handoffs,
	}
	res := &Result{}

	for round := 0; round < e.maxToolRounds; round++ {
		decision, err := a.Policy.Predict(ctx, req)
		if err != nil {
			return nil, &core.ExecutionError{Err: fmt.Errorf("policy for agent %s: %w", a.ID, err)}
		}

		if decision.Handoff != "" {
			e.logger.Info("agent.handoff", "agent", a.ID, "target", decision.Handoff, "thread_id", threadID)
			res.Handoff = decision.Handoff
			return res, nil
		}

		if len(decision.Calls) == 0 {
			res.Reply = decision.Reply
			return res, nil
		}

		for _, call := range decision.Calls {
			if _, ok := allowed[call.Capability]; !ok {
				fault := &core.IntegrityFault{
					Scope:  a.ID,
					Detail: fmt.Sprintf("capability %s is outside the declared set", call.Capability),
				}
				e.logger.Error("agent.integrity_fault", "agent", a.ID, "capability", call.Capability, "thread_id", threadID)
				return res, fault
			}

			msg, err := e.invoke(ctx, a, call, threadID, userID)
			if err != nil {
				e.logger.Error("agent.integrity_fault", "agent", a.ID, "capability", call.Capability, "thread_id", threadID)
				return res, err
			}
			res.Messages = append(res.Messages, msg)
			res.Invoked = append(res.Invoked, call.Capability)
			req.History = append(req.History, msg)
		}
	}

	e.logger.Warn("agent.tool_rounds_exhausted", "agent", a.ID, "thread_id", threadID, "rounds", e.maxToolRounds)
	res.Reply = fallbackReply
	return res, nil
}

// invoke dispatches one allowed capability call and records the outcome as a
// tool-result message. An allowed capability that is not registered is a
// wiring bug, not a tool failure the policy can react to, so it surfaces as
// an IntegrityFault instead of a tool-result message.
func (e *Executor) invoke(ctx context.Context, a Agent, call CapabilityCall, threadID, userID string) (core.Message, error) {
	callCtx := capability.NewCallContext(threadID, userID, a.ID, e.logger)
	rec := core.ToolCallRecord{ID: core.NewID(), Capability: call.Capability, Arguments: call.Arguments}

	out, err := e.registry.Invoke(ctx, call.Capability, call.Arguments, callCtx)
	if err != nil {
		var nf *core.NotFoundError
		if errors.As(err, &nf) {
			return core.Message{}, &core.IntegrityFault{
				Scope:  a.ID,
				Detail: fmt.Sprintf("allowed capability %q is not registered", call.Capability),
			}
		}
		rec.Error = err.Error()
		return core.NewToolResultMessage(rec, fmt.Sprintf("%s failed: %s", call.Capability, err.Error())), nil
	}

	rec.Result = out
	return core.NewToolResultMessage(rec, renderResult(call.Capability, out)), nil
}

// renderResult produces the textual form of a capability result fed back to
// the policy.
func renderResult(capabilityID string, out any) string {
	if s, ok := out.(string); ok {
		return s
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return fmt.Sprintf("%s returned: %v", capabilityID, out)
	}
	return string(encoded)
}
