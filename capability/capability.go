// Package capability implements the registry of backend operations exposed to
// agents and workflows as typed, schema-validated capabilities. Each
// capability binds a declared input/output schema to an opaque handler; the
// registry validates arguments before any external call, so a validation
// failure never produces a side effect.
package capability

import (
	"context"

	"github.com/taskmesh/taskmesh/core"
	"github.com/taskmesh/taskmesh/internal/util"
	"github.com/taskmesh/taskmesh/logging"
)

// ValidationError reports a capability input that failed schema validation.
// It is raised pre-dispatch; the bound handler never runs.
type ValidationError = util.ValidationError

// Handler is the bound backend operation of a capability. The registry calls
// it as an opaque function with already-validated arguments and wraps any
// failure as a core.ExecutionError. Side effects occur only inside handlers,
// never during validation.
type Handler func(ctx context.Context, call *CallContext, args map[string]any) (any, error)

// Descriptor declares one capability: a unique id, the input/output schemas,
// the bound handler and an idempotency flag. Descriptors are registered once
// at startup; re-registering an id is a configuration error unless Override
// is set.
type Descriptor struct {
	// ID is the unique capability identifier (snake_case by convention).
	ID string
	// Description is exposed to decision policies so they can pick tools.
	Description string
	// InputSchema is a JSON-schema object describing accepted arguments.
	InputSchema map[string]any
	// OutputSchema documents the result shape. Informational; results are
	// produced by the handler and passed through.
	OutputSchema map[string]any
	// Handler is the bound backend operation.
	Handler Handler
	// Idempotent marks operations that are safe to retry.
	Idempotent bool
	// Override permits replacing an already registered descriptor with the
	// same id. Without it a duplicate registration fails.
	Override bool
}

// CallContext identifies who is invoking a capability and on behalf of which
// conversation. Handlers receive it alongside the ambient context.
type CallContext struct {
	ThreadID string
	UserID   string
	// AgentID names the invoking agent, or the workflow id for workflow
	// capability nodes.
	AgentID string
	Logger  logging.Logger
}

// NewCallContext builds a CallContext with a non-nil logger.
func NewCallContext(threadID, userID, agentID string, logger logging.Logger) *CallContext {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &CallContext{ThreadID: threadID, UserID: userID, AgentID: agentID, Logger: logger}
}

// notFound is a shorthand for the registry's lookup failure.
func notFound(id string) error { return &core.NotFoundError{Kind: "capability", ID: id} }
