package core

import (
	"errors"
	"fmt"
)

// ErrThreadBusy is returned when a second request arrives for a thread that
// already has one in flight. Callers should retry with backoff; processing
// within a single thread id is strictly serialized.
var ErrThreadBusy = errors.New("thread busy: a request is already in flight for this thread")

// ConfigurationError reports an invalid registration or setup problem
// (duplicate capability id without an override flag, malformed schema,
// missing fallback agent, ...). It indicates a deployment bug, not a
// runtime condition.
type ConfigurationError struct {
	Component string // "capability", "router", "workflow", ...
	Message   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error in %s: %s", e.Component, e.Message)
}

// NotFoundError reports a lookup of an unknown agent, capability, workflow or
// thread id. It is a caller error and safe to surface directly.
type NotFoundError struct {
	Kind string // "agent", "capability", "workflow", "thread", "checkpoint"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// ExecutionError wraps a failure raised by a bound backend operation during a
// capability invocation or by a workflow node action. The underlying cause is
// preserved for logs and workflow error edges; user-facing surfaces withhold
// it.
type ExecutionError struct {
	Capability string
	Err        error
}

func (e *ExecutionError) Error() string {
	if e.Capability != "" {
		return fmt.Sprintf("capability %s execution failed: %v", e.Capability, e.Err)
	}
	return fmt.Sprintf("execution failed: %v", e.Err)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *ExecutionError) Unwrap() error { return e.Err }

// IntegrityFault reports a configuration-level violation observed at runtime:
// an agent invoking a capability outside its declared set, or a workflow
// referencing an undeclared node or edge. It is always fatal for the current
// operation, always logged, and never phrased verbatim to an end user.
type IntegrityFault struct {
	Scope  string // agent id or workflow id where the fault was detected
	Detail string
}

func (e *IntegrityFault) Error() string {
	return fmt.Sprintf("integrity fault in %s: %s", e.Scope, e.Detail)
}

// WorkflowTimeoutError reports that a workflow execution exceeded its step
// budget. The last persisted checkpoint is attached so the caller can resume
// or abandon.
type WorkflowTimeoutError struct {
	WorkflowID string
	Steps      int
	Checkpoint *Checkpoint
}

func (e *WorkflowTimeoutError) Error() string {
	return fmt.Sprintf("workflow %s exceeded %d steps", e.WorkflowID, e.Steps)
}
