package capability

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/core"
	"github.com/taskmesh/taskmesh/internal/util"
	"github.com/taskmesh/taskmesh/logging"
)

// RegistryOptions configures a Registry instance.
type RegistryOptions struct {
	// Logger defaults to NoOp if nil.
	Logger logging.Logger
}

// Registry is the catalog of registered capabilities. It is append-only at
// steady state: descriptors are registered during startup and looked up for
// the lifetime of the process. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	caps   map[string]Descriptor
	logger logging.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{caps: make(map[string]Descriptor), logger: opts.Logger}
}

// Register adds a descriptor to the catalog. It fails with a
// core.ConfigurationError when the id is empty, the handler is missing, the
// input schema is malformed, or the id already exists without Override.
func (r *Registry) Register(d Descriptor) error {
	if d.ID == "" {
		return &core.ConfigurationError{Component: "capability", Message: "descriptor id is empty"}
	}
	if d.Handler == nil {
		return &core.ConfigurationError{Component: "capability", Message: "capability " + d.ID + " has no handler"}
	}
	if err := util.CheckSchema(d.InputSchema); err != nil {
		return &core.ConfigurationError{Component: "capability", Message: "capability " + d.ID + " input schema: " + err.Error()}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[d.ID]; exists && !d.Override {
		return &core.ConfigurationError{Component: "capability", Message: "capability " + d.ID + " is already registered"}
	}
	r.caps[d.ID] = d
	r.logger.Debug("capability.registered", "capability", d.ID, "idempotent", d.Idempotent)
	return nil
}

// Lookup returns the descriptor for id or a core.NotFoundError.
func (r *Registry) Lookup(id string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.caps[id]
	if !ok {
		return Descriptor{}, notFound(id)
	}
	return d, nil
}

// Describe returns the descriptors for the given ids, skipping unknown ones.
// Used to hand an agent's allowed set to its decision policy.
func (r *Registry) Describe(ids []string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(ids))
	for _, id := range ids {
		if d, ok := r.caps[id]; ok {
			out = append(out, d)
		}
	}
	return out
}

// IDs returns the sorted ids of all registered capabilities.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.caps))
	for id := range r.caps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered capabilities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.caps)
}

// Invoke validates args against the capability's input schema and then
// executes the bound handler.
//
// Error semantics:
//
//	unknown id          -> core.NotFoundError
//	schema mismatch     -> *ValidationError (pre-dispatch, no side effect)
//	handler failure     -> *core.ExecutionError wrapping the cause
func (r *Registry) Invoke(ctx context.Context, id string, args map[string]any, call *CallContext) (any, error) {
	d, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	if call == nil {
		call = NewCallContext("", "", "", r.logger)
	}

	start := time.Now()
	r.logger.Debug("capability.invoke.start", "capability", id, "agent", call.AgentID, "thread_id", call.ThreadID)

	if err := util.ValidateParameters(args, d.InputSchema); err != nil {
		r.logger.Warn("capability.invoke.validation_failed", "capability", id, "error", err.Error())
		return nil, err
	}

	result, err := d.Handler(ctx, call, args)
	if err != nil {
		r.logger.Error("capability.invoke.error", "capability", id, "error", err.Error())
		return nil, &core.ExecutionError{Capability: id, Err: err}
	}

	r.logger.Info("capability.invoke.success", "capability", id, "duration_ms", time.Since(start).Milliseconds())
	return result, nil
}
