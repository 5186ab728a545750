package agent

import (
	"context"
	"sync"
)

// ScriptedPolicy is a deterministic in-memory Policy useful for tests and
// examples: it replays a fixed sequence of decisions and records every
// request it was asked about. When the script runs out it keeps returning the
// last decision.
type ScriptedPolicy struct {
	mu        sync.Mutex
	decisions []Decision
	next      int
	// Requests records every Predict call for assertions.
	Requests []Request
}

// NewScriptedPolicy builds a policy that replays the given decisions in order.
func NewScriptedPolicy(decisions ...Decision) *ScriptedPolicy {
	return &ScriptedPolicy{decisions: decisions}
}

// Predict returns the next scripted decision.
func (p *ScriptedPolicy) Predict(_ context.Context, req Request) (Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	if len(p.decisions) == 0 {
		return Decision{Reply: "ok"}, nil
	}
	d := p.decisions[p.next]
	if p.next < len(p.decisions)-1 {
		p.next++
	}
	return d, nil
}

// PolicyFunc adapts a plain function to the Policy interface.
type PolicyFunc func(ctx context.Context, req Request) (Decision, error)

// Predict calls the wrapped function.
func (f PolicyFunc) Predict(ctx context.Context, req Request) (Decision, error) { return f(ctx, req) }
