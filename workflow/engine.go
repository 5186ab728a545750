package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taskmesh/taskmesh/capability"
	"github.com/taskmesh/taskmesh/core"
	"github.com/taskmesh/taskmesh/internal/util"
	"github.com/taskmesh/taskmesh/logging"
)

// AgentCaller dispatches a message to a registered agent and returns its
// final textual reply. The router implements it; the engine depends only on
// this interface so workflows stay decoupled from agent wiring.
type AgentCaller interface {
	CallAgent(ctx context.Context, agentID, message, threadID, userID string) (string, error)
}

// EngineOptions configures the workflow engine.
type EngineOptions struct {
	// Agents resolves agent nodes. Required only when a definition contains
	// agent-bound nodes.
	Agents AgentCaller

	// MaxIterations bounds the number of steps a single run may take before
	// it is abandoned with a WorkflowTimeoutError. Defaults to 25.
	MaxIterations int

	// NodeTimeout bounds the wall-clock time of a single node action.
	// Defaults to 30 seconds.
	NodeTimeout time.Duration

	// Logger is used for step-level logging. Defaults to a no-op logger.
	Logger logging.Logger
}

// Engine interprets workflow definitions. It is stateless across runs; all
// run state lives in the WorkflowState and the checkpoints persisted to the
// thread store, so any engine instance can resume any thread.
type Engine struct {
	registry      *capability.Registry
	store         core.ThreadStore
	agents        AgentCaller
	maxIterations int
	nodeTimeout   time.Duration
	logger        logging.Logger
}

// NewEngine creates a workflow engine over a capability registry and a
// thread store.
func NewEngine(registry *capability.Registry, store core.ThreadStore, optFns ...func(o *EngineOptions)) *Engine {
	opts := EngineOptions{
		MaxIterations: 25,
		NodeTimeout:   30 * time.Second,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Engine{
		registry:      registry,
		store:         store,
		agents:        opts.Agents,
		maxIterations: opts.MaxIterations,
		nodeTimeout:   opts.NodeTimeout,
		logger:        opts.Logger,
	}
}

// Execute runs a definition from its entry node with the given seed slots.
// A checkpoint is persisted after every completed step; on failure the last
// persisted checkpoint remains the authoritative resume point. The returned
// state reflects progress made even when an error is returned.
func (e *Engine) Execute(ctx context.Context, def *Definition, threadID, userID string, seed map[string]any) (*core.WorkflowState, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	state := core.NewWorkflowState(seed)
	state.Node = def.Entry()
	return e.run(ctx, def, threadID, userID, state, nil)
}

// Resume continues an interrupted run from the latest checkpoint on the
// thread. Resuming a thread whose latest checkpoint is terminal is a no-op
// returning the final state. The checkpoint must belong to the given
// definition.
func (e *Engine) Resume(ctx context.Context, def *Definition, threadID, userID string) (*core.WorkflowState, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	cp, err := e.store.LatestCheckpoint(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if cp.WorkflowID != def.ID {
		return nil, &core.ConfigurationError{
			Component: "workflow",
			Message:   fmt.Sprintf("checkpoint belongs to workflow %q, not %q", cp.WorkflowID, def.ID),
		}
	}
	if cp.Terminal {
		return cp.State.Clone(), nil
	}
	state := cp.State.Clone()
	state.ClearError()
	return e.run(ctx, def, threadID, userID, state, cp)
}

func (e *Engine) run(ctx context.Context, def *Definition, threadID, userID string, state *core.WorkflowState, last *core.Checkpoint) (*core.WorkflowState, error) {
	for {
		if def.IsTerminal(state.Node) {
			return state, nil
		}

		// Cancellation is observed at step boundaries only; a node action in
		// flight runs to completion under its own timeout.
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		default:
		}

		if state.Step >= e.maxIterations {
			return state, &core.WorkflowTimeoutError{
				WorkflowID: def.ID,
				Steps:      state.Step,
				Checkpoint: last,
			}
		}

		node, ok := def.Node(state.Node)
		if !ok {
			return state, &core.IntegrityFault{
				Scope:  def.ID,
				Detail: fmt.Sprintf("execution reached undeclared node %q", state.Node),
			}
		}

		start := time.Now()
		delta, err := e.runNode(ctx, node, threadID, userID, state)
		if sl, ok := e.logger.(*logging.StructuredLogger); ok {
			sl.LogWorkflowStep(def.ID, node.Name, state.Step, time.Since(start), err == nil, err)
		} else {
			e.logger.Debug("workflow.step", "workflow_id", def.ID, "node", node.Name, "step", state.Step, "duration", time.Since(start), "error", err)
		}
		if err != nil {
			var fault *core.IntegrityFault
			if errors.As(err, &fault) {
				return state, err
			}
			state.Set(core.ErrorSlot, err.Error())
			edge, declared := def.errorEdge(node.Name)
			if !declared {
				// No error route: abort. The checkpoint from the last
				// completed step stays in place as the resume point.
				return state, err
			}
			cp, cpErr := e.advance(ctx, def, state, node.Name, edge.To, threadID)
			if cpErr != nil {
				return state, cpErr
			}
			last = cp
			continue
		}
		state.Merge(delta)

		next, ok := selectEdge(def.Edges(node.Name), state)
		if !ok {
			return state, &core.IntegrityFault{
				Scope:  def.ID,
				Detail: fmt.Sprintf("no edge out of node %q matched", node.Name),
			}
		}
		cp, err := e.advance(ctx, def, state, node.Name, next, threadID)
		if err != nil {
			return state, err
		}
		last = cp
	}
}

// advance records the transition, bumps the step counter and persists a
// checkpoint. The checkpoint names the node just completed; the snapshotted
// state carries the next node as the resume point. The checkpoint is marked
// terminal when the destination is.
func (e *Engine) advance(ctx context.Context, def *Definition, state *core.WorkflowState, from, to, threadID string) (*core.Checkpoint, error) {
	state.Trail = append(state.Trail, fmt.Sprintf("%s->%s", from, to))
	state.Node = to
	state.Step++
	cp := core.NewCheckpoint(threadID, def.ID, state, def.IsTerminal(to))
	cp.Node = from
	if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}
	return &cp, nil
}

func (e *Engine) runNode(ctx context.Context, node *Node, threadID, userID string, state *core.WorkflowState) (map[string]any, error) {
	nodeCtx, cancel := context.WithTimeout(ctx, e.nodeTimeout)
	defer cancel()

	switch {
	case node.Transform != nil:
		delta, err := node.Transform(state)
		if err != nil {
			return nil, &core.ExecutionError{Capability: node.Name, Err: err}
		}
		return delta, nil

	case node.Capability != "":
		var args map[string]any
		if node.Args != nil {
			args = node.Args(state)
		} else {
			args = map[string]any{}
		}
		call := capability.NewCallContext(threadID, userID, node.Name, e.logger)
		out, err := e.registry.Invoke(nodeCtx, node.Capability, args, call)
		if err != nil {
			// A workflow naming a capability that was never registered is a
			// wiring bug, not a runtime condition.
			var nf *core.NotFoundError
			if errors.As(err, &nf) {
				return nil, &core.IntegrityFault{
					Scope:  node.Name,
					Detail: fmt.Sprintf("capability %q is not registered", node.Capability),
				}
			}
			var ve *util.ValidationError
			if errors.As(err, &ve) {
				return nil, &core.ExecutionError{Capability: node.Capability, Err: err}
			}
			return nil, err
		}
		return map[string]any{node.outputSlot(): out}, nil

	case node.Agent != "":
		if e.agents == nil {
			return nil, &core.ConfigurationError{
				Component: "workflow",
				Message:   fmt.Sprintf("node %q calls an agent but no agent caller is configured", node.Name),
			}
		}
		message := state.GetString("message", "")
		if node.Prompt != nil {
			message = node.Prompt(state)
		}
		reply, err := e.agents.CallAgent(nodeCtx, node.Agent, message, threadID, userID)
		if err != nil {
			var fault *core.IntegrityFault
			var ee *core.ExecutionError
			if errors.As(err, &fault) || errors.As(err, &ee) {
				return nil, err
			}
			return nil, &core.ExecutionError{Capability: node.Agent, Err: err}
		}
		return map[string]any{node.outputSlot(): reply}, nil
	}

	return nil, &core.IntegrityFault{Scope: node.Name, Detail: "node binds no action"}
}

// selectEdge picks the first conditional edge whose predicate holds, in
// declaration order; the default (nil predicate) edge is evaluated last
// regardless of where it was declared. Error edges never match here.
func selectEdge(edges []Edge, state *core.WorkflowState) (string, bool) {
	var deflt *Edge
	for i := range edges {
		e := &edges[i]
		if e.OnError {
			continue
		}
		if e.When == nil {
			if deflt == nil {
				deflt = e
			}
			continue
		}
		if e.When(state) {
			return e.To, true
		}
	}
	if deflt != nil {
		return deflt.To, true
	}
	return "", false
}
