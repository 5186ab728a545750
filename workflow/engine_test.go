package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/capability"
	"github.com/taskmesh/taskmesh/core"
	"github.com/taskmesh/taskmesh/memory"
)

func emptySchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

// testRegistry builds a registry with a validating capability, a creating
// capability and one that always fails.
func testRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	reg := capability.NewRegistry()

	require.NoError(t, reg.Register(capability.Descriptor{
		ID:          "check_fields",
		Description: "Checks that required fields are present.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"title": map[string]any{"type": "string"}},
		},
		Handler: func(ctx context.Context, call *capability.CallContext, args map[string]any) (any, error) {
			title, _ := args["title"].(string)
			return title != "", nil
		},
	}))

	require.NoError(t, reg.Register(capability.Descriptor{
		ID:          "persist_record",
		Description: "Persists the validated record.",
		InputSchema: emptySchema(),
		Handler: func(ctx context.Context, call *capability.CallContext, args map[string]any) (any, error) {
			return "record-1", nil
		},
	}))

	require.NoError(t, reg.Register(capability.Descriptor{
		ID:          "always_fails",
		Description: "Fails unconditionally.",
		InputSchema: emptySchema(),
		Handler: func(ctx context.Context, call *capability.CallContext, args map[string]any) (any, error) {
			return nil, errors.New("backend unavailable")
		},
	}))

	return reg
}

// linearDefinition: validate -> create -> done, with a reject branch when
// validation fails.
func linearDefinition() *Definition {
	def := NewDefinition("record_creation", "Creates a record after validation.")
	def.AddNode(Node{
		Name:       "validate",
		Capability: "check_fields",
		OutputSlot: "valid",
		Args: func(s *core.WorkflowState) map[string]any {
			return map[string]any{"title": s.GetString("title", "")}
		},
	})
	def.AddNode(Node{Name: "create", Capability: "persist_record", OutputSlot: "record_id"})
	def.AddNode(Node{
		Name: "reject",
		Transform: func(s *core.WorkflowState) (map[string]any, error) {
			return map[string]any{"outcome": "rejected"}, nil
		},
	})
	def.AddEdge("validate",
		Edge{To: "create", When: func(s *core.WorkflowState) bool {
			ok, _ := s.Get("valid")
			return ok == true
		}},
		Edge{To: "reject"},
	)
	def.AddEdge("create", Edge{To: "done"})
	def.AddEdge("reject", Edge{To: "done"})
	def.SetEntry("validate")
	def.AddTerminal("done")
	return def
}

func TestExecuteRunsToTerminal(t *testing.T) {
	store := memory.NewInMemoryStore()
	engine := NewEngine(testRegistry(t), store)
	ctx := context.Background()

	state, err := engine.Execute(ctx, linearDefinition(), "t1", "u1", map[string]any{"title": "Fix sink"})
	require.NoError(t, err)

	assert.Equal(t, "done", state.Node)
	record, _ := state.Get("record_id")
	assert.Equal(t, "record-1", record)
	assert.Equal(t, []string{"validate->create", "create->done"}, state.Trail)

	cp, err := store.LatestCheckpoint(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, cp.Terminal)
	assert.Equal(t, "create", cp.Node, "checkpoint names the completed node")
	assert.Equal(t, "done", cp.State.Node)
	assert.Equal(t, "record_creation", cp.WorkflowID)

	cps, err := store.Checkpoints(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, cps, 2, "one checkpoint per step")
}

func TestExecuteIsDeterministic(t *testing.T) {
	store := memory.NewInMemoryStore()
	engine := NewEngine(testRegistry(t), store)
	ctx := context.Background()
	input := map[string]any{"title": "Fix sink"}

	first, err := engine.Execute(ctx, linearDefinition(), "t1", "u1", input)
	require.NoError(t, err)
	second, err := engine.Execute(ctx, linearDefinition(), "t2", "u1", input)
	require.NoError(t, err)

	// Same definition and input walk the same path to the same terminal.
	assert.Equal(t, first.Trail, second.Trail)
	assert.Equal(t, first.Node, second.Node)
	assert.Equal(t, first.Slots, second.Slots)
}

func TestExecuteTakesDefaultBranch(t *testing.T) {
	store := memory.NewInMemoryStore()
	engine := NewEngine(testRegistry(t), store)

	state, err := engine.Execute(context.Background(), linearDefinition(), "t1", "u1", map[string]any{"title": ""})
	require.NoError(t, err)

	outcome, _ := state.Get("outcome")
	assert.Equal(t, "rejected", outcome)
	_, hasRecord := state.Get("record_id")
	assert.False(t, hasRecord)
}

func TestExecuteAbortLeavesPriorCheckpoint(t *testing.T) {
	// The failing node declares no error edge, so the run aborts and the
	// checkpoint from the last completed step stays authoritative.
	def := NewDefinition("fragile", "")
	def.AddNode(Node{Name: "prepare", Transform: func(s *core.WorkflowState) (map[string]any, error) {
		return map[string]any{"ready": true}, nil
	}})
	def.AddNode(Node{Name: "commit", Capability: "always_fails"})
	def.AddEdge("prepare", Edge{To: "commit"})
	def.AddEdge("commit", Edge{To: "done"})
	def.SetEntry("prepare")
	def.AddTerminal("done")

	store := memory.NewInMemoryStore()
	engine := NewEngine(testRegistry(t), store)
	ctx := context.Background()

	state, err := engine.Execute(ctx, def, "t1", "u1", nil)
	require.Error(t, err)

	var execErr *core.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "always_fails", execErr.Capability)
	assert.True(t, state.Failed())

	cp, err := store.LatestCheckpoint(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "prepare", cp.Node, "checkpoint stays at the last completed node")
	assert.Equal(t, "commit", cp.State.Node, "state resumes at the failed node")
	assert.False(t, cp.Terminal)
	assert.False(t, cp.State.Failed(), "the failed step never produced a checkpoint")
}

func TestExecuteFollowsErrorEdge(t *testing.T) {
	def := NewDefinition("compensating", "")
	def.AddNode(Node{Name: "commit", Capability: "always_fails"})
	def.AddNode(Node{Name: "handle_error", Transform: func(s *core.WorkflowState) (map[string]any, error) {
		return map[string]any{"handled": s.GetString(core.ErrorSlot, "")}, nil
	}})
	def.AddEdge("commit", Edge{To: "done"}, Edge{To: "handle_error", OnError: true})
	def.AddEdge("handle_error", Edge{To: "done"})
	def.SetEntry("commit")
	def.AddTerminal("done")

	store := memory.NewInMemoryStore()
	engine := NewEngine(testRegistry(t), store)

	state, err := engine.Execute(context.Background(), def, "t1", "u1", nil)
	require.NoError(t, err)

	handled, _ := state.Get("handled")
	assert.Contains(t, handled, "backend unavailable")
	assert.Equal(t, []string{"commit->handle_error", "handle_error->done"}, state.Trail)
}

func TestResumeContinuesFromCheckpoint(t *testing.T) {
	reg := testRegistry(t)
	fail := true
	require.NoError(t, reg.Register(capability.Descriptor{
		ID:          "flaky",
		Description: "Fails once, then succeeds.",
		InputSchema: emptySchema(),
		Handler: func(ctx context.Context, call *capability.CallContext, args map[string]any) (any, error) {
			if fail {
				fail = false
				return nil, errors.New("transient outage")
			}
			return "ok", nil
		},
	}))

	def := NewDefinition("retryable", "")
	def.AddNode(Node{Name: "prepare", Transform: func(s *core.WorkflowState) (map[string]any, error) {
		return map[string]any{"ready": true}, nil
	}})
	def.AddNode(Node{Name: "commit", Capability: "flaky", OutputSlot: "result"})
	def.AddEdge("prepare", Edge{To: "commit"})
	def.AddEdge("commit", Edge{To: "done"})
	def.SetEntry("prepare")
	def.AddTerminal("done")

	store := memory.NewInMemoryStore()
	engine := NewEngine(reg, store)
	ctx := context.Background()

	_, err := engine.Execute(ctx, def, "t1", "u1", nil)
	require.Error(t, err)

	state, err := engine.Resume(ctx, def, "t1", "u1")
	require.NoError(t, err)
	result, _ := state.Get("result")
	assert.Equal(t, "ok", result)
	assert.False(t, state.Failed(), "resume clears the stale error slot")

	// Resuming a finished thread is a no-op returning the final state.
	again, err := engine.Resume(ctx, def, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "done", again.Node)
}

func TestResumeRejectsForeignWorkflow(t *testing.T) {
	store := memory.NewInMemoryStore()
	engine := NewEngine(testRegistry(t), store)
	ctx := context.Background()

	_, err := engine.Execute(ctx, linearDefinition(), "t1", "u1", map[string]any{"title": "x"})
	require.NoError(t, err)

	other := linearDefinition()
	other.ID = "something_else"
	_, err = engine.Resume(ctx, other, "t1", "u1")
	var cfgErr *core.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestExecuteStopsAtMaxIterations(t *testing.T) {
	def := NewDefinition("spinner", "")
	def.AddNode(Node{Name: "loop", Transform: func(s *core.WorkflowState) (map[string]any, error) {
		return nil, nil
	}})
	def.AddEdge("loop", Edge{To: "loop"})
	def.SetEntry("loop")
	def.AddTerminal("done")

	store := memory.NewInMemoryStore()
	engine := NewEngine(testRegistry(t), store, func(o *EngineOptions) {
		o.MaxIterations = 5
	})

	_, err := engine.Execute(context.Background(), def, "t1", "u1", nil)
	var timeout *core.WorkflowTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 5, timeout.Steps)
	require.NotNil(t, timeout.Checkpoint)
	assert.Equal(t, "loop", timeout.Checkpoint.Node)
}

func TestExecuteUnregisteredCapabilityIsIntegrityFault(t *testing.T) {
	def := NewDefinition("broken", "")
	def.AddNode(Node{Name: "run", Capability: "no_such_capability"})
	def.AddEdge("run", Edge{To: "done"})
	def.SetEntry("run")
	def.AddTerminal("done")

	engine := NewEngine(testRegistry(t), memory.NewInMemoryStore())

	_, err := engine.Execute(context.Background(), def, "t1", "u1", nil)
	var fault *core.IntegrityFault
	require.ErrorAs(t, err, &fault)
}

type stubCaller struct {
	calls []string
	reply string
	err   error
}

func (c *stubCaller) CallAgent(ctx context.Context, agentID, message, threadID, userID string) (string, error) {
	c.calls = append(c.calls, fmt.Sprintf("%s:%s", agentID, message))
	return c.reply, c.err
}

func TestExecuteAgentNode(t *testing.T) {
	caller := &stubCaller{reply: "drafted"}
	def := NewDefinition("drafting", "")
	def.AddNode(Node{
		Name:       "draft",
		Agent:      "writer",
		OutputSlot: "draft",
		Prompt: func(s *core.WorkflowState) string {
			return "Draft a reply to: " + s.GetString("message", "")
		},
	})
	def.AddEdge("draft", Edge{To: "done"})
	def.SetEntry("draft")
	def.AddTerminal("done")

	engine := NewEngine(testRegistry(t), memory.NewInMemoryStore(), func(o *EngineOptions) {
		o.Agents = caller
	})

	state, err := engine.Execute(context.Background(), def, "t1", "u1", map[string]any{"message": "hello"})
	require.NoError(t, err)
	draft, _ := state.Get("draft")
	assert.Equal(t, "drafted", draft)
	require.Len(t, caller.calls, 1)
	assert.Equal(t, "writer:Draft a reply to: hello", caller.calls[0])
}

func TestExecuteAgentNodeWithoutCaller(t *testing.T) {
	def := NewDefinition("drafting", "")
	def.AddNode(Node{Name: "draft", Agent: "writer"})
	def.AddEdge("draft", Edge{To: "done"})
	def.SetEntry("draft")
	def.AddTerminal("done")

	engine := NewEngine(testRegistry(t), memory.NewInMemoryStore())

	_, err := engine.Execute(context.Background(), def, "t1", "u1", nil)
	var cfgErr *core.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}
