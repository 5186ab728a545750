package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/agent"
	"github.com/taskmesh/taskmesh/capability"
	"github.com/taskmesh/taskmesh/core"
	"github.com/taskmesh/taskmesh/memory"
	"github.com/taskmesh/taskmesh/workflow"
)

type fixture struct {
	router   *Router
	store    *memory.InMemoryStore
	registry *capability.Registry
}

func newFixture(t *testing.T, optFns ...func(o *Options)) *fixture {
	t.Helper()
	registry := capability.NewRegistry()
	store := memory.NewInMemoryStore()
	executor := agent.NewExecutor(registry)

	var r *Router
	engine := workflow.NewEngine(registry, store, func(o *workflow.EngineOptions) {
		o.Agents = workflow.AgentCaller(callerFunc(func(ctx context.Context, agentID, message, threadID, userID string) (string, error) {
			return r.CallAgent(ctx, agentID, message, threadID, userID)
		}))
	})
	r = New(registry, executor, engine, store, optFns...)
	return &fixture{router: r, store: store, registry: registry}
}

type callerFunc func(ctx context.Context, agentID, message, threadID, userID string) (string, error)

func (f callerFunc) CallAgent(ctx context.Context, agentID, message, threadID, userID string) (string, error) {
	return f(ctx, agentID, message, threadID, userID)
}

func replyAgent(id, reply string) agent.Agent {
	return agent.Agent{ID: id, Policy: agent.NewScriptedPolicy(agent.Decision{Reply: reply})}
}

func TestRouteRequestClassifies(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Classifier = NewKeywordClassifier(map[string][]string{
			"billing": {"invoice", "refund"},
			"support": {"help"},
		})
		o.FallbackAgent = "support"
	})
	require.NoError(t, f.router.RegisterAgent(replyAgent("billing", "Refund issued.")))
	require.NoError(t, f.router.RegisterAgent(replyAgent("support", "How can I help?")))

	resp, err := f.router.RouteRequest(context.Background(), Request{
		Message: "I need a refund for my last invoice",
		UserID:  "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, "billing", resp.AgentUsed)
	assert.Equal(t, "Refund issued.", resp.Reply)
	assert.NotEmpty(t, resp.ThreadID)

	msgs, err := f.store.Load(context.Background(), resp.ThreadID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, core.RoleUser, msgs[0].Role)
	assert.Equal(t, core.RoleAgent, msgs[1].Role)
}

func TestRouteRequestFallsBackBelowFloor(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Classifier = NewKeywordClassifier(map[string][]string{
			"billing": {"invoice", "refund", "charge", "receipt"},
		})
		o.ConfidenceFloor = 0.5
		o.FallbackAgent = "support"
	})
	require.NoError(t, f.router.RegisterAgent(replyAgent("billing", "Refund issued.")))
	require.NoError(t, f.router.RegisterAgent(replyAgent("support", "How can I help?")))

	// One hit out of four keywords is below the 0.5 floor.
	resp, err := f.router.RouteRequest(context.Background(), Request{
		Message: "something about an invoice maybe",
		UserID:  "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, "support", resp.AgentUsed)
}

func TestRouteRequestNoFallbackConfigured(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.router.RegisterAgent(replyAgent("support", "hi")))

	_, err := f.router.RouteRequest(context.Background(), Request{Message: "hello", UserID: "u1"})
	var cfgErr *core.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestRouteRequestAgentHint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.router.RegisterAgent(replyAgent("billing", "Refund issued.")))

	resp, err := f.router.RouteRequest(context.Background(), Request{
		Message: "anything at all",
		UserID:  "u1",
		AgentID: "billing",
	})
	require.NoError(t, err)
	assert.Equal(t, "billing", resp.AgentUsed)
}

func TestRouteRequestWorkflowHintBypassesClassification(t *testing.T) {
	classified := false
	f := newFixture(t, func(o *Options) {
		o.Classifier = classifierFunc(func(ctx context.Context, message string) []Candidate {
			classified = true
			return []Candidate{{AgentID: "support", Confidence: 1}}
		})
		o.FallbackAgent = "support"
	})
	require.NoError(t, f.router.RegisterAgent(replyAgent("support", "hi")))

	require.NoError(t, f.registry.Register(capability.Descriptor{
		ID:          "create_task",
		Description: "Creates a task.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		Handler: func(ctx context.Context, call *capability.CallContext, args map[string]any) (any, error) {
			return "task-1", nil
		},
	}))

	def := workflow.NewDefinition("task_creation", "")
	def.AddNode(workflow.Node{Name: "create", Capability: "create_task", OutputSlot: "task_id"})
	def.AddNode(workflow.Node{Name: "finish", Transform: func(s *core.WorkflowState) (map[string]any, error) {
		return map[string]any{"reply": "Task " + s.GetString("task_id", "") + " created."}, nil
	}})
	def.AddEdge("create", workflow.Edge{To: "finish"})
	def.AddEdge("finish", workflow.Edge{To: "done"})
	def.SetEntry("create")
	def.AddTerminal("done")
	require.NoError(t, f.router.RegisterWorkflow(def))

	resp, err := f.router.RouteRequest(context.Background(), Request{
		Message:      "please make a task",
		UserID:       "u1",
		WorkflowType: "task_creation",
		Context:      map[string]any{"title": "Fix sink"},
	})
	require.NoError(t, err)
	assert.False(t, classified, "workflow hint must skip the classifier")
	assert.Equal(t, "task_creation", resp.WorkflowID)
	assert.Equal(t, "done", resp.WorkflowStep)
	assert.Equal(t, "Task task-1 created.", resp.Reply)
	assert.Empty(t, resp.AgentUsed)
}

type classifierFunc func(ctx context.Context, message string) []Candidate

func (f classifierFunc) Classify(ctx context.Context, message string) []Candidate {
	return f(ctx, message)
}

func TestRouteRequestUnknownWorkflow(t *testing.T) {
	f := newFixture(t)
	_, err := f.router.RouteRequest(context.Background(), Request{
		Message:      "hi",
		UserID:       "u1",
		WorkflowType: "no_such_workflow",
	})
	var nf *core.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestConcurrentRequestsOnOneThread(t *testing.T) {
	f := newFixture(t)

	release := make(chan struct{})
	slow := agent.Agent{ID: "slow", Policy: agent.PolicyFunc(func(ctx context.Context, req agent.Request) (agent.Decision, error) {
		<-release
		return agent.Decision{Reply: "done"}, nil
	})}
	require.NoError(t, f.router.RegisterAgent(slow))

	ctx := context.Background()
	_, err := f.store.Create(ctx, "t1", "u1")
	require.NoError(t, err)

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.router.RouteRequest(ctx, Request{
				Message:  "hello",
				UserID:   "u1",
				ThreadID: "t1",
				AgentID:  "slow",
			})
			results <- err
		}()
	}

	// Let one request reach the policy, reject the other, then unblock.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	var accepted, busy int
	for err := range results {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, core.ErrThreadBusy):
			busy++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, busy)

	// The thread frees up once the in-flight request finishes.
	_, err = f.router.RouteRequest(ctx, Request{Message: "again", UserID: "u1", ThreadID: "t1", AgentID: "slow"})
	require.NoError(t, err)
}

func TestExecuteDirectAgentCall(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.router.RegisterAgent(replyAgent("billing", "Refund issued.")))

	resp, err := f.router.ExecuteDirectAgentCall(context.Background(), "billing", "refund please", "u1", "")
	require.NoError(t, err)
	assert.Equal(t, "billing", resp.AgentUsed)
	assert.Equal(t, "Refund issued.", resp.Reply)

	_, err = f.router.ExecuteDirectAgentCall(context.Background(), "ghost", "hi", "u1", "")
	var nf *core.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "agent", nf.Kind)
}

func TestHandoffIsFollowedOnce(t *testing.T) {
	f := newFixture(t)
	front := agent.Agent{
		ID:       "front",
		Handoffs: []string{"billing"},
		Policy:   agent.NewScriptedPolicy(agent.Decision{Handoff: "billing"}),
	}
	require.NoError(t, f.router.RegisterAgent(front))
	require.NoError(t, f.router.RegisterAgent(replyAgent("billing", "Refund issued.")))

	resp, err := f.router.RouteRequest(context.Background(), Request{
		Message: "refund",
		UserID:  "u1",
		AgentID: "front",
	})
	require.NoError(t, err)
	assert.Equal(t, "billing", resp.AgentUsed)
	assert.Equal(t, "Refund issued.", resp.Reply)
}

func TestHandoffLoopIsCut(t *testing.T) {
	f := newFixture(t)
	a := agent.Agent{ID: "a", Handoffs: []string{"b"}, Policy: agent.NewScriptedPolicy(agent.Decision{Handoff: "b"})}
	b := agent.Agent{ID: "b", Handoffs: []string{"a"}, Policy: agent.NewScriptedPolicy(agent.Decision{Handoff: "a"})}
	require.NoError(t, f.router.RegisterAgent(a))
	require.NoError(t, f.router.RegisterAgent(b))

	resp, err := f.router.RouteRequest(context.Background(), Request{Message: "hi", UserID: "u1", AgentID: "a"})
	require.NoError(t, err)
	assert.Equal(t, genericFailureReply, resp.Reply)
}

func TestIntegrityFaultBecomesGenericReply(t *testing.T) {
	f := newFixture(t)
	rogue := agent.Agent{
		ID: "rogue",
		// No capabilities declared, yet the policy calls one.
		Policy: agent.NewScriptedPolicy(agent.Decision{
			Calls: []agent.CapabilityCall{{Capability: "forbidden_op"}},
		}),
	}
	require.NoError(t, f.router.RegisterAgent(rogue))

	resp, err := f.router.RouteRequest(context.Background(), Request{Message: "hi", UserID: "u1", AgentID: "rogue"})
	require.NoError(t, err, "faults are logged, not surfaced verbatim")
	assert.Equal(t, genericFailureReply, resp.Reply)
}

func TestAgentHistoryExcludesCurrentMessage(t *testing.T) {
	f := newFixture(t)
	var seen []agent.Request
	recorder := agent.PolicyFunc(func(ctx context.Context, req agent.Request) (agent.Decision, error) {
		seen = append(seen, req)
		return agent.Decision{Reply: "ack"}, nil
	})
	require.NoError(t, f.router.RegisterAgent(agent.Agent{ID: "echo", Policy: recorder}))

	first, err := f.router.RouteRequest(context.Background(),
		Request{Message: "first turn", UserID: "u1", AgentID: "echo"})
	require.NoError(t, err)

	_, err = f.router.RouteRequest(context.Background(),
		Request{Message: "second turn", UserID: "u1", AgentID: "echo", ThreadID: first.ThreadID})
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Empty(t, seen[0].History)

	// The second call sees the first exchange as history; the current turn
	// arrives only through Message, never duplicated into History.
	require.Len(t, seen[1].History, 2)
	assert.Equal(t, "first turn", seen[1].History[0].Content)
	assert.Equal(t, "ack", seen[1].History[1].Content)
	assert.Equal(t, "second turn", seen[1].Message)
	for _, msg := range seen[1].History {
		assert.NotEqual(t, "second turn", msg.Content)
	}

	// The message itself is still persisted.
	msgs, err := f.store.Load(context.Background(), first.ThreadID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "second turn", msgs[2].Content)
}

func TestFaultPersistsDispatchedToolResults(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Register(capability.Descriptor{
		ID:          "record_note",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		Handler: func(ctx context.Context, call *capability.CallContext, args map[string]any) (any, error) {
			return "noted", nil
		},
	}))
	clerk := agent.Agent{
		ID:      "clerk",
		Allowed: []string{"record_note"},
		Policy: agent.NewScriptedPolicy(agent.Decision{Calls: []agent.CapabilityCall{
			{Capability: "record_note"},
			{Capability: "forbidden_op"},
		}}),
	}
	require.NoError(t, f.router.RegisterAgent(clerk))

	resp, err := f.router.RouteRequest(context.Background(),
		Request{Message: "note this", UserID: "u1", AgentID: "clerk"})
	require.NoError(t, err)
	assert.Equal(t, genericFailureReply, resp.Reply)

	// The note was recorded before the fault; its tool-result message must
	// survive in the thread history.
	msgs, err := f.store.Load(context.Background(), resp.ThreadID, 0)
	require.NoError(t, err)
	var toolResults int
	for _, msg := range msgs {
		if msg.Role == core.RoleToolResult {
			toolResults++
			assert.Equal(t, "record_note", msg.ToolCall.Capability)
		}
	}
	assert.Equal(t, 1, toolResults)
}

func TestWorkflowExecutionErrorPropagates(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Register(capability.Descriptor{
		ID:          "create_task",
		Description: "Creates a task.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		Handler: func(ctx context.Context, call *capability.CallContext, args map[string]any) (any, error) {
			return nil, errors.New("duplicate task")
		},
	}))

	def := workflow.NewDefinition("task_creation", "")
	def.AddNode(workflow.Node{Name: "create", Capability: "create_task"})
	def.AddEdge("create", workflow.Edge{To: "done"})
	def.SetEntry("create")
	def.AddTerminal("done")
	require.NoError(t, f.router.RegisterWorkflow(def))

	_, err := f.router.RouteRequest(context.Background(), Request{
		Message:      "make it",
		UserID:       "u1",
		WorkflowType: "task_creation",
	})
	var execErr *core.ExecutionError
	require.ErrorAs(t, err, &execErr)
}

func TestResumeTerminalCheckpointIsNoOp(t *testing.T) {
	f := newFixture(t)

	def := workflow.NewDefinition("w", "")
	def.AddNode(workflow.Node{Name: "only", Transform: func(s *core.WorkflowState) (map[string]any, error) {
		return map[string]any{"reply": "all done"}, nil
	}})
	def.AddEdge("only", workflow.Edge{To: "done"})
	def.SetEntry("only")
	def.AddTerminal("done")
	require.NoError(t, f.router.RegisterWorkflow(def))

	ctx := context.Background()
	first, err := f.router.RouteRequest(ctx, Request{Message: "go", UserID: "u1", ThreadID: "t1", WorkflowType: "w"})
	require.NoError(t, err)

	msgsBefore, err := f.store.Load(ctx, "t1", 0)
	require.NoError(t, err)

	resumed, err := f.router.Resume(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, first.Reply, resumed.Reply)

	msgsAfter, err := f.store.Load(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Equal(t, len(msgsBefore), len(msgsAfter), "no re-execution, no new messages")
}

func TestGetSystemStatus(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.router.RegisterAgent(replyAgent("a", "hi")))
	require.NoError(t, f.router.RegisterAgent(replyAgent("b", "hi")))

	require.NoError(t, f.registry.Register(capability.Descriptor{
		ID:          "op",
		Description: "An operation.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		Handler: func(ctx context.Context, call *capability.CallContext, args map[string]any) (any, error) {
			return nil, nil
		},
	}))

	def := workflow.NewDefinition("w", "")
	def.AddNode(workflow.Node{Name: "n", Transform: func(s *core.WorkflowState) (map[string]any, error) { return nil, nil }})
	def.AddEdge("n", workflow.Edge{To: "done"})
	def.SetEntry("n")
	def.AddTerminal("done")
	require.NoError(t, f.router.RegisterWorkflow(def))

	status := f.router.GetSystemStatus()
	assert.Equal(t, 2, status.Agents)
	assert.Equal(t, 1, status.Capabilities)
	assert.Equal(t, 1, status.Workflows)
	assert.Equal(t, 0, status.ActiveThreads)
}
