package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/taskmesh/taskmesh/agent"
	"github.com/taskmesh/taskmesh/capability"
	"github.com/taskmesh/taskmesh/core"
	"github.com/taskmesh/taskmesh/internal/util"
	"github.com/taskmesh/taskmesh/logging"
	"github.com/taskmesh/taskmesh/workflow"
)

// genericFailureReply is what end users see in place of internal faults.
// Diagnostics go to the log, never into this string.
const genericFailureReply = "Something went wrong while handling your request. Please try again."

// Options configures a Router.
type Options struct {
	// Classifier ranks agents for unhinted messages. When nil, unhinted
	// requests go straight to the fallback agent.
	Classifier Classifier

	// ConfidenceFloor is the minimum confidence the top candidate must reach
	// to be selected. Below it the fallback agent is used. Zero accepts any
	// candidate.
	ConfidenceFloor float64

	// FallbackAgent handles messages no candidate claims with enough
	// confidence. Leaving it empty makes low-confidence routing a
	// configuration error.
	FallbackAgent string

	// MemoryWindow is how many recent messages are loaded as history for
	// agent calls. Defaults to 20.
	MemoryWindow int

	// Logger defaults to NoOp if nil.
	Logger logging.Logger
}

// Request is one inbound user message with optional routing hints. A
// WorkflowType hint takes precedence over an AgentID hint; either bypasses
// classification.
type Request struct {
	Message      string
	UserID       string
	ThreadID     string
	AgentID      string
	WorkflowType string
	Context      map[string]any
}

// Response is the routing outcome. WorkflowStep is set only on the workflow
// path and names the node the run halted at.
type Response struct {
	Reply        string
	ThreadID     string
	AgentUsed    string
	WorkflowID   string
	WorkflowStep string
}

// Status is a read-only snapshot of what is registered and running.
type Status struct {
	Agents        int `json:"agents"`
	Capabilities  int `json:"capabilities"`
	Workflows     int `json:"workflows"`
	ActiveThreads int `json:"active_threads"`
}

// Router owns the registered agents and workflow definitions and serializes
// requests per thread: a thread with a request in flight rejects further
// requests with ErrThreadBusy instead of queueing them. It is safe for
// concurrent use across threads.
type Router struct {
	registry *capability.Registry
	executor *agent.Executor
	engine   *workflow.Engine
	store    core.ThreadStore

	mu        sync.RWMutex
	agents    map[string]agent.Agent
	workflows map[string]*workflow.Definition

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	classifier Classifier
	floor      float64
	fallback   string
	window     int
	logger     logging.Logger
}

var _ workflow.AgentCaller = (*Router)(nil)

// New constructs a Router over an already-wired registry, executor, engine
// and thread store.
func New(registry *capability.Registry, executor *agent.Executor, engine *workflow.Engine, store core.ThreadStore, optFns ...func(o *Options)) *Router {
	opts := Options{MemoryWindow: 20, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Router{
		registry:   registry,
		executor:   executor,
		engine:     engine,
		store:      store,
		agents:     make(map[string]agent.Agent),
		workflows:  make(map[string]*workflow.Definition),
		inflight:   make(map[string]struct{}),
		classifier: opts.Classifier,
		floor:      opts.ConfidenceFloor,
		fallback:   opts.FallbackAgent,
		window:     opts.MemoryWindow,
		logger:     opts.Logger,
	}
}

// RegisterAgent adds an agent. Registering an empty id or a duplicate is a
// configuration error.
func (r *Router) RegisterAgent(a agent.Agent) error {
	if a.ID == "" {
		return &core.ConfigurationError{Component: "router", Message: "agent id must not be empty"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.ID]; exists {
		return &core.ConfigurationError{Component: "router", Message: "agent " + a.ID + " is already registered"}
	}
	r.agents[a.ID] = a
	return nil
}

// RegisterWorkflow adds a workflow definition after validating it.
func (r *Router) RegisterWorkflow(def *workflow.Definition) error {
	if def == nil || def.ID == "" {
		return &core.ConfigurationError{Component: "router", Message: "workflow id must not be empty"}
	}
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[def.ID]; exists {
		return &core.ConfigurationError{Component: "router", Message: "workflow " + def.ID + " is already registered"}
	}
	r.workflows[def.ID] = def
	return nil
}

// RouteRequest handles one inbound message end to end: resolve or create the
// thread, admit the request, then dispatch on the workflow path
// (WorkflowType hint), a hinted agent, or the classifier's pick. The user
// message is persisted on every path; on the agent path runAgent does it
// after loading history so the current turn reaches the policy exactly once.
func (r *Router) RouteRequest(ctx context.Context, req Request) (*Response, error) {
	if req.Message == "" {
		return nil, &util.ValidationError{Field: "message", Message: "must not be empty"}
	}
	if req.UserID == "" {
		return nil, &util.ValidationError{Field: "user_id", Message: "must not be empty"}
	}

	threadID, err := r.resolveThread(ctx, req.ThreadID, req.UserID)
	if err != nil {
		return nil, err
	}

	if !r.admit(threadID) {
		return nil, core.ErrThreadBusy
	}
	defer r.release(threadID)

	if req.WorkflowType != "" {
		if err := r.store.Append(ctx, threadID, core.NewMessage(core.RoleUser, req.Message)); err != nil {
			return nil, err
		}
		return r.runWorkflow(ctx, req.WorkflowType, threadID, req)
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID, err = r.selectAgent(ctx, req.Message)
		if err != nil {
			return nil, err
		}
	}
	return r.runAgent(ctx, agentID, req.Message, threadID, req.UserID)
}

// ExecuteDirectAgentCall dispatches a message to a named agent, bypassing
// classification. The per-thread admission contract still applies.
func (r *Router) ExecuteDirectAgentCall(ctx context.Context, agentID, message, userID, threadID string) (*Response, error) {
	if _, ok := r.lookupAgent(agentID); !ok {
		return nil, &core.NotFoundError{Kind: "agent", ID: agentID}
	}

	resolved, err := r.resolveThread(ctx, threadID, userID)
	if err != nil {
		return nil, err
	}
	if !r.admit(resolved) {
		return nil, core.ErrThreadBusy
	}
	defer r.release(resolved)

	return r.runAgent(ctx, agentID, message, resolved, userID)
}

// Resume continues the interrupted workflow recorded in the thread's latest
// checkpoint.
func (r *Router) Resume(ctx context.Context, threadID, userID string) (*Response, error) {
	cp, err := r.store.LatestCheckpoint(ctx, threadID)
	if err != nil {
		return nil, err
	}
	def, ok := r.lookupWorkflow(cp.WorkflowID)
	if !ok {
		return nil, &core.NotFoundError{Kind: "workflow", ID: cp.WorkflowID}
	}

	if cp.Terminal {
		reply := cp.State.GetString("reply", "")
		if reply == "" {
			reply = fmt.Sprintf("Workflow %s completed.", def.ID)
		}
		return &Response{
			Reply:        reply,
			ThreadID:     threadID,
			WorkflowID:   def.ID,
			WorkflowStep: cp.State.Node,
		}, nil
	}

	if !r.admit(threadID) {
		return nil, core.ErrThreadBusy
	}
	defer r.release(threadID)

	state, err := r.engine.Resume(ctx, def, threadID, userID)
	return r.finishWorkflow(ctx, def, threadID, state, err)
}

// CallAgent implements workflow.AgentCaller for agent-bound workflow nodes.
// The calling workflow already holds the thread admission, so none is taken
// here; tool-result messages are persisted for audit, the reply flows back
// into workflow state rather than the message log.
func (r *Router) CallAgent(ctx context.Context, agentID, message, threadID, userID string) (string, error) {
	a, ok := r.lookupAgent(agentID)
	if !ok {
		return "", &core.IntegrityFault{
			Scope:  "router",
			Detail: fmt.Sprintf("workflow references unregistered agent %q", agentID),
		}
	}

	history, err := r.store.Load(ctx, threadID, r.window)
	if err != nil && !isNotFound(err) {
		return "", err
	}

	res, err := r.executor.Handle(ctx, a, message, threadID, userID, history)
	if res != nil {
		if perr := r.persistResult(ctx, threadID, res); perr != nil {
			return "", perr
		}
	}
	if err != nil {
		return "", err
	}
	if res.Handoff != "" {
		return "", &core.ExecutionError{
			Capability: agentID,
			Err:        fmt.Errorf("agent %s handed off to %s inside a workflow node", agentID, res.Handoff),
		}
	}
	return res.Reply, nil
}

// GetSystemStatus returns a read-only snapshot: registration counts plus the
// number of threads with a request currently in flight. It performs no
// store or backend calls.
func (r *Router) GetSystemStatus() Status {
	r.mu.RLock()
	agents, workflows := len(r.agents), len(r.workflows)
	r.mu.RUnlock()

	r.inflightMu.Lock()
	active := len(r.inflight)
	r.inflightMu.Unlock()

	return Status{
		Agents:        agents,
		Capabilities:  r.registry.Count(),
		Workflows:     workflows,
		ActiveThreads: active,
	}
}

// selectAgent applies the classification contract: top candidate wins when
// its confidence meets the floor, otherwise the fallback agent handles the
// message. No candidates and no fallback is a configuration error.
func (r *Router) selectAgent(ctx context.Context, message string) (string, error) {
	var candidates []Candidate
	if r.classifier != nil {
		candidates = r.classifier.Classify(ctx, message)
	}

	if len(candidates) > 0 && candidates[0].Confidence >= r.floor {
		if _, ok := r.lookupAgent(candidates[0].AgentID); ok {
			r.logger.Debug("router.classified",
				"agent", candidates[0].AgentID,
				"confidence", candidates[0].Confidence,
			)
			return candidates[0].AgentID, nil
		}
		r.logger.Warn("router.classifier_unknown_agent", "agent", candidates[0].AgentID)
	}

	if r.fallback == "" {
		return "", &core.ConfigurationError{
			Component: "router",
			Message:   "no classification met the confidence floor and no fallback agent is configured",
		}
	}
	if _, ok := r.lookupAgent(r.fallback); !ok {
		return "", &core.ConfigurationError{
			Component: "router",
			Message:   "fallback agent " + r.fallback + " is not registered",
		}
	}
	return r.fallback, nil
}

// runAgent drives a direct agent call: load history, persist the inbound
// message, execute, follow at most one handoff, persist the outcome.
// History is loaded before the message is appended so the policy sees the
// current turn exactly once, via Message. Execution failures and integrity
// faults become a generic failed reply; the detail stays in the log.
// Tool-result messages of calls that were dispatched before a failure are
// persisted regardless, keeping the audit trail complete.
func (r *Router) runAgent(ctx context.Context, agentID, message, threadID, userID string) (*Response, error) {
	a, ok := r.lookupAgent(agentID)
	if !ok {
		return nil, &core.NotFoundError{Kind: "agent", ID: agentID}
	}

	history, err := r.store.Load(ctx, threadID, r.window)
	if err != nil {
		return nil, err
	}
	if err := r.store.Append(ctx, threadID, core.NewMessage(core.RoleUser, message)); err != nil {
		return nil, err
	}

	res, err := r.executor.Handle(ctx, a, message, threadID, userID, history)
	if res != nil {
		if perr := r.persistResult(ctx, threadID, res); perr != nil {
			return nil, perr
		}
	}
	if err != nil {
		return r.absorbAgentFailure(ctx, agentID, threadID, err)
	}

	used := agentID
	if res.Handoff != "" {
		target, ok := r.lookupAgent(res.Handoff)
		if !ok {
			fault := &core.IntegrityFault{
				Scope:  agentID,
				Detail: fmt.Sprintf("handoff to unregistered agent %q", res.Handoff),
			}
			return r.absorbAgentFailure(ctx, agentID, threadID, fault)
		}

		history = append(history, res.Messages...)
		res, err = r.executor.Handle(ctx, target, message, threadID, userID, history)
		if res != nil {
			if perr := r.persistResult(ctx, threadID, res); perr != nil {
				return nil, perr
			}
		}
		if err != nil {
			return r.absorbAgentFailure(ctx, target.ID, threadID, err)
		}
		used = target.ID
		if res.Handoff != "" {
			// One hop only. A second handoff indicates a routing loop.
			r.logger.Warn("router.handoff_loop", "agent", used, "target", res.Handoff, "thread_id", threadID)
			res.Reply = genericFailureReply
		}
	}

	if err := r.store.Append(ctx, threadID, core.NewMessage(core.RoleAgent, res.Reply)); err != nil {
		return nil, err
	}
	return &Response{Reply: res.Reply, ThreadID: threadID, AgentUsed: used}, nil
}

// runWorkflow enters the workflow engine directly, bypassing agent
// classification. The state is seeded from the request context plus the
// message and user id.
func (r *Router) runWorkflow(ctx context.Context, workflowID, threadID string, req Request) (*Response, error) {
	def, ok := r.lookupWorkflow(workflowID)
	if !ok {
		return nil, &core.NotFoundError{Kind: "workflow", ID: workflowID}
	}

	seed := make(map[string]any, len(req.Context)+2)
	for k, v := range req.Context {
		seed[k] = v
	}
	seed["message"] = req.Message
	seed["user_id"] = req.UserID

	state, err := r.engine.Execute(ctx, def, threadID, req.UserID, seed)
	return r.finishWorkflow(ctx, def, threadID, state, err)
}

// finishWorkflow converts an engine outcome into a routing response.
// Integrity faults are absorbed into a generic reply; execution errors and
// timeouts propagate so the caller can resume or abandon with the checkpoint
// intact.
func (r *Router) finishWorkflow(ctx context.Context, def *workflow.Definition, threadID string, state *core.WorkflowState, err error) (*Response, error) {
	resp := &Response{ThreadID: threadID, WorkflowID: def.ID}
	if state != nil {
		resp.WorkflowStep = state.Node
	}

	if err != nil {
		var fault *core.IntegrityFault
		if errors.As(err, &fault) {
			r.logger.Error("router.workflow_integrity_fault",
				"workflow_id", def.ID, "thread_id", threadID, "detail", fault.Detail)
			resp.Reply = genericFailureReply
			return resp, nil
		}
		return resp, err
	}

	reply := state.GetString("reply", "")
	if reply == "" {
		reply = fmt.Sprintf("Workflow %s completed.", def.ID)
	}
	if appendErr := r.store.Append(ctx, threadID, core.NewMessage(core.RoleAgent, reply)); appendErr != nil {
		return nil, appendErr
	}
	resp.Reply = reply
	return resp, nil
}

// absorbAgentFailure implements the propagation policy for the direct-call
// path: execution errors and integrity faults are logged and replaced with a
// generic failure reply; anything else propagates.
func (r *Router) absorbAgentFailure(ctx context.Context, agentID, threadID string, err error) (*Response, error) {
	var fault *core.IntegrityFault
	var execErr *core.ExecutionError
	switch {
	case errors.As(err, &fault):
		r.logger.Error("router.integrity_fault",
			"agent", agentID, "thread_id", threadID, "detail", fault.Detail)
	case errors.As(err, &execErr):
		r.logger.Error("router.agent_execution_failed",
			"agent", agentID, "thread_id", threadID, "error", err)
	default:
		return nil, err
	}

	if appendErr := r.store.Append(ctx, threadID, core.NewMessage(core.RoleAgent, genericFailureReply)); appendErr != nil {
		return nil, appendErr
	}
	return &Response{Reply: genericFailureReply, ThreadID: threadID, AgentUsed: agentID}, nil
}

func (r *Router) persistResult(ctx context.Context, threadID string, res *agent.Result) error {
	for _, msg := range res.Messages {
		if err := r.store.Append(ctx, threadID, msg); err != nil {
			return err
		}
	}
	return nil
}

// resolveThread returns an existing thread id or creates a fresh thread.
func (r *Router) resolveThread(ctx context.Context, threadID, userID string) (string, error) {
	if threadID == "" {
		threadID = core.NewID()
	}
	if _, err := r.store.Create(ctx, threadID, userID); err != nil {
		return "", err
	}
	return threadID, nil
}

// admit reserves the thread for one request; release frees it. Contention is
// rejected, never queued, so a stuck request cannot pile up waiters.
func (r *Router) admit(threadID string) bool {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	if _, busy := r.inflight[threadID]; busy {
		return false
	}
	r.inflight[threadID] = struct{}{}
	return true
}

func (r *Router) release(threadID string) {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	delete(r.inflight, threadID)
}

func (r *Router) lookupAgent(id string) (agent.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

func (r *Router) lookupWorkflow(id string) (*workflow.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.workflows[id]
	return def, ok
}

func isNotFound(err error) bool {
	var nf *core.NotFoundError
	return errors.As(err, &nf)
}
