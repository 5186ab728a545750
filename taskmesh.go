// Package taskmesh provides a high-level façade over the orchestration core:
// capability registry, agent executor, workflow engine and router wired
// together behind a small API. Most applications interact with this package
// by:
//  1. Creating a System via New() (optionally overriding the in-memory store)
//  2. Registering capabilities, agents and workflow definitions
//  3. Handling user messages with RouteRequest, or calling agents and
//     workflows directly
//
// The façade delegates all semantics to the underlying packages while
// keeping setup ergonomics concise. Defaults are safe for local development
// and testing; production deployments typically supply a durable thread
// store and a structured logger.
package taskmesh

import (
	"context"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskmesh/taskmesh/agent"
	"github.com/taskmesh/taskmesh/capability"
	"github.com/taskmesh/taskmesh/config"
	"github.com/taskmesh/taskmesh/core"
	"github.com/taskmesh/taskmesh/logging"
	"github.com/taskmesh/taskmesh/memory"
	"github.com/taskmesh/taskmesh/memory/postgres"
	"github.com/taskmesh/taskmesh/memory/sqlite"
	"github.com/taskmesh/taskmesh/router"
	"github.com/taskmesh/taskmesh/workflow"
)

// Options configures a System.
type Options struct {
	// ThreadStore persists conversation threads and workflow checkpoints.
	// Defaults to the in-memory store.
	ThreadStore core.ThreadStore

	// Classifier ranks agents for unhinted messages. When nil, unhinted
	// requests go straight to the fallback agent.
	Classifier router.Classifier

	// ConfidenceFloor is the minimum classification confidence required to
	// select the top candidate; below it the fallback agent is used.
	ConfidenceFloor float64

	// FallbackAgent handles low-confidence messages. Leaving it empty makes
	// low-confidence routing a configuration error.
	FallbackAgent string

	// MemoryWindow is how many recent messages are loaded as history for
	// agent calls. Defaults to 20.
	MemoryWindow int

	// MaxIterations bounds the number of steps one workflow run may take.
	// Defaults to 25.
	MaxIterations int

	// NodeTimeout bounds the wall-clock time of a single workflow node.
	// Defaults to 30 seconds.
	NodeTimeout time.Duration

	// MaxToolRounds bounds the predict/invoke rounds one agent message may
	// take. Defaults to 5.
	MaxToolRounds int

	// Logger defaults to NoOp if nil.
	Logger logging.Logger
}

// System aggregates the registry, executor, engine and router. It is safe
// for concurrent use.
type System struct {
	registry *capability.Registry
	engine   *workflow.Engine
	router   *router.Router
	store    core.ThreadStore
}

// New creates a fully wired System. Any unset option falls back to an
// in-memory or no-op default.
func New(optFns ...func(o *Options)) *System {
	opts := Options{
		ThreadStore: memory.NewInMemoryStore(),
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	registry := capability.NewRegistry(func(o *capability.RegistryOptions) {
		o.Logger = opts.Logger
	})
	executor := agent.NewExecutor(registry, func(o *agent.ExecutorOptions) {
		if opts.MaxToolRounds > 0 {
			o.MaxToolRounds = opts.MaxToolRounds
		}
		o.Logger = opts.Logger
	})

	// The engine resolves agent nodes through the router, and the router
	// drives the engine for workflow requests; the indirection below breaks
	// the construction cycle.
	var rt *router.Router
	engine := workflow.NewEngine(registry, opts.ThreadStore, func(o *workflow.EngineOptions) {
		o.Agents = agentCallerFunc(func(ctx context.Context, agentID, message, threadID, userID string) (string, error) {
			return rt.CallAgent(ctx, agentID, message, threadID, userID)
		})
		if opts.MaxIterations > 0 {
			o.MaxIterations = opts.MaxIterations
		}
		if opts.NodeTimeout > 0 {
			o.NodeTimeout = opts.NodeTimeout
		}
		o.Logger = opts.Logger
	})
	rt = router.New(registry, executor, engine, opts.ThreadStore, func(o *router.Options) {
		o.Classifier = opts.Classifier
		o.ConfidenceFloor = opts.ConfidenceFloor
		o.FallbackAgent = opts.FallbackAgent
		if opts.MemoryWindow > 0 {
			o.MemoryWindow = opts.MemoryWindow
		}
		o.Logger = opts.Logger
	})

	return &System{registry: registry, engine: engine, router: rt, store: opts.ThreadStore}
}

// NewFromConfig creates a System wired from a loaded configuration: the
// thread store named by store.backend plus the router and workflow tuning
// keys. Option functions run after the config is applied and win on
// conflict.
func NewFromConfig(ctx context.Context, cfg *config.Config, optFns ...func(o *Options)) (*System, error) {
	var store core.ThreadStore
	switch cfg.Store.Backend {
	case "sqlite":
		s, err := sqlite.Open(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		store = s
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		s := postgres.NewStore(pool)
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		store = s
	default:
		store = memory.NewInMemoryStore()
	}

	base := func(o *Options) {
		o.ThreadStore = store
		o.ConfidenceFloor = cfg.Router.ConfidenceFloor
		o.FallbackAgent = cfg.Router.FallbackAgent
		o.MemoryWindow = cfg.Router.MemoryWindow
		o.MaxIterations = cfg.Workflow.MaxIterations
		o.NodeTimeout = time.Duration(cfg.Workflow.NodeTimeoutSeconds) * time.Second
	}
	return New(append([]func(o *Options){base}, optFns...)...), nil
}

type agentCallerFunc func(ctx context.Context, agentID, message, threadID, userID string) (string, error)

func (f agentCallerFunc) CallAgent(ctx context.Context, agentID, message, threadID, userID string) (string, error) {
	return f(ctx, agentID, message, threadID, userID)
}

// Registry exposes the capability registry for registration and inspection.
func (s *System) Registry() *capability.Registry { return s.registry }

// Store exposes the configured thread store.
func (s *System) Store() core.ThreadStore { return s.store }

// RegisterCapability adds a capability descriptor to the registry.
func (s *System) RegisterCapability(d capability.Descriptor) error {
	return s.registry.Register(d)
}

// RegisterAgent adds an agent to the router.
func (s *System) RegisterAgent(a agent.Agent) error { return s.router.RegisterAgent(a) }

// RegisterWorkflow adds a workflow definition, validating it first.
func (s *System) RegisterWorkflow(def *workflow.Definition) error {
	return s.router.RegisterWorkflow(def)
}

// RouteRequest classifies and dispatches one user message.
func (s *System) RouteRequest(ctx context.Context, req router.Request) (*router.Response, error) {
	return s.router.RouteRequest(ctx, req)
}

// ExecuteDirectAgentCall bypasses classification and addresses one agent.
func (s *System) ExecuteDirectAgentCall(ctx context.Context, agentID, message, userID, threadID string) (*router.Response, error) {
	return s.router.ExecuteDirectAgentCall(ctx, agentID, message, userID, threadID)
}

// Resume continues an interrupted workflow from its latest checkpoint.
func (s *System) Resume(ctx context.Context, threadID, userID string) (*router.Response, error) {
	return s.router.Resume(ctx, threadID, userID)
}

// Status reports registered counts and in-flight thread activity.
func (s *System) Status() router.Status { return s.router.GetSystemStatus() }

// Shutdown releases held resources. Stores backed by a database are closed;
// the in-memory default is a no-op.
func (s *System) Shutdown(ctx context.Context) error {
	if closer, ok := s.store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
