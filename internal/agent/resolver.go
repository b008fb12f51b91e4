package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/kestrel-run/agentcore/internal/bus"
	"github.com/kestrel-run/agentcore/internal/config"
	"github.com/kestrel-run/agentcore/internal/identity"
	"github.com/kestrel-run/agentcore/internal/memory"
	"github.com/kestrel-run/agentcore/internal/providers"
	"github.com/kestrel-run/agentcore/internal/skills"
	"github.com/kestrel-run/agentcore/internal/store"
	"github.com/kestrel-run/agentcore/internal/tools"
)

// Agent is anything that can process a RunRequest. *Loop is the only
// implementation; the interface exists so the gateway and scheduler depend
// on behavior rather than the concrete loop type.
type Agent interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
	ID() string
	Model() string
	IsRunning() bool
}

// Router holds the running agent(s), keyed by agent ID. A single-agent
// deployment registers one entry (its configured agent key); the router
// exists so the gateway and scheduler always look agents up by key rather
// than holding a *Loop directly, leaving room for more than one agent
// identity to run side by side under one process.
type Router struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

func NewRouter() *Router {
	return &Router{agents: make(map[string]Agent)}
}

func (r *Router) Register(key string, a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[key] = a
}

func (r *Router) Get(key string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[key]
	return a, ok
}

func (r *Router) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.agents))
	for k := range r.agents {
		keys = append(keys, k)
	}
	return keys
}

// BuildDeps holds the shared dependencies a BuildAgent call wires into the
// resulting Loop.
type BuildDeps struct {
	Provider     providers.Provider
	Bus          bus.EventPublisher
	Sessions     store.SessionStore
	Tools        *tools.Registry
	ToolPolicy   *tools.PolicyEngine
	SkillsLoader *skills.Loader
	MemoryStore  *memory.Store // nil when memory is disabled
	Identity     *identity.Bundle
	OnEvent      func(AgentEvent)
}

// BuildAgent constructs the single configured agent's Loop from the static
// config file — there is no per-request DB resolution; the agent identity,
// model, and tool policy are fixed for the lifetime of the process and
// rebuilt only on config reload.
func BuildAgent(agentKey string, cfg *config.Config, deps BuildDeps) (*Loop, error) {
	if deps.Provider == nil {
		return nil, fmt.Errorf("agent %s: no provider configured", agentKey)
	}

	workspace := cfg.Agent.Workspace
	if workspace != "" {
		workspace = config.ExpandHome(workspace)
		if !filepath.IsAbs(workspace) {
			if abs, err := filepath.Abs(workspace); err == nil {
				workspace = abs
			}
		}
		if err := os.MkdirAll(workspace, 0755); err != nil {
			slog.Warn("failed to create agent workspace directory", "workspace", workspace, "agent", agentKey, "error", err)
		}
	}

	contextWindow := cfg.Agent.ContextWindow
	if contextWindow <= 0 {
		contextWindow = 200000
	}
	maxIter := cfg.Agent.MaxIterations
	if maxIter <= 0 {
		maxIter = 100
	}

	thinkingLevel := ""
	if cfg.Agent.EnableThinking {
		thinkingLevel = "medium"
	}

	// Compiler pre-stage shares the agent's own provider/model for now — a
	// dedicated lightweight endpoint is wired once the config gains a place
	// to name one.
	var compiler *Compiler
	if cfg.Agent.Compiler != nil && cfg.Agent.Compiler.Enabled {
		compiler = NewCompiler(deps.Provider, deps.Provider.DefaultModel())
	}

	loop := NewLoop(LoopConfig{
		ID:              agentKey,
		Provider:        deps.Provider,
		Model:           deps.Provider.DefaultModel(),
		ContextWindow:   contextWindow,
		MaxIterations:   maxIter,
		Workspace:       workspace,
		Bus:             deps.Bus,
		Sessions:        deps.Sessions,
		Tools:           deps.Tools,
		ToolPolicy:      deps.ToolPolicy,
		SkillsLoader:    deps.SkillsLoader,
		HasMemory:       deps.MemoryStore != nil,
		Identity:        deps.Identity,
		MemoryStore:     deps.MemoryStore,
		CompressionCfg:  cfg.Agent.Compression,
		OwnerIDs:        cfg.Gateway.OwnerIDs,
		InjectionAction: "warn",
		MaxMessageChars: cfg.Gateway.MaxMessageChars,
		ThinkingLevel:   thinkingLevel,
		Compiler:        compiler,
		OnEvent:         deps.OnEvent,
	})

	slog.Info("agent loop built", "agent", agentKey, "model", loop.Model(), "workspace", workspace)
	return loop, nil
}
