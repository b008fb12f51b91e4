package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/kestrel-run/agentcore/internal/providers"
)

// Tool is the contract every built-in tool implements: a name/description/
// JSON-schema triple the provider sees, and an Execute that the registry
// dispatches to with request-scoped context (channel, chat, workspace,
// sandbox key, ...) rather than mutable fields.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// AsyncCallback delivers a tool's result after it completes in the
// background (spawn-and-report tools; e.g. a long-running browser session).
type AsyncCallback func(toolName string, result *Result)

// Registry holds the set of tools available to an agent loop and dispatches
// calls by name, injecting the request's channel/chat/session identifiers
// into context so tool instances stay free of per-call mutable state.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any existing tool registered under the
// same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the tool registered under name, if any.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderDefs returns every registered tool's provider-facing definition,
// unfiltered by policy.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		defs = append(defs, ToProviderDef(r.tools[name]))
	}
	return defs
}

// ToProviderDef converts a Tool's schema into the flat definition shape
// providers send to the LLM.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Parameters(),
	}
}

// ExecuteWithContext dispatches a tool call, injecting the request's
// channel/chat/peer/session identifiers into context before calling
// Execute. asyncCB is stashed in context for tools that spawn background
// work and want to report a result after returning immediately.
func (r *Registry) ExecuteWithContext(ctx context.Context, name string, args map[string]interface{}, channel, chatID, peerKind, sessionKey string, asyncCB AsyncCallback) *Result {
	tool, ok := r.Get(name)
	if !ok {
		return ErrorResult("unknown tool: " + name)
	}

	ctx = WithToolChannel(ctx, channel)
	ctx = WithToolChatID(ctx, chatID)
	ctx = WithToolPeerKind(ctx, peerKind)
	ctx = WithToolSandboxKey(ctx, sessionKey)
	if asyncCB != nil {
		ctx = WithToolAsyncCB(ctx, asyncCB)
	}

	return tool.Execute(ctx, args)
}
