package providers

import (
	"context"
	"fmt"

	"github.com/kestrel-run/agentcore/internal/llm"
)

// PoolProvider adapts an *llm.Pool — with its capability routing, cooldown
// and failover — to the flat Provider interface the agent loop drives.
type PoolProvider struct {
	pool *llm.Pool
	name string
}

// NewPoolProvider wraps a pool for full multi-endpoint routing. name is
// cosmetic (used in logs/spans, e.g. "pool").
func NewPoolProvider(pool *llm.Pool, name string) *PoolProvider {
	return &PoolProvider{pool: pool, name: name}
}

func (p *PoolProvider) Name() string { return p.name }

func (p *PoolProvider) DefaultModel() string { return p.pool.CurrentModel("") }

func (p *PoolProvider) SupportsThinking() bool {
	for _, ep := range p.pool.Endpoints() {
		if ep.Capabilities.Has(llm.CapThinking) {
			return true
		}
	}
	return false
}

func (p *PoolProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := p.pool.Chat(ctx, toLLMRequest(req))
	if err != nil {
		return nil, err
	}
	return fromLLMResponse(resp), nil
}

func (p *PoolProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	resp, err := p.pool.ChatStream(ctx, toLLMRequest(req), func(c llm.StreamChunk) {
		if onChunk != nil {
			onChunk(StreamChunk{Content: c.Text, Thinking: c.Thinking})
		}
	})
	if err != nil {
		return nil, err
	}
	return fromLLMResponse(resp), nil
}

// endpointProvider pins calls to a single named endpoint, bypassing pool
// failover entirely — used by tools (create_image, read_image) that need
// one specific named backend rather than the routed chat pool.
type endpointProvider struct {
	pool *llm.Pool
	ep   llm.Endpoint
}

func (e *endpointProvider) Name() string         { return e.ep.Name }
func (e *endpointProvider) DefaultModel() string  { return e.ep.Model }
func (e *endpointProvider) SupportsThinking() bool { return e.ep.Capabilities.Has(llm.CapThinking) }

func (e *endpointProvider) APIKey() string  { return e.ep.ResolvedAPIKey() }
func (e *endpointProvider) APIBase() string { return e.ep.BaseURL }

func (e *endpointProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	caller, ok := e.pool.CallerFor(e.ep.Provider)
	if !ok {
		return nil, fmt.Errorf("providers: no caller registered for %q", e.ep.Provider)
	}
	llmReq := toLLMRequest(req)
	if llmReq.Model == "" {
		llmReq.Model = e.ep.Model
	}
	resp, err := caller.Call(ctx, e.ep, llmReq)
	if err != nil {
		return nil, err
	}
	return fromLLMResponse(resp), nil
}

func (e *endpointProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	caller, ok := e.pool.CallerFor(e.ep.Provider)
	if !ok {
		return nil, fmt.Errorf("providers: no caller registered for %q", e.ep.Provider)
	}
	llmReq := toLLMRequest(req)
	if llmReq.Model == "" {
		llmReq.Model = e.ep.Model
	}
	resp, err := caller.CallStream(ctx, e.ep, llmReq, func(c llm.StreamChunk) {
		if onChunk != nil {
			onChunk(StreamChunk{Content: c.Text, Thinking: c.Thinking})
		}
	})
	if err != nil {
		return nil, err
	}
	return fromLLMResponse(resp), nil
}
