package agent

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kestrel-run/agentcore/internal/providers"
)

// trivialMessagePattern matches short greetings and acknowledgements that
// don't benefit from compilation: "hi", "thanks", "ok", emoji-only, etc.
var trivialMessagePattern = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|yo|sup|thanks|thank you|thx|ok|okay|cool|nice|great|got it|sure|bye|good (morning|night|evening))[.!?\s]*$`)

// Compiler runs an optional lightweight pre-stage that rewrites a non-trivial
// user message into a structured task definition before the main tool loop
// sees it. It calls its own model in isolation — the compile call carries
// only the user's message, never the session's history — so a failure or
// slow response never pollutes the main conversation.
type Compiler struct {
	provider providers.Provider
	model    string
}

// NewCompiler builds a Compiler. provider/model are the lightweight
// endpoint to compile with — typically a cheaper/faster model than the
// agent's main one.
func NewCompiler(provider providers.Provider, model string) *Compiler {
	return &Compiler{provider: provider, model: model}
}

// shouldCompile reports whether message is substantial enough to warrant
// compilation: not empty, not trivially short, not a bare greeting.
func shouldCompile(message string) bool {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" || len(trimmed) < 12 {
		return false
	}
	return !trivialMessagePattern.MatchString(trimmed)
}

const compilerSystemPrompt = `You turn a user's request into a compact structured task definition.
Output YAML only, no prose, no code fences, with these keys:
task_type: short classification (question, action, creative, debug, other)
goal: one sentence, the user's actual objective
given: bullet list of inputs/context the user already provided
missing: bullet list of inputs that would help but are absent
constraints: bullet list of explicit constraints, or [] if none
output_requirements: what form the answer should take
risks: bullet list of things that could go wrong attempting this, or [] if none`

// Compile transforms message into a structured YAML task definition,
// returning the original message unchanged on any failure (timeout, error,
// empty response) so a compiler outage never blocks the agent.
func (c *Compiler) Compile(ctx context.Context, message string) string {
	if c == nil || c.provider == nil || !shouldCompile(message) {
		return message
	}

	resp, err := c.provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: compilerSystemPrompt},
			{Role: "user", Content: message},
		},
		Model:   c.model,
		Options: map[string]interface{}{providers.OptMaxTokens: 512, providers.OptTemperature: 0.2},
	})
	if err != nil || resp == nil || strings.TrimSpace(resp.Content) == "" {
		slog.Warn("prompt compiler failed, falling back to original message", "error", err)
		return message
	}

	return "[Compiled task definition]\n" + strings.TrimSpace(resp.Content) + "\n\n[Original message]\n" + message
}
