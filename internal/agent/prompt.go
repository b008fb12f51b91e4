package agent

import (
	"fmt"
	"strings"

	"github.com/kestrel-run/agentcore/internal/identity"
)

// PromptMode controls how much scaffolding BuildSystemPrompt includes.
type PromptMode int

const (
	// PromptFull renders the complete system prompt: identity sections,
	// tool list, skills summary, workspace/sandbox notes.
	PromptFull PromptMode = iota
	// PromptMinimal renders a trimmed prompt for low-context runs (e.g. a
	// scheduled task invocation with no interactive channel attached).
	PromptMinimal
)

// SystemPromptConfig carries everything BuildSystemPrompt needs to render
// one agent's system prompt for one request.
type SystemPromptConfig struct {
	AgentID        string
	Model          string
	Workspace      string
	Channel        string
	OwnerIDs       []string
	Mode           PromptMode
	ToolNames      []string
	SkillsSummary  string
	HasMemory      bool
	HasSpawn       bool
	HasSkillSearch bool
	ContextFiles   []identity.ContextFile
	ExtraPrompt    string
}

// BuildSystemPrompt assembles the system prompt from identity context
// (SOUL/AGENT/USER/MEMORY), workspace and tool-availability notes, and any
// extra prompt material injected by the caller (skills, scheduled-run
// framing). PromptMinimal skips everything but identity and the extra
// prompt, for contexts with no room to spare.
func BuildSystemPrompt(cfg SystemPromptConfig) string {
	var b strings.Builder

	for _, cf := range cfg.ContextFiles {
		if cf.Content == "" {
			continue
		}
		fmt.Fprintf(&b, "<%s>\n%s\n</%s>\n\n", cf.Name, cf.Content, cf.Name)
	}

	if cfg.Mode == PromptMinimal {
		if cfg.ExtraPrompt != "" {
			b.WriteString(cfg.ExtraPrompt)
			b.WriteString("\n\n")
		}
		return strings.TrimSpace(b.String())
	}

	fmt.Fprintf(&b, "You are agent %q, running model %s.\n", cfg.AgentID, cfg.Model)
	if cfg.Channel != "" {
		fmt.Fprintf(&b, "This conversation arrived over the %s channel.\n", cfg.Channel)
	}
	if cfg.Workspace != "" {
		fmt.Fprintf(&b, "Your workspace is %s. Use it for any files you read or write.\n", cfg.Workspace)
	}
	if len(cfg.OwnerIDs) > 0 {
		fmt.Fprintf(&b, "Your owner IDs: %s. Owner-only tools require the sender to match one of these.\n", strings.Join(cfg.OwnerIDs, ", "))
	}
	b.WriteString("\n")

	if len(cfg.ToolNames) > 0 {
		fmt.Fprintf(&b, "Available tools: %s.\n", strings.Join(cfg.ToolNames, ", "))
	}
	if cfg.HasMemory {
		b.WriteString("You have access to a persistent memory store across conversations via memory_search/memory_get.\n")
	}
	if cfg.HasSkillSearch {
		b.WriteString("Use skill_search to discover and load relevant skills on demand.\n")
	} else if cfg.SkillsSummary != "" {
		b.WriteString("\n<available_skills>\n")
		b.WriteString(cfg.SkillsSummary)
		b.WriteString("\n</available_skills>\n")
	}
	b.WriteString("\n")

	if cfg.ExtraPrompt != "" {
		b.WriteString(cfg.ExtraPrompt)
		b.WriteString("\n\n")
	}

	return strings.TrimSpace(b.String())
}
