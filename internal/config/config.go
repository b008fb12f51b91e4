// Package config loads and hot-reloads the gateway's root configuration:
// agent defaults, channel credentials and policies, tool policy, session
// scoping, and the scheduler/memory subsystems. Grounded on the teacher's
// internal/config package (FlexibleStringSlice, env-var secret overlay,
// JSON5 file format via github.com/titanous/json5) trimmed of the
// multi-tenant Postgres/Tailscale/Docker-sandbox concerns out of scope for
// this runtime (SPEC_FULL.md §A).
package config

import (
	"encoding/json"
	"fmt"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON, matching
// loosely-typed allowlists that sometimes carry numeric chat IDs.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the agent gateway.
type Config struct {
	Identity  IdentityConfig  `json:"identity"`
	Agent     AgentConfig     `json:"agent"`
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	Tools     ToolsConfig     `json:"tools"`
	Sessions  SessionsConfig  `json:"sessions"`
	Memory    MemoryConfig    `json:"memory"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Skills    SkillsConfig    `json:"skills"`
}

// IdentityConfig locates the identity context files (SOUL.md/AGENT.md/
// USER.md/MEMORY.md, spec.md §6).
type IdentityConfig struct {
	Dir string `json:"dir"` // default "~/.agentcore/identity"
}

// AgentConfig controls the tool loop and prompt assembly.
type AgentConfig struct {
	Workspace           string            `json:"workspace"`
	RestrictToWorkspace bool              `json:"restrict_to_workspace"`
	MaxIterations       int               `json:"max_iterations"` // default 100 ("Ralph mode")
	MaxTokens           int               `json:"max_tokens"`
	Temperature         float64           `json:"temperature"`
	ContextWindow       int               `json:"context_window"`
	EnableThinking      bool              `json:"enable_thinking"`
	Compiler            *CompilerConfig   `json:"compiler,omitempty"`
	Compression         CompressionConfig `json:"compression"`
}

// CompilerConfig configures the optional prompt-compiler stage
// (spec.md §4.4).
type CompilerConfig struct {
	Enabled bool `json:"enabled"`
}

// CompressionConfig controls context-window compression (spec.md §4.4:
// verbatim recent turns plus a synthetic summary of the rest).
type CompressionConfig struct {
	KeepLastMessages   int     `json:"keep_last_messages"`   // default 20
	TriggerRatio       float64 `json:"trigger_ratio"`        // fraction of context_window that triggers compression (default 0.75)
	ReserveTokensFloor int     `json:"reserve_tokens_floor"` // default 4000
}

// SkillsConfig configures the skills loader directories.
type SkillsConfig struct {
	GlobalDir string `json:"global_dir,omitempty"` // default "~/.agentcore/skills"
}

// SessionsConfig controls session scoping and storage.
type SessionsConfig struct {
	Storage            string `json:"storage"`            // directory for session files
	DmScope            string `json:"dm_scope,omitempty"` // "main", "per-peer", "per-channel-peer" (default), "per-account-channel-peer"
	MainKey            string `json:"main_key,omitempty"` // default "main"
	IdleTimeoutMinutes int    `json:"idle_timeout_minutes,omitempty"` // default 30, 0 = disabled
}

// GatewayConfig controls inbound/outbound message handling.
type GatewayConfig struct {
	OwnerIDs          []string `json:"owner_ids,omitempty"`
	MaxMessageChars   int      `json:"max_message_chars,omitempty"`   // default 32000
	RateLimitRPM      int      `json:"rate_limit_rpm,omitempty"`      // default 20, 0 = disabled
	InboundDebounceMs int      `json:"inbound_debounce_ms,omitempty"` // default 1000, -1 = disabled
}

// MemoryConfig configures the SQLite+FTS5 memory subsystem (spec.md §4.5).
type MemoryConfig struct {
	Enabled           *bool   `json:"enabled,omitempty"` // default true
	Path              string  `json:"path"`              // sqlite file path, default "~/.agentcore/memory.db"
	MaxResults        int     `json:"max_results,omitempty"`          // default 6
	RelevanceWeight   float64 `json:"relevance_weight,omitempty"`     // default 0.4
	RecencyWeight     float64 `json:"recency_weight,omitempty"`       // default 0.25
	ImportanceWeight  float64 `json:"importance_weight,omitempty"`    // default 0.2
	AccessCountWeight float64 `json:"access_count_weight,omitempty"`  // default 0.15
	DecayHalfLifeDays float64 `json:"decay_half_life_days,omitempty"` // default 30
	ConsolidationHour int     `json:"consolidation_hour,omitempty"`   // local hour to run nightly consolidation, default 3
	DedupSimilarity   float64 `json:"dedup_similarity,omitempty"`     // word-overlap threshold, default 0.7
}

// IsEnabled returns whether memory is enabled (default true).
func (c MemoryConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// SchedulerConfig configures the task scheduler.
type SchedulerConfig struct {
	Storage string `json:"storage"` // directory for task/execution persistence
}

// ToolsConfig controls tool availability and policy.
type ToolsConfig struct {
	Profile          string          `json:"profile,omitempty"` // "minimal", "coding", "messaging", "full"
	Allow            []string        `json:"allow,omitempty"`
	Deny             []string        `json:"deny,omitempty"`
	ExecApproval     ExecApprovalCfg `json:"exec_approval,omitempty"`
	Web              WebToolsConfig  `json:"web"`
	ScrubCredentials *bool           `json:"scrub_credentials,omitempty"` // default true
}

// ExecApprovalCfg configures shell command execution approval.
type ExecApprovalCfg struct {
	Security  string   `json:"security,omitempty"` // "deny", "allowlist", "full" (default "full")
	Ask       string   `json:"ask,omitempty"`      // "off" (default), "on-miss", "always"
	Allowlist []string `json:"allowlist,omitempty"`
}

type WebToolsConfig struct {
	DuckDuckGo DuckDuckGoConfig `json:"duckduckgo"`
}

type DuckDuckGoConfig struct {
	Enabled    bool `json:"enabled"`
	MaxResults int  `json:"max_results"`
}

// VisionConfig pins the read_image tool to a specific endpoint instead of
// falling back to the built-in provider priority list.
type VisionConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

// ImageGenConfig pins the create_image tool to a specific endpoint instead
// of falling back to the built-in provider priority list.
type ImageGenConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}
