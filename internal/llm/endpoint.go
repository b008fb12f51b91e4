package llm

import (
	"fmt"
	"os"
	"time"
)

// ProtocolFamily distinguishes wire-compatible provider groups, used to
// scope failover when allow_failover_with_tool_context is enabled
// (spec.md §4.1: "only among endpoints sharing the same protocol family").
type ProtocolFamily string

const (
	ProtocolAnthropic      ProtocolFamily = "anthropic-native"
	ProtocolOpenAICompat   ProtocolFamily = "openai-compatible"
)

// PricingTier is one tiered-pricing bracket, kept opaque to routing logic.
type PricingTier struct {
	MaxTokens   int     `json:"max_tokens"`
	InputPrice  float64 `json:"input_price"`
	OutputPrice float64 `json:"output_price"`
}

// Endpoint is a single reachable LLM deployment (spec.md §3 "Endpoint").
// Immutable except via config reload.
type Endpoint struct {
	Name         string         `json:"name"`
	Provider     string         `json:"provider"`
	Protocol     ProtocolFamily `json:"protocol"`
	BaseURL      string         `json:"base_url"`
	APIKeyEnv    string         `json:"api_key_env,omitempty"`
	APIKey       string         `json:"api_key,omitempty"` // literal, discouraged — prefer APIKeyEnv
	Model        string         `json:"model"`
	Priority     int            `json:"priority"` // lower = preferred
	MaxTokens    int            `json:"max_tokens"` // 0 = unlimited
	ContextWindow int           `json:"context_window"`
	TimeoutSecs  int            `json:"timeout_seconds"`
	Capabilities CapabilitySet  `json:"-"`
	RPMLimit     int            `json:"rpm_limit,omitempty"`
	PricingTiers []PricingTier  `json:"pricing_tiers,omitempty"`
	ExtraParams  map[string]any `json:"extra_params,omitempty"`
	Note         string         `json:"note,omitempty"`
}

// ResolvedAPIKey returns the credential for this endpoint, preferring the
// environment-variable indirection per spec.md §6.
func (e Endpoint) ResolvedAPIKey() string {
	if e.APIKeyEnv != "" {
		if v := os.Getenv(e.APIKeyEnv); v != "" {
			return v
		}
	}
	return e.APIKey
}

// Timeout returns the configured timeout, defaulting to 180s (spec.md §5).
func (e Endpoint) Timeout() time.Duration {
	if e.TimeoutSecs <= 0 {
		return 180 * time.Second
	}
	return time.Duration(e.TimeoutSecs) * time.Second
}

// Validate checks that the endpoint has a name and that a "thinking"
// capability claim comes with a protocol family. The model name is not
// checked against any list of thinking-capable models.
func (e Endpoint) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("endpoint: name is required")
	}
	if e.Capabilities.Has(CapThinking) && e.Protocol == "" {
		return fmt.Errorf("endpoint %s: thinking capability requires a known protocol family", e.Name)
	}
	return nil
}

// EndpointOverride pins routing to a single endpoint, conversation-scoped
// or process-wide (spec.md §3 "EndpointOverride").
type EndpointOverride struct {
	EndpointName string
	ExpiresAt    time.Time
	Reason       string
}

// Expired reports whether the override should be dropped on next lookup.
func (o EndpointOverride) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}
