package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kestrel-run/agentcore/internal/llm"
)

// EndpointsFile is the decoded shape of llm_endpoints.json (spec.md §6).
type EndpointsFile struct {
	Endpoints         []EndpointSpec `json:"endpoints"`
	CompilerEndpoints []EndpointSpec `json:"compiler_endpoints,omitempty"`
	STTEndpoints      []EndpointSpec `json:"stt_endpoints,omitempty"`
	Settings          PoolSettings   `json:"settings"`
}

// EndpointSpec is the on-disk shape of one endpoint entry; it differs from
// llm.Endpoint only in how the protocol family and capability list are
// spelled (api_type/capabilities strings vs. typed fields).
type EndpointSpec struct {
	Name          string             `json:"name"`
	Provider      string             `json:"provider"`
	APIType       string             `json:"api_type"` // "anthropic" | "openai"
	BaseURL       string             `json:"base_url"`
	APIKeyEnv     string             `json:"api_key_env,omitempty"`
	APIKey        string             `json:"api_key,omitempty"`
	Model         string             `json:"model"`
	Priority      int                `json:"priority"`
	MaxTokens     int                `json:"max_tokens"`
	ContextWindow int                `json:"context_window"`
	Timeout       int                `json:"timeout"`
	Capabilities  []string           `json:"capabilities,omitempty"`
	ExtraParams   map[string]any     `json:"extra_params,omitempty"`
	RPMLimit      int                `json:"rpm_limit,omitempty"`
	PricingTiers  []llm.PricingTier  `json:"pricing_tiers,omitempty"`
	Note          string             `json:"note,omitempty"`
}

// PoolSettings mirrors llm.Settings in its on-disk JSON shape.
type PoolSettings struct {
	RetryCount                  int  `json:"retry_count"`
	RetryDelaySeconds            int  `json:"retry_delay_seconds"`
	RetrySameEndpointFirst        bool `json:"retry_same_endpoint_first"`
	AllowFailoverWithToolContext bool `json:"allow_failover_with_tool_context"`
	FallbackOnError               bool `json:"fallback_on_error"`
}

// ToEndpoint converts the on-disk spec into the runtime llm.Endpoint,
// filling in a default capability set from llm.DefaultCapabilities when
// the spec omits the capabilities list.
func (s EndpointSpec) ToEndpoint() llm.Endpoint {
	protocol := llm.ProtocolOpenAICompat
	if s.APIType == "anthropic" {
		protocol = llm.ProtocolAnthropic
	}

	var caps llm.CapabilitySet
	if len(s.Capabilities) > 0 {
		caps = llm.CapabilitySet{}
		for _, c := range s.Capabilities {
			caps[llm.Capability(c)] = true
		}
	} else {
		caps = llm.DefaultCapabilities(s.Provider)
	}

	return llm.Endpoint{
		Name:          s.Name,
		Provider:      s.Provider,
		Protocol:      protocol,
		BaseURL:       s.BaseURL,
		APIKeyEnv:     s.APIKeyEnv,
		APIKey:        s.APIKey,
		Model:         s.Model,
		Priority:      s.Priority,
		MaxTokens:     s.MaxTokens,
		ContextWindow: s.ContextWindow,
		TimeoutSecs:   s.Timeout,
		Capabilities:  caps,
		RPMLimit:      s.RPMLimit,
		PricingTiers:  s.PricingTiers,
		ExtraParams:   s.ExtraParams,
		Note:          s.Note,
	}
}

func (s PoolSettings) ToPoolSettings() llm.Settings {
	return llm.Settings{
		RetryCount:                   s.RetryCount,
		RetryDelaySeconds:            s.RetryDelaySeconds,
		RetrySameEndpointFirst:       s.RetrySameEndpointFirst,
		AllowFailoverWithToolContext: s.AllowFailoverWithToolContext,
		FallbackOnError:              s.FallbackOnError,
	}
}

// LoadEndpoints reads and parses an llm_endpoints.json file.
func LoadEndpoints(path string) (*EndpointsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read endpoints file: %w", err)
	}
	var f EndpointsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse endpoints file: %w", err)
	}
	if f.Settings.RetryCount == 0 {
		f.Settings.RetryCount = 2
	}
	if f.Settings.RetryDelaySeconds == 0 {
		f.Settings.RetryDelaySeconds = 2
	}
	return &f, nil
}

// RuntimeEndpoints converts the file's main endpoint list to runtime endpoints.
func (f *EndpointsFile) RuntimeEndpoints() []llm.Endpoint { return convertSpecs(f.Endpoints) }

// RuntimeCompilerEndpoints converts the optional prompt-compiler endpoint list.
func (f *EndpointsFile) RuntimeCompilerEndpoints() []llm.Endpoint { return convertSpecs(f.CompilerEndpoints) }

// RuntimeSTTEndpoints converts the optional voice-transcription endpoint list.
func (f *EndpointsFile) RuntimeSTTEndpoints() []llm.Endpoint { return convertSpecs(f.STTEndpoints) }

func convertSpecs(specs []EndpointSpec) []llm.Endpoint {
	out := make([]llm.Endpoint, 0, len(specs))
	for _, s := range specs {
		out = append(out, s.ToEndpoint())
	}
	return out
}
