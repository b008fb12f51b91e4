package llm

// CapabilityTable is a declarative per-provider default capability set,
// used to fill in an Endpoint's Capabilities when the config omits them.
// Grounded on original_source llm/capabilities.py's PROVIDER_CAPABILITIES
// table (SPEC_FULL.md §D) rather than ad hoc per-call-site checks.
// Document blocks ride on the vision capability at the routing layer —
// spec.md §3's capability vocabulary ({text, vision, video, audio, tools,
// thinking}) has no separate "document" flag.
var CapabilityTable = map[string]CapabilitySet{
	"anthropic": NewCapabilitySet(CapText, CapVision, CapTools, CapThinking),
	"openai":    NewCapabilitySet(CapText, CapVision, CapAudio, CapTools),
	"gemini":    NewCapabilitySet(CapText, CapVision, CapVideo, CapAudio, CapTools, CapThinking),
	"dashscope": NewCapabilitySet(CapText, CapVision, CapVideo, CapAudio, CapTools),
	"kimi":      NewCapabilitySet(CapText, CapVision, CapVideo, CapTools),
	"minimax":   NewCapabilitySet(CapText, CapTools),
}

// DefaultCapabilities returns the table entry for a provider, or a
// conservative {text} set if the provider is unknown.
func DefaultCapabilities(provider string) CapabilitySet {
	if caps, ok := CapabilityTable[provider]; ok {
		out := make(CapabilitySet, len(caps))
		for k, v := range caps {
			out[k] = v
		}
		return out
	}
	return NewCapabilitySet(CapText)
}
