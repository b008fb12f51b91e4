package llm

import "fmt"

// maxInlineDataBytes is the size cap that triggers degraded text-only
// fallback for size-limited providers (spec.md §4.1: "Size caps (10 MB
// data-URI for Kimi/DashScope)").
const maxInlineDataBytes = 10 * 1024 * 1024

// mediaEncoder lowers one content block into a provider-specific
// representation, or reports that it can't and the block should degrade
// to a text placeholder.
type mediaEncoder func(b ContentBlock) (encoded any, ok bool)

// dispatchTable is the provider-keyed strategy table for multimodal
// content (spec.md §4.1 "Multimodal dispatch"): videos through
// Kimi/Gemini/DashScope-specific encodings, audio through
// OpenAI/Gemini/DashScope-specific encodings, documents through
// Anthropic or Gemini encodings. Providers absent from a given block
// type's map degrade to text.
var dispatchTable = map[BlockType]map[string]mediaEncoder{
	BlockVideo: {
		"kimi":      passthroughDataURI,
		"gemini":    passthroughDataURI,
		"dashscope": passthroughDataURI,
	},
	BlockAudio: {
		"openai":    passthroughDataURI,
		"gemini":    passthroughDataURI,
		"dashscope": passthroughDataURI,
	},
	BlockDocument: {
		"anthropic": passthroughBase64,
		"gemini":    passthroughDataURI,
	},
	BlockImage: {
		"anthropic": passthroughBase64,
		"openai":    passthroughDataURI,
		"gemini":    passthroughDataURI,
		"dashscope": passthroughDataURI,
		"kimi":      passthroughDataURI,
	},
}

func passthroughDataURI(b ContentBlock) (any, bool) {
	if len(b.Data) > maxInlineDataBytes {
		return nil, false
	}
	return fmt.Sprintf("data:%s;base64,%s", b.MediaType, b.Data), true
}

func passthroughBase64(b ContentBlock) (any, bool) {
	if len(b.Data) > maxInlineDataBytes {
		return nil, false
	}
	return map[string]string{"media_type": b.MediaType, "data": b.Data}, true
}

// LowerBlock encodes a content block for the given provider, or returns a
// degraded text-only placeholder describing what was skipped.
func LowerBlock(provider string, b ContentBlock) (encoded any, degraded bool) {
	table, ok := dispatchTable[b.Type]
	if !ok {
		return fmt.Sprintf("[%s: unsupported content type, skipped]", b.Type), true
	}
	enc, ok := table[provider]
	if !ok {
		return fmt.Sprintf("[%s: provider does not support, skipped]", b.Type), true
	}
	out, ok := enc(b)
	if !ok {
		return fmt.Sprintf("[%s: exceeds size limit, skipped]", b.Type), true
	}
	return out, false
}
