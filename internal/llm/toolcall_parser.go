package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Text-based tool-call formats some OpenAI-compatible providers emit
// inline in the text stream instead of a structured tool_calls array
// (spec.md §4.1 "Request/response normalization"; grounded on
// original_source llm/converters/tools.py, which hand-parses the same
// three formats).
var (
	functionCallsRe = regexp.MustCompile(`(?s)<function_calls>(.*?)</function_calls>`)
	invokeRe        = regexp.MustCompile(`(?s)<invoke name="([^"]+)">(.*?)</invoke>`)
	paramRe         = regexp.MustCompile(`(?s)<parameter name="([^"]+)">(.*?)</parameter>`)

	minimaxToolCallRe = regexp.MustCompile(`(?s)<minimax:tool_call>(.*?)</minimax:tool_call>`)
	kimiToolCallRe    = regexp.MustCompile(`(?s)<<\|tool_calls_section_[^|]*\|>>(.*?)<<\|tool_calls_section_end[^|]*\|>>`)
)

// ExtractTextToolCalls strips any of the recognized text-encoded tool-call
// wrappers from text and returns the remaining text plus synthetic
// tool_use blocks in document order.
func ExtractTextToolCalls(text string) (remaining string, calls []ToolCall) {
	remaining = text

	if functionCallsRe.MatchString(remaining) {
		remaining = functionCallsRe.ReplaceAllStringFunc(remaining, func(block string) string {
			for _, m := range invokeRe.FindAllStringSubmatch(block, -1) {
				name, body := m[1], m[2]
				args := map[string]any{}
				for _, pm := range paramRe.FindAllStringSubmatch(body, -1) {
					args[pm[1]] = strings.TrimSpace(pm[2])
				}
				raw, _ := json.Marshal(args)
				calls = append(calls, ToolCall{ID: syntheticID(len(calls)), Name: name, Input: raw})
			}
			return ""
		})
	}

	if minimaxToolCallRe.MatchString(remaining) {
		remaining = minimaxToolCallRe.ReplaceAllStringFunc(remaining, func(block string) string {
			inner := minimaxToolCallRe.FindStringSubmatch(block)[1]
			if c, ok := parseJSONToolCall(inner); ok {
				calls = append(calls, c)
			}
			return ""
		})
	}

	if kimiToolCallRe.MatchString(remaining) {
		remaining = kimiToolCallRe.ReplaceAllStringFunc(remaining, func(block string) string {
			inner := kimiToolCallRe.FindStringSubmatch(block)[1]
			if c, ok := parseJSONToolCall(inner); ok {
				calls = append(calls, c)
			}
			return ""
		})
	}

	return strings.TrimSpace(remaining), calls
}

func parseJSONToolCall(raw string) (ToolCall, bool) {
	var payload struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &payload); err != nil || payload.Name == "" {
		return ToolCall{}, false
	}
	return ToolCall{ID: syntheticID(0), Name: payload.Name, Input: payload.Arguments}, true
}

func syntheticID(n int) string {
	return "synthetic_tool_call_" + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// StripThinkingWrapper removes a <thinking>...</thinking> wrapper from
// text (spec.md §4.2 step 3: "after stripping any <thinking> wrappers").
func StripThinkingWrapper(text string) string {
	re := regexp.MustCompile(`(?s)<thinking>.*?</thinking>`)
	return strings.TrimSpace(re.ReplaceAllString(text, ""))
}
