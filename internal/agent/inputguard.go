package agent

import "regexp"

// injectionPatterns flags common prompt-injection phrasing in incoming user
// messages: role-header spoofing and instruction-override attempts.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(system|assistant)\s*:`),
	regexp.MustCompile(`(?i)ignore (all |any )?(previous|prior|above) instructions`),
	regexp.MustCompile(`(?i)disregard (all |any )?(previous|prior|above)`),
	regexp.MustCompile(`(?i)you are now (in )?(developer|debug|jailbreak|dan) mode`),
	regexp.MustCompile(`(?i)reveal your (system prompt|instructions)`),
	regexp.MustCompile(`(?i)new instructions\s*:`),
}

// InputGuard scans inbound user messages for prompt-injection patterns
// before they reach the LLM, so the loop can log, warn on, or reject them
// per the configured injection_action.
type InputGuard struct {
	patterns []*regexp.Regexp
}

// NewInputGuard builds a guard using the default pattern set.
func NewInputGuard() *InputGuard {
	return &InputGuard{patterns: injectionPatterns}
}

// Scan returns the descriptions of every pattern that matched message.
func (g *InputGuard) Scan(message string) []string {
	var matches []string
	for _, p := range g.patterns {
		if p.MatchString(message) {
			matches = append(matches, p.String())
		}
	}
	return matches
}
