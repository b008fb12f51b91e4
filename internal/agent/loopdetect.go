package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// toolLoopState detects a tool call stuck repeating itself with no new
// information: same tool, same arguments, same result, several times in a
// row. Warns the model once, then aborts the run if it keeps happening.
type toolLoopState struct {
	lastKey     string // "toolName:argsHash" of the previous call
	repeatCount int    // consecutive repeats of lastKey with an unchanged result
	lastResult  string
	warned      bool
}

const (
	loopWarnThreshold     = 3
	loopCriticalThreshold = 5
)

// record hashes a tool call's name and arguments together and returns the
// hash, used as the key recordResult/detect correlate against. Folding the
// tool name in keeps two different tools called with identical arguments
// (e.g. read_file and write_file on the same path) from colliding.
func (s *toolLoopState) record(toolName string, args map[string]interface{}) string {
	b, _ := json.Marshal(args)
	sum := sha256.Sum256(append([]byte(toolName+":"), b...))
	return hex.EncodeToString(sum[:8])
}

// recordResult tracks whether this call repeated the previous one (same
// tool+args) with an identical result — the signature of a stuck loop
// rather than legitimate repeated polling.
func (s *toolLoopState) recordResult(argsHash, result string) {
	key := argsHash
	if key == s.lastKey && result == s.lastResult {
		s.repeatCount++
	} else {
		s.repeatCount = 1
		s.warned = false
	}
	s.lastKey = key
	s.lastResult = result
}

// detect returns a non-empty level ("warning" or "critical") once the
// repeat count crosses a threshold, along with a message to either inject
// into the conversation (warning) or use as the final response (critical).
func (s *toolLoopState) detect(toolName, argsHash string) (level, msg string) {
	if argsHash != s.lastKey {
		return "", ""
	}
	switch {
	case s.repeatCount >= loopCriticalThreshold:
		return "critical", fmt.Sprintf("stuck calling %s repeatedly with no new result", toolName)
	case s.repeatCount >= loopWarnThreshold && !s.warned:
		s.warned = true
		return "warning", fmt.Sprintf("[System: %s has returned the same result %d times in a row. Try a different approach instead of repeating this call.]", toolName, s.repeatCount)
	default:
		return "", ""
	}
}
