package agent

import (
	"strings"
	"sync"
)

// InterruptKind classifies a message the gateway intercepted before it ever
// reached the LLM — /stop and /skip are not conversational content.
type InterruptKind int

const (
	InterruptNone InterruptKind = iota
	InterruptStop
	InterruptSkip
)

// IsStopCommand reports whether message is a literal /stop interrupt.
func IsStopCommand(message string) bool {
	return strings.EqualFold(strings.TrimSpace(message), "/stop")
}

// IsSkipCommand reports whether message is a literal /skip interrupt.
func IsSkipCommand(message string) bool {
	return strings.EqualFold(strings.TrimSpace(message), "/skip")
}

// ClassifyInterrupt maps a raw incoming message to an InterruptKind. The
// gateway calls this before handing a message to the agent so /stop and
// /skip never reach the LLM as conversation content.
func ClassifyInterrupt(message string) InterruptKind {
	switch {
	case IsStopCommand(message):
		return InterruptStop
	case IsSkipCommand(message):
		return InterruptSkip
	default:
		return InterruptNone
	}
}

// sessionInterrupt holds the pending interrupt flags for one session's
// in-flight run. Polled by the iteration loop at each safe suspension point
// (the top of an iteration, and just before dispatching a tool step),
// matching the original's polling model rather than a cancellation signal
// threaded through every call.
type sessionInterrupt struct {
	mu      sync.Mutex
	stop    bool
	skip    bool
	pending []string // queued insert_user_message content, injected at the next safe point
}

// interruptState returns (creating if absent) the sessionInterrupt for key.
func (l *Loop) interruptState(sessionKey string) *sessionInterrupt {
	v, _ := l.interrupts.LoadOrStore(sessionKey, &sessionInterrupt{})
	return v.(*sessionInterrupt)
}

// CancelCurrentTask requests that the in-flight run for sessionKey stop at
// the next safe suspension point. Any assistant text already produced this
// iteration is discarded, matching the gateway's /stop semantics.
func (l *Loop) CancelCurrentTask(sessionKey string) {
	st := l.interruptState(sessionKey)
	st.mu.Lock()
	st.stop = true
	st.mu.Unlock()
}

// SkipCurrentStep requests that the in-flight run for sessionKey abandon the
// current tool step (without cancelling the whole run) and return control to
// the LLM on the next iteration.
func (l *Loop) SkipCurrentStep(sessionKey string) {
	st := l.interruptState(sessionKey)
	st.mu.Lock()
	st.skip = true
	st.mu.Unlock()
}

// InsertUserMessage queues a message to be spliced into the conversation at
// the next safe suspension point, for messages that arrive mid-execution
// and aren't themselves interrupt commands.
func (l *Loop) InsertUserMessage(sessionKey, message string) {
	st := l.interruptState(sessionKey)
	st.mu.Lock()
	st.pending = append(st.pending, message)
	st.mu.Unlock()
}

// checkStop reports and clears a pending stop request for sessionKey.
func (l *Loop) checkStop(sessionKey string) bool {
	st := l.interruptState(sessionKey)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.stop {
		st.stop = false
		return true
	}
	return false
}

// checkSkip reports and clears a pending skip request for sessionKey.
func (l *Loop) checkSkip(sessionKey string) bool {
	st := l.interruptState(sessionKey)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.skip {
		st.skip = false
		return true
	}
	return false
}

// drainPendingMessages returns and clears any insert_user_message content
// queued for sessionKey.
func (l *Loop) drainPendingMessages(sessionKey string) []string {
	st := l.interruptState(sessionKey)
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.pending) == 0 {
		return nil
	}
	out := st.pending
	st.pending = nil
	return out
}
