// Package sessions builds and parses the canonical session key format and
// manages the in-memory session registry the agent loop reads and writes
// conversation history through. Grounded on the teacher's internal/sessions
// package; the key format is kept nearly verbatim (spec.md doesn't
// prescribe a wire format for session keys, so the teacher's scheme —
// already general enough to cover every channel/DM/group/cron case spec.md
// names — is reused as-is), trimmed of the subagent-session variant (no
// subagent delegation in this spec's scope).
//
// Key shapes:
//
//	DM:          {channel}:direct:{peerId}
//	Group:       {channel}:group:{groupId}
//	Forum topic: {channel}:group:{groupId}:topic:{topicId}
//	Scheduled:   scheduler:{taskId}:run:{runId}
//
// Examples:
//
//	agent:telegram:direct:386246614
//	agent:telegram:group:-100123456
//	agent:telegram:group:-100123456:topic:99
//	agent:scheduler:reminder-1:run:abc123
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// BuildSessionKey builds the canonical session key for a channel conversation.
func BuildSessionKey(channel string, kind PeerKind, chatID string) string {
	return fmt.Sprintf("agent:%s:%s:%s", channel, kind, chatID)
}

// BuildGroupTopicSessionKey builds the session key for a forum group topic.
func BuildGroupTopicSessionKey(channel, chatID string, topicID int) string {
	return fmt.Sprintf("agent:%s:group:%s:topic:%d", channel, chatID, topicID)
}

// BuildSchedulerSessionKey builds the session key for one scheduled task
// execution, guarding against double-prefixing if taskID is itself already
// a canonical session key.
func BuildSchedulerSessionKey(taskID, runID string) string {
	if rest := ParseSessionKey(taskID); rest != "" {
		taskID = rest
	}
	return fmt.Sprintf("agent:scheduler:%s:run:%s", taskID, runID)
}

// BuildMainSessionKey builds the shared "main" session key used when
// dm_scope="main" — all DMs share one session.
func BuildMainSessionKey(mainKey string) string {
	if mainKey == "" {
		mainKey = "main"
	}
	return fmt.Sprintf("agent:%s", mainKey)
}

// BuildScopedSessionKey builds a session key according to the configured
// scope and dm_scope (spec.md's session-scoping model — groups always use
// the full key; DMs fold down per dm_scope).
func BuildScopedSessionKey(channel string, kind PeerKind, chatID, dmScope, mainKey string) string {
	if kind == PeerGroup {
		return BuildSessionKey(channel, kind, chatID)
	}
	switch dmScope {
	case "main":
		return BuildMainSessionKey(mainKey)
	case "per-peer":
		return fmt.Sprintf("agent:direct:%s", chatID)
	default: // "per-channel-peer" (default)
		return BuildSessionKey(channel, kind, chatID)
	}
}

// ParseSessionKey extracts the "rest" portion of a canonical session key,
// or "" if key isn't in the expected "agent:..." format.
func ParseSessionKey(key string) (rest string) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) < 2 || parts[0] != "agent" {
		return ""
	}
	return parts[1]
}

// IsSchedulerSession reports whether a session key belongs to a scheduled
// task execution.
func IsSchedulerSession(key string) bool {
	rest := ParseSessionKey(key)
	return strings.HasPrefix(rest, "scheduler:")
}

// PeerKindFromGroup returns PeerGroup if isGroup is true, PeerDirect otherwise.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}
