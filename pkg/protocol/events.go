package protocol

// WebSocket event names pushed from the gateway to a connected control
// client. Trimmed to the surface this runtime actually emits — no teams,
// delegation, or device-pairing events, since this process runs a single
// agent with no peer fleet to coordinate.
const (
	EventAgent    = "agent"
	EventChat     = "chat"
	EventHealth   = "health"
	EventPresence = "presence"
	EventShutdown = "shutdown"

	// Task scheduler activity (§4.3).
	EventTaskStarted   = "task.started"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"

	// Cache invalidation, internal only — never forwarded to WS clients.
	EventCacheInvalidate = "cache.invalidate"
)

// Agent event subtypes (in payload.type).
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventRunRetrying  = "run.retrying"
	AgentEventToolCall     = "tool.call"
	AgentEventToolResult   = "tool.result"
)

// Chat event subtypes (in payload.type).
const (
	ChatEventChunk    = "chunk"
	ChatEventMessage  = "message"
	ChatEventThinking = "thinking"
)
