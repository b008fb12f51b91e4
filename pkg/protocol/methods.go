package protocol

// RPC method names exposed over the gateway's control connection. Only the
// methods this runtime actually dispatches are listed here — a single-agent
// process has no teams, delegations, or multi-instance channel management to
// route.
const (
	// Connection lifecycle
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"

	// Chat
	MethodChatSend    = "chat.send"
	MethodChatHistory = "chat.history"
	MethodChatAbort   = "chat.abort"
	MethodChatInject  = "chat.inject"

	// Agent
	MethodAgentWait        = "agent.wait"
	MethodAgentIdentityGet = "agent.identity.get"

	// Config
	MethodConfigGet   = "config.get"
	MethodConfigApply = "config.apply"
	MethodConfigPatch = "config.patch"

	// Sessions
	MethodSessionsList    = "sessions.list"
	MethodSessionsPreview = "sessions.preview"
	MethodSessionsReset   = "sessions.reset"

	// Scheduled tasks (§4.3)
	MethodTasksList   = "tasks.list"
	MethodTasksCreate = "tasks.create"
	MethodTasksUpdate = "tasks.update"
	MethodTasksDelete = "tasks.delete"
	MethodTasksRun    = "tasks.run"

	// Channel gateway (§4.4)
	MethodChannelsList   = "channels.list"
	MethodChannelsStatus = "channels.status"
	MethodChannelsToggle = "channels.toggle"

	// Memory (§4.5)
	MethodMemoryGet    = "memory.get"
	MethodMemorySearch = "memory.search"
)
