package config

// ChannelsConfig contains per-channel configuration (spec.md §4.4's channel
// gateway: one adapter per messaging platform).
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Feishu   FeishuConfig   `json:"feishu"`
	WeWork   WeWorkConfig   `json:"wework"`
	DingTalk DingTalkConfig `json:"dingtalk"`
	OneBot   OneBotConfig   `json:"onebot"`
	QQ       QQConfig       `json:"qq"`
}

type TelegramConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"token"`
	Proxy          string              `json:"proxy,omitempty"`
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	DMPolicy       string              `json:"dm_policy,omitempty"`       // "pairing" (default), "allowlist", "open", "disabled"
	GroupPolicy    string              `json:"group_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	RequireMention *bool               `json:"require_mention,omitempty"` // default true
	HistoryLimit   int                 `json:"history_limit,omitempty"`   // default 50, 0 = disabled
	MediaMaxBytes  int64               `json:"media_max_bytes,omitempty"` // default 20MB

	STTProxyURL       string `json:"stt_proxy_url,omitempty"`       // empty = voice transcription disabled
	STTAPIKey         string `json:"stt_api_key,omitempty"`         // sent as a Bearer token when set
	STTTenantID       string `json:"stt_tenant_id,omitempty"`       // sent as the tenant_id form field when set
	STTTimeoutSeconds int    `json:"stt_timeout_seconds,omitempty"` // default 30
	VoiceAgentID      string `json:"voice_agent_id,omitempty"`      // agent that handles voice messages, if set
	StreamMode        string `json:"stream_mode,omitempty"`         // "partial" enables streamed replies
}

type FeishuConfig struct {
	Enabled           bool                `json:"enabled"`
	AppID             string              `json:"app_id"`
	AppSecret         string              `json:"app_secret"`
	Domain            string              `json:"domain,omitempty"`          // "lark" (default, open.larksuite.com), "feishu", or a custom host
	EncryptKey        string              `json:"encrypt_key,omitempty"`
	VerificationToken string              `json:"verification_token,omitempty"`
	ConnectionMode    string              `json:"connection_mode,omitempty"` // "webhook" — this core only runs the webhook listener (see feishu.go)
	WebhookPort       int                 `json:"webhook_port,omitempty"`    // default 3000
	WebhookPath       string              `json:"webhook_path,omitempty"`    // default "/feishu/events"
	AllowFrom         FlexibleStringSlice `json:"allow_from"`
	GroupAllowFrom    FlexibleStringSlice `json:"group_allow_from,omitempty"`
	DMPolicy          string              `json:"dm_policy,omitempty"`
	GroupPolicy       string              `json:"group_policy,omitempty"`
	RequireMention    *bool               `json:"require_mention,omitempty"`
	TopicSessionMode  string              `json:"topic_session_mode,omitempty"` // "enabled" keys sessions by thread root
	RenderMode        string              `json:"render_mode,omitempty"`        // "auto" (default), "text", "card"
	TextChunkLimit    int                 `json:"text_chunk_limit,omitempty"`   // default 4000
	HistoryLimit      int                 `json:"history_limit,omitempty"`      // pending-group-history size, default channels.DefaultGroupHistoryLimit
	MediaMaxMB        int                 `json:"media_max_mb,omitempty"`       // default 30
}

// WeWorkConfig configures the WeCom (WeChat Work) Smart Robot group-bot
// webhook adapter: a bot token scoped to one or more group webhooks, with
// an optional inbound callback for @-mentions (requires the corporate
// callback URL + AES token/key, unlike the outbound-only webhook mode).
type WeWorkConfig struct {
	Enabled        bool                `json:"enabled"`
	WebhookKey     string              `json:"webhook_key"`      // bot key from the group webhook URL
	CallbackToken  string              `json:"callback_token,omitempty"`
	CallbackAESKey string              `json:"callback_aes_key,omitempty"`
	ListenAddr     string              `json:"listen_addr,omitempty"` // inbound callback HTTP listener, e.g. ":8446"
	ListenPath     string              `json:"listen_path,omitempty"` // default "/wework/callback"
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	DMPolicy       string              `json:"dm_policy,omitempty"`
	GroupPolicy    string              `json:"group_policy,omitempty"`
	MediaMaxMB     int                 `json:"media_max_mb,omitempty"` // default 20
}

// DingTalkConfig configures the DingTalk custom robot webhook adapter
// (outbound send) plus its inbound message callback, which DingTalk signs
// with an HMAC-SHA256 secret over the timestamp.
type DingTalkConfig struct {
	Enabled     bool                `json:"enabled"`
	WebhookURL  string              `json:"webhook_url"`
	Secret      string              `json:"secret,omitempty"` // HMAC signing secret for outbound + callback verification
	ListenAddr  string              `json:"listen_addr,omitempty"`
	ListenPath  string              `json:"listen_path,omitempty"` // default "/dingtalk/callback"
	AllowFrom   FlexibleStringSlice `json:"allow_from"`
	DMPolicy    string              `json:"dm_policy,omitempty"`
	GroupPolicy string              `json:"group_policy,omitempty"`
}

// OneBotConfig configures a OneBot v11-compatible adapter (go-cqhttp and
// similar implementations), connecting as a reverse-WS client to the
// OneBot implementation's WebSocket server.
type OneBotConfig struct {
	Enabled       bool                `json:"enabled"`
	WSURL         string              `json:"ws_url"` // ws(s)://host:port/ws
	AccessToken   string              `json:"access_token,omitempty"`
	AllowFrom     FlexibleStringSlice `json:"allow_from"`
	DMPolicy      string              `json:"dm_policy,omitempty"`
	GroupPolicy   string              `json:"group_policy,omitempty"`
	HistoryLimit  int                 `json:"history_limit,omitempty"`
}

// QQConfig configures the QQ Official Bot adapter over the QQ Open
// Platform's webhook callback (application-level bot, not a personal
// protocol client).
type QQConfig struct {
	Enabled     bool                `json:"enabled"`
	AppID       string              `json:"app_id"`
	AppSecret   string              `json:"app_secret"`
	ListenAddr  string              `json:"listen_addr,omitempty"`
	ListenPath  string              `json:"listen_path,omitempty"` // default "/qq/callback"
	AllowFrom   FlexibleStringSlice `json:"allow_from"`
	DMPolicy    string              `json:"dm_policy,omitempty"`
	GroupPolicy string              `json:"group_policy,omitempty"`
}

// HasAnyChannel returns true if at least one channel adapter is enabled.
func (c *Config) HasAnyChannel() bool {
	ch := c.Channels
	return ch.Telegram.Enabled || ch.Feishu.Enabled || ch.WeWork.Enabled ||
		ch.DingTalk.Enabled || ch.OneBot.Enabled || ch.QQ.Enabled
}
