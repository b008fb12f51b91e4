package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Identity: IdentityConfig{Dir: "~/.agentcore/identity"},
		Agent: AgentConfig{
			Workspace:           "~/.agentcore/workspace",
			RestrictToWorkspace: true,
			MaxIterations:       100,
			MaxTokens:           8192,
			Temperature:         0.7,
			ContextWindow:       200000,
			Compression: CompressionConfig{
				KeepLastMessages:   20,
				TriggerRatio:       0.75,
				ReserveTokensFloor: 4000,
			},
		},
		Gateway: GatewayConfig{
			MaxMessageChars:   32000,
			RateLimitRPM:      20,
			InboundDebounceMs: 1000,
		},
		Sessions: SessionsConfig{
			Storage:            "~/.agentcore/sessions",
			DmScope:            "per-channel-peer",
			MainKey:            "main",
			IdleTimeoutMinutes: 30,
		},
		Memory: MemoryConfig{
			Path:              "~/.agentcore/memory.db",
			MaxResults:        6,
			RelevanceWeight:   0.4,
			RecencyWeight:     0.25,
			ImportanceWeight:  0.2,
			AccessCountWeight: 0.15,
			DecayHalfLifeDays: 30,
			ConsolidationHour: 3,
			DedupSimilarity:   0.7,
		},
		Scheduler: SchedulerConfig{Storage: "~/.agentcore/scheduler"},
		Skills:    SkillsConfig{GlobalDir: "~/.agentcore/skills"},
		Tools: ToolsConfig{
			Web: WebToolsConfig{DuckDuckGo: DuckDuckGoConfig{Enabled: true, MaxResults: 5}},
			ExecApproval: ExecApprovalCfg{Security: "full", Ask: "off"},
		},
	}
}

// Load reads config from a JSON5 file (comments and trailing commas
// allowed, matching the teacher's config format), then overlays env vars.
// A missing file is not an error — Load falls back to Default().
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays environment variables onto the config; env
// vars take precedence over file values, matching the teacher's secret
// resolution convention (literal secrets never live in the JSON file).
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("AGENTCORE_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("AGENTCORE_FEISHU_APP_ID", &c.Channels.Feishu.AppID)
	envStr("AGENTCORE_FEISHU_APP_SECRET", &c.Channels.Feishu.AppSecret)
	envStr("AGENTCORE_FEISHU_ENCRYPT_KEY", &c.Channels.Feishu.EncryptKey)
	envStr("AGENTCORE_FEISHU_VERIFICATION_TOKEN", &c.Channels.Feishu.VerificationToken)
	envStr("AGENTCORE_WEWORK_WEBHOOK_KEY", &c.Channels.WeWork.WebhookKey)
	envStr("AGENTCORE_WEWORK_CALLBACK_TOKEN", &c.Channels.WeWork.CallbackToken)
	envStr("AGENTCORE_WEWORK_CALLBACK_AES_KEY", &c.Channels.WeWork.CallbackAESKey)
	envStr("AGENTCORE_DINGTALK_WEBHOOK_URL", &c.Channels.DingTalk.WebhookURL)
	envStr("AGENTCORE_DINGTALK_SECRET", &c.Channels.DingTalk.Secret)
	envStr("AGENTCORE_ONEBOT_WS_URL", &c.Channels.OneBot.WSURL)
	envStr("AGENTCORE_ONEBOT_ACCESS_TOKEN", &c.Channels.OneBot.AccessToken)
	envStr("AGENTCORE_QQ_APP_ID", &c.Channels.QQ.AppID)
	envStr("AGENTCORE_QQ_APP_SECRET", &c.Channels.QQ.AppSecret)

	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Feishu.AppID != "" && c.Channels.Feishu.AppSecret != "" {
		c.Channels.Feishu.Enabled = true
	}
	if c.Channels.WeWork.WebhookKey != "" {
		c.Channels.WeWork.Enabled = true
	}
	if c.Channels.DingTalk.WebhookURL != "" {
		c.Channels.DingTalk.Enabled = true
	}
	if c.Channels.OneBot.WSURL != "" {
		c.Channels.OneBot.Enabled = true
	}
	if c.Channels.QQ.AppID != "" && c.Channels.QQ.AppSecret != "" {
		c.Channels.QQ.Enabled = true
	}

	envStr("AGENTCORE_WORKSPACE", &c.Agent.Workspace)
	envStr("AGENTCORE_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("AGENTCORE_IDENTITY_DIR", &c.Identity.Dir)
	envStr("AGENTCORE_MEMORY_PATH", &c.Memory.Path)

	if v := os.Getenv("AGENTCORE_OWNER_IDS"); v != "" {
		c.Gateway.OwnerIDs = strings.Split(v, ",")
	}
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// Watch reloads the config from path whenever it changes on disk, invoking
// onReload with the newly parsed Config. Parse errors are logged and the
// previous config is kept in force, since a single bad edit shouldn't take
// the gateway down (spec.md's ambient config-hot-reload expectation).
func Watch(ctx context.Context, path string, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					slog.Warn("config: reload failed, keeping previous config", "error", err)
					continue
				}
				slog.Info("config: reloaded", "path", path)
				onReload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config: watcher error", "error", err)
			}
		}
	}()
	return nil
}
