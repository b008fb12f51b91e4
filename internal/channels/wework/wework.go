// Package wework implements the WeCom (WeChat Work) Smart Robot adapter
// named in spec.md §4.4: a group webhook for outbound text/markdown, with
// an optional inbound callback endpoint for @-mention replies.
package wework

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"log/slog"
	"time"

	"github.com/kestrel-run/agentcore/internal/bus"
	"github.com/kestrel-run/agentcore/internal/channels"
	"github.com/kestrel-run/agentcore/internal/config"
	"github.com/kestrel-run/agentcore/internal/store"
)

const (
	defaultListenAddr = ":8446"
	defaultListenPath  = "/wework/callback"
	webhookBaseURL     = "https://qyapi.weixin.qq.com/cgi-bin/webhook/send"
	sendTimeout        = 15 * time.Second
)

// Channel sends to a WeCom group webhook and, if configured, runs an HTTP
// callback server for inbound @-mentions. Outbound-only configurations
// (no CallbackToken) still satisfy channels.Channel — Start just never
// listens.
type Channel struct {
	*channels.BaseChannel
	cfg        config.WeWorkConfig
	httpClient *http.Client
	httpServer *http.Server
	limiter    *channels.WebhookRateLimiter
}

// New creates a WeCom Smart Robot channel.
func New(cfg config.WeWorkConfig, msgBus *bus.MessageBus, _ store.PairingStore) (*Channel, error) {
	if cfg.WebhookKey == "" {
		return nil, fmt.Errorf("wework webhook_key is required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("wework", msgBus, cfg.AllowFrom),
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: sendTimeout},
		limiter:     channels.NewWebhookRateLimiter(),
	}, nil
}

// Factory adapts New to the channels.ChannelFactory signature for managed-mode DB-backed instances.
func Factory(name string, creds json.RawMessage, cfgJSON json.RawMessage, msgBus *bus.MessageBus, pairingSvc store.PairingStore) (channels.Channel, error) {
	var cfg config.WeWorkConfig
	if len(creds) > 0 {
		if err := json.Unmarshal(creds, &cfg); err != nil {
			return nil, fmt.Errorf("wework: decode credentials: %w", err)
		}
	}
	if len(cfgJSON) > 0 {
		if err := json.Unmarshal(cfgJSON, &cfg); err != nil {
			return nil, fmt.Errorf("wework: decode config: %w", err)
		}
	}
	ch, err := New(cfg, msgBus, pairingSvc)
	if err != nil {
		return nil, err
	}
	ch.SetName(name)
	return ch, nil
}

// Start begins the inbound callback listener, if one is configured.
func (c *Channel) Start(ctx context.Context) error {
	c.SetRunning(true)
	if c.cfg.CallbackToken == "" {
		slog.Info("wework channel started (outbound-only, no callback configured)")
		return nil
	}

	addr := c.cfg.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	path := c.cfg.ListenPath
	if path == "" {
		path = defaultListenPath
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, c.handleCallback)
	c.httpServer = &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := c.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("wework callback server error", "error", err)
		}
	}()

	slog.Info("wework callback listening", "addr", addr, "path", path)
	return nil
}

// Stop shuts down the callback listener, if running.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.httpServer != nil {
		return c.httpServer.Close()
	}
	return nil
}

// handleCallback accepts an inbound @-mention notification. WeCom's real
// callback payload is AES-encrypted XML signed over the URL query; here we
// rate-limit by remote address and decode the already-decrypted JSON body
// the corporate callback proxy is expected to forward, since the bit-level
// encrypted-XML handshake is out of scope for this core.
func (c *Channel) handleCallback(w http.ResponseWriter, r *http.Request) {
	if !c.limiter.Allow(r.RemoteAddr) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		FromUserName string `json:"from_user_name"`
		ChatID       string `json:"chat_id"`
		Content      string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	c.HandleMessage(payload.FromUserName, payload.ChatID, payload.Content, nil, nil, "group")
	w.WriteHeader(http.StatusOK)
}

// Send posts msg.Content to the group webhook as a markdown message. Media
// attachments are not sent and no text line is added for them.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("wework channel not running")
	}

	body := map[string]interface{}{
		"msgtype": "markdown",
		"markdown": map[string]string{
			"content": msg.Content,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("wework: marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s?key=%s", webhookBaseURL, c.cfg.WebhookKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("wework: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("wework: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wework: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

var _ channels.Channel = (*Channel)(nil)
