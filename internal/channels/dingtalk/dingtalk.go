// Package dingtalk implements the DingTalk custom-robot adapter named in
// spec.md §4.4: HMAC-signed outbound webhook plus an inbound message
// callback DingTalk itself signs with the same secret.
package dingtalk

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kestrel-run/agentcore/internal/bus"
	"github.com/kestrel-run/agentcore/internal/channels"
	"github.com/kestrel-run/agentcore/internal/config"
	"github.com/kestrel-run/agentcore/internal/store"
)

const (
	defaultListenAddr = ":8447"
	defaultListenPath  = "/dingtalk/callback"
	sendTimeout        = 15 * time.Second
)

// Channel sends to a DingTalk custom-robot webhook and, if a callback is
// configured, runs an HTTP server for inbound group messages.
type Channel struct {
	*channels.BaseChannel
	cfg        config.DingTalkConfig
	httpClient *http.Client
	httpServer *http.Server
	limiter    *channels.WebhookRateLimiter
}

// New creates a DingTalk custom-robot channel.
func New(cfg config.DingTalkConfig, msgBus *bus.MessageBus, _ store.PairingStore) (*Channel, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("dingtalk webhook_url is required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("dingtalk", msgBus, cfg.AllowFrom),
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: sendTimeout},
		limiter:     channels.NewWebhookRateLimiter(),
	}, nil
}

// Factory adapts New to the channels.ChannelFactory signature.
func Factory(name string, creds json.RawMessage, cfgJSON json.RawMessage, msgBus *bus.MessageBus, pairingSvc store.PairingStore) (channels.Channel, error) {
	var cfg config.DingTalkConfig
	if len(creds) > 0 {
		if err := json.Unmarshal(creds, &cfg); err != nil {
			return nil, fmt.Errorf("dingtalk: decode credentials: %w", err)
		}
	}
	if len(cfgJSON) > 0 {
		if err := json.Unmarshal(cfgJSON, &cfg); err != nil {
			return nil, fmt.Errorf("dingtalk: decode config: %w", err)
		}
	}
	ch, err := New(cfg, msgBus, pairingSvc)
	if err != nil {
		return nil, err
	}
	ch.SetName(name)
	return ch, nil
}

// Start begins the inbound callback listener, if configured.
func (c *Channel) Start(ctx context.Context) error {
	c.SetRunning(true)
	if c.cfg.Secret == "" {
		slog.Info("dingtalk channel started (outbound-only)")
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
			slog.Error("dingtalk callback server error", "error", err)
		}
	}()

	slog.Info("dingtalk callback listening", "addr", addr, "path", path)
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

func (c *Channel) handleCallback(w http.ResponseWriter, r *http.Request) {
	if !c.limiter.Allow(r.RemoteAddr) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ts, sign := r.Header.Get("timestamp"), r.Header.Get("sign")
	mac := hmac.New(sha256.New, []byte(c.cfg.Secret))
	mac.Write([]byte(ts + "\n" + c.cfg.Secret))
	if ts == "" || !hmac.Equal([]byte(sign), []byte(base64.StdEncoding.EncodeToString(mac.Sum(nil)))) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload struct {
		SenderID        string `json:"senderId"`
		SenderNick      string `json:"senderNick"`
		ConversationID  string `json:"conversationId"`
		ConversationType string `json:"conversationType"` // "1" = DM, "2" = group
		Text             struct {
			Content string `json:"content"`
		} `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	peerKind := "direct"
	if payload.ConversationType == "2" {
		peerKind = "group"
	}
	c.HandleMessage(payload.SenderID, payload.ConversationID, payload.Text.Content, nil, nil, peerKind)
	w.WriteHeader(http.StatusOK)
}

// Send posts text to the custom-robot webhook, signing the request per
// DingTalk's timestamp+secret HMAC-SHA256 scheme.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("dingtalk channel not running")
	}

	sendURL := c.cfg.WebhookURL
	if c.cfg.Secret != "" {
		signed, err := c.signedURL()
		if err != nil {
			return fmt.Errorf("dingtalk: sign request: %w", err)
		}
		sendURL = signed
	}

	body := map[string]interface{}{
		"msgtype": "text",
		"text":    map[string]string{"content": msg.Content},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("dingtalk: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sendURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("dingtalk: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dingtalk: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dingtalk: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// signedURL appends &timestamp=...&sign=... to the webhook URL, computed
// as base64(hmac-sha256(secret, "{timestamp}\n{secret}")).
func (c *Channel) signedURL() (string, error) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	stringToSign := timestamp + "\n" + c.cfg.Secret

	mac := hmac.New(sha256.New, []byte(c.cfg.Secret))
	mac.Write([]byte(stringToSign))
	sign := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("%s&timestamp=%s&sign=%s", c.cfg.WebhookURL, timestamp, url.QueryEscape(sign)), nil
}

var _ channels.Channel = (*Channel)(nil)
