// Package onebot implements a OneBot v11 adapter named in spec.md §4.4:
// a reverse-WebSocket client against a OneBot-compatible implementation
// (go-cqhttp and similar), used for QQ-family platforms that speak the
// OneBot wire protocol instead of an official bot API.
package onebot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/kestrel-run/agentcore/internal/bus"
	"github.com/kestrel-run/agentcore/internal/channels"
	"github.com/kestrel-run/agentcore/internal/config"
	"github.com/kestrel-run/agentcore/internal/store"
)

const reconnectDelay = 5 * time.Second

// onebotEvent is the subset of the OneBot v11 event schema this adapter
// cares about: message events from private and group chats.
type onebotEvent struct {
	PostType    string `json:"post_type"`
	MessageType string `json:"message_type"` // "private" or "group"
	UserID      int64  `json:"user_id"`
	GroupID     int64  `json:"group_id,omitempty"`
	Message     string `json:"message"`
	RawMessage  string `json:"raw_message"`
}

// onebotAction is a OneBot v11 API call frame (e.g. send_msg).
type onebotAction struct {
	Action string                 `json:"action"`
	Params map[string]interface{} `json:"params"`
	Echo    string                `json:"echo,omitempty"`
}

// Channel connects to a OneBot v11 implementation as a WebSocket client.
type Channel struct {
	*channels.BaseChannel
	cfg    config.OneBotConfig
	conn   *websocket.Conn
	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a OneBot channel.
func New(cfg config.OneBotConfig, msgBus *bus.MessageBus, _ store.PairingStore) (*Channel, error) {
	if cfg.WSURL == "" {
		return nil, fmt.Errorf("onebot ws_url is required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("onebot", msgBus, cfg.AllowFrom),
		cfg:         cfg,
	}, nil
}

// Factory adapts New to the channels.ChannelFactory signature.
func Factory(name string, creds json.RawMessage, cfgJSON json.RawMessage, msgBus *bus.MessageBus, pairingSvc store.PairingStore) (channels.Channel, error) {
	var cfg config.OneBotConfig
	if len(creds) > 0 {
		if err := json.Unmarshal(creds, &cfg); err != nil {
			return nil, fmt.Errorf("onebot: decode credentials: %w", err)
		}
	}
	if len(cfgJSON) > 0 {
		if err := json.Unmarshal(cfgJSON, &cfg); err != nil {
			return nil, fmt.Errorf("onebot: decode config: %w", err)
		}
	}
	ch, err := New(cfg, msgBus, pairingSvc)
	if err != nil {
		return nil, err
	}
	ch.SetName(name)
	return ch, nil
}

// Start connects to the OneBot implementation and runs the receive loop
// until ctx is cancelled, reconnecting on drop.
func (c *Channel) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.SetRunning(true)

	go c.runLoop(runCtx)
	return nil
}

func (c *Channel) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.connectAndReceive(ctx); err != nil {
			slog.Warn("onebot connection lost, retrying", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Channel) connectAndReceive(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}

	conn, _, err := websocket.Dial(ctx, c.cfg.WSURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info("onebot connected", "url", c.cfg.WSURL)

	for {
		var evt onebotEvent
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if evt.PostType != "message" {
			continue
		}
		c.handleEvent(evt)
	}
}

func (c *Channel) handleEvent(evt onebotEvent) {
	content := evt.Message
	if content == "" {
		content = evt.RawMessage
	}

	senderID := strconv.FormatInt(evt.UserID, 10)
	peerKind := "direct"
	chatID := senderID
	if evt.MessageType == "group" {
		peerKind = "group"
		chatID = strconv.FormatInt(evt.GroupID, 10)
	}

	c.HandleMessage(senderID, chatID, content, nil, nil, peerKind)
}

// Stop closes the WebSocket connection and stops the receive loop.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close(websocket.StatusNormalClosure, "")
	}
	return nil
}

// Send issues a send_msg action over the active connection.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("onebot: not connected")
	}

	params := map[string]interface{}{"message": msg.Content}
	if len(msg.ChatID) > 0 {
		if groupID, err := strconv.ParseInt(msg.ChatID, 10, 64); err == nil {
			params["group_id"] = groupID
			params["message_type"] = "group"
		} else {
			params["user_id"] = msg.ChatID
			params["message_type"] = "private"
		}
	}

	action := onebotAction{Action: "send_msg", Params: params}
	if err := wsjson.Write(ctx, conn, action); err != nil {
		return fmt.Errorf("onebot: send_msg: %w", err)
	}
	return nil
}

var _ channels.Channel = (*Channel)(nil)
