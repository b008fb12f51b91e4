package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kestrel-run/agentcore/internal/llm"
)

// State is a Session's lifecycle state (spec.md §3 "Session").
type State string

const (
	StateActive State = "active"
	StateClosed State = "closed"
)

// Session stores conversation history and per-turn scratch space for one
// (channel, chat_id, user_id) conversation (spec.md §3 "Session").
// Exactly one Session exists per triple at any time.
type Session struct {
	Key         string        `json:"key"`
	Channel     string        `json:"channel"`
	ChatID      string        `json:"chat_id"`
	UserID      string        `json:"user_id"`
	State       State         `json:"state"`
	Messages    []llm.Message `json:"messages"`
	Summary     string        `json:"summary,omitempty"`
	Created     time.Time     `json:"created"`
	Updated     time.Time     `json:"updated"`
	LastActive  time.Time     `json:"last_active"`

	// Metadata is per-turn scratch space: pending_images, pending_voices,
	// the current inbound message, a gateway back-reference (spec.md §3).
	Metadata map[string]any `json:"metadata,omitempty"`

	Model            string `json:"model,omitempty"`
	Endpoint         string `json:"endpoint,omitempty"`
	InputTokens      int64  `json:"input_tokens,omitempty"`
	OutputTokens     int64  `json:"output_tokens,omitempty"`
	CompressionCount int    `json:"compression_count,omitempty"`
	LastPromptTokens int    `json:"last_prompt_tokens,omitempty"`
	LastMessageCount int    `json:"last_message_count,omitempty"`

	mu sync.Mutex
}

// SetMeta sets a metadata key under the session's own lock, independent of
// the Manager's lock — callers read/write scratch state mid-turn without
// holding the registry lock for the whole turn.
func (s *Session) SetMeta(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	s.Metadata[key] = value
}

func (s *Session) GetMeta(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.Metadata[key]
	return v, ok
}

func (s *Session) ClearMeta() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Metadata = nil
}

// Manager owns the session registry: lookup, bounded-history enforcement,
// idle-timeout closing, and disk persistence (spec.md §3 "Session"
// invariants). Grounded on the teacher's internal/sessions.Manager,
// generalized to the (channel, chat_id, user_id) key the spec requires
// and trimmed of subagent/managed-mode bookkeeping out of scope here.
type Manager struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	storage      string
	historyLimit int
	idleTimeout  time.Duration
}

type Option func(*Manager)

func WithHistoryLimit(n int) Option   { return func(m *Manager) { m.historyLimit = n } }
func WithIdleTimeout(d time.Duration) Option { return func(m *Manager) { m.idleTimeout = d } }

func NewManager(storage string, opts ...Option) *Manager {
	m := &Manager{
		sessions:     make(map[string]*Session),
		storage:      storage,
		historyLimit: 50,
		idleTimeout:  30 * time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	if storage != "" {
		os.MkdirAll(storage, 0755)
		m.loadAll()
	}
	return m
}

// Key builds the canonical (channel, chat_id, user_id) session key.
func Key(channel, chatID, userID string) string {
	return fmt.Sprintf("%s:%s:%s", channel, chatID, userID)
}

// GetOrCreate returns the existing session for key, creating and marking
// it active on first use.
func (m *Manager) GetOrCreate(channel, chatID, userID string) *Session {
	key := Key(channel, chatID, userID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		s.State = StateActive
		s.LastActive = time.Now()
		return s
	}

	now := time.Now()
	s := &Session{
		Key: key, Channel: channel, ChatID: chatID, UserID: userID,
		State: StateActive, Created: now, Updated: now, LastActive: now,
	}
	m.sessions[key] = s
	return s
}

// Get looks up an existing session without creating one.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

// AddMessage appends a message to the session, enforcing the bounded
// history invariant (oldest entries trimmed once the limit is exceeded).
func (m *Manager) AddMessage(key string, msg llm.Message) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = append(s.Messages, msg)
	if m.historyLimit > 0 && len(s.Messages) > m.historyLimit {
		s.Messages = s.Messages[len(s.Messages)-m.historyLimit:]
	}
	s.Updated = time.Now()
	s.LastActive = s.Updated
}

// History returns a copy of the session's message list.
func (m *Manager) History(key string) []llm.Message {
	m.mu.RLock()
	s, ok := m.sessions[key]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.Messages))
	copy(out, s.Messages)
	return out
}

// ReplaceHistory atomically swaps in a new message list, used after
// context compression collapses older turns into a synthetic summary.
func (m *Manager) ReplaceHistory(key string, msgs []llm.Message) {
	m.mu.RLock()
	s, ok := m.sessions[key]
	m.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.Messages = msgs
	s.CompressionCount++
	s.Updated = time.Now()
	s.mu.Unlock()
}

// AccumulateTokens adds token counts from a completed LLM call.
func (m *Manager) AccumulateTokens(key string, in, out int64) {
	m.mu.RLock()
	s, ok := m.sessions[key]
	m.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.InputTokens += in
	s.OutputTokens += out
	s.mu.Unlock()
}

// Reset clears a session's history and summary, keeping its identity.
func (m *Manager) Reset(key string) {
	m.mu.RLock()
	s, ok := m.sessions[key]
	m.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.Messages = nil
	s.Summary = ""
	s.Updated = time.Now()
	s.mu.Unlock()
}

// CloseIdle scans for sessions whose LastActive exceeds the configured
// idle timeout, marks them closed, flushes them to disk, and evicts them
// from the in-memory registry (spec.md §3: "sessions idle longer than a
// configured timeout are closed and flushed to storage").
func (m *Manager) CloseIdle() []string {
	if m.idleTimeout <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	var toClose []*Session
	for _, s := range m.sessions {
		s.mu.Lock()
		idle := s.State == StateActive && s.LastActive.Before(cutoff)
		if idle {
			s.State = StateClosed
		}
		s.mu.Unlock()
		if idle {
			toClose = append(toClose, s)
		}
	}
	m.mu.Unlock()

	closed := make([]string, 0, len(toClose))
	for _, s := range toClose {
		if err := m.Save(s.Key); err == nil {
			m.mu.Lock()
			delete(m.sessions, s.Key)
			m.mu.Unlock()
			closed = append(closed, s.Key)
		}
	}
	return closed
}

// List returns lightweight descriptors for every in-memory session.
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		s.mu.Lock()
		out = append(out, SessionInfo{Key: s.Key, MessageCount: len(s.Messages), State: s.State, Updated: s.Updated})
		s.mu.Unlock()
	}
	return out
}

type SessionInfo struct {
	Key          string    `json:"key"`
	MessageCount int       `json:"message_count"`
	State        State     `json:"state"`
	Updated      time.Time `json:"updated"`
}

// Save persists one session to disk atomically (tempfile + rename,
// matching the extended-cooldown-state write pattern used elsewhere in
// this runtime).
func (m *Manager) Save(key string) error {
	if m.storage == "" {
		return nil
	}
	m.mu.RLock()
	s, ok := m.sessions[key]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	data, err := json.MarshalIndent(s, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}

	filename := sanitizeFilename(key)
	if filename == "." || !filepath.IsLocal(filename) || strings.ContainsAny(filename, `/\`) {
		return os.ErrInvalid
	}
	path := filepath.Join(m.storage, filename+".json")

	tmp, err := os.CreateTemp(m.storage, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()
	return os.Rename(tmpPath, path)
}

func (m *Manager) loadAll() {
	files, err := os.ReadDir(m.storage)
	if err != nil {
		return
	}
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.storage, f.Name()))
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		m.sessions[s.Key] = &s
	}
}

func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
