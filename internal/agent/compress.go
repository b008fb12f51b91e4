package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/kestrel-run/agentcore/internal/config"
	"github.com/kestrel-run/agentcore/internal/memory"
	"github.com/kestrel-run/agentcore/internal/providers"
)

// pruneContextMessages trims large tool-result bodies out of older history
// once the estimated token count is getting close to the context window,
// keeping the most recent messages (and all non-tool messages) intact.
// This runs on the in-memory message list sent to the LLM; it never
// mutates what's persisted in the session.
func pruneContextMessages(msgs []providers.Message, contextWindow int, cfg config.CompressionConfig) []providers.Message {
	if contextWindow <= 0 || len(msgs) == 0 {
		return msgs
	}

	reserve := cfg.ReserveTokensFloor
	if reserve <= 0 {
		reserve = 4000
	}
	keepLast := cfg.KeepLastMessages
	if keepLast <= 0 {
		keepLast = 20
	}

	if EstimateTokens(msgs) <= contextWindow-reserve {
		return msgs
	}

	cutoff := len(msgs) - keepLast
	if cutoff <= 0 {
		return msgs
	}

	const maxToolResultChars = 2000
	pruned := make([]providers.Message, len(msgs))
	copy(pruned, msgs)
	for i := 0; i < cutoff; i++ {
		if pruned[i].Role == "tool" && len(pruned[i].Content) > maxToolResultChars {
			pruned[i].Content = truncateStr(pruned[i].Content, maxToolResultChars) + "\n[older tool output truncated to save context]"
		}
	}
	return pruned
}

// EstimateTokensWithCalibration estimates a session's current token count,
// preferring the actual prompt-token count the provider reported for the
// last request (scaled by message-count growth since then) over the
// chars/3 heuristic, which under/overshoots badly for non-English text.
func EstimateTokensWithCalibration(history []providers.Message, lastPromptTokens, lastMessageCount int) int {
	if lastPromptTokens <= 0 || lastMessageCount <= 0 {
		return EstimateTokens(history)
	}
	perMessage := float64(lastPromptTokens) / float64(lastMessageCount)
	return int(perMessage * float64(len(history)))
}

// MemoryFlushSettings controls whether/how conversation turns get written
// to the memory store's turn log before being summarized away.
type MemoryFlushSettings struct {
	Enabled        bool
	TriggerRatio   float64 // fraction of context_window that triggers a flush
}

// ResolveMemoryFlushSettings derives flush settings from the compression
// config, defaulting to enabled at the same trigger ratio as compaction
// itself (flush right before the turns would otherwise be lost).
func ResolveMemoryFlushSettings(cfg config.CompressionConfig) MemoryFlushSettings {
	ratio := cfg.TriggerRatio
	if ratio <= 0 {
		ratio = 0.75
	}
	return MemoryFlushSettings{Enabled: true, TriggerRatio: ratio}
}

// shouldRunMemoryFlush reports whether the session has crossed the flush
// threshold and hasn't already been flushed for the compaction about to
// happen (GetMemoryFlushCompactionCount tracks the last compaction cycle
// that was flushed, so a session that compacts twice without new growth
// doesn't re-flush the same turns).
func (l *Loop) shouldRunMemoryFlush(sessionKey string, tokenEstimate int, settings MemoryFlushSettings) bool {
	if !settings.Enabled || l.memoryStore == nil {
		return false
	}
	threshold := int(float64(l.contextWindow) * settings.TriggerRatio)
	if tokenEstimate < threshold {
		return false
	}
	return l.sessions.GetMemoryFlushCompactionCount(sessionKey) <= l.sessions.GetCompactionCount(sessionKey)
}

// runMemoryFlush persists the session's unflushed turns into the memory
// store's conversation_turns table so nightly consolidation can extract
// durable facts/preferences from them even after compaction discards the
// verbatim history.
func (l *Loop) runMemoryFlush(ctx context.Context, sessionKey string, settings MemoryFlushSettings) {
	if l.memoryStore == nil {
		return
	}
	history := l.sessions.GetHistory(sessionKey)
	now := time.Now().UTC().Format(time.RFC3339)

	for i, msg := range history {
		if msg.Role != "user" && msg.Role != "assistant" {
			continue
		}
		turn := memory.ConversationTurn{
			SessionID:     sessionKey,
			TurnIndex:     i,
			Role:          msg.Role,
			Content:       msg.Content,
			HasToolCalls:  len(msg.ToolCalls) > 0,
			Timestamp:     now,
			TokenEstimate: EstimateTokens([]providers.Message{msg}),
		}
		if err := l.memoryStore.SaveTurn(turn); err != nil {
			slog.Warn("memory flush: failed to save turn", "session", sessionKey, "index", i, "error", err)
			return
		}
	}
	l.sessions.SetMemoryFlushDone(sessionKey)
}
