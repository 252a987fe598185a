package service

import (
	"fmt"
	"strings"
	"sync"

	"github.com/corvid-run/agentcore/internal/domain/entity"
	"go.uber.org/zap"
)

// DefaultCompactThreshold is the token count above which Memory compacts
// automatically on the next AddMessage call.
const DefaultCompactThreshold = 100_000

const maxDigestBullets = 10
const maxBulletChars = 200

// Memory is the append-only conversational message log for one run, with
// token accounting and automatic compaction. Distinct from the vector-backed
// long-term memory store in domain/memory — this is the per-session
// short-term context window.
type Memory struct {
	mu               sync.Mutex
	messages         []LLMMessage
	todos            entity.TodoList
	tokenCount       int
	maxTokens        int
	compactThreshold int
	logger           *zap.Logger
}

// NewMemory creates an empty conversational memory bounded by maxTokens.
func NewMemory(maxTokens int, logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		maxTokens:        maxTokens,
		compactThreshold: DefaultCompactThreshold,
		logger:           logger,
	}
}

// SetCompactThreshold overrides the default compaction trigger.
func (m *Memory) SetCompactThreshold(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compactThreshold = n
}

// AddMessage appends a message, updates the running token count, and
// compacts automatically if the threshold is exceeded. Compaction never
// propagates an error — it is a best-effort housekeeping step.
func (m *Memory) AddMessage(msg LLMMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokenCount += countMessageTokens(msg)
	m.messages = append(m.messages, msg)

	if m.tokenCount > m.compactThreshold {
		m.compact()
	}
}

// Messages returns a copy of the current message log.
func (m *Memory) Messages() []LLMMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LLMMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

// TokenCount returns the current running token estimate.
func (m *Memory) TokenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenCount
}

// UsagePercent returns token_count/max_tokens as a percentage, capped at 100.
func (m *Memory) UsagePercent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxTokens <= 0 {
		return 0
	}
	pct := (m.tokenCount * 100) / m.maxTokens
	if pct > 100 {
		pct = 100
	}
	return pct
}

// NeedsCompaction reports whether the next AddMessage would trigger
// compaction given current state.
func (m *Memory) NeedsCompaction() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenCount > m.compactThreshold
}

// Todos returns a pointer to the live todo list (read/write through the
// caller's own synchronization — callers holding a HookContext snapshot see
// a point-in-time copy, see Session for the authoritative owner).
func (m *Memory) Todos() *entity.TodoList {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &m.todos
}

// SetTodos replaces the todo list wholesale (used by the write_todos tool).
func (m *Memory) SetTodos(items []entity.TodoItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.todos.Items = items
}

// Clear drops all messages and todos and resets the token count. Used by
// Session.Reset — the sandbox, if any, is untouched by design.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
	m.todos = entity.TodoList{}
	m.tokenCount = 0
}

// ClearTodos drops only the todo list, keeping conversational history.
func (m *Memory) ClearTodos() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.todos = entity.TodoList{}
}

// compact drains the oldest ~80% of messages into a bounded bulleted digest
// and prepends it as a synthetic system message. Callers must hold m.mu.
func (m *Memory) compact() {
	if len(m.messages) < 5 {
		return
	}

	keepCount := (len(m.messages) * 20) / 100
	if keepCount < 1 {
		keepCount = 1
	}
	splitAt := len(m.messages) - keepCount
	if splitAt <= 0 {
		return
	}

	drained := m.messages[:splitAt]
	kept := m.messages[splitAt:]

	digest := buildDigest(drained)

	rebuilt := make([]LLMMessage, 0, len(kept)+1)
	rebuilt = append(rebuilt, LLMMessage{
		Role:    "system",
		Content: "[Prior context compacted]\n" + digest,
	})
	rebuilt = append(rebuilt, kept...)
	m.messages = rebuilt

	m.tokenCount = 0
	for _, msg := range m.messages {
		m.tokenCount += countMessageTokens(msg)
	}

	m.logger.Info("memory compacted",
		zap.Int("drained", len(drained)),
		zap.Int("kept", len(kept)),
		zap.Int("tokens_after", m.tokenCount),
	)
}

// buildDigest renders up to maxDigestBullets bullets summarizing drained
// messages, most recent first is never produced — original chronological
// order is preserved. System messages are dropped entirely from the digest.
func buildDigest(drained []LLMMessage) string {
	var bullets []string
	for _, msg := range drained {
		switch msg.Role {
		case "user":
			bullets = append(bullets, "User asked: "+truncateBullet(msg.TextContent()))
		case "assistant":
			if msg.TextContent() != "" {
				bullets = append(bullets, "Assistant answered: "+truncateBullet(msg.TextContent()))
			}
		case "system":
			// dropped from the digest
		}
	}

	if len(bullets) > maxDigestBullets {
		bullets = bullets[len(bullets)-maxDigestBullets:]
	}

	var sb strings.Builder
	for _, b := range bullets {
		sb.WriteString("- ")
		sb.WriteString(b)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func truncateBullet(s string) string {
	if len(s) <= maxBulletChars {
		return s
	}
	return fmt.Sprintf("%s...", s[:maxBulletChars])
}
