package service

import "testing"

func TestMemory_AddMessageAccumulatesTokens(t *testing.T) {
	m := NewMemory(10000, nil)
	m.AddMessage(LLMMessage{Role: "user", Content: "hello there"})
	if m.TokenCount() <= 0 {
		t.Fatal("expected positive token count after adding a message")
	}
	if len(m.Messages()) != 1 {
		t.Fatalf("expected 1 message, got %d", len(m.Messages()))
	}
}

func TestMemory_Clear(t *testing.T) {
	m := NewMemory(10000, nil)
	m.AddMessage(LLMMessage{Role: "user", Content: "hello"})
	m.SetTodos(nil)
	m.Clear()
	if len(m.Messages()) != 0 {
		t.Fatal("expected no messages after Clear")
	}
	if m.TokenCount() != 0 {
		t.Fatal("expected zero token count after Clear")
	}
}

func TestMemory_CompactsWhenOverThreshold(t *testing.T) {
	m := NewMemory(100000, nil)
	m.SetCompactThreshold(50)
	for i := 0; i < 10; i++ {
		m.AddMessage(LLMMessage{Role: "user", Content: "this message is long enough to add several tokens of content"})
		m.AddMessage(LLMMessage{Role: "assistant", Content: "acknowledged, here is a fairly detailed assistant reply to that message"})
	}
	msgs := m.Messages()
	if len(msgs) == 0 {
		t.Fatal("expected some messages to remain after compaction")
	}
	if msgs[0].Role != "system" {
		t.Fatalf("expected a synthetic system digest message first, got role %q", msgs[0].Role)
	}
}

func TestMemory_TokenCountMatchesSumAfterCompaction(t *testing.T) {
	m := NewMemory(100000, nil)
	m.SetCompactThreshold(60)
	for i := 0; i < 12; i++ {
		m.AddMessage(LLMMessage{Role: "user", Content: "a reasonably sized user message carrying some content"})
		m.AddMessage(LLMMessage{Role: "assistant", Content: "a reasonably sized assistant reply carrying some content"})
	}
	want := 0
	for _, msg := range m.Messages() {
		want += countMessageTokens(msg)
	}
	if got := m.TokenCount(); got != want {
		t.Fatalf("token count %d must equal recomputed sum %d", got, want)
	}
}

func TestMemory_CompactionSkippedBelowFiveMessages(t *testing.T) {
	m := NewMemory(100000, nil)
	m.SetCompactThreshold(40)
	for i := 0; i < 8; i++ {
		m.AddMessage(LLMMessage{Role: "user", Content: "message content that pushes the memory over its compaction threshold"})
	}
	// Memory is now compacted to a digest plus the last message. It is still
	// over the threshold, but compaction needs at least five messages.
	before := len(m.Messages())
	beforeTokens := m.TokenCount()

	m.AddMessage(LLMMessage{Role: "user", Content: "tiny"})
	if len(m.Messages()) != before+1 {
		t.Fatal("an append leaving fewer than five messages must not trigger another compaction")
	}
	if m.TokenCount() <= beforeTokens {
		t.Fatal("token count must grow by the appended message")
	}
}

func TestMemory_UsagePercentCapsAt100(t *testing.T) {
	m := NewMemory(10, nil)
	m.AddMessage(LLMMessage{Role: "user", Content: "this is quite a bit longer than ten tokens worth of content here"})
	if m.UsagePercent() != 100 {
		t.Fatalf("expected usage to cap at 100, got %d", m.UsagePercent())
	}
}

func TestMemory_ClearTodosKeepsMessages(t *testing.T) {
	m := NewMemory(10000, nil)
	m.AddMessage(LLMMessage{Role: "user", Content: "hello"})
	m.ClearTodos()
	if len(m.Messages()) != 1 {
		t.Fatal("ClearTodos should not remove conversational messages")
	}
}
