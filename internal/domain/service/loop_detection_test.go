package service

import (
	"context"
	"testing"
)

func TestToolCallDetector_NoLoop(t *testing.T) {
	d := NewToolCallDetector(3)
	if d.Check("read_file", map[string]interface{}{"path": "a"}) {
		t.Fatal("should not detect loop on first call")
	}
	if d.Check("write_file", map[string]interface{}{"path": "b"}) {
		t.Fatal("different tool should reset streak")
	}
}

func TestToolCallDetector_DetectsConsecutiveRepetition(t *testing.T) {
	d := NewToolCallDetector(3)
	args := map[string]interface{}{"path": "a"}
	if d.Check("read_file", args) {
		t.Fatal("1st call should not trigger")
	}
	if d.Check("read_file", args) {
		t.Fatal("2nd call should not trigger")
	}
	if !d.Check("read_file", args) {
		t.Fatal("3rd identical call should trigger threshold=3")
	}
}

func TestToolCallDetector_ArgOrderInsensitive(t *testing.T) {
	d := NewToolCallDetector(2)
	d.Check("search", map[string]interface{}{"a": 1, "b": 2})
	if !d.Check("search", map[string]interface{}{"b": 2, "a": 1}) {
		t.Fatal("reordered identical args should still count as a repeat")
	}
}

func TestToolCallDetector_Reset(t *testing.T) {
	d := NewToolCallDetector(2)
	args := map[string]interface{}{"x": 1}
	d.Check("t", args)
	d.Reset()
	if d.Check("t", args) {
		t.Fatal("after reset, first call should not trigger")
	}
}

func TestContentLoopDetector_NoRepetition(t *testing.T) {
	d := NewContentLoopDetector(10, 3, 5)
	if d.Check("the quick brown fox jumps over the lazy dog repeatedly") {
		t.Fatal("distinct content should not trigger")
	}
}

func TestContentLoopDetector_DetectsRepeatedChunk(t *testing.T) {
	d := NewContentLoopDetector(10, 3, 5)
	chunk := "I am stuck trying the same thing again and again"
	text := chunk + " " + chunk + " " + chunk + " " + chunk
	if !d.Check(text) {
		t.Fatal("tight repetition of the same chunk should trigger")
	}
}

func TestContentLoopDetector_DetectsRepeatAcrossLineBreak(t *testing.T) {
	d := NewContentLoopDetector(10, 3, 5)
	// The repeated chunk straddles a line break: the window must slide over
	// the whole history buffer, not restart at each physical line.
	unit := "going in circles hello\nworld again and again "
	if !d.Check(unit + unit + unit + unit) {
		t.Fatal("repetition straddling a line break should trigger")
	}
}

func TestContentLoopDetector_DetectsRepeatAcrossFragments(t *testing.T) {
	d := NewContentLoopDetector(10, 3, 5)
	// The same text arriving split over several Check calls must accumulate
	// into one history buffer.
	unit := "the model keeps saying this exact sentence "
	fired := false
	for i := 0; i < 4; i++ {
		if d.Check(unit) {
			fired = true
		}
	}
	if !fired {
		t.Fatal("repetition across fragment boundaries should trigger")
	}
}

func TestContentLoopDetector_SkipDiscardsHistory(t *testing.T) {
	d := NewContentLoopDetector(10, 3, 5)
	unit := "the model keeps saying this exact sentence "
	d.Check(unit)
	d.Check(unit)
	// A structural fragment discards the accumulated history...
	if d.Check("# Heading between repeats") {
		t.Fatal("structural fragment must not trigger")
	}
	// ...so the count restarts: two more repeats are not enough to fire.
	if d.Check(unit) || d.Check(unit) {
		t.Fatal("history must restart after a structural skip")
	}
}

func TestContentLoopDetector_SkipsCodeFences(t *testing.T) {
	d := NewContentLoopDetector(5, 3, 5)
	text := "```\nsame line here\n```\n```\nsame line here\n```\n```\nsame line here\n```"
	if d.Check(text) {
		t.Fatal("repeated code fence content should be skipped")
	}
}

func TestLoopDetectionService_AlreadyFiredShortCircuits(t *testing.T) {
	svc := NewLoopDetectionService(DefaultLoopDetectionConfig(), nil, nil)
	args := map[string]interface{}{"x": 1}
	for i := 0; i < defaultToolRepetitionThreshold; i++ {
		svc.CheckToolCall("s1", i, "t", args)
	}
	// Further calls must not fire a second event.
	if ev := svc.CheckToolCall("s1", 99, "t", args); ev != nil {
		t.Fatal("already-fired service should not emit a second event")
	}
}

func TestLoopDetectionService_Reset(t *testing.T) {
	svc := NewLoopDetectionService(DefaultLoopDetectionConfig(), nil, nil)
	args := map[string]interface{}{"x": 1}
	for i := 0; i < defaultToolRepetitionThreshold; i++ {
		svc.CheckToolCall("s1", i, "t", args)
	}
	svc.Reset()
	if ev := svc.CheckToolCall("s1", 0, "t", args); ev != nil {
		t.Fatal("first call after reset should not immediately fire")
	}
}

type mockScout struct {
	result string
	err    error
}

func (m *mockScout) ChatCompletion(ctx context.Context, systemPrompt string, history []LLMMessage, userMessage, model string) (string, error) {
	return m.result, m.err
}

func TestCognitiveLoopDetector_ShouldCheckCadence(t *testing.T) {
	cfg := DefaultCognitiveLoopDetectorConfig()
	cfg.CheckAfterTurns = 10
	cfg.CheckInterval = 3
	d := NewCognitiveLoopDetector(&mockScout{}, cfg, nil)

	if d.ShouldCheck(5) {
		t.Fatal("should not check before warm-up")
	}
	if !d.ShouldCheck(10) {
		t.Fatal("should check exactly at warm-up turn")
	}
	if d.ShouldCheck(11) {
		t.Fatal("should not check off-interval turn")
	}
	if !d.ShouldCheck(13) {
		t.Fatal("should check every interval after warm-up")
	}
}

func TestCognitiveLoopDetector_FiresOnHighConfidence(t *testing.T) {
	scout := &mockScout{result: `{"is_stuck": true, "confidence": 0.97, "reasoning": "repeating itself"}`}
	d := NewCognitiveLoopDetector(scout, DefaultCognitiveLoopDetectorConfig(), nil)
	mem := NewMemory(1000, nil)
	mem.AddMessage(LLMMessage{Role: "user", Content: "hi"})

	result, ok := d.Check(context.Background(), mem)
	if !ok {
		t.Fatal("expected a parsed result")
	}
	if !d.Fires(result) {
		t.Fatal("expected detector to fire on high confidence")
	}
}

func TestCognitiveLoopDetector_DoesNotFireBelowThreshold(t *testing.T) {
	scout := &mockScout{result: `{"is_stuck": true, "confidence": 0.5, "reasoning": "maybe"}`}
	d := NewCognitiveLoopDetector(scout, DefaultCognitiveLoopDetectorConfig(), nil)
	mem := NewMemory(1000, nil)

	result, ok := d.Check(context.Background(), mem)
	if !ok {
		t.Fatal("expected a parsed result")
	}
	if d.Fires(result) {
		t.Fatal("should not fire below confidence threshold")
	}
}
