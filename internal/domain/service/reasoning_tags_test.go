package service

import (
	"strings"
	"testing"
)

func TestExtractReasoningTags(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"no tags", "plain answer", ""},
		{"think block", "<think>step one</think>the answer", "step one"},
		{"thinking block", "<thinking>hmm</thinking>ok", "hmm"},
		{"multiple blocks", "<think>a</think>mid<think>b</think>", "a\nb"},
		{"unclosed tail", "answer<think>still going", "still going"},
		{"empty block", "<think>  </think>answer", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractReasoningTags(tc.in); got != tc.want {
				t.Fatalf("ExtractReasoningTags(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestExtractReasoningTags_IgnoresCodeBlocks(t *testing.T) {
	in := "```\n<think>code sample</think>\n```\nanswer"
	if got := ExtractReasoningTags(in); got != "" {
		t.Fatalf("tags inside code blocks must be ignored, got %q", got)
	}
}

func TestExtractReasoningTags_InverseOfStrip(t *testing.T) {
	in := "<think>the trace</think>the visible part"
	if StripReasoningTags(in) != "the visible part" {
		t.Fatal("strip must keep the visible part")
	}
	if ExtractReasoningTags(in) != "the trace" {
		t.Fatal("extract must keep the trace")
	}
}

func TestTimeoutReport_IncludesReasoning(t *testing.T) {
	mem := NewMemory(128000, nil)
	mem.AddMessage(LLMMessage{Role: "user", Content: "do the thing"})
	mem.AddMessage(LLMMessage{Role: "assistant", Content: "working on it", Reasoning: "first I will check the files"})

	h := &TimeoutReportHook{}
	result := h.Handle(HookEvent{Kind: HookTimeout}, HookContext{Memory: mem, MaxContinuations: 5})
	if result.Kind != ResultFinish {
		t.Fatalf("expected Finish, got %v", result.Kind)
	}
	if !strings.Contains(result.Report, `"reasoning"`) ||
		!strings.Contains(result.Report, "first I will check the files") {
		t.Fatalf("report must carry the reasoning trace, got %s", result.Report)
	}
}
