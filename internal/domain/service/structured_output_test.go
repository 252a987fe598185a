package service

import (
	"strings"
	"testing"
)

var testTools = []string{"read_file", "web_search", "write_todos"}

func TestParseStructuredOutput_FinalAnswer(t *testing.T) {
	out, err := ParseStructuredOutput(`{"thought":"ok","tool_call":null,"final_answer":"hi"}`, testTools)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.HasFinal || out.FinalAnswer != "hi" {
		t.Fatalf("expected final answer 'hi', got %+v", out)
	}
	if out.ToolCall != nil {
		t.Fatalf("expected nil tool call, got %+v", out.ToolCall)
	}
}

func TestParseStructuredOutput_ToolCall(t *testing.T) {
	out, err := ParseStructuredOutput(
		`{"thought":"need file","tool_call":{"name":"read_file","arguments":{"path":"a.txt"}},"final_answer":null}`,
		testTools,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ToolCall == nil || out.ToolCall.Name != "read_file" {
		t.Fatalf("expected read_file tool call, got %+v", out.ToolCall)
	}
	if out.ToolCall.Arguments["path"] != "a.txt" {
		t.Fatalf("expected path argument, got %v", out.ToolCall.Arguments)
	}
	if out.ToolCall.ArgumentsJSON != `{"path":"a.txt"}` {
		t.Fatalf("expected canonical arguments JSON, got %s", out.ToolCall.ArgumentsJSON)
	}
	if out.HasFinal {
		t.Fatal("tool call response must not carry a final answer")
	}
}

func TestParseStructuredOutput_Failures(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		wantMsg string
	}{
		{"empty", "", "Empty response content"},
		{"whitespace", "   \n\t ", "Empty response content"},
		{"garbage", "garbage", "Invalid JSON"},
		{"missing thought", `{"tool_call":null,"final_answer":"x"}`, "thought"},
		{"empty thought", `{"thought":"  ","final_answer":"x"}`, "thought"},
		{"neither", `{"thought":"x","tool_call":null,"final_answer":null}`, "got neither"},
		{"both", `{"thought":"x","tool_call":{"name":"read_file","arguments":{}},"final_answer":"y"}`, "got both"},
		{"empty final", `{"thought":"x","final_answer":"   "}`, "non-empty"},
		{"final not string", `{"thought":"x","final_answer":42}`, "must be a string"},
		{"empty tool name", `{"thought":"x","tool_call":{"name":"","arguments":{}}}`, "tool_call.name"},
		{"unknown tool", `{"thought":"x","tool_call":{"name":"nope","arguments":{}}}`, "Available tools"},
		{"array arguments", `{"thought":"x","tool_call":{"name":"read_file","arguments":[1,2]}}`, "JSON object"},
		{"scalar arguments", `{"thought":"x","tool_call":{"name":"read_file","arguments":"str"}}`, "JSON object"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseStructuredOutput(tc.input, testTools)
			if err == nil {
				t.Fatalf("expected error for %q", tc.input)
			}
			var soErr *StructuredOutputError
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Fatalf("expected error containing %q, got %q", tc.wantMsg, err.Error())
			}
			_ = soErr
		})
	}
}

func TestParseStructuredOutput_UnknownToolListsAvailable(t *testing.T) {
	_, err := ParseStructuredOutput(`{"thought":"x","tool_call":{"name":"nope","arguments":{}}}`, testTools)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, name := range testTools {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("error should list %q, got %q", name, err.Error())
		}
	}
}

func TestParseStructuredOutput_FencedJSON(t *testing.T) {
	raw := "```json\n{\"thought\":\"ok\",\"final_answer\":\"done\"}\n```"
	out, err := ParseStructuredOutput(raw, testTools)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.FinalAnswer != "done" {
		t.Fatalf("expected 'done', got %q", out.FinalAnswer)
	}
}

func TestParseStructuredOutput_NilArgumentsBecomesEmptyObject(t *testing.T) {
	out, err := ParseStructuredOutput(`{"thought":"x","tool_call":{"name":"write_todos","arguments":null}}`, testTools)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ToolCall.ArgumentsJSON != "{}" {
		t.Fatalf("expected empty object, got %s", out.ToolCall.ArgumentsJSON)
	}
}

func TestParseStructuredOutput_NeverPanics(t *testing.T) {
	inputs := []string{
		"", "null", "[]", "{}", "0", `"str"`, "{", "}", "```", "```json\n```",
		`{"thought":null}`, `{"thought":123,"final_answer":"x"}`,
		strings.Repeat("x", 100_000),
	}
	for _, in := range inputs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("panic on input %q: %v", in, r)
				}
			}()
			_, _ = ParseStructuredOutput(in, testTools)
		}()
	}
}

func TestPreviewPayloadTruncates(t *testing.T) {
	long := strings.Repeat("a", 1000)
	preview := previewPayload(long)
	if len(preview) > maxPayloadPreview+3 {
		t.Fatalf("preview too long: %d chars", len(preview))
	}
	if !strings.HasSuffix(preview, "...") {
		t.Fatal("expected ellipsis suffix")
	}
	if previewPayload("short") != "short" {
		t.Fatal("short payloads must pass through unchanged")
	}
}
