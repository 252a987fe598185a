package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/corvid-run/agentcore/internal/domain/entity"
	domaintool "github.com/corvid-run/agentcore/internal/domain/tool"
)

// fakeLLM returns scripted responses in order; the last one repeats.
type fakeLLM struct {
	responses []*LLMResponse
	calls     int
}

func (f *fakeLLM) Generate(ctx context.Context, req *LLMRequest) (*LLMResponse, error) {
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	resp := *f.responses[idx]
	return &resp, nil
}

func (f *fakeLLM) GenerateStream(ctx context.Context, req *LLMRequest, deltaCh chan<- StreamChunk) (*LLMResponse, error) {
	close(deltaCh)
	return f.Generate(ctx, req)
}

func jsonResp(s string) *LLMResponse { return &LLMResponse{Content: s, TokensUsed: 5} }

// fakeExecutor records executed tools and returns a fixed output.
type fakeExecutor struct {
	defs     []domaintool.Definition
	executed []string
	output   string
	delay    time.Duration
}

func (f *fakeExecutor) Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.executed = append(f.executed, name)
	out := f.output
	if out == "" {
		out = "ok"
	}
	return &domaintool.Result{Output: out, Success: true}, nil
}

func (f *fakeExecutor) GetDefinitions() []domaintool.Definition { return f.defs }

func (f *fakeExecutor) GetToolKind(name string) domaintool.Kind { return domaintool.KindExecute }

func newTestLoop(llm LLMClient, exec ToolExecutor) *AgentLoop {
	cfg := DefaultAgentLoopConfig()
	cfg.Model = "test-model"
	return NewAgentLoop(llm, exec, cfg, zap.NewNop())
}

func drainEvents(ch <-chan entity.AgentEvent) []entity.AgentEvent {
	var events []entity.AgentEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []entity.AgentEvent) []entity.AgentEventType {
	out := make([]entity.AgentEventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestRun_SingleShotAnswer(t *testing.T) {
	llm := &fakeLLM{responses: []*LLMResponse{
		jsonResp(`{"thought":"ok","tool_call":null,"final_answer":"hi"}`),
	}}
	loop := newTestLoop(llm, &fakeExecutor{})

	result, eventCh := loop.Run(context.Background(), "sys", "hello", nil, "")
	events := drainEvents(eventCh)

	if result.FinalContent != "hi" {
		t.Fatalf("expected final answer 'hi', got %q", result.FinalContent)
	}
	if llm.calls != 1 {
		t.Fatalf("expected 1 model call, got %d", llm.calls)
	}
	foundDone := false
	for _, ev := range events {
		if ev.Type == entity.EventDone {
			foundDone = true
		}
	}
	if !foundDone {
		t.Fatalf("expected a Done event, got %v", eventTypes(events))
	}
}

func TestRun_ToolThenAnswer(t *testing.T) {
	llm := &fakeLLM{responses: []*LLMResponse{
		jsonResp(`{"thought":"need file","tool_call":{"name":"read_file","arguments":{"path":"a.txt"}},"final_answer":null}`),
		jsonResp(`{"thought":"done","tool_call":null,"final_answer":"content=content"}`),
	}}
	exec := &fakeExecutor{defs: []domaintool.Definition{{Name: "read_file"}}, output: "content"}
	loop := newTestLoop(llm, exec)

	result, eventCh := loop.Run(context.Background(), "sys", "read it", nil, "")
	events := drainEvents(eventCh)

	if result.FinalContent != "content=content" {
		t.Fatalf("expected final answer, got %q", result.FinalContent)
	}
	if len(exec.executed) != 1 || exec.executed[0] != "read_file" {
		t.Fatalf("expected read_file executed once, got %v", exec.executed)
	}

	// ToolCall must precede its ToolResult.
	callIdx, resultIdx := -1, -1
	for i, ev := range events {
		if ev.Type == entity.EventToolCall && callIdx == -1 {
			callIdx = i
		}
		if ev.Type == entity.EventToolResult && resultIdx == -1 {
			resultIdx = i
		}
	}
	if callIdx == -1 || resultIdx == -1 || callIdx >= resultIdx {
		t.Fatalf("expected ToolCall before ToolResult, got %v", eventTypes(events))
	}
}

func TestRun_BadJSONRecovery(t *testing.T) {
	llm := &fakeLLM{responses: []*LLMResponse{
		jsonResp("garbage"),
		jsonResp(`{"thought":"ok","tool_call":null,"final_answer":"recovered"}`),
	}}
	exec := &fakeExecutor{}
	loop := newTestLoop(llm, exec)

	result, eventCh := loop.Run(context.Background(), "sys", "go", nil, "")
	events := drainEvents(eventCh)

	if result.FinalContent != "recovered" {
		t.Fatalf("expected recovery to final answer, got %q", result.FinalContent)
	}
	if llm.calls != 2 {
		t.Fatalf("expected 2 model calls, got %d", llm.calls)
	}
	if len(exec.executed) != 0 {
		t.Fatalf("no tool must run during recovery, got %v", exec.executed)
	}

	continuations := 0
	for _, ev := range events {
		if ev.Type == entity.EventContinuation {
			continuations++
			if ev.Continuation == nil || ev.Continuation.Count != 1 {
				t.Fatalf("expected continuation count 1, got %+v", ev.Continuation)
			}
		}
	}
	if continuations != 1 {
		t.Fatalf("expected exactly 1 continuation event, got %d", continuations)
	}
}

func TestRun_BadJSONExhaustsContinuationLimit(t *testing.T) {
	llm := &fakeLLM{responses: []*LLMResponse{jsonResp("still garbage")}}
	cfg := DefaultAgentLoopConfig()
	cfg.Model = "test-model"
	cfg.ContinuationLimit = 2
	loop := NewAgentLoop(llm, &fakeExecutor{}, cfg, zap.NewNop())

	result, eventCh := loop.Run(context.Background(), "sys", "go", nil, "")
	drainEvents(eventCh)

	if !strings.Contains(result.FinalContent, "model call failed") {
		t.Fatalf("expected model contract failure, got %q", result.FinalContent)
	}
	// limit continuations + the final failing attempt
	if llm.calls != 3 {
		t.Fatalf("expected 3 model calls, got %d", llm.calls)
	}
}

func TestRun_ToolCallLoopDetected(t *testing.T) {
	llm := &fakeLLM{responses: []*LLMResponse{
		jsonResp(`{"thought":"again","tool_call":{"name":"web_search","arguments":{"q":"x"}},"final_answer":null}`),
	}}
	exec := &fakeExecutor{defs: []domaintool.Definition{{Name: "web_search"}}}
	loop := newTestLoop(llm, exec)

	result, eventCh := loop.Run(context.Background(), "sys", "search forever", nil, "")
	events := drainEvents(eventCh)

	loopEvents := 0
	for _, ev := range events {
		if ev.Type == entity.EventLoopDetected {
			loopEvents++
			if ev.LoopDetected == nil || ev.LoopDetected.LoopType != string(LoopToolRepetition) {
				t.Fatalf("expected tool repetition loop type, got %+v", ev.LoopDetected)
			}
		}
	}
	if loopEvents != 1 {
		t.Fatalf("expected exactly one LoopDetected event, got %d", loopEvents)
	}
	if !strings.Contains(result.FinalContent, "loop detected") {
		t.Fatalf("expected loop-detected outcome, got %q", result.FinalContent)
	}
	// The default threshold is 5 consecutive identical calls. The first call
	// executes; the three repeats before detection are served from the tool
	// result cache.
	if len(exec.executed) != 1 {
		t.Fatalf("expected 1 execution before detection, got %d", len(exec.executed))
	}
}

func TestRun_CancellationClearsTodos(t *testing.T) {
	llm := &fakeLLM{responses: []*LLMResponse{
		jsonResp(`{"thought":"ok","tool_call":null,"final_answer":"hi"}`),
	}}
	loop := newTestLoop(llm, &fakeExecutor{})

	sess := NewSession("s", 128000, nil)
	sess.Memory().SetTodos([]entity.TodoItem{{Content: "x", Status: entity.TodoPending}})
	ctx := WithSession(context.Background(), sess)
	cctx, cancel := context.WithCancel(ctx)
	cancel()

	result, eventCh := loop.Run(cctx, "sys", "hello", nil, "")
	drainEvents(eventCh)

	if !strings.Contains(result.FinalContent, "cancelled") {
		t.Fatalf("expected cancelled outcome, got %q", result.FinalContent)
	}
	if _, total := sess.Memory().Todos().Counts(); total != 0 {
		t.Fatal("cancellation must clear todos")
	}
}

func TestRun_CancellationDuringTool(t *testing.T) {
	llm := &fakeLLM{responses: []*LLMResponse{
		jsonResp(`{"thought":"slow","tool_call":{"name":"execute_command","arguments":{"command":"sleep"}},"final_answer":null}`),
	}}
	exec := &fakeExecutor{defs: []domaintool.Definition{{Name: "execute_command"}}, delay: 5 * time.Second}
	loop := newTestLoop(llm, exec)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	result, eventCh := loop.Run(ctx, "sys", "run it", nil, "")
	events := drainEvents(eventCh)

	cancelling := false
	for _, ev := range events {
		if ev.Type == entity.EventCancelling {
			cancelling = true
			if ev.Cancelling == nil || ev.Cancelling.ToolName != "execute_command" {
				t.Fatalf("expected Cancelling for execute_command, got %+v", ev.Cancelling)
			}
		}
	}
	if !cancelling {
		t.Fatalf("expected a Cancelling event, got %v", eventTypes(events))
	}
	if !strings.Contains(result.FinalContent, "cancelled") {
		t.Fatalf("expected cancelled outcome, got %q", result.FinalContent)
	}
	// After cancellation no further model calls happen.
	if llm.calls != 1 {
		t.Fatalf("expected no model call after cancellation, got %d calls", llm.calls)
	}
}

func TestRun_ToolTimeoutBecomesSyntheticOutput(t *testing.T) {
	llm := &fakeLLM{responses: []*LLMResponse{
		jsonResp(`{"thought":"slow","tool_call":{"name":"execute_command","arguments":{"command":"sleep"}},"final_answer":null}`),
		jsonResp(`{"thought":"noted","tool_call":null,"final_answer":"gave up"}`),
	}}
	exec := &fakeExecutor{defs: []domaintool.Definition{{Name: "execute_command"}}, delay: 2 * time.Second}
	cfg := DefaultAgentLoopConfig()
	cfg.Model = "test-model"
	cfg.ToolTimeout = 100 * time.Millisecond
	loop := NewAgentLoop(llm, exec, cfg, zap.NewNop())

	result, eventCh := loop.Run(context.Background(), "sys", "run", nil, "")
	events := drainEvents(eventCh)

	if result.FinalContent != "gave up" {
		t.Fatalf("timeout must not abort the run, got %q", result.FinalContent)
	}
	found := false
	for _, ev := range events {
		if ev.Type == entity.EventToolResult && ev.ToolCall != nil &&
			strings.Contains(ev.ToolCall.Output, "Tool 'execute_command' timed out") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a synthetic timeout tool output, got %v", eventTypes(events))
	}
}

func TestRun_BeforeToolBlockSkipsExecution(t *testing.T) {
	llm := &fakeLLM{responses: []*LLMResponse{
		jsonResp(`{"thought":"crawl","tool_call":{"name":"deep_crawl","arguments":{"url":"https://example.com"}},"final_answer":null}`),
		jsonResp(`{"thought":"fine","tool_call":null,"final_answer":"done without crawling"}`),
	}}
	exec := &fakeExecutor{defs: []domaintool.Definition{{Name: "deep_crawl"}}}
	loop := newTestLoop(llm, exec)

	result, eventCh := loop.Run(context.Background(), "sys", "crawl the site", nil, "")
	events := drainEvents(eventCh)

	if len(exec.executed) != 0 {
		t.Fatalf("blocked tool must not execute, got %v", exec.executed)
	}
	if result.FinalContent != "done without crawling" {
		t.Fatalf("unexpected final content %q", result.FinalContent)
	}
	blockedOutput := false
	for _, ev := range events {
		if ev.Type == entity.EventToolResult && ev.ToolCall != nil && strings.Contains(ev.ToolCall.Output, "Blocked") {
			blockedOutput = true
		}
	}
	if !blockedOutput {
		t.Fatal("expected the block reason as the tool's output")
	}
}

func TestRun_TimeoutReportFinishes(t *testing.T) {
	llm := &fakeLLM{responses: []*LLMResponse{
		jsonResp(`{"thought":"loop","tool_call":{"name":"read_file","arguments":{"path":"a"}},"final_answer":null}`),
		jsonResp(`{"thought":"loop","tool_call":{"name":"read_file","arguments":{"path":"b"}},"final_answer":null}`),
	}}
	exec := &fakeExecutor{defs: []domaintool.Definition{{Name: "read_file"}}, delay: 80 * time.Millisecond}
	cfg := DefaultAgentLoopConfig()
	cfg.Model = "test-model"
	cfg.RunTimeout = 120 * time.Millisecond
	loop := NewAgentLoop(llm, exec, cfg, zap.NewNop())

	result, eventCh := loop.Run(context.Background(), "sys", "never finish", nil, "")
	drainEvents(eventCh)

	if !strings.Contains(result.FinalContent, `"status"`) || !strings.Contains(result.FinalContent, "timeout") {
		t.Fatalf("expected a structured timeout report, got %q", result.FinalContent)
	}
}

func TestRun_SkillInjectedOnceAtToolTime(t *testing.T) {
	llm := &fakeLLM{responses: []*LLMResponse{
		jsonResp(`{"thought":"a","tool_call":{"name":"read_file","arguments":{"path":"a"}},"final_answer":null}`),
		jsonResp(`{"thought":"b","tool_call":{"name":"read_file","arguments":{"path":"b"}},"final_answer":null}`),
		jsonResp(`{"thought":"done","tool_call":null,"final_answer":"ok"}`),
	}}
	exec := &fakeExecutor{defs: []domaintool.Definition{{Name: "read_file"}}}
	loop := newTestLoop(llm, exec)

	sess := NewSession("s", 128000, nil)
	sess.SetSkillResolver(staticResolver{tool: "read_file", skill: &BoundSkill{Name: "files", Body: "file skill body", TokenCount: 4}})
	ctx := WithSession(context.Background(), sess)

	_, eventCh := loop.Run(ctx, "sys", "read twice", nil, "")
	drainEvents(eventCh)

	injected := 0
	for _, m := range sess.Memory().Messages() {
		if m.Role == "system" && m.Content == "file skill body" {
			injected++
		}
	}
	if injected != 1 {
		t.Fatalf("skill must be injected exactly once per session, got %d", injected)
	}
	if sess.SkillTokens() != 4 {
		t.Fatalf("skill token accounting must run once, got %d", sess.SkillTokens())
	}
}

type staticResolver struct {
	tool  string
	skill *BoundSkill
}

func (r staticResolver) SkillForTool(toolName string) (*BoundSkill, bool) {
	if toolName == r.tool {
		return r.skill, true
	}
	return nil, false
}
