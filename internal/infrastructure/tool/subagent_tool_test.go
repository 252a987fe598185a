package tool

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/corvid-run/agentcore/internal/domain/service"
	domaintool "github.com/corvid-run/agentcore/internal/domain/tool"
)

// scriptedLLM returns canned responses in order.
type scriptedLLM struct {
	responses []string
	calls     int
}

func (s *scriptedLLM) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	if s.calls >= len(s.responses) {
		s.calls++
		return &service.LLMResponse{Content: s.responses[len(s.responses)-1]}, nil
	}
	resp := &service.LLMResponse{Content: s.responses[s.calls], TokensUsed: 10}
	s.calls++
	return resp, nil
}

func (s *scriptedLLM) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	close(deltaCh)
	return s.Generate(ctx, req)
}

type stubExecutor struct {
	defs     []domaintool.Definition
	executed []string
}

func (e *stubExecutor) Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error) {
	e.executed = append(e.executed, name)
	return &domaintool.Result{Output: "stub output", Success: true}, nil
}

func (e *stubExecutor) GetDefinitions() []domaintool.Definition { return e.defs }

func (e *stubExecutor) GetToolKind(name string) domaintool.Kind { return domaintool.KindExecute }

func TestSubAgentTool_ReturnsFinalAnswer(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"thought":"done","tool_call":null,"final_answer":"found 3 files"}`,
	}}
	exec := &stubExecutor{defs: []domaintool.Definition{{Name: "read_file"}}}
	sa := NewSubAgentTool(llm, exec, "test-model", 5, 32000, time.Minute, zap.NewNop())

	res, err := sa.Execute(context.Background(), map[string]interface{}{"task": "find files about architecture"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.Output != "found 3 files" {
		t.Fatalf("expected the sub-agent's final answer, got %+v", res)
	}
}

func TestSubAgentTool_RequiresTask(t *testing.T) {
	sa := NewSubAgentTool(&scriptedLLM{responses: []string{"x"}}, &stubExecutor{}, "m", 5, 32000, time.Minute, zap.NewNop())
	res, err := sa.Execute(context.Background(), map[string]interface{}{})
	if err != nil {
		t.Fatalf("errors must not propagate: %v", err)
	}
	if res.Success {
		t.Fatal("missing task must fail the tool call")
	}
}

func TestSubAgentTool_ParentCancellationReachesSubAgent(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"thought":"working","tool_call":{"name":"read_file","arguments":{"path":"a"}},"final_answer":null}`,
	}}
	exec := &stubExecutor{defs: []domaintool.Definition{{Name: "read_file"}}}
	sa := NewSubAgentTool(llm, exec, "m", 50, 32000, time.Minute, zap.NewNop())

	parent := service.NewSession("parent", 128000, nil)
	parent.Cancel()

	res, err := sa.Execute(service.WithSession(context.Background(), parent), map[string]interface{}{"task": "find things"})
	if err != nil {
		t.Fatalf("errors must not propagate: %v", err)
	}
	// The sub-run observes the already-cancelled child token and aborts.
	if res.Output == "" {
		t.Fatal("expected a textual outcome even under cancellation")
	}
	if parent.Token().IsCancelled() != true {
		t.Fatal("parent token state must be untouched")
	}
}

func TestSubAgentTool_AllowedToolsExcludesDelegation(t *testing.T) {
	sa := NewSubAgentTool(&scriptedLLM{}, &stubExecutor{}, "m", 5, 32000, time.Minute, zap.NewNop())
	allowed := sa.allowedTools(map[string]interface{}{
		"tools": []interface{}{"read_file", "delegate_to_sub_agent", "web_search"},
	})
	for _, name := range allowed {
		if name == "delegate_to_sub_agent" {
			t.Fatal("delegation must never be allowed for sub-agents")
		}
	}
	if len(allowed) != 2 {
		t.Fatalf("expected 2 allowed tools, got %v", allowed)
	}
}

func TestFilteredExecutor(t *testing.T) {
	inner := &stubExecutor{defs: []domaintool.Definition{{Name: "read_file"}, {Name: "write_file"}}}
	f := newFilteredExecutor(inner, []string{"read_file"})

	defs := f.GetDefinitions()
	if len(defs) != 1 || defs[0].Name != "read_file" {
		t.Fatalf("expected only read_file visible, got %v", defs)
	}

	res, err := f.Execute(context.Background(), "write_file", nil)
	if err != nil {
		t.Fatalf("filtered call must not error: %v", err)
	}
	if res.Success {
		t.Fatal("filtered tool must fail as a normal tool error")
	}
	if len(inner.executed) != 0 {
		t.Fatal("filtered tool must never reach the inner executor")
	}
}
