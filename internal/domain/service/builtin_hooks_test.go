package service

import (
	"strings"
	"testing"

	"github.com/corvid-run/agentcore/internal/domain/entity"
)

func TestCompletionCheckHook_EmptyTodosAllowsCompletion(t *testing.T) {
	h := &CompletionCheckHook{}
	ctx := HookContext{Todos: &entity.TodoList{}}
	result := h.Handle(HookEvent{Kind: HookAfterAgent, HasFinalAnswer: false}, ctx)
	if result.Kind != ResultContinue {
		t.Fatalf("expected Continue, got %v", result.Kind)
	}
}

func TestCompletionCheckHook_AllCompletedAllowsCompletion(t *testing.T) {
	h := &CompletionCheckHook{}
	todos := &entity.TodoList{Items: []entity.TodoItem{
		{Content: "a", Status: entity.TodoCompleted},
		{Content: "b", Status: entity.TodoCompleted},
	}}
	result := h.Handle(HookEvent{Kind: HookAfterAgent}, HookContext{Todos: todos})
	if result.Kind != ResultContinue {
		t.Fatalf("expected Continue, got %v", result.Kind)
	}
}

func TestCompletionCheckHook_IncompleteTodosForcesIteration(t *testing.T) {
	h := &CompletionCheckHook{}
	todos := &entity.TodoList{Items: []entity.TodoItem{
		{Content: "a", Status: entity.TodoCompleted},
		{Content: "b", Status: entity.TodoPending},
	}}
	result := h.Handle(HookEvent{Kind: HookAfterAgent}, HookContext{Todos: todos, MaxContinuations: 5})
	if result.Kind != ResultForceIteration {
		t.Fatalf("expected ForceIteration, got %v", result.Kind)
	}
	if !strings.Contains(result.Reason, "1/2") {
		t.Fatalf("expected reason to mention 1/2, got %q", result.Reason)
	}
}

func TestCompletionCheckHook_ContinuationLimitAllowsCompletion(t *testing.T) {
	h := &CompletionCheckHook{}
	todos := &entity.TodoList{Items: []entity.TodoItem{{Content: "a", Status: entity.TodoPending}}}
	ctx := HookContext{Todos: todos, ContinuationCount: 5, MaxContinuations: 5}
	result := h.Handle(HookEvent{Kind: HookAfterAgent}, ctx)
	if result.Kind != ResultContinue {
		t.Fatalf("expected Continue at continuation limit, got %v", result.Kind)
	}
}

func TestCompletionCheckHook_IgnoresNonAfterAgentEvents(t *testing.T) {
	h := &CompletionCheckHook{}
	todos := &entity.TodoList{Items: []entity.TodoItem{{Content: "a", Status: entity.TodoPending}}}
	result := h.Handle(HookEvent{Kind: HookBeforeTool}, HookContext{Todos: todos})
	if result.Kind != ResultContinue {
		t.Fatalf("expected Continue for non-AfterAgent events, got %v", result.Kind)
	}
}

func TestWorkloadDistributorHook_BlocksCrawlToolDirectCall(t *testing.T) {
	h := NewWorkloadDistributorHook()
	result := h.Handle(HookEvent{Kind: HookBeforeTool, ToolName: "deep_crawl"}, HookContext{})
	if result.Kind != ResultBlock {
		t.Fatalf("expected Block, got %v", result.Kind)
	}
}

func TestWorkloadDistributorHook_ExemptsSubAgents(t *testing.T) {
	h := NewWorkloadDistributorHook()
	result := h.Handle(HookEvent{Kind: HookBeforeTool, ToolName: "deep_crawl"}, HookContext{IsSubAgent: true})
	if result.Kind != ResultContinue {
		t.Fatalf("expected Continue for sub-agent, got %v", result.Kind)
	}
}

func TestWorkloadDistributorHook_BlocksHeavyGitClone(t *testing.T) {
	h := NewWorkloadDistributorHook()
	args := map[string]interface{}{"command": "git clone https://example.com/repo"}
	result := h.Handle(HookEvent{Kind: HookBeforeTool, ToolName: "execute_command", Arguments: args}, HookContext{})
	if result.Kind != ResultBlock {
		t.Fatalf("expected Block for heavy git clone, got %v", result.Kind)
	}
}

func TestWorkloadDistributorHook_InjectsContextForComplexPrompt(t *testing.T) {
	h := NewWorkloadDistributorHook()
	prompt := strings.Repeat("word ", 61)
	result := h.Handle(HookEvent{Kind: HookBeforeAgent, Prompt: prompt}, HookContext{})
	if result.Kind != ResultInjectContext {
		t.Fatalf("expected InjectContext for long prompt, got %v", result.Kind)
	}
}

func TestDelegationGuardHook_AllowsRetrievalTask(t *testing.T) {
	h := &DelegationGuardHook{}
	args := map[string]interface{}{"task": "find all usages of Foo in the repo"}
	result := h.Handle(HookEvent{Kind: HookBeforeTool, ToolName: "delegate_to_sub_agent", Arguments: args}, HookContext{})
	if result.Kind != ResultContinue {
		t.Fatalf("expected Continue for retrieval task, got %v", result.Kind)
	}
}

func TestDelegationGuardHook_BlocksAnalyticalTask(t *testing.T) {
	h := &DelegationGuardHook{}
	args := map[string]interface{}{"task": "explain why this design is better"}
	result := h.Handle(HookEvent{Kind: HookBeforeTool, ToolName: "delegate_to_sub_agent", Arguments: args}, HookContext{})
	if result.Kind != ResultBlock {
		t.Fatalf("expected Block for analytical task, got %v", result.Kind)
	}
}

func TestSearchBudgetHook_BlocksOverLimit(t *testing.T) {
	h := NewSearchBudgetHook(2)
	ctx := HookContext{}
	h.Handle(HookEvent{Kind: HookBeforeTool, ToolName: "web_search"}, ctx)
	h.Handle(HookEvent{Kind: HookBeforeTool, ToolName: "web_search"}, ctx)
	result := h.Handle(HookEvent{Kind: HookBeforeTool, ToolName: "web_search"}, ctx)
	if result.Kind != ResultBlock {
		t.Fatalf("expected Block after exceeding budget, got %v", result.Kind)
	}
}

func TestSubAgentSafetyHook_BlocksOverIterationLimit(t *testing.T) {
	cfg := NewSubAgentSafetyConfig(5, 10000, nil)
	h := &SubAgentSafetyHook{Config: cfg}
	result := h.Handle(HookEvent{Kind: HookBeforeIteration, Iteration: 5}, HookContext{})
	if result.Kind != ResultBlock {
		t.Fatalf("expected Block at iteration limit, got %v", result.Kind)
	}
}

func TestSubAgentSafetyHook_AlwaysBlocksDelegation(t *testing.T) {
	cfg := NewSubAgentSafetyConfig(5, 10000, nil)
	h := &SubAgentSafetyHook{Config: cfg}
	result := h.Handle(HookEvent{Kind: HookBeforeTool, ToolName: "delegate_to_sub_agent"}, HookContext{})
	if result.Kind != ResultBlock {
		t.Fatalf("expected delegate_to_sub_agent to always be blocked for sub-agents, got %v", result.Kind)
	}
}

func TestSubAgentRecursionGuardHook_BlocksWhenAlreadySubAgent(t *testing.T) {
	h := &SubAgentRecursionGuardHook{}
	result := h.Handle(HookEvent{Kind: HookBeforeTool, ToolName: "delegate_to_sub_agent"}, HookContext{IsSubAgent: true})
	if result.Kind != ResultBlock {
		t.Fatalf("expected Block when already a sub-agent, got %v", result.Kind)
	}
}

func TestSubAgentRecursionGuardHook_AllowsTopLevel(t *testing.T) {
	h := &SubAgentRecursionGuardHook{}
	result := h.Handle(HookEvent{Kind: HookBeforeTool, ToolName: "delegate_to_sub_agent"}, HookContext{IsSubAgent: false})
	if result.Kind != ResultContinue {
		t.Fatalf("expected Continue for top-level run, got %v", result.Kind)
	}
}

func TestTimeoutReportHook_BuildsReportOnTimeout(t *testing.T) {
	h := &TimeoutReportHook{}
	mem := NewMemory(1000, nil)
	mem.AddMessage(LLMMessage{Role: "user", Content: "do the thing"})
	ctx := HookContext{Iteration: 3, ContinuationCount: 1, TokenCount: 500, MaxTokens: 1000, Memory: mem, Todos: &entity.TodoList{}}
	result := h.Handle(HookEvent{Kind: HookTimeout}, ctx)
	if result.Kind != ResultFinish {
		t.Fatalf("expected Finish, got %v", result.Kind)
	}
	if !strings.Contains(result.Report, `"status": "timeout"`) {
		t.Fatalf("expected report to contain status timeout, got %s", result.Report)
	}
}

func TestTimeoutReportHook_IgnoresOtherEvents(t *testing.T) {
	h := &TimeoutReportHook{}
	result := h.Handle(HookEvent{Kind: HookBeforeAgent}, HookContext{})
	if result.Kind != ResultContinue {
		t.Fatalf("expected Continue for non-timeout events, got %v", result.Kind)
	}
}

func TestPolicyHookRegistry_StopsAtFirstNonContinue(t *testing.T) {
	r := NewPolicyHookRegistry(nil)
	r.Register(&alwaysContinueHook{name: "first"})
	r.Register(&alwaysBlockHook{name: "second"})
	r.Register(&alwaysContinueHook{name: "third"})

	result := r.Execute(HookEvent{Kind: HookBeforeTool}, HookContext{})
	if result.Kind != ResultBlock {
		t.Fatalf("expected chain to stop at Block, got %v", result.Kind)
	}
}

func TestPolicyHookRegistry_EmptyRegistryContinues(t *testing.T) {
	r := NewPolicyHookRegistry(nil)
	result := r.Execute(HookEvent{Kind: HookAfterAgent}, HookContext{})
	if result.Kind != ResultContinue {
		t.Fatalf("expected Continue for empty registry, got %v", result.Kind)
	}
}

type alwaysContinueHook struct{ name string }

func (h *alwaysContinueHook) Name() string                             { return h.name }
func (h *alwaysContinueHook) Handle(HookEvent, HookContext) HookResult { return Continue() }

type alwaysBlockHook struct{ name string }

func (h *alwaysBlockHook) Name() string                             { return h.name }
func (h *alwaysBlockHook) Handle(HookEvent, HookContext) HookResult { return Block("nope") }
