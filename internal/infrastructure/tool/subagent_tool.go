package tool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/corvid-run/agentcore/internal/domain/service"
	domaintool "github.com/corvid-run/agentcore/internal/domain/tool"
)

// subAgentSystemPrompt frames the delegated run: the sub-agent reports to
// the orchestrating agent, never to the user, and never delegates further.
const subAgentSystemPrompt = `You are a sub-agent working for an orchestrating agent.
Complete the delegated task and answer ONLY to the orchestrator with your findings.
Do not delegate further. Do not send files or messages to the user directly.
Be thorough in retrieval, concise in reporting.`

// defaultSubAgentTools is the safe tool subset a sub-agent gets when the
// caller doesn't restrict it explicitly. delegate_to_sub_agent is excluded
// by construction.
var defaultSubAgentTools = []string{
	"execute_command", "read_file", "write_file", "list_files",
	"web_search", "web_extract", "deep_crawl", "web_markdown", "web_pdf",
}

// SubAgentTool implements delegate_to_sub_agent: it spawns an ephemeral
// session with a cancellation token derived from the caller's, runs a fresh
// restricted loop, and returns the sub-agent's final answer as the tool
// output. Errors never propagate — the model sees them as output text.
type SubAgentTool struct {
	llm           service.LLMClient
	tools         service.ToolExecutor
	defaultModel  string
	maxIterations int
	maxTokens     int
	timeout       time.Duration
	logger        *zap.Logger
}

func NewSubAgentTool(llm service.LLMClient, tools service.ToolExecutor, defaultModel string, maxIterations, maxTokens int, timeout time.Duration, logger *zap.Logger) *SubAgentTool {
	if maxIterations <= 0 {
		maxIterations = 25
	}
	if maxTokens <= 0 {
		maxTokens = 64000
	}
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &SubAgentTool{
		llm:           llm,
		tools:         tools,
		defaultModel:  defaultModel,
		maxIterations: maxIterations,
		maxTokens:     maxTokens,
		timeout:       timeout,
		logger:        logger,
	}
}

func (t *SubAgentTool) Name() string          { return "delegate_to_sub_agent" }
func (t *SubAgentTool) Kind() domaintool.Kind { return domaintool.KindExecute }

func (t *SubAgentTool) Description() string {
	return "Delegate a retrieval-type sub-task (find, fetch, collect, extract) to an isolated sub-agent. " +
		"The sub-agent runs its own bounded loop with a restricted tool set and returns its findings. " +
		"Keep analysis and synthesis in the main conversation; delegate only the gathering."
}

func (t *SubAgentTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "A clear description of the retrieval task for the sub-agent",
			},
			"tools": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Optional tool allowlist for the sub-agent (defaults to a safe retrieval subset)",
			},
			"context": map[string]interface{}{
				"type":        "string",
				"description": "Optional extra context the sub-agent needs to do the task",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SubAgentTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	task, ok := args["task"].(string)
	if !ok || strings.TrimSpace(task) == "" {
		return &domaintool.Result{Success: false, Error: "task is required"}, nil
	}

	allowed := t.allowedTools(args)
	extraContext, _ := args["context"].(string)

	// The ephemeral session's token is a child of the parent's: cancelling
	// the parent cancels the sub-agent, never the other way around.
	var sub *service.Session
	if parent := service.SessionFromContext(ctx); parent != nil {
		sub = service.NewEphemeralSession(parent, t.maxTokens)
	} else {
		sub = service.NewSession("sub_standalone", t.maxTokens, t.logger)
	}
	subCtx, cancel := context.WithTimeout(sub.Token().Context(), t.timeout)
	defer cancel()

	// Also honor the immediate tool context: its deadline/cancel covers the
	// bridge-level timeout race.
	go func() {
		select {
		case <-ctx.Done():
			sub.Cancel()
		case <-subCtx.Done():
		}
	}()

	userMessage := task
	if extraContext != "" {
		userMessage = task + "\n\nContext:\n" + extraContext
	}

	t.logger.Info("delegating to sub-agent",
		zap.String("task_preview", truncateStr(task, 100)),
		zap.Int("max_iterations", t.maxIterations),
		zap.Strings("tools", allowed),
	)

	cfg := service.DefaultAgentLoopConfig()
	cfg.Model = t.defaultModel
	cfg.MaxIterations = t.maxIterations
	cfg.RunTimeout = t.timeout

	loop := service.NewAgentLoop(t.llm, newFilteredExecutor(t.tools, allowed), cfg, t.logger.Named("sub-agent"))
	safety := service.NewSubAgentSafetyConfig(t.maxIterations, t.maxTokens, nil)

	result, eventCh := loop.RunAsSubAgent(service.WithSession(subCtx, sub), subAgentSystemPrompt, userMessage, nil, "", safety, sub.Memory())

	// No progress emission upstream: drain the sub-run's events quietly.
	var toolsUsed []string
	for ev := range eventCh {
		if ev.ToolCall != nil && ev.ToolCall.Output == "" {
			toolsUsed = append(toolsUsed, ev.ToolCall.Name)
		}
	}

	t.logger.Info("sub-agent finished",
		zap.Int("steps", result.TotalSteps),
		zap.Int("tokens", result.TotalTokens),
		zap.Int("tools_used", len(toolsUsed)),
	)

	answer := strings.TrimSpace(result.FinalContent)
	if answer == "" {
		answer = "Sub-agent returned no answer."
	}
	return &domaintool.Result{
		Output:  answer,
		Success: true,
		Metadata: map[string]interface{}{
			"steps":      result.TotalSteps,
			"tokens":     result.TotalTokens,
			"model":      result.ModelUsed,
			"tools_used": uniqueStrings(toolsUsed),
		},
	}, nil
}

// allowedTools resolves the caller's restriction to a concrete allowlist,
// always excluding delegate_to_sub_agent.
func (t *SubAgentTool) allowedTools(args map[string]interface{}) []string {
	var requested []string
	if raw, ok := args["tools"].([]interface{}); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok && s != "" {
				requested = append(requested, s)
			}
		}
	}
	if len(requested) == 0 {
		requested = defaultSubAgentTools
	}
	out := make([]string, 0, len(requested))
	for _, name := range requested {
		if name == "delegate_to_sub_agent" {
			continue
		}
		out = append(out, name)
	}
	return out
}

// filteredExecutor restricts a ToolExecutor to an allowlist. Definitions
// outside the list are hidden from the model; direct calls to them fail as
// normal tool errors.
type filteredExecutor struct {
	inner   service.ToolExecutor
	allowed map[string]bool
}

func newFilteredExecutor(inner service.ToolExecutor, allowed []string) *filteredExecutor {
	m := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		m[name] = true
	}
	return &filteredExecutor{inner: inner, allowed: m}
}

func (f *filteredExecutor) Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error) {
	if !f.allowed[name] {
		return &domaintool.Result{Success: false, Error: fmt.Sprintf("tool '%s' is not available to this sub-agent", name)}, nil
	}
	return f.inner.Execute(ctx, name, args)
}

func (f *filteredExecutor) GetDefinitions() []domaintool.Definition {
	defs := f.inner.GetDefinitions()
	out := make([]domaintool.Definition, 0, len(defs))
	for _, d := range defs {
		if f.allowed[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

func (f *filteredExecutor) GetToolKind(name string) domaintool.Kind {
	return f.inner.GetToolKind(name)
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func uniqueStrings(ss []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
