package service

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// --- CompletionCheckHook ---

// CompletionCheckHook forces another iteration when the model tries to stop
// while todo items remain incomplete.
type CompletionCheckHook struct{}

func (h *CompletionCheckHook) Name() string { return "completion_check" }

func (h *CompletionCheckHook) Handle(event HookEvent, ctx HookContext) HookResult {
	if event.Kind != HookAfterAgent {
		return Continue()
	}
	if ctx.AtContinuationLimit() {
		return Continue()
	}
	if event.HasFinalAnswer {
		return Continue()
	}
	if ctx.Todos == nil || len(ctx.Todos.Items) == 0 {
		return Continue()
	}
	if ctx.Todos.IsComplete() {
		return Continue()
	}

	completed, total := ctx.Todos.Counts()
	pending := total - completed
	reason := fmt.Sprintf(
		"Not all tasks are completed (%d/%d done, %d remaining). Continue working on remaining tasks.",
		completed, total, pending,
	)
	return ForceIteration(reason, ctx.Todos.ToContextString())
}

// --- WorkloadDistributorHook ---

const defaultMinWordCount = 60

var complexPromptKeywords = []string{
	"compare", "research", "analysis", "overview", "report",
	"benchmark", "repo", "codebase", "scan", "investigate",
}

var crawlTools = map[string]bool{
	"deep_crawl":   true,
	"web_markdown": true,
	"web_pdf":      true,
}

// WorkloadDistributorHook nudges the model to delegate heavy retrieval work
// (wide crawls, bulk greps, repository clones) to a sub-agent instead of
// burning the main run's context budget on raw output.
type WorkloadDistributorHook struct {
	MinWordCount int
}

// NewWorkloadDistributorHook creates a hook with the default word-count floor.
func NewWorkloadDistributorHook() *WorkloadDistributorHook {
	return &WorkloadDistributorHook{MinWordCount: defaultMinWordCount}
}

func (h *WorkloadDistributorHook) Name() string { return "workload_distributor" }

func (h *WorkloadDistributorHook) Handle(event HookEvent, ctx HookContext) HookResult {
	switch event.Kind {
	case HookBeforeAgent:
		if ctx.IsSubAgent {
			return Continue()
		}
		if h.isComplexPrompt(event.Prompt) {
			return InjectContext(
				"[SYSTEM] This request looks broad or research-heavy. Prefer delegating bulk " +
					"retrieval (crawling, wide greps, repository scans) to delegate_to_sub_agent " +
					"and keep the analysis and final synthesis in this run.",
			)
		}
		return Continue()

	case HookBeforeTool:
		if ctx.IsSubAgent {
			return Continue()
		}
		if crawlTools[event.ToolName] {
			return Block(fmt.Sprintf(
				"Tool '%s' performs bulk retrieval. Delegate this to a sub-agent via delegate_to_sub_agent instead of calling it directly.",
				event.ToolName,
			))
		}
		if event.ToolName == "execute_command" {
			if cmd, ok := event.Arguments["command"].(string); ok {
				if reason := h.heavyCommandReason(cmd); reason != "" {
					return Block(fmt.Sprintf("Command looks like a heavy %s operation. Delegate it to a sub-agent instead.", reason))
				}
			}
		}
		return Continue()

	default:
		return Continue()
	}
}

func (h *WorkloadDistributorHook) heavyCommandReason(command string) string {
	trimmed := strings.TrimSpace(command)
	switch {
	case strings.HasPrefix(trimmed, "git clone"):
		return "git clone"
	case strings.HasPrefix(trimmed, "git fetch"):
		return "git fetch"
	case strings.Contains(trimmed, "grep -r"), strings.Contains(trimmed, "grep -R"):
		return "recursive grep"
	case strings.HasPrefix(trimmed, "find") && (strings.Contains(trimmed, "-exec") || strings.Contains(trimmed, "-name")):
		return "find search"
	default:
		return ""
	}
}

func (h *WorkloadDistributorHook) isComplexPrompt(prompt string) bool {
	minWords := h.MinWordCount
	if minWords <= 0 {
		minWords = defaultMinWordCount
	}
	if len(strings.Fields(prompt)) >= minWords {
		return true
	}

	lower := strings.ToLower(prompt)
	for _, kw := range complexPromptKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}

	punct := 0
	for _, r := range prompt {
		if r == '?' || r == '!' || r == '.' {
			punct++
		}
	}
	return punct >= 3
}

// --- DelegationGuardHook ---

var retrievalVerbs = []string{
	"find", "search", "grep", "locate", "list", "ls", "cat", "read", "get",
	"fetch", "download", "clone", "collect", "gather", "compile", "extract",
	"retrieve",
}

var analyticalKeywords = []string{
	"why", "analyze", "analyse", "explain", "review", "opinion", "reason",
	"evaluate", "compare",
}

// DelegationGuardHook blocks delegate_to_sub_agent calls whose task reads as
// analytical reasoning rather than retrieval — analysis should stay in the
// main run where the model has full context.
type DelegationGuardHook struct{}

func (h *DelegationGuardHook) Name() string { return "delegation_guard" }

func (h *DelegationGuardHook) Handle(event HookEvent, ctx HookContext) HookResult {
	if event.Kind != HookBeforeTool || event.ToolName != "delegate_to_sub_agent" {
		return Continue()
	}
	task, _ := event.Arguments["task"].(string)
	if task == "" {
		return Continue()
	}
	if keyword := h.checkTask(task); keyword != "" {
		return Block(fmt.Sprintf(
			"Delegation Blocked: the task contains an analytical keyword ('%s'). Keep analysis in the main run and delegate retrieval only.",
			keyword,
		))
	}
	return Continue()
}

// checkTask returns "" (allow) if the task starts with a retrieval verb.
// Otherwise it returns the matched analytical keyword, if any (block).
// Whitelist is checked first.
func (h *DelegationGuardHook) checkTask(task string) string {
	lower := strings.ToLower(strings.TrimSpace(task))
	lower = strings.TrimPrefix(lower, "please ")
	lower = strings.TrimPrefix(lower, "kindly ")
	for _, verb := range retrievalVerbs {
		if lower == verb || strings.HasPrefix(lower, verb+" ") {
			return ""
		}
	}
	for _, kw := range analyticalKeywords {
		if strings.Contains(lower, kw) {
			return kw
		}
	}
	return ""
}

// --- SearchBudgetHook ---

var searchTools = map[string]bool{
	"web_search":   true,
	"web_extract":  true,
	"deep_crawl":   true,
	"web_markdown": true,
	"web_pdf":      true,
}

// SearchBudgetHook caps search-style tool calls process-wide (the counter
// resets only on restart) and rate-limits bursts so upstream search APIs
// aren't hammered by a single run.
type SearchBudgetHook struct {
	Limit   int64
	count   atomic.Int64
	limiter *rate.Limiter
}

// NewSearchBudgetHook creates a hook with the given call limit.
func NewSearchBudgetHook(limit int64) *SearchBudgetHook {
	return &SearchBudgetHook{
		Limit:   limit,
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 5),
	}
}

func (h *SearchBudgetHook) Name() string { return "search_budget" }

func (h *SearchBudgetHook) Handle(event HookEvent, ctx HookContext) HookResult {
	if event.Kind != HookBeforeTool || !searchTools[event.ToolName] {
		return Continue()
	}
	current := h.count.Add(1)
	if current > h.Limit {
		return Block(fmt.Sprintf(
			"Search budget exceeded (%d/%d). Synthesize findings from existing data instead of searching more.",
			current, h.Limit,
		))
	}
	if !h.limiter.Allow() {
		return Block(fmt.Sprintf(
			"Search calls are coming too fast (%d/%d used). Slow down and work with what you already have.",
			current, h.Limit,
		))
	}
	return Continue()
}

// --- SubAgentSafetyHook ---

// SubAgentSafetyConfig bounds what a delegated sub-agent run may do.
type SubAgentSafetyConfig struct {
	MaxIterations int
	MaxTokens     int
	BlockedTools  map[string]bool
}

// NewSubAgentSafetyConfig builds a config that always blocks further
// delegation, regardless of caller-supplied blocked tools.
func NewSubAgentSafetyConfig(maxIterations, maxTokens int, blockedTools []string) SubAgentSafetyConfig {
	blocked := make(map[string]bool, len(blockedTools)+1)
	for _, t := range blockedTools {
		blocked[t] = true
	}
	blocked["delegate_to_sub_agent"] = true
	return SubAgentSafetyConfig{
		MaxIterations: maxIterations,
		MaxTokens:     maxTokens,
		BlockedTools:  blocked,
	}
}

// SubAgentSafetyHook enforces an ephemeral sub-agent run's resource and tool
// restrictions. Installed only on sub-agent runs.
type SubAgentSafetyHook struct {
	Config SubAgentSafetyConfig
}

func (h *SubAgentSafetyHook) Name() string { return "sub_agent_safety" }

func (h *SubAgentSafetyHook) Handle(event HookEvent, ctx HookContext) HookResult {
	switch event.Kind {
	case HookBeforeIteration:
		if event.Iteration >= h.Config.MaxIterations {
			return Block(fmt.Sprintf("Sub-agent iteration limit reached (%d)", h.Config.MaxIterations))
		}
		if ctx.TokenCount >= h.Config.MaxTokens {
			return Block(fmt.Sprintf("Sub-agent token limit reached (%d)", h.Config.MaxTokens))
		}
		return Continue()
	case HookBeforeTool:
		if h.Config.BlockedTools[event.ToolName] {
			return Block(fmt.Sprintf("Tool '%s' is blocked for sub-agents", event.ToolName))
		}
		return Continue()
	default:
		return Continue()
	}
}

// --- SubAgentSafety recursion guard (Runner-level, no config needed) ---

// SubAgentRecursionGuardHook blocks delegate_to_sub_agent when the current
// run is itself already a sub-agent, independent of the tool-list
// restriction, as a defense-in-depth safety net against recursive delegation.
type SubAgentRecursionGuardHook struct{}

func (h *SubAgentRecursionGuardHook) Name() string { return "sub_agent_recursion_guard" }

func (h *SubAgentRecursionGuardHook) Handle(event HookEvent, ctx HookContext) HookResult {
	if event.Kind != HookBeforeTool || event.ToolName != "delegate_to_sub_agent" {
		return Continue()
	}
	if ctx.IsSubAgent {
		return Block("Sub-agent runs may not delegate further.")
	}
	return Continue()
}

// --- TimeoutReportHook ---

const (
	maxReportMessages = 5
	maxReportChars    = 500
)

// TimeoutReportHook builds a structured partial-progress report when the
// Runner's soft timeout fires, so callers get a useful answer instead of a
// bare error.
type TimeoutReportHook struct{}

func (h *TimeoutReportHook) Name() string { return "timeout_report" }

func (h *TimeoutReportHook) Handle(event HookEvent, ctx HookContext) HookResult {
	if event.Kind != HookTimeout {
		return Continue()
	}
	return Finish(h.buildReport(ctx))
}

type timeoutReportMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
}

func (h *TimeoutReportHook) buildReport(ctx HookContext) string {
	report := map[string]interface{}{
		"status":             "timeout",
		"termination_reason": "Soft timeout reached",
		"note":               "The agent did not finish the task within the time limit. Partial results are included.",
		"stats": map[string]interface{}{
			"iterations":         ctx.Iteration,
			"continuation_count": ctx.ContinuationCount,
			"tokens_used":        ctx.TokenCount,
			"max_tokens":         ctx.MaxTokens,
		},
	}
	if ctx.Todos != nil {
		report["todos"] = ctx.Todos
	}
	report["recent_messages"] = summarizeRecentMessages(ctx.Memory)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return `{"status": "timeout"}`
	}
	return string(data)
}

func summarizeRecentMessages(mem *Memory) []timeoutReportMessage {
	if mem == nil {
		return nil
	}
	all := mem.Messages()
	if len(all) > maxReportMessages {
		all = all[len(all)-maxReportMessages:]
	}
	out := make([]timeoutReportMessage, 0, len(all))
	for _, msg := range all {
		out = append(out, timeoutReportMessage{
			Role:      msg.Role,
			Content:   truncateOutput(msg.TextContent(), maxReportChars),
			Reasoning: truncateOutput(msg.Reasoning, maxReportChars),
			ToolName:  firstToolName(msg),
		})
	}
	return out
}

func firstToolName(msg LLMMessage) string {
	if len(msg.ToolCalls) == 0 {
		return ""
	}
	return msg.ToolCalls[0].Name
}
