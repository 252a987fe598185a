package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/corvid-run/agentcore/internal/domain/entity"
	domaintool "github.com/corvid-run/agentcore/internal/domain/tool"
)

// AgentLoopConfig holds configuration for the agent's ReAct loop
type AgentLoopConfig struct {
	MaxOutputChars int     // Maximum characters per tool output before truncation (default: 32000)
	Temperature    float64 // LLM temperature
	Model          string  // LLM model identifier (e.g. "bailian/qwen3-coder-plus")

	// Per-model policy overrides from config.yaml.
	// Keys are matched by substring against model ID (e.g. "qwen3", "minimax").
	ModelPolicies map[string]*ModelPolicyOverride

	// Auto-retry configuration
	MaxRetries    int           // Max retries per LLM call (default: 4, i.e. at most 5 attempts)
	RetryBaseWait time.Duration // Base wait between retries (default: 2s, exponential: 2s, 4s, 8s)

	// Context compaction
	CompactKeepLast int // Number of recent messages to preserve during compaction (default: 10)

	// Iteration bounds
	MaxIterations     int           // Hard cap on loop iterations (default: 50)
	ContinuationLimit int           // Max hook-forced continuations per run (default: 5)
	RunTimeout        time.Duration // Soft timeout — fires TimeoutReport instead of hard error (0 = disabled)

	MaxTokenBudget   int64         // Token budget limit (0 = disabled)
	ToolTimeout      time.Duration // Per-tool execution timeout (default 120s)
	ContextMaxTokens int           // Context window token limit (default 128000)
	ContextWarnRatio float64       // Warn when context > this ratio (default 0.7)
	ContextHardRatio float64       // Force compact when > this ratio (default 0.85)

	// StructuredOutput switches the loop to the strict JSON envelope contract:
	// the model must reply {thought, tool_call|final_answer}, parse failures
	// are recovered as continuations, and the parsed envelope overrides any
	// natively returned tool calls.
	StructuredOutput bool

	LoopDetection LoopDetectionConfig // tool/content/cognitive detector tunables
}

// DefaultAgentLoopConfig returns production-ready defaults.
func DefaultAgentLoopConfig() AgentLoopConfig {
	return AgentLoopConfig{
		MaxOutputChars:    32000,
		Temperature:       0.7,
		MaxRetries:        4,
		RetryBaseWait:     2 * time.Second,
		CompactKeepLast:   10,
		MaxIterations:     50,
		ContinuationLimit: 5,
		ToolTimeout:       120 * time.Second,
		ContextMaxTokens:  128000,
		ContextWarnRatio:  0.7,
		ContextHardRatio:  0.85,
		StructuredOutput:  true,
		LoopDetection:     DefaultLoopDetectionConfig(),
	}
}

// LLMClient is the interface the agent loop uses to communicate with language models.
// It decouples the loop from specific LLM provider implementations.
type LLMClient interface {
	// Generate sends a prompt with tool definitions and history, returning a full response.
	Generate(ctx context.Context, req *LLMRequest) (*LLMResponse, error)

	// GenerateStream sends a prompt and streams back partial responses.
	// The channel is closed when the stream ends. The caller must drain it.
	// Returns the final accumulated LLMResponse after the channel is closed.
	GenerateStream(ctx context.Context, req *LLMRequest, deltaCh chan<- StreamChunk) (*LLMResponse, error)
}

// StreamChunk represents a single delta from a streaming LLM response.
type StreamChunk struct {
	DeltaText     string               // Incremental text content
	DeltaToolCall *entity.ToolCallInfo // Incremental tool call (may arrive in fragments)
	FinishReason  string               // "stop", "tool_calls", "" (not yet finished)
}

// LLMRequest is the request sent to the language model
type LLMRequest struct {
	Messages    []LLMMessage            `json:"messages"`
	Tools       []domaintool.Definition `json:"tools,omitempty"`
	Model       string                  `json:"model"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
	Temperature float64                 `json:"temperature"`
	// JSONMode asks the provider to constrain output to a JSON object (the
	// structured output envelope). Providers without native support ignore
	// it; the parser recovers from violations either way.
	JSONMode bool `json:"json_mode,omitempty"`
}

// LLMMessage represents a single message in the conversation
type LLMMessage struct {
	Role       string                `json:"role"` // "system", "user", "assistant", "tool"
	Content    string                `json:"content"`
	Reasoning  string                `json:"reasoning,omitempty"` // optional reasoning trace (assistant)
	Parts      []ContentPart         `json:"parts,omitempty"`     // Multimodal content (takes precedence over Content)
	ToolCalls  []entity.ToolCallInfo `json:"tool_calls,omitempty"`
	ToolCallID string                `json:"tool_call_id,omitempty"`
	Name       string                `json:"name,omitempty"`
}

// ContentPart represents a multimodal content fragment.
type ContentPart struct {
	Type     string `json:"type"`                // "text", "image", "audio", "file"
	Text     string `json:"text,omitempty"`      // Content when Type="text"
	MediaURL string `json:"media_url,omitempty"` // URL when Type="image"/"audio"/"file"
	MimeType string `json:"mime_type,omitempty"` // e.g. "image/png"
	Data     []byte `json:"data,omitempty"`      // Inline binary data (optional)
}

// TextContent returns all text content, joining text parts or falling back to Content.
func (m *LLMMessage) TextContent() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var texts []string
	for _, p := range m.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	if len(texts) == 0 {
		return m.Content
	}
	return strings.Join(texts, "\n")
}

// HasMedia returns true if the message contains non-text content.
func (m *LLMMessage) HasMedia() bool {
	for _, p := range m.Parts {
		if p.Type != "text" {
			return true
		}
	}
	return false
}

// LLMResponse is the response from the language model
type LLMResponse struct {
	Content    string                `json:"content"`
	Reasoning  string                `json:"reasoning,omitempty"` // reasoning trace, when the provider returns one
	ToolCalls  []entity.ToolCallInfo `json:"tool_calls,omitempty"`
	ModelUsed  string                `json:"model_used"`
	TokensUsed int                   `json:"tokens_used"`
}

// ToolExecutor is the interface for executing tools within the agent loop
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error)
	GetDefinitions() []domaintool.Definition
	// GetToolKind returns the Kind of a registered tool (defaults to "execute" if unknown)
	GetToolKind(name string) domaintool.Kind
}

// BoundSkill is a skill body ready for injection when its bound tool is
// first invoked in a session.
type BoundSkill struct {
	Name       string
	Body       string
	TokenCount int
}

// SkillSource resolves tool names to bound skills and tracks which skills a
// session has already loaded, so injection is idempotent per skill per
// session. Implemented by Session with a SkillRegistry behind it.
type SkillSource interface {
	SkillForTool(toolName string) (*BoundSkill, bool)
	IsSkillLoaded(name string) bool
	MarkSkillLoaded(name string, tokenCount int)
}

// AgentLoop implements the ReAct (Reason + Act) agent loop:
//   - Structured-output-driven iteration bounded by MaxIterations/ContinuationLimit
//   - Sequential tool execution per run (ordering guarantees matter more than parallelism)
//   - Hard-abort loop detection (tool repetition, content repetition, cognitive check)
//   - An extensible PolicyHook chain for completion/workload/delegation/safety policy
type AgentLoop struct {
	llm         LLMClient
	tools       ToolExecutor
	config      AgentLoopConfig
	hooks       AgentHook
	policyHooks *PolicyHookRegistry
	middleware  *MiddlewarePipeline
	toolCache   *ToolResultCache
	scout       LoopScoutClient
	skills      SkillSource
	logger      *zap.Logger
}

// NewAgentLoop creates a new ReAct agent loop
func NewAgentLoop(llm LLMClient, tools ToolExecutor, config AgentLoopConfig, logger *zap.Logger) *AgentLoop {
	if config.MaxOutputChars <= 0 {
		config.MaxOutputChars = 32000
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 4
	}
	if config.RetryBaseWait <= 0 {
		config.RetryBaseWait = 2 * time.Second
	}
	if config.CompactKeepLast <= 0 {
		config.CompactKeepLast = 10
	}
	if config.MaxIterations <= 0 {
		config.MaxIterations = 50
	}
	if config.ContinuationLimit <= 0 {
		config.ContinuationLimit = 5
	}
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = 120 * time.Second
	}
	if config.ContextMaxTokens <= 0 {
		config.ContextMaxTokens = 128000
	}
	if config.ContextWarnRatio <= 0 {
		config.ContextWarnRatio = 0.7
	}
	if config.ContextHardRatio <= 0 {
		config.ContextHardRatio = 0.85
	}

	loop := &AgentLoop{
		llm:        llm,
		tools:      tools,
		config:     config,
		hooks:      &NoOpHook{},
		middleware: NewMiddlewarePipeline(logger),
		toolCache:  NewToolResultCache(30*time.Second, 100),
		logger:     logger,
	}
	loop.policyHooks = loop.defaultPolicyHooks()
	return loop
}

// defaultPolicyHooks wires the built-in policy chain in the order the Runner
// expects them evaluated: completion check last (it only looks at AfterAgent),
// everything else ahead of it.
func (a *AgentLoop) defaultPolicyHooks() *PolicyHookRegistry {
	reg := NewPolicyHookRegistry(a.logger)
	reg.Register(NewWorkloadDistributorHook())
	reg.Register(&DelegationGuardHook{})
	reg.Register(&SubAgentRecursionGuardHook{})
	reg.Register(NewSearchBudgetHook(40))
	reg.Register(&TimeoutReportHook{})
	reg.Register(&CompletionCheckHook{})
	return reg
}

// SetHooks replaces the observational hook chain for this agent loop.
func (a *AgentLoop) SetHooks(hooks AgentHook) {
	if hooks != nil {
		a.hooks = hooks
	}
}

// SetPolicyHooks replaces the outcome-based policy hook chain.
func (a *AgentLoop) SetPolicyHooks(reg *PolicyHookRegistry) {
	if reg != nil {
		a.policyHooks = reg
	}
}

// SetMiddleware replaces the middleware pipeline for this agent loop.
func (a *AgentLoop) SetMiddleware(mw *MiddlewarePipeline) {
	if mw != nil {
		a.middleware = mw
	}
}

// SetLoopScout installs the model capability used for the cognitive loop
// detection signal. Optional — without it, only the mechanical signals fire.
func (a *AgentLoop) SetLoopScout(scout LoopScoutClient) {
	a.scout = scout
}

// SetSkillSource installs the session-backed skill resolver used for
// tool-time skill injection. Optional.
func (a *AgentLoop) SetSkillSource(skills SkillSource) {
	a.skills = skills
}

// AgentResult is the final result of the agent loop
type AgentResult struct {
	FinalContent string
	TotalSteps   int
	TotalTokens  int
	ModelUsed    string
	ToolsUsed    []string
}

// Run executes the ReAct loop as a top-level (non-sub-agent) run, emitting
// events to the returned channel. The caller should read from eventCh until
// it's closed. When the context carries a Session, the run borrows that
// session's memory; otherwise it gets a throwaway one.
func (a *AgentLoop) Run(ctx context.Context, systemPrompt string, userMessage string, history []LLMMessage, modelOverride string) (*AgentResult, <-chan entity.AgentEvent) {
	var mem *Memory
	if sess := SessionFromContext(ctx); sess != nil {
		mem = sess.Memory()
	} else {
		mem = NewMemory(a.config.ContextMaxTokens, a.logger)
	}
	return a.run(ctx, systemPrompt, userMessage, history, modelOverride, false, mem)
}

// RunAsSubAgent executes the loop with sub-agent restrictions active: a
// SubAgentSafetyHook is installed ahead of the regular policy chain,
// progress events are not emitted upstream, and the given Memory is owned
// entirely by the caller (never the parent's).
func (a *AgentLoop) RunAsSubAgent(ctx context.Context, systemPrompt, userMessage string, history []LLMMessage, modelOverride string, safety SubAgentSafetyConfig, mem *Memory) (*AgentResult, <-chan entity.AgentEvent) {
	if mem == nil {
		mem = NewMemory(a.config.ContextMaxTokens, a.logger)
	}

	reg := NewPolicyHookRegistry(a.logger)
	reg.Register(&SubAgentSafetyHook{Config: safety})
	for _, h := range a.policyHooks.hooks {
		reg.Register(h)
	}

	sub := *a
	sub.policyHooks = reg
	return sub.run(ctx, systemPrompt, userMessage, history, modelOverride, true, mem)
}

func (a *AgentLoop) run(ctx context.Context, systemPrompt, userMessage string, history []LLMMessage, modelOverride string, isSubAgent bool, mem *Memory) (*AgentResult, <-chan entity.AgentEvent) {
	eventCh := make(chan entity.AgentEvent, 64)
	result := &AgentResult{}

	// Run-level cancellation: loop detection cancels this before the
	// LoopDetected event reaches the sink, so in-flight work aborts first.
	ctx, runCancel := context.WithCancel(ctx)

	ctx = WithTraceID(ctx, "")
	runLogger := a.logger.With(zap.String("trace_id", TraceIDFromContext(ctx)))

	a.toolCache.Clear()

	sm := NewStateMachine(0, runLogger)
	sm.OnTransition(func(from, to AgentState, snap StateSnapshot) {
		a.hooks.OnStateChange(from, to, snap)
	})

	loopDetect := NewLoopDetectionService(a.config.LoopDetection, a.scout, runLogger)
	if isSubAgent {
		loopDetect.DisableForSession()
	}

	go func() {
		defer close(eventCh)
		defer runCancel()
		defer func() {
			if r := recover(); r != nil {
				runLogger.Error("agent loop panicked", zap.Any("panic", r), zap.Stack("stack"))
				a.emitEvent(eventCh, entity.AgentEvent{
					Type:  entity.EventError,
					Error: fmt.Sprintf("internal error: %v", r),
				})
				result.FinalContent = fmt.Sprintf("internal error: %v", r)
			}
		}()
		a.runLoop(ctx, runCancel, systemPrompt, userMessage, history, result, eventCh, sm, modelOverride, isSubAgent, mem, loopDetect, runLogger)
	}()

	return result, eventCh
}

func (a *AgentLoop) runLoop(
	ctx context.Context,
	runCancel context.CancelFunc,
	systemPrompt string,
	userMessage string,
	history []LLMMessage,
	result *AgentResult,
	eventCh chan<- entity.AgentEvent,
	sm *StateMachine,
	modelOverride string,
	isSubAgent bool,
	mem *Memory,
	loopDetect *LoopDetectionService,
	logger *zap.Logger,
) {
	ctx = WithUserMessage(ctx, userMessage)

	messages := make([]LLMMessage, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, LLMMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, history...)
	messages = append(messages, LLMMessage{Role: "user", Content: userMessage})
	if len(mem.Messages()) == 0 {
		for _, m := range messages {
			mem.AddMessage(m)
		}
	} else {
		// Session memory already carries the prior turns; only the new user
		// message is appended.
		mem.AddMessage(LLMMessage{Role: "user", Content: userMessage})
	}

	toolDefs := a.tools.GetDefinitions()
	toolsUsedSet := make(map[string]bool)

	contextGuard := NewContextGuard(a.config.ContextMaxTokens, a.config.ContextWarnRatio, a.config.ContextHardRatio, logger)
	var costGuard *CostGuard
	if a.config.MaxTokenBudget > 0 {
		costGuard = NewCostGuard(a.config.MaxTokenBudget, 0, logger)
	}

	var runDeadline <-chan time.Time
	if a.config.RunTimeout > 0 {
		timer := time.NewTimer(a.config.RunTimeout)
		defer timer.Stop()
		runDeadline = timer.C
	}

	continuationCount := 0
	var assistantTexts []string

	model := a.config.Model
	if modelOverride != "" {
		model = modelOverride
	}
	policy := ResolveModelPolicy(model, a.config.ModelPolicies)

	hookCtx := func(iteration int) HookContext {
		return HookContext{
			Todos:             mem.Todos(),
			Iteration:         iteration,
			ContinuationCount: continuationCount,
			MaxContinuations:  a.config.ContinuationLimit,
			TokenCount:        mem.TokenCount(),
			MaxTokens:         a.config.ContextMaxTokens,
			IsSubAgent:        isSubAgent,
			Memory:            mem,
		}
	}

	if res := a.policyHooks.Execute(HookEvent{Kind: HookBeforeAgent, Prompt: userMessage}, hookCtx(0)); res.Kind == ResultInjectContext && res.Context != "" {
		messages = append(messages, LLMMessage{Role: "system", Content: res.Context})
	}

	for step := 1; step <= a.config.MaxIterations; step++ {
		sm.SetStep(step)

		select {
		case <-runDeadline:
			a.finishViaTimeout(ctx, eventCh, result, sm, hookCtx(step), logger)
			return
		default:
		}

		if err := ctx.Err(); err != nil {
			a.abortCancelled(eventCh, result, sm, mem)
			return
		}

		if res := a.policyHooks.Execute(HookEvent{Kind: HookBeforeIteration, Iteration: step}, hookCtx(step)); res.Kind == ResultBlock {
			_ = sm.Transition(StateAborted)
			a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventError, Error: res.BlockReason})
			result.FinalContent = res.BlockReason
			return
		}

		if policy.ProgressInterval > 0 && step > 1 && step%policy.ProgressInterval == 0 {
			if msg := policy.BuildProgressMessage(step); msg != "" {
				messages = append(messages, LLMMessage{Role: "user", Content: msg})
			}
		}

		ctxCheck := contextGuard.Check(messages)
		if ctxCheck.NeedCompaction {
			_ = sm.Transition(StateCompacting)
			messages = a.compactMessages(messages)
		}

		messages = sanitizeMessages(messages)

		_ = sm.Transition(StateStreaming)
		mwMessages := a.middleware.RunBeforeModel(ctx, messages, step)

		llmReq := &LLMRequest{
			Messages:    mwMessages,
			Tools:       toolDefs,
			Model:       model,
			Temperature: a.config.Temperature,
			JSONMode:    a.config.StructuredOutput,
		}

		a.hooks.BeforeLLMCall(ctx, llmReq, step)
		resp, err := a.callLLMWithRetry(ctx, llmReq, step, eventCh)
		if err != nil {
			if IsContextOverflowError(err) {
				_ = sm.Transition(StateCompacting)
				messages = a.compactMessages(messages)
				continue
			}
			sm.RecordError()
			_ = sm.Transition(StateError)
			a.hooks.OnError(ctx, err, step)
			a.emitEvent(eventCh, entity.AgentEvent{
				Type:  entity.EventError,
				Error: fmt.Errorf("%w: %v", entity.ErrModel, err).Error(),
			})
			result.FinalContent = fmt.Sprintf("error: %v", err)
			return
		}

		result.TotalTokens += resp.TokensUsed
		result.ModelUsed = resp.ModelUsed
		result.TotalSteps = step
		sm.AddTokens(resp.TokensUsed)
		sm.SetModel(resp.ModelUsed)

		if costGuard != nil {
			if err := costGuard.AddTokens(int64(resp.TokensUsed)); err != nil {
				a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventError, Error: err.Error()})
				result.FinalContent = fmt.Sprintf("stopped: %v", err)
				return
			}
		}

		resp = a.middleware.RunAfterModel(ctx, resp, step)
		a.hooks.AfterLLMCall(ctx, resp, step)

		if loopEvent := loopDetect.CheckContent(TraceIDFromContext(ctx), step, resp.Content); loopEvent != nil {
			a.abortOnLoop(runCancel, eventCh, result, sm, loopEvent)
			return
		}

		// Structured output contract: the JSON envelope in resp.Content is
		// authoritative. Parse failures are recovered as continuations; a
		// parsed tool_call replaces any natively returned tool calls.
		var structuredFinal string
		structuredHasFinal := false
		if a.config.StructuredOutput && strings.TrimSpace(resp.Content) != "" {
			parsed, perr := ParseStructuredOutput(resp.Content, toolNames(toolDefs))
			if perr != nil {
				continuationCount++
				if continuationCount > a.config.ContinuationLimit {
					_ = sm.Transition(StateError)
					errMsg := fmt.Sprintf("%v: %s", entity.ErrModel, perr.Error())
					a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventError, Error: errMsg})
					result.FinalContent = errMsg
					return
				}
				repair := fmt.Sprintf(
					"Your reply was not valid structured output: %s\nOffending payload (truncated): %s\nReply with a single JSON object containing \"thought\" and exactly one of \"tool_call\" or \"final_answer\".",
					perr.Error(), previewPayload(resp.Content),
				)
				repairMsg := LLMMessage{Role: "system", Content: repair}
				messages = append(messages, repairMsg)
				mem.AddMessage(repairMsg)
				a.emitEvent(eventCh, entity.AgentEvent{
					Type:         entity.EventContinuation,
					Content:      perr.Error(),
					Continuation: &entity.ContinuationInfo{Reason: perr.Error(), Count: continuationCount},
				})
				continue
			}
			if parsed.ToolCall != nil {
				resp.ToolCalls = []entity.ToolCallInfo{{
					ID:        "call_" + uuid.NewString(),
					Name:      parsed.ToolCall.Name,
					Arguments: parsed.ToolCall.Arguments,
					Recovered: true,
				}}
				// A recovered call resets content tracking; the tool-call
				// detector still sees it like any other call.
				loopDetect.OnToolCallRecovered()
			} else {
				resp.ToolCalls = nil
				structuredFinal = parsed.FinalAnswer
				structuredHasFinal = true
			}
		}

		// Record the assistant turn with whatever tool calls survived the
		// structured-output pass, so memory mirrors the working list. The
		// reasoning trace comes from the provider when it sends one, else
		// from whatever thinking tags the raw content carried.
		if resp.Reasoning == "" {
			resp.Reasoning = ExtractReasoningTags(resp.Content)
		}
		mem.AddMessage(LLMMessage{Role: "assistant", Content: resp.Content, Reasoning: resp.Reasoning, ToolCalls: resp.ToolCalls})

		snap := sm.Snapshot()
		a.emitEvent(eventCh, entity.AgentEvent{
			Type: entity.EventStepDone,
			StepInfo: &entity.StepInfo{
				Step:       step,
				TokensUsed: resp.TokensUsed,
				ModelUsed:  resp.ModelUsed,
				State:      string(snap.State),
			},
		})

		if len(resp.ToolCalls) == 0 {
			finalContent := StripReasoningTags(resp.Content)
			hasFinal := strings.TrimSpace(finalContent) != ""
			if structuredHasFinal {
				finalContent = structuredFinal
				hasFinal = true
			}

			afterAgent := a.policyHooks.Execute(HookEvent{Kind: HookAfterAgent, Response: finalContent, HasFinalAnswer: hasFinal}, hookCtx(step))
			// A force past the continuation limit is ignored and the final
			// answer accepted as-is.
			if afterAgent.Kind == ResultForceIteration && continuationCount < a.config.ContinuationLimit {
				continuationCount++
				a.emitEvent(eventCh, entity.AgentEvent{
					Type:         entity.EventContinuation,
					Content:      afterAgent.Reason,
					Continuation: &entity.ContinuationInfo{Reason: afterAgent.Reason, Count: continuationCount},
				})
				messages = append(messages, LLMMessage{Role: "assistant", Content: resp.Content})
				userMsg := afterAgent.Reason
				if afterAgent.Context != "" {
					userMsg += "\n\n" + afterAgent.Context
				}
				messages = append(messages, LLMMessage{Role: "user", Content: userMsg})
				continue
			}

			if !hasFinal && len(assistantTexts) > 0 {
				finalContent = assistantTexts[len(assistantTexts)-1]
			}

			result.FinalContent = finalContent
			_ = sm.Transition(StateComplete)
			a.hooks.OnComplete(ctx, result)
			a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventDone})
			return
		}

		if cleaned := strings.TrimSpace(StripReasoningTags(resp.Content)); cleaned != "" {
			assistantTexts = append(assistantTexts, cleaned)
		}

		messages = append(messages, LLMMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		_ = sm.Transition(StateToolExec)

		outcome := a.executeToolsSequentially(ctx, resp.ToolCalls, &messages, toolsUsedSet, sm, eventCh, mem, loopDetect, step, hookCtx)
		switch {
		case outcome.loopEvent != nil:
			a.abortOnLoop(runCancel, eventCh, result, sm, outcome.loopEvent)
			return
		case outcome.cancelled:
			a.abortCancelled(eventCh, result, sm, mem)
			return
		case outcome.finished:
			result.FinalContent = outcome.finishReport
			_ = sm.Transition(StateComplete)
			a.hooks.OnComplete(ctx, result)
			a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventDone})
			return
		}

		if cogEvent := loopDetect.CheckCognitive(ctx, TraceIDFromContext(ctx), step, mem); cogEvent != nil {
			a.abortOnLoop(runCancel, eventCh, result, sm, cogEvent)
			return
		}

		postToolCheck := contextGuard.Check(messages)
		if postToolCheck.NeedCompaction {
			_ = sm.Transition(StateCompacting)
			messages = a.compactMessages(messages)
		}
	}

	_ = sm.Transition(StateAborted)
	a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventError, Error: entity.ErrMaxIterations.Error()})
	result.FinalContent = entity.ErrMaxIterations.Error()
	for name := range toolsUsedSet {
		result.ToolsUsed = append(result.ToolsUsed, name)
	}
}

// toolPassOutcome is the aggregated result of one sequential tool pass.
type toolPassOutcome struct {
	loopEvent    *LoopDetectedEvent
	cancelled    bool
	finished     bool
	finishReport string
}

// executeToolsSequentially runs every tool call in resp.ToolCalls, one at a
// time, in order. Ordering guarantees: ToolCall event before dispatch,
// sanitized name/args, cancellation-or-timeout race per call, synthetic
// non-raising output on failure, ToolResult event, appended Tool message.
func (a *AgentLoop) executeToolsSequentially(
	ctx context.Context,
	calls []entity.ToolCallInfo,
	messages *[]LLMMessage,
	toolsUsedSet map[string]bool,
	sm *StateMachine,
	eventCh chan<- entity.AgentEvent,
	mem *Memory,
	loopDetect *LoopDetectionService,
	step int,
	hookCtx func(int) HookContext,
) toolPassOutcome {
	consecutiveFailures := 0

	for _, tc := range calls {
		// Raw name/args drive dispatch; the entity-escaped copies are what
		// leaves through the progress sink, so XML-like content can never
		// break an envelope downstream while legitimate arguments (a grep
		// pattern "a<b") still reach the tool unmodified.
		name := tc.Name
		args := tc.Arguments
		if args == nil {
			args = map[string]interface{}{}
		}
		safeName := sanitizeToolIdentifier(name)
		safeArgs := sanitizeToolArgs(args)

		a.injectSkillForTool(ctx, name, messages, mem)

		beforeResult := a.policyHooks.Execute(HookEvent{Kind: HookBeforeTool, ToolName: name, Arguments: args}, hookCtx(step))
		switch beforeResult.Kind {
		case ResultBlock:
			a.appendToolResult(messages, mem, eventCh, tc, safeName, safeArgs, fmt.Sprintf("Blocked: %s", beforeResult.BlockReason), false, 0)
			continue
		case ResultInjectContext:
			injected := LLMMessage{Role: "system", Content: beforeResult.Context}
			*messages = append(*messages, injected)
			mem.AddMessage(injected)
		case ResultFinish:
			return toolPassOutcome{finished: true, finishReport: beforeResult.Report}
		}

		if !a.hooks.BeforeToolCall(ctx, name, args) {
			a.appendToolResult(messages, mem, eventCh, tc, safeName, safeArgs, fmt.Sprintf("Tool '%s' was blocked by policy", safeName), false, 0)
			continue
		}

		if loopEvent := loopDetect.CheckToolCall(TraceIDFromContext(ctx), step, name, args); loopEvent != nil {
			return toolPassOutcome{loopEvent: loopEvent}
		}

		a.emitEvent(eventCh, entity.AgentEvent{
			Type:     entity.EventToolCall,
			ToolCall: &entity.ToolCallEvent{ID: tc.ID, Name: safeName, Arguments: safeArgs},
		})

		start := time.Now()

		if cached, cachedSuccess, hit := a.toolCache.Get(name, args); hit {
			output := cached
			a.finishToolCall(messages, mem, eventCh, tc, safeName, safeArgs, output, cachedSuccess, time.Since(start))
			a.hooks.AfterToolCall(ctx, name, output, cachedSuccess)
			a.policyHooks.Execute(HookEvent{Kind: HookAfterTool, ToolName: name, Result: output}, hookCtx(step))
			toolsUsedSet[name] = true
			sm.RecordToolExec(name)
			continue
		}

		toolCtx := ctx
		var toolCancel context.CancelFunc
		if a.config.ToolTimeout > 0 {
			toolCtx, toolCancel = context.WithTimeout(ctx, a.config.ToolTimeout)
		}

		toolResult, err := a.raceToolExecution(ctx, toolCtx, eventCh, name, safeName, args)
		if toolCancel != nil {
			toolCancel()
		}
		duration := time.Since(start)

		if errors.Is(err, entity.ErrCancelled) {
			return toolPassOutcome{cancelled: true}
		}

		var output string
		var success bool
		var display string

		switch {
		case errors.Is(err, entity.ErrToolTimeout):
			output = fmt.Sprintf("Tool '%s' timed out (%d seconds)", safeName, int(a.config.ToolTimeout.Seconds()))
			success = false
		case err != nil:
			output = fmt.Sprintf("Tool execution error: %v", err)
			success = false
		case toolResult == nil:
			output = fmt.Sprintf("Tool execution error: tool '%s' returned no result", safeName)
			success = false
		default:
			success = toolResult.Success
			display = toolResult.Display
			if !success {
				errText := toolResult.Error
				if errText == "" {
					errText = toolResult.Output
				}
				output = fmt.Sprintf("Tool execution error: %s", errText)
			} else {
				output = toolResult.Output
			}
		}

		output = truncateOutput(output, a.config.MaxOutputChars)
		a.toolCache.Put(name, args, output, success)

		if !success {
			consecutiveFailures++
		} else {
			consecutiveFailures = 0
		}

		a.finishToolCallWithDisplay(messages, mem, eventCh, tc, safeName, safeArgs, output, display, success, duration)
		a.hooks.AfterToolCall(ctx, name, output, success)
		a.policyHooks.Execute(HookEvent{Kind: HookAfterTool, ToolName: name, Result: output}, hookCtx(step))
		toolsUsedSet[name] = true
		sm.RecordToolExec(name)

		if name == "write_todos" && success {
			a.syncTodosFromArgs(mem, args, eventCh)
		}

		if consecutiveFailures >= 3 {
			*messages = append(*messages, LLMMessage{
				Role:    "user",
				Content: "Tool calls have failed 3 times in a row. Stop retrying and tell the user what you tried and what went wrong.",
			})
			consecutiveFailures = 0
		}
	}

	return toolPassOutcome{}
}

// injectSkillForTool prepends the skill bound to a tool as a system message
// the first time the tool is invoked in this session. Idempotent per skill
// per session via the SkillSource's loaded set. The session carried in ctx
// wins over a loop-level source so skill accounting stays per-session.
func (a *AgentLoop) injectSkillForTool(ctx context.Context, toolName string, messages *[]LLMMessage, mem *Memory) {
	var src SkillSource
	if sess := SessionFromContext(ctx); sess != nil {
		src = sess
	} else if a.skills != nil {
		src = a.skills
	} else {
		return
	}
	skill, ok := src.SkillForTool(toolName)
	if !ok || skill == nil {
		return
	}
	if src.IsSkillLoaded(skill.Name) {
		return
	}
	src.MarkSkillLoaded(skill.Name, skill.TokenCount)
	msg := LLMMessage{Role: "system", Content: skill.Body}
	*messages = append(*messages, msg)
	mem.AddMessage(msg)
	a.logger.Info("skill injected for tool",
		zap.String("skill", skill.Name),
		zap.String("tool", toolName),
		zap.Int("tokens", skill.TokenCount),
	)
}

// cancellingSettleDelay gives the UI time to render the Cancelling event
// before the run tears down around it.
const cancellingSettleDelay = 100 * time.Millisecond

// raceToolExecution runs the tool under race(cancellation, timeout): toolCtx
// carries both signals, parentCtx distinguishes which one fired. Cancellation
// wins over timeout. safeName is the entity-escaped form used for emission.
func (a *AgentLoop) raceToolExecution(parentCtx, toolCtx context.Context, eventCh chan<- entity.AgentEvent, name, safeName string, args map[string]interface{}) (*domaintool.Result, error) {
	type outcome struct {
		result *domaintool.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := a.tools.Execute(toolCtx, name, args)
		done <- outcome{r, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && parentCtx.Err() != nil {
			a.emitEvent(eventCh, entity.AgentEvent{
				Type:       entity.EventCancelling,
				Cancelling: &entity.CancellingInfo{ToolName: safeName},
			})
			time.Sleep(cancellingSettleDelay)
			return o.result, entity.ErrCancelled
		}
		return o.result, o.err
	case <-toolCtx.Done():
		if parentCtx.Err() != nil {
			a.emitEvent(eventCh, entity.AgentEvent{
				Type:       entity.EventCancelling,
				Cancelling: &entity.CancellingInfo{ToolName: safeName},
			})
			time.Sleep(cancellingSettleDelay)
			return nil, entity.ErrCancelled
		}
		// Timeout: wait for the goroutine so it never races the next tool's
		// cache/state updates; the dispatched tool sees toolCtx done.
		o := <-done
		if o.err == nil {
			return o.result, entity.ErrToolTimeout
		}
		return o.result, fmt.Errorf("%w: %v", entity.ErrToolTimeout, o.err)
	}
}

func (a *AgentLoop) finishToolCall(messages *[]LLMMessage, mem *Memory, eventCh chan<- entity.AgentEvent, tc entity.ToolCallInfo, name string, args map[string]interface{}, output string, success bool, duration time.Duration) {
	a.finishToolCallWithDisplay(messages, mem, eventCh, tc, name, args, output, "", success, duration)
}

func (a *AgentLoop) finishToolCallWithDisplay(messages *[]LLMMessage, mem *Memory, eventCh chan<- entity.AgentEvent, tc entity.ToolCallInfo, name string, args map[string]interface{}, output, display string, success bool, duration time.Duration) {
	a.emitEvent(eventCh, entity.AgentEvent{
		Type: entity.EventToolResult,
		ToolCall: &entity.ToolCallEvent{
			ID: tc.ID, Name: name, Arguments: args,
			Output: output, Display: display, Success: success, Duration: duration,
		},
	})
	toolMsg := LLMMessage{
		Role:       "tool",
		Content:    output,
		ToolCallID: tc.ID,
		Name:       name,
	}
	*messages = append(*messages, toolMsg)
	mem.AddMessage(toolMsg)
}

// appendToolResult is used for the policy-block short-circuit path, which
// never reaches the sandbox.
func (a *AgentLoop) appendToolResult(messages *[]LLMMessage, mem *Memory, eventCh chan<- entity.AgentEvent, tc entity.ToolCallInfo, name string, args map[string]interface{}, output string, success bool, duration time.Duration) {
	a.emitEvent(eventCh, entity.AgentEvent{
		Type:     entity.EventToolCall,
		ToolCall: &entity.ToolCallEvent{ID: tc.ID, Name: name, Arguments: args},
	})
	a.finishToolCall(messages, mem, eventCh, tc, name, args, output, success, duration)
}

func (a *AgentLoop) syncTodosFromArgs(mem *Memory, args map[string]interface{}, eventCh chan<- entity.AgentEvent) {
	raw, ok := args["todos"].([]interface{})
	if !ok {
		return
	}
	items := make([]entity.TodoItem, 0, len(raw))
	for _, r := range raw {
		obj, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		content, _ := obj["content"].(string)
		status, _ := obj["status"].(string)
		items = append(items, entity.TodoItem{Content: content, Status: entity.TodoStatus(status)})
	}
	mem.SetTodos(items)
	completed, total := mem.Todos().Counts()
	a.emitEvent(eventCh, entity.AgentEvent{
		Type:         entity.EventTodosUpdated,
		TodosUpdated: &entity.TodosUpdatedInfo{CurrentTask: mem.Todos().CurrentTask(), Completed: completed, Total: total},
	})
}

// finishViaTimeout runs the Timeout hook chain. A Finish result turns the
// timeout into a structured final answer; anything else surfaces TimedOut.
func (a *AgentLoop) finishViaTimeout(ctx context.Context, eventCh chan<- entity.AgentEvent, result *AgentResult, sm *StateMachine, hctx HookContext, logger *zap.Logger) {
	res := a.policyHooks.Execute(HookEvent{Kind: HookTimeout}, hctx)
	if res.Kind == ResultFinish {
		_ = sm.Transition(StateComplete)
		result.FinalContent = res.Report
		a.hooks.OnComplete(ctx, result)
		a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventDone})
		return
	}
	_ = sm.Transition(StateError)
	result.FinalContent = entity.ErrTimedOut.Error()
	a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventError, Error: entity.ErrTimedOut.Error()})
}

// abortOnLoop cancels the run token first, then emits the LoopDetected
// event: the loop must already be aborting by the time the sink sees it.
func (a *AgentLoop) abortOnLoop(runCancel context.CancelFunc, eventCh chan<- entity.AgentEvent, result *AgentResult, sm *StateMachine, ev *LoopDetectedEvent) {
	runCancel()
	_ = sm.Transition(StateAborted)
	a.emitEvent(eventCh, entity.AgentEvent{
		Type:         entity.EventLoopDetected,
		Error:        entity.ErrLoopDetected.Error(),
		LoopDetected: &entity.LoopDetectedInfo{LoopType: string(ev.LoopType), Iteration: ev.Iteration},
	})
	result.FinalContent = fmt.Sprintf("%v (%s)", entity.ErrLoopDetected, ev.LoopType)
}

// abortCancelled finalizes a cancelled run: todos are cleared by design, the
// status error surfaces "cancelled" in its chain.
func (a *AgentLoop) abortCancelled(eventCh chan<- entity.AgentEvent, result *AgentResult, sm *StateMachine, mem *Memory) {
	_ = sm.Transition(StateAborted)
	mem.ClearTodos()
	a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventError, Error: entity.ErrCancelled.Error()})
	result.FinalContent = entity.ErrCancelled.Error()
}

func toolNames(defs []domaintool.Definition) []string {
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	return names
}

// xmlEscaper entity-escapes the characters that could break out of an
// XML-style tool-call envelope downstream (some model wire formats embed
// tool name/args in XML tags). Escaping instead of stripping keeps tool
// names and arguments that legitimately contain these characters intact —
// a grep pattern "a<b" survives as "a&lt;b" rather than being corrupted.
var xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func sanitizeToolIdentifier(name string) string {
	return xmlEscaper.Replace(name)
}

func sanitizeToolArgs(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return map[string]interface{}{}
	}
	clean := make(map[string]interface{}, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			clean[xmlEscaper.Replace(k)] = xmlEscaper.Replace(s)
		} else {
			clean[xmlEscaper.Replace(k)] = v
		}
	}
	return clean
}
