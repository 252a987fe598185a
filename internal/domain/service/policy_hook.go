package service

import (
	"github.com/corvid-run/agentcore/internal/domain/entity"
	"go.uber.org/zap"
)

// HookEventKind identifies which point in the Runner lifecycle a HookEvent
// was raised from.
type HookEventKind string

const (
	HookBeforeAgent     HookEventKind = "before_agent"
	HookBeforeIteration HookEventKind = "before_iteration"
	HookBeforeTool      HookEventKind = "before_tool"
	HookAfterTool       HookEventKind = "after_tool"
	HookAfterAgent      HookEventKind = "after_agent"
	HookTimeout         HookEventKind = "timeout"
)

// HookEvent carries the payload for one lifecycle point. Only the fields
// relevant to Kind are populated; a Hook's handle method should switch on
// Kind before reading payload fields.
type HookEvent struct {
	Kind HookEventKind

	// BeforeAgent
	Prompt string

	// BeforeIteration
	Iteration int

	// BeforeTool / AfterTool
	ToolName  string
	Arguments map[string]interface{}
	Result    string

	// AfterAgent
	Response       string
	HasFinalAnswer bool
}

// HookResultKind is the outcome a Hook.handle call returns, determining how
// the HookRegistry's caller should proceed.
type HookResultKind string

const (
	ResultContinue       HookResultKind = "continue"
	ResultInjectContext  HookResultKind = "inject_context"
	ResultForceIteration HookResultKind = "force_iteration"
	ResultBlock          HookResultKind = "block"
	ResultFinish         HookResultKind = "finish"
)

// HookResult is the outcome of evaluating one HookEvent through the chain.
// Continue is the zero value, so an empty HookResult behaves as "do nothing".
type HookResult struct {
	Kind HookResultKind

	// InjectContext
	Context string

	// ForceIteration
	Reason string

	// Block
	BlockReason string

	// Finish
	Report string
}

// Continue is the canonical do-nothing result.
func Continue() HookResult { return HookResult{Kind: ResultContinue} }

// InjectContext wraps a context string to be added to the conversation.
func InjectContext(ctx string) HookResult {
	return HookResult{Kind: ResultInjectContext, Context: ctx}
}

// ForceIteration forces another loop iteration with an explanatory reason and
// optional extra context appended to the conversation.
func ForceIteration(reason, context string) HookResult {
	return HookResult{Kind: ResultForceIteration, Reason: reason, Context: context}
}

// Block vetoes the action in progress (a tool call, a delegation, etc.).
func Block(reason string) HookResult {
	return HookResult{Kind: ResultBlock, BlockReason: reason}
}

// Finish ends the run immediately, surfacing report as the final output.
func Finish(report string) HookResult {
	return HookResult{Kind: ResultFinish, Report: report}
}

// HookContext is the read-only view a Hook gets of run state when handling
// an event.
type HookContext struct {
	Todos             *entity.TodoList
	Iteration         int
	ContinuationCount int
	MaxContinuations  int
	TokenCount        int
	MaxTokens         int
	IsSubAgent        bool
	Memory            *Memory
}

// AtContinuationLimit reports whether forcing another continuation would
// exceed the configured cap.
func (c HookContext) AtContinuationLimit() bool {
	return c.MaxContinuations > 0 && c.ContinuationCount >= c.MaxContinuations
}

// PolicyHook is the outcome-based lifecycle hook interface: unlike AgentHook
// (pure observation — metrics, logging), a PolicyHook can redirect the run by
// returning anything other than Continue.
type PolicyHook interface {
	Name() string
	Handle(event HookEvent, ctx HookContext) HookResult
}

// PolicyHookRegistry runs an ordered chain of PolicyHooks, stopping at the
// first non-Continue result.
type PolicyHookRegistry struct {
	hooks  []PolicyHook
	logger *zap.Logger
}

// NewPolicyHookRegistry creates an empty registry.
func NewPolicyHookRegistry(logger *zap.Logger) *PolicyHookRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PolicyHookRegistry{logger: logger}
}

// Register appends a hook to the end of the chain.
func (r *PolicyHookRegistry) Register(h PolicyHook) {
	r.hooks = append(r.hooks, h)
	r.logger.Info("registered policy hook", zap.String("hook", h.Name()))
}

// Len returns the number of registered hooks.
func (r *PolicyHookRegistry) Len() int { return len(r.hooks) }

// Execute runs event through every hook in registration order. The first
// hook to return anything other than Continue short-circuits the chain.
func (r *PolicyHookRegistry) Execute(event HookEvent, ctx HookContext) HookResult {
	for _, h := range r.hooks {
		result := h.Handle(event, ctx)
		switch result.Kind {
		case ResultContinue, "":
			r.logger.Debug("policy hook continue", zap.String("hook", h.Name()), zap.String("event", string(event.Kind)))
			continue
		case ResultInjectContext:
			r.logger.Debug("policy hook injected context", zap.String("hook", h.Name()))
			return result
		case ResultForceIteration:
			r.logger.Info("policy hook forced iteration", zap.String("hook", h.Name()), zap.String("reason", result.Reason))
			return result
		case ResultBlock:
			r.logger.Info("policy hook blocked", zap.String("hook", h.Name()), zap.String("reason", result.BlockReason))
			return result
		case ResultFinish:
			r.logger.Info("policy hook finished run", zap.String("hook", h.Name()))
			return result
		default:
			return result
		}
	}
	return Continue()
}
