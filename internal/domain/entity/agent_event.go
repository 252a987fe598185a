package entity

import "time"

// AgentEventType defines the type of event emitted during an agent loop
type AgentEventType string

const (
	EventTextDelta    AgentEventType = "text_delta"
	EventToolCall     AgentEventType = "tool_call"
	EventToolResult   AgentEventType = "tool_result"
	EventThinking     AgentEventType = "thinking"
	EventStepDone     AgentEventType = "step_done"
	EventDone         AgentEventType = "done"
	EventError        AgentEventType = "error"
	EventCancelling   AgentEventType = "cancelling"
	EventContinuation AgentEventType = "continuation"
	EventTodosUpdated AgentEventType = "todos_updated"
	EventLoopDetected AgentEventType = "loop_detected"
)

// AgentEvent represents a single event in the agent's ReAct loop.
// Consumers (TG adapter, CLI, WebChat) subscribe to a channel of these events.
type AgentEvent struct {
	Type         AgentEventType    `json:"type"`
	Content      string            `json:"content,omitempty"`
	ToolCall     *ToolCallEvent    `json:"tool_call,omitempty"`
	StepInfo     *StepInfo         `json:"step_info,omitempty"`
	Error        string            `json:"error,omitempty"`
	Cancelling   *CancellingInfo   `json:"cancelling,omitempty"`
	Continuation *ContinuationInfo `json:"continuation,omitempty"`
	TodosUpdated *TodosUpdatedInfo `json:"todos_updated,omitempty"`
	LoopDetected *LoopDetectedInfo `json:"loop_detected,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// CancellingInfo is emitted when a running tool is about to be cancelled
// (external cancellation arrived mid-dispatch). A tool timeout does not emit it.
type CancellingInfo struct {
	ToolName string `json:"tool_name"`
}

// ContinuationInfo records that a hook forced another iteration rather than
// letting the run finish.
type ContinuationInfo struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// TodosUpdatedInfo mirrors the current todo list progress after a write_todos
// tool call or a hook-driven update.
type TodosUpdatedInfo struct {
	CurrentTask string `json:"current_task,omitempty"`
	Completed   int    `json:"completed"`
	Total       int    `json:"total"`
}

// LoopDetectedInfo describes which signal fired and at which iteration.
type LoopDetectedInfo struct {
	LoopType  string `json:"loop_type"`
	Iteration int    `json:"iteration"`
}

// ToolCallEvent describes a tool invocation within the agent loop
type ToolCallEvent struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	Output    string                 `json:"output,omitempty"`
	Display   string                 `json:"display,omitempty"` // Rich UI output (fallback to Output)
	Success   bool                   `json:"success"`
	Duration  time.Duration          `json:"duration,omitempty"`
}

// StepInfo provides metadata about the current agent step
type StepInfo struct {
	Step       int    `json:"step"`
	TokensUsed int    `json:"tokens_used"`
	ModelUsed  string `json:"model_used"`
	State      string `json:"state,omitempty"` // Current state machine state
}

// ToolCallInfo represents a tool call parsed from LLM response. Recovered
// marks calls the runner synthesized from the structured JSON envelope rather
// than the provider's native tool-call array.
type ToolCallInfo struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	Recovered bool                   `json:"recovered,omitempty"`
}
