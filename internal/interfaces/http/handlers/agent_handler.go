package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/corvid-run/agentcore/internal/domain/entity"
	"github.com/corvid-run/agentcore/internal/domain/service"
	"github.com/corvid-run/agentcore/internal/infrastructure/prompt"
)

// AgentRunner is the session-aware run orchestrator the handler drives.
// Implemented by application.AgentService.
type AgentRunner interface {
	Run(ctx context.Context, sessionID, systemPrompt, userMessage, modelOverride string) (*service.AgentResult, <-chan entity.AgentEvent, error)
	Cancel(sessionID string) error
	Reset(sessionID string) error
	Status(sessionID string) service.StatusInfo
	IsRunning(sessionID string) bool
}

// AgentHandler exposes agent runs over SSE plus the session control surface
// (cancel, reset, status). This is the primary endpoint for editor
// extensions and the Web UI.
type AgentHandler struct {
	runner       AgentRunner
	toolExec     service.ToolExecutor
	promptEngine *prompt.PromptEngine
	logger       *zap.Logger
}

// NewAgentHandler creates a handler for agent loop SSE streaming
func NewAgentHandler(runner AgentRunner, toolExec service.ToolExecutor, promptEngine *prompt.PromptEngine, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		runner:       runner,
		toolExec:     toolExec,
		promptEngine: promptEngine,
		logger:       logger.With(zap.String("handler", "agent")),
	}
}

// AgentRequest is the JSON body for POST /api/v1/agent
type AgentRequest struct {
	Message      string `json:"message" binding:"required"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Model        string `json:"model,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
}

// SSEEvent represents a single Server-Sent Event
type SSEEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// RunAgent handles POST /api/v1/agent — streams agent events via SSE
func (h *AgentHandler) RunAgent(c *gin.Context) {
	var req AgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = "http-default"
	}

	// Set SSE headers
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	systemPrompt := h.assemblePrompt(req)

	h.logger.Info("Agent request received",
		zap.String("session", sessionID),
		zap.String("model", req.Model),
		zap.Int("prompt_chars", len(systemPrompt)),
	)

	result, eventCh, err := h.runner.Run(c.Request.Context(), sessionID, systemPrompt, req.Message, req.Model)
	if err != nil {
		fmt.Fprintf(c.Writer, "event: error\ndata: %q\n\n", err.Error())
		return
	}

	// Stream events as SSE
	flusher, _ := c.Writer.(http.Flusher)
	for event := range eventCh {
		sseEvent := h.convertEvent(event)
		data, _ := json.Marshal(sseEvent)
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", sseEvent.Event, data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	// Send final result
	finalData, _ := json.Marshal(map[string]interface{}{
		"content":      result.FinalContent,
		"total_steps":  result.TotalSteps,
		"total_tokens": result.TotalTokens,
		"model_used":   result.ModelUsed,
		"tools_used":   result.ToolsUsed,
	})
	fmt.Fprintf(c.Writer, "event: done\ndata: %s\n\n", finalData)
	if flusher != nil {
		flusher.Flush()
	}
}

// CancelSession handles POST /api/v1/agent/sessions/:id/cancel
func (h *AgentHandler) CancelSession(c *gin.Context) {
	if err := h.runner.Cancel(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

// ResetSession handles POST /api/v1/agent/sessions/:id/reset
func (h *AgentHandler) ResetSession(c *gin.Context) {
	if err := h.runner.Reset(c.Param("id")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// SessionStatus handles GET /api/v1/agent/sessions/:id
func (h *AgentHandler) SessionStatus(c *gin.Context) {
	id := c.Param("id")
	status := h.runner.Status(id)
	c.JSON(http.StatusOK, gin.H{
		"session_id": id,
		"status":     status.Status,
		"step":       status.Step,
		"percent":    status.Percent,
		"message":    status.Message,
		"running":    h.runner.IsRunning(id),
	})
}

// assemblePrompt builds the system prompt using the PromptEngine.
// If the request includes a custom system_prompt, it's appended.
func (h *AgentHandler) assemblePrompt(req AgentRequest) string {
	if h.promptEngine == nil {
		return req.SystemPrompt
	}

	toolNames := make([]string, 0)
	for _, d := range h.toolExec.GetDefinitions() {
		toolNames = append(toolNames, d.Name)
	}

	pctx := prompt.PromptContext{
		Channel:         "api",
		RegisteredTools: toolNames,
		ModelName:       req.Model,
		UserMessage:     req.Message,
	}

	assembled := h.promptEngine.Assemble(pctx)
	if req.SystemPrompt != "" {
		assembled += "\n\n---\n\n## Additional Instructions\n" + req.SystemPrompt
	}
	return assembled
}

// GetTools handles GET /api/v1/agent/tools — lists available tools
func (h *AgentHandler) GetTools(c *gin.Context) {
	defs := h.toolExec.GetDefinitions()
	tools := make([]map[string]interface{}, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, map[string]interface{}{
			"name":        d.Name,
			"description": d.Description,
			"parameters":  d.Parameters,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tools": tools})
}

func (h *AgentHandler) convertEvent(event entity.AgentEvent) SSEEvent {
	switch event.Type {
	case entity.EventThinking:
		return SSEEvent{Event: "thinking", Data: map[string]string{
			"content": event.Content,
		}}
	case entity.EventTextDelta:
		return SSEEvent{Event: "text_delta", Data: map[string]string{
			"content": event.Content,
		}}
	case entity.EventToolCall:
		return SSEEvent{Event: "tool_call", Data: event.ToolCall}
	case entity.EventToolResult:
		return SSEEvent{Event: "tool_result", Data: event.ToolCall}
	case entity.EventCancelling:
		return SSEEvent{Event: "cancelling", Data: event.Cancelling}
	case entity.EventContinuation:
		return SSEEvent{Event: "continuation", Data: event.Continuation}
	case entity.EventTodosUpdated:
		return SSEEvent{Event: "todos_updated", Data: event.TodosUpdated}
	case entity.EventLoopDetected:
		return SSEEvent{Event: "loop_detected", Data: event.LoopDetected}
	case entity.EventStepDone:
		return SSEEvent{Event: "step_done", Data: event.StepInfo}
	case entity.EventError:
		return SSEEvent{Event: "error", Data: map[string]string{
			"error": event.Error,
		}}
	case entity.EventDone:
		return SSEEvent{Event: "complete", Data: map[string]string{
			"timestamp": event.Timestamp.Format(time.RFC3339),
		}}
	default:
		return SSEEvent{Event: "unknown", Data: event}
	}
}
