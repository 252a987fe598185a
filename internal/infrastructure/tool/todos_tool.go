package tool

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/corvid-run/agentcore/internal/domain/entity"
	domaintool "github.com/corvid-run/agentcore/internal/domain/tool"
)

var validTodoStatuses = map[string]bool{
	string(entity.TodoPending):    true,
	string(entity.TodoInProgress): true,
	string(entity.TodoCompleted):  true,
	string(entity.TodoCancelled):  true,
}

// WriteTodosTool lets the agent replace its task list atomically. The agent
// loop re-reads the list from the call's arguments after a successful
// execution and mirrors it into session memory.
type WriteTodosTool struct {
	logger *zap.Logger
}

func NewWriteTodosTool(logger *zap.Logger) *WriteTodosTool {
	return &WriteTodosTool{logger: logger}
}

func (t *WriteTodosTool) Name() string          { return "write_todos" }
func (t *WriteTodosTool) Kind() domaintool.Kind { return domaintool.KindThink }

func (t *WriteTodosTool) Description() string {
	return "Replace your task list. Pass the FULL list every time — items omitted are dropped. " +
		"Statuses: pending, in_progress, completed, cancelled. " +
		"Keep exactly one item in_progress while working."
}

func (t *WriteTodosTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"todos": map[string]interface{}{
				"type":        "array",
				"description": "The complete task list, in order",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"content": map[string]interface{}{"type": "string"},
						"status":  map[string]interface{}{"type": "string", "enum": []string{"pending", "in_progress", "completed", "cancelled"}},
					},
					"required": []string{"content", "status"},
				},
			},
		},
		"required": []string{"todos"},
	}
}

func (t *WriteTodosTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	raw, ok := args["todos"].([]interface{})
	if !ok {
		return &domaintool.Result{Success: false, Error: "todos must be an array of {content, status}"}, nil
	}

	var lines []string
	completed := 0
	for i, r := range raw {
		obj, ok := r.(map[string]interface{})
		if !ok {
			return &domaintool.Result{Success: false, Error: fmt.Sprintf("todos[%d] is not an object", i)}, nil
		}
		content, _ := obj["content"].(string)
		status, _ := obj["status"].(string)
		if strings.TrimSpace(content) == "" {
			return &domaintool.Result{Success: false, Error: fmt.Sprintf("todos[%d].content is empty", i)}, nil
		}
		if !validTodoStatuses[status] {
			return &domaintool.Result{Success: false, Error: fmt.Sprintf("todos[%d].status %q is not one of pending/in_progress/completed/cancelled", i, status)}, nil
		}
		if status == string(entity.TodoCompleted) {
			completed++
		}
		lines = append(lines, fmt.Sprintf("%d. [%s] %s", i+1, status, content))
	}

	t.logger.Debug("todo list replaced", zap.Int("items", len(raw)), zap.Int("completed", completed))
	return &domaintool.Result{
		Success: true,
		Output:  fmt.Sprintf("Todo list updated (%d/%d completed):\n%s", completed, len(raw), strings.Join(lines, "\n")),
	}, nil
}
