package entity

import (
	"fmt"
	"strings"
)

// TodoStatus is the lifecycle state of a single todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoCancelled  TodoStatus = "cancelled"
)

// TodoItem is a single unit of work the agent tracks across iterations.
type TodoItem struct {
	Content string     `json:"content"`
	Status  TodoStatus `json:"status"`
}

// TodoList is the agent's self-reported task list, synced via the
// write_todos tool and surfaced to hooks through HookContext.
type TodoList struct {
	Items []TodoItem `json:"items"`
}

// NewTodoList builds a list from raw (content, status) pairs.
func NewTodoList(items []TodoItem) *TodoList {
	return &TodoList{Items: items}
}

// IsComplete reports whether every item is completed or cancelled. An empty
// list is not considered complete — callers should check len(Items) == 0
// first if they want to treat "no todos" as a distinct case.
func (t *TodoList) IsComplete() bool {
	if t == nil || len(t.Items) == 0 {
		return false
	}
	for _, item := range t.Items {
		if item.Status != TodoCompleted && item.Status != TodoCancelled {
			return false
		}
	}
	return true
}

// Counts returns (completed, total) across the list.
func (t *TodoList) Counts() (completed, total int) {
	if t == nil {
		return 0, 0
	}
	total = len(t.Items)
	for _, item := range t.Items {
		if item.Status == TodoCompleted {
			completed++
		}
	}
	return completed, total
}

// CurrentTask returns the content of the first in-progress item, if any.
func (t *TodoList) CurrentTask() string {
	if t == nil {
		return ""
	}
	for _, item := range t.Items {
		if item.Status == TodoInProgress {
			return item.Content
		}
	}
	return ""
}

// ToContextString renders the list as a compact bullet block for injection
// back into the conversation (e.g. ForceIteration context, TimeoutReport).
func (t *TodoList) ToContextString() string {
	if t == nil || len(t.Items) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, item := range t.Items {
		mark := "[ ]"
		switch item.Status {
		case TodoInProgress:
			mark = "[~]"
		case TodoCompleted:
			mark = "[x]"
		case TodoCancelled:
			mark = "[-]"
		}
		sb.WriteString(fmt.Sprintf("%s %s\n", mark, item.Content))
	}
	return strings.TrimRight(sb.String(), "\n")
}
