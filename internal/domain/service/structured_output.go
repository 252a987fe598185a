package service

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// StructuredOutputError is the single failure type for the structured output
// contract. Its message is written both to the log and back into the
// conversation so the model can repair its next attempt.
type StructuredOutputError struct {
	Message string
}

func (e *StructuredOutputError) Error() string { return e.Message }

func structuredErrf(format string, args ...interface{}) *StructuredOutputError {
	return &StructuredOutputError{Message: fmt.Sprintf(format, args...)}
}

// StructuredOutput is the strict JSON envelope the model must emit when JSON
// mode is on. Exactly one of ToolCall and FinalAnswer is set.
type StructuredOutput struct {
	Thought     string
	ToolCall    *StructuredToolCall
	FinalAnswer string
	HasFinal    bool
}

// StructuredToolCall is a validated tool invocation from the envelope:
// a registered tool name plus its arguments re-serialized to canonical JSON.
type StructuredToolCall struct {
	Name      string
	Arguments map[string]interface{}
	// ArgumentsJSON is the canonical re-serialization of Arguments, stable
	// under key reordering in the model's raw output.
	ArgumentsJSON string
}

// rawStructuredOutput mirrors the wire shape before validation.
type rawStructuredOutput struct {
	Thought     *string          `json:"thought"`
	ToolCall    *rawToolCall     `json:"tool_call"`
	FinalAnswer *json.RawMessage `json:"final_answer"`
}

type rawToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ParseStructuredOutput parses and validates a raw model reply against the
// structured output contract. availableTools is the set of registered tool
// names; an unknown tool name fails validation and the error lists the valid
// names. The function is total: any input string yields either a result or a
// *StructuredOutputError, never a panic.
func ParseStructuredOutput(raw string, availableTools []string) (*StructuredOutput, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, structuredErrf("Empty response content")
	}

	// Models occasionally wrap the JSON in a markdown fence despite JSON mode.
	trimmed = stripJSONFence(trimmed)

	var parsed rawStructuredOutput
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil, structuredErrf("Invalid JSON: %v", err)
	}

	if parsed.Thought == nil || strings.TrimSpace(*parsed.Thought) == "" {
		return nil, structuredErrf("Field 'thought' is required and must be a non-empty string")
	}

	hasFinal := parsed.FinalAnswer != nil && string(*parsed.FinalAnswer) != "null"
	hasTool := parsed.ToolCall != nil

	if hasTool == hasFinal {
		if hasTool {
			return nil, structuredErrf("Exactly one of 'tool_call' and 'final_answer' must be set, got both")
		}
		return nil, structuredErrf("Exactly one of 'tool_call' and 'final_answer' must be set, got neither")
	}

	out := &StructuredOutput{Thought: strings.TrimSpace(*parsed.Thought)}

	if hasFinal {
		var answer string
		if err := json.Unmarshal(*parsed.FinalAnswer, &answer); err != nil {
			return nil, structuredErrf("Field 'final_answer' must be a string")
		}
		if strings.TrimSpace(answer) == "" {
			return nil, structuredErrf("Field 'final_answer' must be non-empty")
		}
		out.FinalAnswer = answer
		out.HasFinal = true
		return out, nil
	}

	name := strings.TrimSpace(parsed.ToolCall.Name)
	if name == "" {
		return nil, structuredErrf("Field 'tool_call.name' must be non-empty")
	}
	if !containsString(availableTools, name) {
		known := append([]string(nil), availableTools...)
		sort.Strings(known)
		return nil, structuredErrf("Unknown tool '%s'. Available tools: %s", name, strings.Join(known, ", "))
	}

	args := map[string]interface{}{}
	if len(parsed.ToolCall.Arguments) > 0 && string(parsed.ToolCall.Arguments) != "null" {
		if err := json.Unmarshal(parsed.ToolCall.Arguments, &args); err != nil {
			return nil, structuredErrf("Field 'tool_call.arguments' must be a JSON object")
		}
	}

	canonical, err := json.Marshal(args)
	if err != nil {
		return nil, structuredErrf("Field 'tool_call.arguments' could not be re-serialized: %v", err)
	}

	out.ToolCall = &StructuredToolCall{
		Name:          name,
		Arguments:     args,
		ArgumentsJSON: string(canonical),
	}
	return out, nil
}

// stripJSONFence unwraps a ```json ... ``` (or bare ```) fence around the
// whole payload. Content that isn't fully fenced is returned unchanged.
func stripJSONFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	body := strings.TrimPrefix(s, "```")
	if idx := strings.Index(body, "\n"); idx >= 0 {
		// drop the info string ("json", "JSON", ...)
		body = body[idx+1:]
	}
	body = strings.TrimSpace(body)
	body = strings.TrimSuffix(body, "```")
	return strings.TrimSpace(body)
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// previewPayload truncates a failed payload for the repair message pushed
// back to the model. Capped well below context-threatening sizes.
const maxPayloadPreview = 400

func previewPayload(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) <= maxPayloadPreview {
		return trimmed
	}
	return trimmed[:maxPayloadPreview] + "..."
}
