package tool

import (
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/corvid-run/agentcore/internal/domain/service"
	domaintool "github.com/corvid-run/agentcore/internal/domain/tool"
	"github.com/corvid-run/agentcore/internal/infrastructure/sandbox"
)

// ToolLayerDeps aggregates all external dependencies needed by the tool layer.
// This is the single configuration point for the entire tool subsystem.
type ToolLayerDeps struct {
	// Required
	Registry domaintool.Registry
	Logger   *zap.Logger

	// Infrastructure
	Sandbox *sandbox.ProcessSandbox // nil = tools run unsandboxed

	// Paths
	PythonEnv string // conda/venv path for Python-based tools
	SkillsDir string // skill scripts directory
	Workspace string // file tools resolve relative paths against this

	// File hoster (nil = upload_file not registered)
	Hoster FileHoster

	// Sub-Agent (nil = delegate_to_sub_agent not registered)
	SubAgent *SubAgentDeps
}

// SubAgentDeps holds dependencies for the delegate_to_sub_agent tool.
type SubAgentDeps struct {
	LLMClient    service.LLMClient
	ToolExecutor service.ToolExecutor
	DefaultModel string
	MaxSteps     int
	MaxTokens    int
	Timeout      time.Duration
}

// RegisterAllTools registers all tools in one place. This is the ONLY
// tool registration entry point. Adding a new tool? Add it here.
//
// Registration order:
//  1. Sandbox file/exec operations (bash, read, write, edit, list, grep, glob)
//  2. Web retrieval (web_search, web_fetch, apply_patch)
//  3. Agent capabilities (write_todos, save_memory)
//  4. Media + hosting (ytdlp, upload_file)
//  5. Delegation (delegate_to_sub_agent)
func RegisterAllTools(deps ToolLayerDeps) int {
	var tools []domaintool.Tool

	// ── 1. Sandbox operations ──
	tools = append(tools,
		NewBashTool(deps.Sandbox, deps.Logger),
		NewReadFileTool(deps.Sandbox, deps.Logger),
		NewWriteFileTool(deps.Sandbox, deps.Logger),
		NewEditFileTool(deps.Sandbox, deps.Logger),
		NewListDirTool(deps.Sandbox, deps.Logger),
		NewSearchTool(deps.Sandbox, deps.Logger),
		NewGlobTool(deps.Sandbox, deps.Logger),
	)

	// ── 2. Web retrieval ──
	tools = append(tools,
		NewApplyPatchTool(deps.Sandbox, deps.Logger),
		NewWebFetchTool(deps.Sandbox, deps.Logger),
		NewWebSearchTool(deps.PythonEnv, deps.SkillsDir, deps.Logger),
	)

	// ── 3. Agent capabilities ──
	tools = append(tools,
		NewSaveMemoryTool(deps.Logger),
		NewWriteTodosTool(deps.Logger),
	)

	// ── 4. Media + hosting ──
	if deps.Sandbox != nil {
		tools = append(tools, NewYtdlpTool(deps.Sandbox, deps.Logger))
	}
	workspace := deps.Workspace
	if workspace == "" {
		workspace, _ = os.Getwd()
	}
	if deps.Hoster != nil {
		tools = append(tools, NewUploadFileTool(deps.Hoster, workspace, deps.Logger))
	}

	// ── 5. Delegation ──
	if deps.SubAgent != nil {
		sa := deps.SubAgent
		tools = append(tools, NewSubAgentTool(
			sa.LLMClient,
			sa.ToolExecutor,
			sa.DefaultModel,
			sa.MaxSteps,
			sa.MaxTokens,
			sa.Timeout,
			deps.Logger,
		))
	}

	// ── Register everything ──
	registered := 0
	for _, t := range tools {
		if err := deps.Registry.Register(t); err != nil {
			deps.Logger.Warn("Failed to register tool",
				zap.String("tool", t.Name()),
				zap.Error(err),
			)
		} else {
			deps.Logger.Info("Registered tool", zap.String("tool", t.Name()))
			registered++
		}
	}

	deps.Logger.Info("Tool layer initialized",
		zap.Int("total_registered", registered),
	)

	return registered
}
