package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Kind 工具操作类型 — 驱动权限策略自动决策
type Kind string

const (
	KindRead        Kind = "read"        // 只读操作 (read_file, list_files...)
	KindEdit        Kind = "edit"        // 修改文件 (write_file, apply_patch...)
	KindExecute     Kind = "execute"     // 执行命令 (execute_command, delegate...)
	KindSearch      Kind = "search"      // 搜索操作 (web_search, grep...)
	KindFetch       Kind = "fetch"       // 网络获取 (web_fetch, ytdlp...)
	KindThink       Kind = "think"       // 纯思考 (save_memory, write_todos...)
	KindCommunicate Kind = "communicate" // 对外交付 (upload_file...)
)

// Tool 工具接口 — 每个 provider 暴露名称、schema 与执行入口
type Tool interface {
	Name() string
	Description() string
	// Kind 返回工具操作类型 (驱动权限策略自动决策)
	Kind() Kind
	// Schema 返回参数的 JSON Schema
	Schema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (*Result, error)
}

// Result 工具执行结果
type Result struct {
	Output   string                 // 给 LLM 的精简结果
	Display  string                 // 给 UI 的富文本渲染 (为空时 fallback 到 Output)
	Success  bool                   // 是否成功
	Metadata map[string]interface{} // 元数据
	Error    string                 // 错误信息
}

// Definition 工具定义，用于传递给模型
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Registry 工具注册表接口 — dispatch 按名称取第一个命中的 provider
type Registry interface {
	Register(tool Tool) error
	Unregister(name string) error
	Get(name string) (Tool, bool)
	List() []Definition
	Has(name string) bool
}

// InMemoryRegistry 内存工具注册表 (进程内共享, 读多写少)
type InMemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewInMemoryRegistry 创建内存注册表
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		tools: make(map[string]Tool),
	}
}

// Register 注册工具; 重名返回错误
func (r *InMemoryRegistry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}

	r.tools[name] = tool
	return nil
}

// Unregister 注销工具
func (r *InMemoryRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return fmt.Errorf("tool %s not found", name)
	}

	delete(r.tools, name)
	return nil
}

// Get 获取工具
func (r *InMemoryRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	return tool, exists
}

// List 列出所有工具定义
func (r *InMemoryRegistry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, Definition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Schema(),
		})
	}
	return defs
}

// Has 检查工具是否存在
func (r *InMemoryRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.tools[name]
	return exists
}

// MarshalJSON 序列化工具结果
func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"output":   r.Output,
		"display":  r.Display,
		"success":  r.Success,
		"metadata": r.Metadata,
		"error":    r.Error,
	})
}
