package application

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/corvid-run/agentcore/internal/domain/memory"
	"github.com/corvid-run/agentcore/internal/domain/service"
	domaintool "github.com/corvid-run/agentcore/internal/domain/tool"
	"github.com/corvid-run/agentcore/internal/infrastructure/config"
	"github.com/corvid-run/agentcore/internal/infrastructure/embedding"
	"github.com/corvid-run/agentcore/internal/infrastructure/eventbus"
	"github.com/corvid-run/agentcore/internal/infrastructure/hoster"
	"github.com/corvid-run/agentcore/internal/infrastructure/llm"
	_ "github.com/corvid-run/agentcore/internal/infrastructure/llm/anthropic" // register anthropic provider factory
	_ "github.com/corvid-run/agentcore/internal/infrastructure/llm/gemini"    // register gemini provider factory
	_ "github.com/corvid-run/agentcore/internal/infrastructure/llm/openai"    // register openai provider factory
	"github.com/corvid-run/agentcore/internal/infrastructure/monitoring"
	"github.com/corvid-run/agentcore/internal/infrastructure/persistence"
	"github.com/corvid-run/agentcore/internal/infrastructure/prompt"
	"github.com/corvid-run/agentcore/internal/infrastructure/sandbox"
	"github.com/corvid-run/agentcore/internal/infrastructure/skills"
	toolpkg "github.com/corvid-run/agentcore/internal/infrastructure/tool"
	"github.com/corvid-run/agentcore/internal/infrastructure/vectorstore"
	"github.com/corvid-run/agentcore/internal/interfaces/agentgrpc"
	httpServer "github.com/corvid-run/agentcore/internal/interfaces/http"
	"github.com/corvid-run/agentcore/internal/interfaces/http/handlers"
	"github.com/corvid-run/agentcore/internal/interfaces/websocket"
	"github.com/corvid-run/agentcore/pkg/safego"
)

// App is the dependency-injection container for the agent execution core:
// it builds the runner and its collaborators (tools, skills, sessions,
// observability) and hands them to the transport surfaces.
type App struct {
	config *config.Config
	logger *zap.Logger
	db     *gorm.DB

	// 仓储层
	snapshotRepo *persistence.GormSessionSnapshotRepository

	// 基础设施
	toolRegistry    domaintool.Registry
	llmRouter       *llm.Router
	agentLoop       *service.AgentLoop
	sessionRegistry *service.SessionRegistry
	skillRegistry   *skills.Registry
	agentService    *AgentService
	securityHook    *service.SecurityHook
	monitor         *monitoring.Monitor
	tracer          *monitoring.Tracer
	bus             eventbus.Bus
	wsHub           *websocket.Hub
	memoryManager   *memory.MemoryManager
	heartbeat       *service.HeartbeatService

	// Prompt 引擎
	promptEngine *prompt.PromptEngine

	// 接口层
	grpcAgentSrv *agentgrpc.Server
	httpServer   *httpServer.Server
}

// NewApp 创建应用程序（依赖注入容器）
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Bootstrap: ensure ~/.agentcore/ exists with default files on first run
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{
		config: cfg,
		logger: logger,
	}

	if err := app.initRepositories(false); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initApplicationServices(); err != nil {
		return nil, fmt.Errorf("failed to init application services: %w", err)
	}

	if err := app.initInterfaces(); err != nil {
		return nil, fmt.Errorf("failed to init interfaces: %w", err)
	}

	return app, nil
}

// NewAppCLI creates a lightweight app for CLI mode.
// Runs the repository (DB opened silently), infrastructure and application
// initialization steps; skips initInterfaces (HTTP server, gRPC server,
// heartbeat).
func NewAppCLI(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{
		config: cfg,
		logger: logger,
	}

	if err := app.initRepositories(true); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initApplicationServices(); err != nil {
		return nil, fmt.Errorf("failed to init application services: %w", err)
	}

	// No initInterfaces (HTTP/gRPC) — CLI doesn't need servers
	return app, nil
}

// initRepositories 初始化仓储层 (silent = 无 SQL 日志, CLI 模式用)
func (app *App) initRepositories(silent bool) error {
	var db *gorm.DB
	var err error
	if silent {
		db, err = persistence.NewDBConnectionSilent(&app.config.Database)
	} else {
		app.logger.Info("Initializing repositories")
		db, err = persistence.NewDBConnection(&app.config.Database)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db
	app.snapshotRepo = persistence.NewGormSessionSnapshotRepository(db)
	return nil
}

// initInfrastructure 初始化基础设施
func (app *App) initInfrastructure() error {
	app.logger.Info("Initializing infrastructure")

	app.toolRegistry = domaintool.NewInMemoryRegistry()
	homeDir, _ := os.UserHomeDir()
	systemSkillsDir := filepath.Join(homeDir, ".agentcore", "skills")

	sbxCfg := sandbox.DefaultConfig()
	sbxCfg.PythonEnv = app.config.PythonEnv
	if toolTimeout, err := app.config.Agent.Runtime.EffectiveToolTimeout(); err == nil {
		sbxCfg.Timeout = toolTimeout
	}
	sbx, sbxErr := sandbox.NewProcessSandbox(sbxCfg, app.logger)
	if sbxErr != nil {
		app.logger.Warn("Sandbox init failed, tools will run unsandboxed", zap.Error(sbxErr))
	}

	// LLM Router (modular provider factory with failover)
	// NOTE: must be initialized BEFORE RegisterAllTools because the
	// delegation tool depends on it.
	app.llmRouter = llm.NewRouter(app.logger)
	for _, p := range app.config.Agent.Providers {
		provider, err := llm.CreateProvider(llm.ProviderConfig{
			Name:     p.Name,
			Type:     p.Type,
			BaseURL:  p.BaseURL,
			APIKey:   p.APIKey,
			Models:   p.Models,
			Priority: p.Priority,
		}, app.logger)
		if err != nil {
			app.logger.Error("Failed to create LLM provider",
				zap.String("name", p.Name),
				zap.String("type", p.Type),
				zap.Error(err),
			)
			continue
		}
		app.llmRouter.AddProvider(provider)
	}
	app.logger.Info("LLM Router initialized",
		zap.Int("providers", len(app.config.Agent.Providers)),
	)

	// ── Unified Tool Registration (single entry point) ──
	subMaxSteps := app.config.Agent.Runtime.SubAgentMaxSteps
	if subMaxSteps <= 0 {
		subMaxSteps = 25
	}

	var fileHoster toolpkg.FileHoster
	if app.config.Agent.HosterURL != "" {
		fileHoster = hoster.NewHTTPHoster(app.config.Agent.HosterURL, app.logger)
	}

	toolpkg.RegisterAllTools(toolpkg.ToolLayerDeps{
		Registry:  app.toolRegistry,
		Sandbox:   sbx,
		PythonEnv: app.config.PythonEnv,
		SkillsDir: systemSkillsDir,
		Workspace: app.config.Agent.Workspace,
		Hoster:    fileHoster,
		SubAgent: &toolpkg.SubAgentDeps{
			LLMClient:    app.llmRouter,
			ToolExecutor: &toolBridge{registry: app.toolRegistry},
			DefaultModel: app.config.Agent.DefaultModel,
			MaxSteps:     subMaxSteps,
			MaxTokens:    app.config.Agent.Guardrails.ContextMaxTokens / 2,
			Timeout:      app.config.Agent.Runtime.SubAgentTimeout,
		},
		Logger: app.logger,
	})

	// Prompt Engine (hot-pluggable system prompt assembly — System + Workspace layers)
	app.promptEngine = prompt.NewPromptEngine(app.config.Agent.Workspace, app.logger)
	if err := app.promptEngine.Discover(); err != nil {
		app.logger.Warn("Prompt engine discovery failed, will use empty system prompt",
			zap.Error(err),
		)
	}

	return nil
}

// initApplicationServices 初始化应用服务
func (app *App) initApplicationServices() error {
	app.logger.Info("Initializing application services")

	// Agent Loop (ReAct Engine) — uses LLM Router + Tool Bridge
	loopTools := &toolBridge{registry: app.toolRegistry}

	loopCfg := service.DefaultAgentLoopConfig()
	loopCfg.Model = app.config.Agent.DefaultModel

	// Bridge per-model policy overrides from config.yaml
	if len(app.config.Agent.ModelPolicies) > 0 {
		loopCfg.ModelPolicies = make(map[string]*service.ModelPolicyOverride)
		for key, cfgPolicy := range app.config.Agent.ModelPolicies {
			loopCfg.ModelPolicies[key] = &service.ModelPolicyOverride{
				RepairToolPairing:   cfgPolicy.RepairToolPairing,
				EnforceTurnOrdering: cfgPolicy.EnforceTurnOrdering,
				ReasoningFormat:     cfgPolicy.ReasoningFormat,
				ProgressInterval:    cfgPolicy.ProgressInterval,
				ProgressEscalation:  cfgPolicy.ProgressEscalation,
				PromptStyle:         cfgPolicy.PromptStyle,
				SystemRoleSupport:   cfgPolicy.SystemRoleSupport,
				ThinkingTagHint:     cfgPolicy.ThinkingTagHint,
			}
		}
	}

	// Iteration bounds + loop detection knobs from config/env
	if app.config.Agent.MaxIterations > 0 {
		loopCfg.MaxIterations = app.config.Agent.MaxIterations
	}
	if app.config.Agent.ContinuationLimit > 0 {
		loopCfg.ContinuationLimit = app.config.Agent.ContinuationLimit
	}
	lc := app.config.Agent.Loop
	if lc.ToolCallThreshold > 0 {
		loopCfg.LoopDetection.ToolRepetitionThreshold = lc.ToolCallThreshold
	}
	if lc.ContentChunkSize > 0 {
		loopCfg.LoopDetection.ContentChunkSize = lc.ContentChunkSize
	}
	if lc.ContentThreshold > 0 {
		loopCfg.LoopDetection.ContentThreshold = lc.ContentThreshold
	}
	if lc.ContentDistanceMultiplier > 0 {
		loopCfg.LoopDetection.ContentDistanceMultiplier = lc.ContentDistanceMultiplier
	}
	if lc.LLMCheckAfterTurns > 0 {
		loopCfg.LoopDetection.Cognitive.CheckAfterTurns = lc.LLMCheckAfterTurns
	}
	if lc.LLMCheckInterval > 0 {
		loopCfg.LoopDetection.Cognitive.CheckInterval = lc.LLMCheckInterval
	}
	if lc.LLMConfidenceThreshold > 0 {
		loopCfg.LoopDetection.Cognitive.ConfidenceThreshold = lc.LLMConfidenceThreshold
	}
	if lc.LLMHistoryCount > 0 {
		loopCfg.LoopDetection.Cognitive.HistoryCount = lc.LLMHistoryCount
	}
	if lc.ScoutModel != "" {
		loopCfg.LoopDetection.Cognitive.Model = lc.ScoutModel
	}

	// Retry config from config.yaml
	if app.config.Agent.Runtime.MaxRetries > 0 {
		loopCfg.MaxRetries = app.config.Agent.Runtime.MaxRetries
	}
	if app.config.Agent.Runtime.RetryBaseWait > 0 {
		loopCfg.RetryBaseWait = app.config.Agent.Runtime.RetryBaseWait
	}

	// Tool timeout / token budget / run timeout
	if toolTimeout, err := app.config.Agent.Runtime.EffectiveToolTimeout(); err == nil {
		loopCfg.ToolTimeout = toolTimeout
	} else {
		return err
	}
	if app.config.Agent.Runtime.RunTimeout > 0 {
		loopCfg.RunTimeout = app.config.Agent.Runtime.RunTimeout
	}
	if app.config.Agent.Runtime.MaxTokenBudget > 0 {
		loopCfg.MaxTokenBudget = app.config.Agent.Runtime.MaxTokenBudget
	}
	if app.config.Agent.Guardrails.ContextMaxTokens > 0 {
		loopCfg.ContextMaxTokens = app.config.Agent.Guardrails.ContextMaxTokens
	}
	if app.config.Agent.Compaction.KeepRecent > 0 {
		loopCfg.CompactKeepLast = app.config.Agent.Compaction.KeepRecent
	}

	app.agentLoop = service.NewAgentLoop(
		app.llmRouter,
		loopTools,
		loopCfg,
		app.logger,
	)
	app.logger.Info("Agent Loop initialized", zap.String("model", loopCfg.Model))

	// Cognitive loop detection scout: a (usually cheaper) model asked
	// periodically whether the run looks stuck.
	scoutModel := app.config.Agent.Loop.ScoutModel
	if scoutModel == "" {
		scoutModel = app.config.Agent.DefaultModel
	}
	app.agentLoop.SetLoopScout(&scoutAdapter{llm: app.llmRouter, model: scoutModel})

	// Policy hook chain with the configured search budget
	searchBudget := int64(app.config.Agent.SearchBudget)
	if searchBudget <= 0 {
		searchBudget = 40
	}
	policyHooks := service.NewPolicyHookRegistry(app.logger)
	policyHooks.Register(service.NewWorkloadDistributorHook())
	policyHooks.Register(&service.DelegationGuardHook{})
	policyHooks.Register(&service.SubAgentRecursionGuardHook{})
	policyHooks.Register(service.NewSearchBudgetHook(searchBudget))
	policyHooks.Register(&service.TimeoutReportHook{})
	policyHooks.Register(&service.CompletionCheckHook{})
	app.agentLoop.SetPolicyHooks(policyHooks)

	// Session registry: one in-flight run per conversation, cancellable
	app.sessionRegistry = service.NewSessionRegistry(app.logger)

	// Skill registry: markdown skills with frontmatter, selected per message
	// and injected at tool time through each session
	skillCfg := skills.DefaultConfig(app.config.Agent.Skills.Dir)
	if app.config.Agent.Skills.TokenBudget > 0 {
		skillCfg.TokenBudget = app.config.Agent.Skills.TokenBudget
	}
	if app.config.Agent.Skills.MaxSelected > 0 {
		skillCfg.MaxSelected = app.config.Agent.Skills.MaxSelected
	}
	if app.config.Agent.Skills.SemanticThreshold > 0 {
		skillCfg.SemanticThreshold = app.config.Agent.Skills.SemanticThreshold
	}
	if app.config.Agent.Skills.CacheTTL > 0 {
		skillCfg.CacheTTL = app.config.Agent.Skills.CacheTTL
	}
	skillCfg.RefreshCron = app.config.Agent.Skills.RefreshCron
	var skillEmbedder skills.Embedder
	if app.config.Memory.Enabled && app.config.Memory.OllamaURL != "" {
		if emb, err := embedding.NewOllamaEmbedder(app.config.Memory.OllamaURL, app.config.Memory.EmbedModel, app.logger); err == nil {
			skillEmbedder = emb
		} else {
			app.logger.Warn("Embedder unavailable, skill selection is keyword-only", zap.Error(err))
		}
	}
	if reg, err := skills.NewRegistry(skillCfg, skillEmbedder, app.logger); err != nil {
		app.logger.Warn("Skill registry unavailable", zap.Error(err))
	} else {
		app.skillRegistry = reg
	}

	// SecurityHook: tool approval policy. Without an approval func wired,
	// dangerous tools follow the configured auto/deny behavior.
	app.securityHook = service.NewSecurityHook(app.config.Agent.Security, nil, app.logger)

	// Observability: Monitor metrics + event bus fan-out, chained behind the
	// security hook. The websocket hub subscribes to the bus and broadcasts
	// progress to connected UIs.
	app.monitor = monitoring.NewMonitor(app.logger)
	app.tracer = monitoring.NewTracer("agentcore", app.logger)
	if home, err := os.UserHomeDir(); err == nil {
		walDir := filepath.Join(home, ".agentcore", "events")
		if pb, err := eventbus.NewPersistentBus(eventbus.PersistentBusConfig{WALDir: walDir}, app.logger); err == nil {
			app.bus = pb
		} else {
			app.logger.Warn("Persistent event bus unavailable, using in-memory bus", zap.Error(err))
		}
	}
	if app.bus == nil {
		app.bus = eventbus.NewInMemoryBus(app.logger, 256)
	}
	app.wsHub = websocket.NewHub(app.logger)
	app.agentLoop.SetHooks(service.NewHookChain(
		app.securityHook,
		monitoring.NewMetricsHook(app.monitor),
		&busHook{bus: app.bus},
		&tracerHook{tracer: app.tracer},
	))

	hub := app.wsHub
	forward := func(msgType websocket.MessageType) eventbus.Handler {
		return func(ctx context.Context, ev eventbus.Event) {
			data, err := json.Marshal(ev.Payload())
			if err != nil {
				return
			}
			hub.Broadcast(&websocket.WSMessage{Type: msgType, Content: string(data)})
		}
	}
	app.bus.Subscribe(eventbus.EventTypeToolExecution, forward(websocket.MessageTypeToolResult))
	app.bus.Subscribe(eventbus.EventTypeModelResponse, forward(websocket.MessageTypeStream))
	app.bus.Subscribe(eventbus.EventTypeError, forward(websocket.MessageTypeError))

	// Long-term vector memory: LanceDB-backed when configured, in-memory
	// otherwise. Recall results are folded into the system prompt per turn.
	if app.config.Memory.Enabled {
		var memEmbedder memory.EmbeddingProvider
		if app.config.Memory.OllamaURL != "" {
			if emb, err := embedding.NewOllamaEmbedder(app.config.Memory.OllamaURL, app.config.Memory.EmbedModel, app.logger); err == nil {
				memEmbedder = emb
			}
		}
		if memEmbedder == nil {
			memEmbedder = memory.NewSimpleEmbedder(256)
		}
		var store memory.VectorStore = memory.NewInMemoryVectorStore()
		if app.config.Memory.StoreType == "lancedb" && app.config.Memory.StorePath != "" {
			if lance, err := vectorstore.NewLanceDBVectorStore(app.config.Memory.StorePath, memEmbedder.Dimension(), app.logger); err == nil {
				store = lance
			} else {
				app.logger.Warn("LanceDB unavailable, using in-memory vector store", zap.Error(err))
			}
		}
		app.memoryManager = memory.NewMemoryManager(store, memEmbedder)
	}

	// Middleware pipeline (data-transformation hooks around LLM calls)
	mwPipeline := service.NewMiddlewarePipeline(app.logger)
	mwPipeline.Use(service.NewDanglingToolCallMiddleware(app.logger))
	if app.config.Memory.Enabled {
		mwPipeline.Use(service.NewMemoryMiddleware(app.llmRouter, &memoryPersisterAdapter{}, app.logger))
	}
	app.agentLoop.SetMiddleware(mwPipeline)

	// The transport-neutral run orchestrator every surface goes through.
	app.agentService = NewAgentService(
		app.agentLoop,
		app.sessionRegistry,
		app.skillRegistry,
		app.memoryManager,
		app.snapshotRepo,
		app.config.Agent.Guardrails.ContextMaxTokens,
		app.logger,
	)

	return nil
}

// initInterfaces 初始化接口层
func (app *App) initInterfaces() error {
	app.logger.Info("Initializing interfaces")

	loopToolsBridge := &toolBridge{registry: app.toolRegistry}

	// HTTP server: agent SSE endpoint + observability surfaces
	app.httpServer = httpServer.NewServer(
		httpServer.Config{
			Host: app.config.Gateway.Host,
			Port: app.config.Gateway.Port,
			Mode: app.config.Gateway.Mode,
		},
		app.agentService,
		app.agentLoop,
		loopToolsBridge,
		app.promptEngine,
		app.logger,
	)
	if app.wsHub != nil && app.monitor != nil {
		wsHandler := websocket.NewHandler(app.wsHub, app.logger)
		app.httpServer.AttachObservability(
			http.HandlerFunc(wsHandler.ServeWS),
			app.monitor.PrometheusHandler(),
		)
		app.httpServer.AttachDebug(handlers.NewDebugHandler(app.monitor, app.tracer, app.sessionRegistry, app.logger))
	}

	// gRPC Agent Server (for editor extensions / SDK)
	grpcPort := app.config.Agent.GRPCPort
	if grpcPort == 0 {
		grpcPort = 50052
	}
	app.grpcAgentSrv = agentgrpc.NewServer(app.agentLoop, loopToolsBridge, grpcPort, app.logger)
	app.logger.Info("gRPC agent server created", zap.Int("port", grpcPort))

	// 心跳服务: HEARTBEAT.md 指令走完整 agent loop, 结果发布到事件总线
	if app.config.Heartbeat.Enabled {
		hb := service.NewHeartbeatService(service.HeartbeatConfig{
			FilePath: app.config.Heartbeat.FilePath,
			Interval: time.Duration(app.config.Heartbeat.Interval) * time.Minute,
			Enabled:  true,
		}, app.logger)
		agentSvc := app.agentService
		bus := app.bus
		hb.SetExecutor(func(ctx context.Context, chatID int64, command string) (string, error) {
			result, eventCh, err := agentSvc.Run(ctx, "heartbeat", "", command, "")
			if err != nil {
				return "", err
			}
			for range eventCh {
			}
			if result.FinalContent != "" && bus != nil {
				bus.Publish(ctx, eventbus.NewEvent(eventbus.EventTypeSessionEnded, result.FinalContent))
			}
			return result.FinalContent, nil
		})
		app.heartbeat = hb
	}

	return nil
}

// Start 启动应用
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application")

	// 启动 WebSocket hub (progress-sink 广播)
	if app.wsHub != nil {
		hub := app.wsHub
		safego.Go(app.logger, "ws-hub", func() { hub.Run(ctx) })
	}

	// 启动心跳服务 (HEARTBEAT.md 定时指令)
	if app.heartbeat != nil {
		if err := app.heartbeat.Start(); err != nil {
			app.logger.Warn("Heartbeat service failed to start", zap.Error(err))
		}
	}

	// 启动HTTP服务器
	if err := app.httpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 启动 gRPC Agent Server
	if app.grpcAgentSrv != nil {
		if err := app.grpcAgentSrv.Start(); err != nil {
			app.logger.Warn("gRPC agent server failed to start", zap.Error(err))
		}
	}

	app.logger.Info("Application started successfully")
	return nil
}

// Stop 停止应用
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	// 停止心跳服务
	if app.heartbeat != nil {
		app.heartbeat.Stop()
	}

	// 停止 gRPC Agent Server
	if app.grpcAgentSrv != nil {
		app.grpcAgentSrv.Stop()
	}

	// 停止HTTP服务器
	if app.httpServer != nil {
		if err := app.httpServer.Stop(ctx); err != nil {
			app.logger.Error("Failed to stop HTTP server", zap.Error(err))
		}
	}

	// 关闭事件总线 + 技能注册表
	if app.bus != nil {
		app.bus.Close()
	}
	if app.skillRegistry != nil {
		app.skillRegistry.Close()
	}

	app.logger.Info("Application stopped")
	return nil
}

// Logger returns the application logger
func (app *App) Logger() *zap.Logger {
	return app.logger
}

// AppConfig returns the application config
func (app *App) AppConfig() *config.Config {
	return app.config
}

// AgentLoop returns the agent loop instance (used by CLI/TUI)
func (app *App) AgentLoop() *service.AgentLoop {
	return app.agentLoop
}

// AgentService returns the session-aware run orchestrator
func (app *App) AgentService() *AgentService {
	return app.agentService
}

// PromptEngine returns the prompt engine (used by CLI/TUI)
func (app *App) PromptEngine() *prompt.PromptEngine {
	return app.promptEngine
}

// ToolRegistry returns the tool registry (used by CLI/TUI)
func (app *App) ToolRegistry() domaintool.Registry {
	return app.toolRegistry
}

// scoutAdapter exposes the LLM router as the single-shot classification
// client the cognitive loop detector expects.
type scoutAdapter struct {
	llm   service.LLMClient
	model string
}

func (s *scoutAdapter) ChatCompletion(ctx context.Context, systemPrompt string, history []service.LLMMessage, userMessage, model string) (string, error) {
	msgs := make([]service.LLMMessage, 0, len(history)+2)
	if systemPrompt != "" {
		msgs = append(msgs, service.LLMMessage{Role: "system", Content: systemPrompt})
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, service.LLMMessage{Role: "user", Content: userMessage})
	if model == "" || model == "scout" {
		model = s.model
	}
	resp, err := s.llm.Generate(ctx, &service.LLMRequest{Messages: msgs, Model: model})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// tracerHook records a span per model response and per tool completion so
// /api/v1/debug/spans can show what a run actually did.
type tracerHook struct {
	service.NoOpHook
	tracer *monitoring.Tracer
}

func (h *tracerHook) AfterLLMCall(ctx context.Context, resp *service.LLMResponse, step int) {
	_, span := h.tracer.StartSpan(ctx, fmt.Sprintf("llm.step.%d", step))
	h.tracer.EndSpan(span, nil)
}

func (h *tracerHook) AfterToolCall(ctx context.Context, toolName string, output string, success bool) {
	_, span := h.tracer.StartSpan(ctx, "tool."+toolName)
	var err error
	if !success {
		err = fmt.Errorf("tool %s failed", toolName)
	}
	h.tracer.EndSpan(span, err)
}

// busHook publishes run milestones to the process event bus. Purely
// observational — it never vetoes anything.
type busHook struct {
	service.NoOpHook
	bus eventbus.Bus
}

func (h *busHook) AfterLLMCall(ctx context.Context, resp *service.LLMResponse, step int) {
	h.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventTypeModelResponse, &eventbus.ModelResponsePayload{
		Model:      resp.ModelUsed,
		TokensUsed: resp.TokensUsed,
		HasTools:   len(resp.ToolCalls) > 0,
	}))
}

func (h *busHook) AfterToolCall(ctx context.Context, toolName string, output string, success bool) {
	h.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventTypeToolExecution, &eventbus.ToolExecutionPayload{
		ToolName: toolName,
		Success:  success,
	}))
}

func (h *busHook) OnError(ctx context.Context, err error, step int) {
	h.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventTypeError, &eventbus.ErrorPayload{
		Error: err.Error(),
	}))
}
