package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/corvid-run/agentcore/internal/domain/service"
	"github.com/corvid-run/agentcore/internal/infrastructure/prompt"
	"github.com/corvid-run/agentcore/internal/interfaces/http/handlers"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	router *gin.Engine
	logger *zap.Logger
}

// AttachObservability 挂载可观测性端点: /ws 进度流 + /metrics 指标
func (s *Server) AttachObservability(ws http.Handler, metrics http.Handler) {
	if ws != nil {
		s.router.GET("/ws", gin.WrapH(ws))
	}
	if metrics != nil {
		s.router.GET("/metrics", gin.WrapH(metrics))
	}
}

// AttachDebug 挂载 /api/v1/debug 调试路由
func (s *Server) AttachDebug(h *handlers.DebugHandler) {
	handlers.RegisterDebugRoutes(s.router.Group("/api/v1"), h)
}

// Config HTTP服务器配置
type Config struct {
	Host string
	Port int
	Mode string // local, production ("production" selects gin release mode)
}

// NewServer 创建HTTP服务器
func NewServer(cfg Config, runner handlers.AgentRunner, agentLoop *service.AgentLoop, toolExec service.ToolExecutor, promptEngine *prompt.PromptEngine, logger *zap.Logger) *Server {
	// 设置Gin模式
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	var agentHandler *handlers.AgentHandler
	if runner != nil && agentLoop != nil {
		agentHandler = handlers.NewAgentHandler(runner, toolExec, promptEngine, logger)
	}
	setupRoutes(router, agentHandler)

	// 创建HTTP服务器
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return &Server{
		server: server,
		router: router,
		logger: logger,
	}
}

// Start 启动服务器
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// setupRoutes 设置路由
func setupRoutes(router *gin.Engine, agentHandler *handlers.AgentHandler) {
	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	// API版本1
	v1 := router.Group("/api/v1")
	{
		v1.GET("/ping", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"message": "pong",
			})
		})

		// Agent Loop endpoints (SSE streaming + session control)
		if agentHandler != nil {
			v1.POST("/agent", agentHandler.RunAgent)
			v1.GET("/agent/tools", agentHandler.GetTools)
			v1.GET("/agent/sessions/:id", agentHandler.SessionStatus)
			v1.POST("/agent/sessions/:id/cancel", agentHandler.CancelSession)
			v1.POST("/agent/sessions/:id/reset", agentHandler.ResetSession)
		}
	}
}

// ginLogger Gin日志中间件
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
