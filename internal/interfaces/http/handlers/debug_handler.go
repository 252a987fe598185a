package handlers

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/corvid-run/agentcore/internal/domain/service"
	"github.com/corvid-run/agentcore/internal/infrastructure/monitoring"
)

// DebugHandler 调试 API 处理器: 指标、会话、trace span、运行时
type DebugHandler struct {
	monitor  *monitoring.Monitor
	tracer   *monitoring.Tracer
	sessions *service.SessionRegistry
	logger   *zap.Logger
}

// NewDebugHandler 创建调试处理器
func NewDebugHandler(monitor *monitoring.Monitor, tracer *monitoring.Tracer, sessions *service.SessionRegistry, logger *zap.Logger) *DebugHandler {
	return &DebugHandler{
		monitor:  monitor,
		tracer:   tracer,
		sessions: sessions,
		logger:   logger,
	}
}

// GetMetrics 获取性能指标
// GET /api/v1/debug/metrics
func (h *DebugHandler) GetMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.monitor.GetStats())
}

// GetDashboard 获取仪表盘数据
// GET /api/v1/debug/dashboard
func (h *DebugHandler) GetDashboard(c *gin.Context) {
	c.JSON(http.StatusOK, h.monitor.GetDashboardData())
}

// GetSessions 获取会话统计
// GET /api/v1/debug/sessions
func (h *DebugHandler) GetSessions(c *gin.Context) {
	if h.sessions == nil {
		c.JSON(http.StatusOK, gin.H{"count": 0})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": h.sessions.Len()})
}

// GetSpans 获取最近的 trace span
// GET /api/v1/debug/spans?n=50
func (h *DebugHandler) GetSpans(c *gin.Context) {
	if h.tracer == nil {
		c.JSON(http.StatusOK, gin.H{"spans": []interface{}{}, "count": 0})
		return
	}
	n, err := strconv.Atoi(c.DefaultQuery("n", "50"))
	if err != nil || n <= 0 {
		n = 50
	}
	spans := h.tracer.RecentSpans(n)
	c.JSON(http.StatusOK, gin.H{"spans": spans, "count": len(spans)})
}

// GetTrace 按 trace id 查询 span
// GET /api/v1/debug/traces/:id
func (h *DebugHandler) GetTrace(c *gin.Context) {
	if h.tracer == nil {
		c.JSON(http.StatusOK, gin.H{"spans": []interface{}{}})
		return
	}
	spans := h.tracer.SpansByTraceID(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"trace_id": c.Param("id"), "spans": spans})
}

// GetRuntime 获取运行时信息
// GET /api/v1/debug/runtime
func (h *DebugHandler) GetRuntime(c *gin.Context) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	c.JSON(http.StatusOK, gin.H{
		"go_version":    runtime.Version(),
		"num_cpu":       runtime.NumCPU(),
		"num_goroutine": runtime.NumGoroutine(),
		"memory": gin.H{
			"alloc_mb":       float64(memStats.Alloc) / 1024 / 1024,
			"total_alloc_mb": float64(memStats.TotalAlloc) / 1024 / 1024,
			"sys_mb":         float64(memStats.Sys) / 1024 / 1024,
			"num_gc":         memStats.NumGC,
		},
		"timestamp": time.Now().Unix(),
	})
}

// TriggerGC 手动触发 GC
// POST /api/v1/debug/gc
func (h *DebugHandler) TriggerGC(c *gin.Context) {
	before := runtime.NumGoroutine()
	runtime.GC()
	after := runtime.NumGoroutine()

	c.JSON(http.StatusOK, gin.H{
		"message":           "GC triggered",
		"goroutines_before": before,
		"goroutines_after":  after,
	})
}

// RegisterDebugRoutes 注册调试路由
func RegisterDebugRoutes(router *gin.RouterGroup, handler *DebugHandler) {
	debug := router.Group("/debug")
	{
		debug.GET("/metrics", handler.GetMetrics)
		debug.GET("/dashboard", handler.GetDashboard)
		debug.GET("/sessions", handler.GetSessions)
		debug.GET("/spans", handler.GetSpans)
		debug.GET("/traces/:id", handler.GetTrace)
		debug.GET("/runtime", handler.GetRuntime)
		debug.POST("/gc", handler.TriggerGC)
	}
}
