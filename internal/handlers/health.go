package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"ledgerflow/internal/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler 健康检查处理器
type HealthHandler struct {
	engine  *services.AutomationEngine
	feed    *services.ExecutionFeed
	db      *gorm.DB
	version string
}

// NewHealthHandler 创建健康检查处理器；db 与 feed 可以为 nil
func NewHealthHandler(engine *services.AutomationEngine, feed *services.ExecutionFeed, db *gorm.DB, version string) *HealthHandler {
	return &HealthHandler{engine: engine, feed: feed, db: db, version: version}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
}

var startTime = time.Now()

// Health 健康检查端点
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			GoVersion: runtime.Version(),
		},
	}

	stats := h.engine.GetStatistics()
	mode := "production"
	if !h.engine.Production() {
		mode = "development"
	}
	response.Services["automation"] = ServiceInfo{
		Status: "healthy",
		Details: map[string]interface{}{
			"mode":         mode,
			"total_rules":  stats.TotalRules,
			"active_rules": stats.ActiveRules,
			"executions":   stats.TotalExecutions,
			"subscribers":  h.engine.Bus().SubscriberCount(),
		},
	}

	// 外部 API 熔断器状态，任一打开时该服务降级
	if breakers := h.engine.BreakerStats(); breakers != nil {
		info := ServiceInfo{Status: "healthy", Details: breakers}
		for _, st := range breakers {
			if m, ok := st.(map[string]interface{}); ok && m["state"] == "open" {
				info.Status = "degraded"
			}
		}
		response.Services["api"] = info
	}

	if h.feed != nil {
		response.Services["feed"] = ServiceInfo{
			Status:  "healthy",
			Details: map[string]interface{}{"clients": h.feed.ClientCount()},
		}
	}

	if h.db != nil {
		info := h.checkDatabase(ctx)
		if info.Status != "healthy" {
			// 数据库不可用时 data 动作失败，但引擎仍可运行
			response.Status = "degraded"
		}
		response.Services["database"] = info
	}

	c.JSON(http.StatusOK, response)
}

// Ready 就绪检查端点
func (h *HealthHandler) Ready(c *gin.Context) {
	ready := h.engine.Bus().SubscriberCount() > 0
	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"ready":     ready,
		"timestamp": time.Now(),
	})
}

// checkDatabase 检查数据库状态
func (h *HealthHandler) checkDatabase(ctx context.Context) ServiceInfo {
	start := time.Now()
	info := ServiceInfo{Status: "healthy", Details: map[string]interface{}{"dialect": h.db.Dialector.Name()}}

	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	info.Latency = time.Since(start).String()
	if err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
	}
	return info
}
