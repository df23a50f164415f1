package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"ledgerflow/internal/services"

	"github.com/gin-gonic/gin"
)

// AutomationHandler 暴露自动化引擎的 HTTP 接口
type AutomationHandler struct {
	engine *services.AutomationEngine
	feed   *services.ExecutionFeed
}

func NewAutomationHandler(engine *services.AutomationEngine, feed *services.ExecutionFeed) *AutomationHandler {
	return &AutomationHandler{engine: engine, feed: feed}
}

// ExecuteRuleRequest 手动执行规则的请求
type ExecuteRuleRequest struct {
	TriggerSource string                 `json:"trigger_source"`
	Data          map[string]interface{} `json:"data"`
}

// EmitEventRequest 发布事件的请求
type EmitEventRequest struct {
	Name    string                 `json:"name" binding:"required"`
	Payload map[string]interface{} `json:"payload"`
}

// ListRules 获取规则列表
func (h *AutomationHandler) ListRules(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.ListRules())
}

// CreateRule 创建规则
func (h *AutomationHandler) CreateRule(c *gin.Context) {
	var req services.RuleDraft
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	rule, err := h.engine.CreateRule(&req)
	if err != nil {
		writeEngineError(c, "Failed to create rule", err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *AutomationHandler) GetRule(c *gin.Context) {
	rule, err := h.engine.GetRule(c.Param("id"))
	if err != nil {
		writeEngineError(c, "Failed to get rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// UpdateRule 部分更新规则
func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	var req services.RuleUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	rule, err := h.engine.UpdateRule(c.Param("id"), &req)
	if err != nil {
		writeEngineError(c, "Failed to update rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// DeleteRule 删除规则，重复删除同样返回成功
func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	h.engine.DeleteRule(c.Param("id"))
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

func (h *AutomationHandler) EnableRule(c *gin.Context) {
	if err := h.engine.EnableRule(c.Param("id")); err != nil {
		writeEngineError(c, "Failed to enable rule", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "enabled"})
}

func (h *AutomationHandler) DisableRule(c *gin.Context) {
	if err := h.engine.DisableRule(c.Param("id")); err != nil {
		writeEngineError(c, "Failed to disable rule", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "disabled"})
}

// ExecuteRule 同步执行规则并返回执行记录
func (h *AutomationHandler) ExecuteRule(c *gin.Context) {
	var req ExecuteRuleRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
			return
		}
	}

	exec, err := h.engine.ExecuteRule(c.Request.Context(), c.Param("id"), req.TriggerSource, req.Data)
	if err != nil {
		writeEngineError(c, "Failed to execute rule", err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// ListExecutions 执行历史，按时间倒序；支持 rule_id 与 limit 参数
func (h *AutomationHandler) ListExecutions(c *gin.Context) {
	ruleID := c.Param("id")
	if ruleID == "" {
		ruleID = c.Query("rule_id")
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid limit", Message: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, h.engine.GetExecutionHistory(ruleID, limit))
}

func (h *AutomationHandler) GetExecution(c *gin.Context) {
	exec, err := h.engine.GetExecution(c.Param("id"))
	if err != nil {
		writeEngineError(c, "Failed to get execution", err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// CancelExecution 取消执行（协作式，不会中断正在运行的动作）
func (h *AutomationHandler) CancelExecution(c *gin.Context) {
	if err := h.engine.CancelExecution(c.Param("id")); err != nil {
		writeEngineError(c, "Failed to cancel execution", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "cancelled"})
}

func (h *AutomationHandler) GetStatistics(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.GetStatistics())
}

// EmitEvent 向事件总线发布事件
func (h *AutomationHandler) EmitEvent(c *gin.Context) {
	var req EmitEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	evt, err := h.engine.Emit(c.Request.Context(), req.Name, req.Payload)
	if err != nil {
		writeEngineError(c, "Failed to emit event", err)
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Message: "emitted", Data: evt})
}

// ReceiveWebhook 触发与路径匹配的 webhook 规则，执行异步进行
func (h *AutomationHandler) ReceiveWebhook(c *gin.Context) {
	path := services.NormalizeWebhookPath(c.Param("path"))
	if path == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid webhook", Message: "path required"})
		return
	}

	var payload map[string]interface{}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid payload", Message: err.Error()})
			return
		}
	}

	execs := h.engine.FireWebhook(c.Request.Context(), path, payload)
	if len(execs) == 0 {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "No webhook rule", Message: "no enabled rule listens on " + path, Code: http.StatusNotFound})
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Message: "accepted", Data: execs})
}

// writeEngineError maps engine errors onto HTTP status codes.
func writeEngineError(c *gin.Context, summary string, err error) {
	var (
		verr     *services.ValidationError
		nf       *services.NotFoundError
		disabled *services.RuleDisabledError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
	case errors.As(err, &nf):
		status = http.StatusNotFound
	case errors.As(err, &disabled), errors.Is(err, services.ErrExecutionFinished):
		status = http.StatusConflict
	}
	c.JSON(status, ErrorResponse{Error: summary, Message: err.Error(), Code: status})
}

// RegisterAutomationRoutes 注册路由；ingress 中间件只作用于事件与 webhook 入口
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler, ingress ...gin.HandlerFunc) {
	withIngress := func(h gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc(nil), ingress...), h)
	}

	auto := r.Group("/automation")
	{
		auto.GET("/rules", handler.ListRules)
		auto.POST("/rules", handler.CreateRule)
		auto.GET("/rules/:id", handler.GetRule)
		auto.PUT("/rules/:id", handler.UpdateRule)
		auto.DELETE("/rules/:id", handler.DeleteRule)
		auto.POST("/rules/:id/enable", handler.EnableRule)
		auto.POST("/rules/:id/disable", handler.DisableRule)
		auto.POST("/rules/:id/execute", handler.ExecuteRule)
		auto.GET("/rules/:id/executions", handler.ListExecutions)

		auto.GET("/executions", handler.ListExecutions)
		auto.GET("/executions/:id", handler.GetExecution)
		auto.POST("/executions/:id/cancel", handler.CancelExecution)

		auto.GET("/statistics", handler.GetStatistics)
		auto.POST("/events", withIngress(handler.EmitEvent)...)
		auto.POST("/webhooks/*path", withIngress(handler.ReceiveWebhook)...)

		if handler.feed != nil {
			auto.GET("/feed", handler.feed.HandleWebSocket)
		}
	}
}
