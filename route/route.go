package route

import (
	"net/http"

	"github.com/cregis-dev/apex/app/controller/gateway"
	"github.com/cregis-dev/apex/app/helper/metric_helper"
	"github.com/cregis-dev/apex/app/middleware"
	"github.com/cregis-dev/apex/app/model"
	"github.com/cregis-dev/apex/app/service/store"
	"github.com/cregis-dev/apex/app/service/usage"
	"github.com/gin-gonic/gin"
)

// InitGatewayRouter 初始化网关路由
func InitGatewayRouter(e *gin.Engine, s *store.Store, usageLogger *usage.Logger) *gateway.Controller {
	ctrl := gateway.NewController(s, usageLogger)

	e.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, model.NewOpenAIError("route not found", "not_found_error", nil))
	})

	// 团队认证中间件
	e.Use(middleware.TeamAuth(s))

	// v1 API 组
	v1 := e.Group("/v1")
	v1.POST("/chat/completions", ctrl.ChatCompletions)
	v1.POST("/completions", ctrl.Completions)
	v1.POST("/embeddings", ctrl.Embeddings)
	v1.GET("/models", ctrl.Models)
	v1.POST("/messages", ctrl.Messages)

	// 兼容省略 /v1 前缀的客户端
	e.POST("/chat/completions", ctrl.ChatCompletions)
	e.POST("/completions", ctrl.Completions)
	e.POST("/embeddings", ctrl.Embeddings)
	e.GET("/models", ctrl.Models)
	e.POST("/messages", ctrl.Messages)

	// 透传模式：绕过模型路由
	e.Any("/proxy/:router/*rest", ctrl.Proxy)

	// 指标同端口暴露（独立指标端口在 serve 中另起）
	cfg := s.Current().Config
	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, gin.WrapH(metric_helper.Handler()))
	}

	// 内部状态接口（用于监控）
	internal := e.Group("/internal")
	internal.GET("/stats", ctrl.Stats)

	return ctrl
}
