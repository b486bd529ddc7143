package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/cregis-dev/apex/app/helper/exception_helper"
	"github.com/cregis-dev/apex/app/helper/log_helper"
	"github.com/cregis-dev/apex/app/helper/response_helper"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	CtxRequestID  = "request_id"
	CtxTeam       = "team"
	CtxCredential = "credential"
)

// 初始化全局中间件
func InitMiddleware(e *gin.Engine) {
	//异常捕获中间件
	e.Use(Exception())
	e.Use(RequestID())
	e.Use(CommonLog())
}

// 异常捕获中间件，panic 统一转为错误响应
func Exception() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				if ex, ok := r.(exception_helper.ApiException); ok {
					response_helper.OpenAIError(c, ex.Code, ex.ErrType, ex.Message)
				} else {
					log_helper.Error(fmt.Sprintf("panic recovered: %v", r))
					response_helper.OpenAIError(c, http.StatusInternalServerError, "api_error", "internal server error")
				}
				c.Abort()
			}
		}()

		c.Next()
	}
}

// 请求ID中间件，形如 req-<uuid>
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := "req-" + uuid.NewString()
		c.Set(CtxRequestID, id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// 请求日志中间件
func CommonLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		id, _ := c.Get(CtxRequestID)
		log_helper.Info(fmt.Sprintf("[%v] %s %s -> %d (%dms)",
			id, c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Milliseconds()))
	}
}
