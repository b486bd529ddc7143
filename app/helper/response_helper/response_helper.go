package response_helper

import (
	"net/http"

	"github.com/cregis-dev/apex/app/model"
	"github.com/gin-gonic/gin"
)

// OpenAIError 按 OpenAI 错误格式返回并终止请求
func OpenAIError(c *gin.Context, status int, errType, message string) {
	c.AbortWithStatusJSON(status, model.NewOpenAIError(message, errType, nil))
}

// AnthropicError 按 Anthropic 错误格式返回并终止请求
func AnthropicError(c *gin.Context, status int, errType, message string) {
	c.AbortWithStatusJSON(status, model.NewAnthropicError(message, errType))
}

// Unauthorized 401 响应，正文固定为 {"error":"unauthorized"}
func Unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}

// Common 内部接口通用响应
func Common(c *gin.Context, code int, message string, data ...interface{}) {
	res := make(map[string]interface{})
	res["code"] = code
	res["message"] = message
	res["data"] = []int{}
	if len(data) > 0 {
		res["data"] = data[0]
	}
	c.JSON(code, res)
}
