package exception_helper

import (
	"net/http"
)

type ApiException struct {
	Message string
	Code    int
	ErrType string
}

// 通用异常，由 Exception 中间件捕获后转为 OpenAI 格式错误响应
func CommonException(data ...any) {
	exception := ApiException{
		Message: "internal error",
		Code:    http.StatusInternalServerError,
		ErrType: "api_error",
	}
	dataLength := len(data)
	if dataLength >= 1 {
		exception.Message = data[0].(string)
	}
	if dataLength >= 2 {
		exception.Code = data[1].(int)
	}
	if dataLength >= 3 {
		exception.ErrType = data[2].(string)
	}
	panic(exception)
}
