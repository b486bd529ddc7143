package provider

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Protocol 入站协议
type Protocol int

const (
	ProtocolOpenAI Protocol = iota
	ProtocolAnthropic
)

// Label 指标与日志用标签
func (p Protocol) Label() string {
	if p == ProtocolAnthropic {
		return "anthropic"
	}
	return "openai"
}

// Adapter 供应商适配器：封装每个供应商的 URL 路径、认证头和协议约定
type Adapter interface {
	// MapPath 按供应商约定映射请求路径，可能返回绝对 URL（双协议切换时）
	MapPath(p Protocol, baseURL, path string) string
	// MapQuery 映射查询串，返回空串表示剥除
	MapQuery(p Protocol, query string) string
	// TransformBody 请求体改写：模型映射 + 协议转换
	TransformBody(p Protocol, body []byte, modelMap map[string]string) []byte
	// ApplyAuth 注入供应商认证头
	ApplyAuth(p Protocol, h http.Header, apiKey, baseURL string)
	// ConvertsResponse Anthropic 客户端打到 OpenAI 兼容上游时需要转换响应
	ConvertsResponse(p Protocol) bool
}

var (
	adapters = map[string]Adapter{
		"openai":    openAIAdapter{},
		"anthropic": anthropicAdapter{},
		"gemini":    geminiAdapter{},
		// 原生支持双协议的供应商，按入站协议切换 /v1 与 /anthropic 端点
		"deepseek":   dualProtocolAdapter{},
		"moonshot":   dualProtocolAdapter{},
		"minimax":    dualProtocolAdapter{},
		"ollama":     defaultAdapter{},
		"jina":       defaultAdapter{},
		"openrouter": defaultAdapter{},
	}
	fallbackAdapter = defaultAdapter{}
)

// AdapterFor 按供应商类型取适配器
func AdapterFor(providerType string) Adapter {
	if a, ok := adapters[providerType]; ok {
		return a
	}
	return fallbackAdapter
}

// applyModelMap 命中 model_map 时改写 model 字段，其余情况保持原字节不变
func applyModelMap(body []byte, modelMap map[string]string) []byte {
	if len(modelMap) == 0 {
		return body
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(body, &data); err != nil {
		return body
	}
	raw, ok := data["model"]
	if !ok {
		return body
	}
	var modelName string
	if err := json.Unmarshal(raw, &modelName); err != nil {
		return body
	}
	mapped, ok := modelMap[modelName]
	if !ok {
		return body
	}
	encoded, err := json.Marshal(mapped)
	if err != nil {
		return body
	}
	data["model"] = encoded
	newBody, err := json.Marshal(data)
	if err != nil {
		return body
	}
	return newBody
}

func applyBearerAuth(h http.Header, apiKey, headerName string) {
	if apiKey == "" {
		return
	}
	if strings.EqualFold(headerName, "Authorization") {
		h.Set("Authorization", "Bearer "+apiKey)
		return
	}
	h.Set(headerName, apiKey)
}

// defaultAdapter OpenAI 兼容供应商的通用适配器
// Anthropic 入站时把请求翻译为 OpenAI 形态，响应再译回
type defaultAdapter struct{}

func (defaultAdapter) MapPath(p Protocol, _ string, path string) string {
	if p == ProtocolAnthropic {
		return "v1/chat/completions"
	}
	return path
}

func (defaultAdapter) MapQuery(_ Protocol, query string) string {
	return query
}

func (defaultAdapter) TransformBody(p Protocol, body []byte, modelMap map[string]string) []byte {
	if p == ProtocolAnthropic {
		return applyModelMap(ConvertAnthropicRequestToOpenAI(body), modelMap)
	}
	return applyModelMap(body, modelMap)
}

func (defaultAdapter) ApplyAuth(_ Protocol, h http.Header, apiKey, _ string) {
	applyBearerAuth(h, apiKey, "Authorization")
}

func (defaultAdapter) ConvertsResponse(p Protocol) bool {
	return p == ProtocolAnthropic
}

// openAIAdapter OpenAI 官方
type openAIAdapter struct{}

func (openAIAdapter) MapPath(_ Protocol, _ string, path string) string {
	return path
}

func (openAIAdapter) MapQuery(_ Protocol, query string) string {
	return query
}

func (openAIAdapter) TransformBody(_ Protocol, body []byte, modelMap map[string]string) []byte {
	return applyModelMap(body, modelMap)
}

func (openAIAdapter) ApplyAuth(_ Protocol, h http.Header, apiKey, _ string) {
	applyBearerAuth(h, apiKey, "Authorization")
}

func (openAIAdapter) ConvertsResponse(Protocol) bool {
	return false
}

// anthropicAdapter Anthropic 官方
type anthropicAdapter struct{}

func (anthropicAdapter) MapPath(_ Protocol, _ string, path string) string {
	return path
}

func (anthropicAdapter) MapQuery(_ Protocol, query string) string {
	return query
}

func (anthropicAdapter) TransformBody(_ Protocol, body []byte, modelMap map[string]string) []byte {
	return applyModelMap(body, modelMap)
}

func (anthropicAdapter) ApplyAuth(_ Protocol, h http.Header, apiKey, _ string) {
	applyBearerAuth(h, apiKey, "x-api-key")
	if h.Get("anthropic-version") == "" {
		h.Set("anthropic-version", "2023-06-01")
	}
}

func (anthropicAdapter) ConvertsResponse(Protocol) bool {
	return false
}

// geminiAdapter Google Gemini（OpenAI 兼容端点）
type geminiAdapter struct{}

func (geminiAdapter) MapPath(p Protocol, _ string, path string) string {
	if p == ProtocolAnthropic {
		return "v1/chat/completions"
	}
	return path
}

func (geminiAdapter) MapQuery(p Protocol, query string) string {
	if p == ProtocolAnthropic {
		// Gemini 不识别 Anthropic 端的 beta=true 等查询参数
		return ""
	}
	return query
}

func (geminiAdapter) TransformBody(p Protocol, body []byte, modelMap map[string]string) []byte {
	if p == ProtocolAnthropic {
		return applyModelMap(ConvertAnthropicRequestToOpenAI(body), modelMap)
	}
	return applyModelMap(body, modelMap)
}

func (geminiAdapter) ApplyAuth(_ Protocol, h http.Header, apiKey, baseURL string) {
	// 走 OpenAI 桥接端点时用 Bearer，原生端点用 x-goog-api-key
	if strings.Contains(baseURL, "/openai") {
		applyBearerAuth(h, apiKey, "Authorization")
	} else {
		applyBearerAuth(h, apiKey, "x-goog-api-key")
	}
}

func (geminiAdapter) ConvertsResponse(p Protocol) bool {
	return p == ProtocolAnthropic
}

// dualProtocolAdapter 同时原生支持两种协议的供应商
// 按入站协议在 /v1 与 /anthropic 端点之间切换
type dualProtocolAdapter struct{}

func (dualProtocolAdapter) resolveBase(p Protocol, baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if p == ProtocolAnthropic {
		if strings.HasSuffix(base, "/v1") {
			return strings.TrimSuffix(base, "/v1") + "/anthropic"
		}
		if !strings.HasSuffix(base, "/anthropic") {
			return base + "/anthropic"
		}
		return base
	}
	if strings.HasSuffix(base, "/anthropic") {
		return strings.TrimSuffix(base, "/anthropic") + "/v1"
	}
	return base
}

func (d dualProtocolAdapter) MapPath(p Protocol, baseURL, path string) string {
	target := d.resolveBase(p, baseURL)
	if target == strings.TrimRight(baseURL, "/") {
		return path
	}
	// 端点被切换时返回绝对 URL 覆盖原 base
	if strings.HasSuffix(target, "/v1") && strings.HasPrefix(path, "v1/") {
		path = path[3:]
	}
	return joinURL(target, path)
}

func (dualProtocolAdapter) MapQuery(_ Protocol, query string) string {
	return query
}

func (dualProtocolAdapter) TransformBody(_ Protocol, body []byte, modelMap map[string]string) []byte {
	return applyModelMap(body, modelMap)
}

func (dualProtocolAdapter) ApplyAuth(p Protocol, h http.Header, apiKey, _ string) {
	if p == ProtocolAnthropic {
		applyBearerAuth(h, apiKey, "x-api-key")
		if h.Get("anthropic-version") == "" {
			h.Set("anthropic-version", "2023-06-01")
		}
		return
	}
	applyBearerAuth(h, apiKey, "Authorization")
}

func (dualProtocolAdapter) ConvertsResponse(Protocol) bool {
	return false
}
