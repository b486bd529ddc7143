package provider

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cregis-dev/apex/app/appconfig"
)

// 配置了 model_map 时请求体必须整体缓冲以便改写，超出上限返回 413
const MaxRewriteBody = 1 << 20

// ErrBodyTooLarge 请求体超出改写缓冲上限
var ErrBodyTooLarge = errors.New("request body exceeds rewrite buffer")

// Prepared 面向指定通道改写完成的上游请求
type Prepared struct {
	URL     string
	Header  http.Header
	Body    []byte
	Adapter Adapter
}

// PrepareRequest 为通道改写 URL、请求头和请求体
// Anthropic 入站且通道配置了 anthropic_base_url 时切换到该端点
func PrepareRequest(ch *appconfig.Channel, p Protocol, path, query string, inHeaders http.Header, body []byte) (*Prepared, error) {
	base := ch.BaseURL
	if p == ProtocolAnthropic && ch.AnthropicBaseURL != "" {
		base = ch.AnthropicBaseURL
	}

	adapter := AdapterFor(ch.ProviderType)

	normalized := canonicalPath(strings.TrimPrefix(path, "/"))
	mappedPath := adapter.MapPath(p, base, normalized)
	mappedQuery := adapter.MapQuery(p, query)

	var target string
	if strings.HasPrefix(mappedPath, "http://") || strings.HasPrefix(mappedPath, "https://") {
		// 适配器已经切换了端点，直接使用绝对 URL
		target = mappedPath
		if mappedQuery != "" {
			target += "?" + mappedQuery
		}
	} else {
		u, err := buildURL(base, mappedPath, mappedQuery)
		if err != nil {
			return nil, fmt.Errorf("build upstream url: %w", err)
		}
		target = u
	}

	if len(ch.ModelMap) > 0 && len(body) > MaxRewriteBody {
		return nil, ErrBodyTooLarge
	}
	newBody := adapter.TransformBody(p, body, ch.ModelMap)

	headers := buildHeaders(inHeaders, ch)
	adapter.ApplyAuth(p, headers, ch.APIKey, base)

	return &Prepared{
		URL:     target,
		Header:  headers,
		Body:    newBody,
		Adapter: adapter,
	}, nil
}

// canonicalPath 客户端省略 /v1 前缀时补全为供应商惯用路径
func canonicalPath(path string) string {
	switch path {
	case "chat/completions", "completions", "embeddings", "models", "messages":
		return "v1/" + path
	}
	return path
}

// buildURL 拼接 base 与路径，base 已含 /v1 且路径又以 v1/ 开头时去重
func buildURL(base, path, query string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid base url %q", base)
	}
	if strings.HasSuffix(strings.TrimRight(u.Path, "/"), "/v1") && strings.HasPrefix(path, "v1/") {
		path = path[3:]
	}
	joined := joinURL(u.String(), path)
	if query != "" {
		joined += "?" + query
	}
	return joined, nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimPrefix(path, "/")
}

// buildHeaders 过滤逐跳与网关凭据头，再追加通道自定义头
func buildHeaders(in http.Header, ch *appconfig.Channel) http.Header {
	out := make(http.Header, len(in))
	for name, values := range in {
		if !shouldForwardHeader(name) {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	for k, v := range ch.Headers {
		out.Set(k, v)
	}
	return out
}

func shouldForwardHeader(name string) bool {
	lower := strings.ToLower(name)
	switch lower {
	case "host", "content-length", "x-api-key", "authorization", "accept-encoding", "transfer-encoding":
		return false
	}
	if strings.HasPrefix(lower, "anthropic-") || strings.HasPrefix(lower, "x-stainless-") {
		return false
	}
	return true
}

// CopyResponseHeaders 回传上游响应头，剥除长度与传输编码
func CopyResponseHeaders(dst http.Header, src http.Header) {
	for name, values := range src {
		lower := strings.ToLower(name)
		if lower == "transfer-encoding" || lower == "content-length" {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
