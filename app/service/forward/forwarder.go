package forward

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cregis-dev/apex/app/appconfig"
	"github.com/cregis-dev/apex/app/helper/log_helper"
	"github.com/cregis-dev/apex/app/helper/metric_helper"
	"github.com/cregis-dev/apex/app/model"
	"github.com/cregis-dev/apex/app/service/provider"
	"github.com/cregis-dev/apex/app/service/rulechain"
	"github.com/cregis-dev/apex/app/service/store"
	"github.com/cregis-dev/apex/app/service/usage"
	"github.com/gin-gonic/gin"
)

// 失败响应体透传上限
const maxErrorBody = 1 << 20

// 非转换路径下为 TPM 对账缓存的响应片段上限
const maxUsageBuffer = 1 << 20

// Request 一次已完成路由决策的转发任务
type Request struct {
	GinCtx    *gin.Context
	Snap      *store.Snapshot
	Router    *rulechain.Router
	Rule      *rulechain.Rule
	Protocol  provider.Protocol
	Path      string
	Query     string
	Body      []byte
	Model     string
	RequestID string

	// 团队流量时非空，用于 TPM 对账
	Team            *store.Team
	EstimatedTokens int

	UsageLogger *usage.Logger
}

// Do 执行重试 / 故障转移状态机并把上游响应流回客户端
//
// 每个候选通道最多尝试 max_attempts 次（固定退避）；
// retry_on_status 命中或传输错误触发同通道重试，
// 非 408/429 的 4xx 立即透传，其余状态直接切换下一通道。
// 一旦首个响应分块写出就不再故障转移。
func Do(fr *Request) {
	c := fr.GinCtx
	cfg := fr.Snap.Config
	retries := cfg.Global.Retries
	routeLabel := fr.Protocol.Label()
	order := fr.Rule.Order()

	var lastStatus int
	var lastBody []byte
	var lastHeader http.Header

	for idx, target := range order {
		ch, ok := fr.Snap.Channels[target.Name]
		if !ok {
			// 编译期校验保证引用完整，这里只是防御日志
			log_helper.Error(fmt.Sprintf("[%s] channel %q missing from snapshot", fr.RequestID, target.Name))
			continue
		}

		if idx > 0 {
			log_helper.Warning(fmt.Sprintf("[%s] fallback: %s -> %s", fr.RequestID, order[idx-1].Name, target.Name))
			metric_helper.FallbackTotal.WithLabelValues(fr.Router.Name, order[idx-1].Name).Inc()
		}

		prepared, err := provider.PrepareRequest(ch.Cfg, fr.Protocol, fr.Path, fr.Query, c.Request.Header, fr.Body)
		if err == provider.ErrBodyTooLarge {
			respondError(fr, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body too large for model rewrite")
			return
		}
		if err != nil {
			respondError(fr, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}

		timeouts := cfg.EffectiveTimeouts(ch.Cfg)

		for attempt := 1; attempt <= retries.MaxAttempts; attempt++ {
			ctx, cancel := context.WithCancel(c.Request.Context())

			upstreamReq, err := http.NewRequestWithContext(ctx, c.Request.Method, prepared.URL, bytes.NewReader(prepared.Body))
			if err != nil {
				cancel()
				respondError(fr, http.StatusInternalServerError, "api_error", err.Error())
				return
			}
			upstreamReq.Header = prepared.Header.Clone()

			log_helper.Info(fmt.Sprintf("[%s] upstream request: %s %s attempt=%d/%d",
				fr.RequestID, upstreamReq.Method, prepared.URL, attempt, retries.MaxAttempts))

			start := time.Now()
			resp, err := ch.Client.Do(upstreamReq)
			elapsed := float64(time.Since(start).Milliseconds())
			metric_helper.UpstreamLatencyMs.WithLabelValues(routeLabel, fr.Router.Name, target.Name).Observe(elapsed)

			if err != nil {
				cancel()
				if c.Request.Context().Err() != nil {
					// 客户端断开：取消上游，不再继续
					log_helper.Warning(fmt.Sprintf("[%s] client closed while contacting %s", fr.RequestID, target.Name))
					metric_helper.ErrorTotal.WithLabelValues(routeLabel, fr.Router.Name, "client_closed").Inc()
					c.Abort()
					return
				}
				log_helper.Warning(fmt.Sprintf("[%s] upstream error on %s: %v", fr.RequestID, target.Name, err))
				lastStatus = http.StatusBadGateway
				if isTimeout(err) {
					lastStatus = http.StatusGatewayTimeout
				}
				lastBody = nil
				lastHeader = nil
				// 传输 / 超时错误始终可重试
				if attempt < retries.MaxAttempts {
					time.Sleep(time.Duration(retries.BackoffMs) * time.Millisecond)
					continue
				}
				break
			}

			status := resp.StatusCode
			if status >= 200 && status < 300 {
				log_helper.Info(fmt.Sprintf("[%s] upstream success: %d (%.0fms) channel=%s", fr.RequestID, status, elapsed, target.Name))
				streamResponse(fr, prepared, resp, timeouts, cancel, target.Name)
				return
			}

			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			cancel()
			lastStatus, lastBody, lastHeader = status, body, resp.Header
			log_helper.Warning(fmt.Sprintf("[%s] upstream failed: %d (%.0fms) channel=%s", fr.RequestID, status, elapsed, target.Name))

			if statusIn(retries.RetryOnStatus, status) {
				if attempt < retries.MaxAttempts {
					log_helper.Warning(fmt.Sprintf("[%s] retry attempt=%d/%d status=%d", fr.RequestID, attempt, retries.MaxAttempts, status))
					time.Sleep(time.Duration(retries.BackoffMs) * time.Millisecond)
					continue
				}
				break
			}

			if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
				// 客户端错误：立即透传，不故障转移
				metric_helper.ErrorTotal.WithLabelValues(routeLabel, fr.Router.Name, strconv.Itoa(status)).Inc()
				respondUpstream(fr, prepared.Adapter, resp.Header, status, body)
				return
			}

			// 其余状态不在重试名单内：直接切换下一通道
			break
		}
	}

	// 所有通道耗尽
	status := lastStatus
	if status == 0 {
		status = http.StatusBadGateway
	}
	log_helper.Error(fmt.Sprintf("[%s] fallback_exhausted: router=%s model=%s status=%d", fr.RequestID, fr.Router.Name, fr.Model, status))
	metric_helper.ErrorTotal.WithLabelValues(routeLabel, fr.Router.Name, strconv.Itoa(status)).Inc()

	if lastBody != nil {
		adapter := provider.AdapterFor("openai")
		if len(order) > 0 {
			if ch, ok := fr.Snap.Channels[order[len(order)-1].Name]; ok {
				adapter = provider.AdapterFor(ch.Cfg.ProviderType)
			}
		}
		respondUpstream(fr, adapter, lastHeader, status, lastBody)
		return
	}
	if status == http.StatusGatewayTimeout {
		respondError(fr, status, "upstream_error", "upstream timed out")
		return
	}
	respondError(fr, http.StatusBadGateway, "upstream_error", "all channels failed")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func statusIn(list []int, status int) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

// respondError 按入站协议返回网关错误
func respondError(fr *Request, status int, errType, message string) {
	if fr.Protocol == provider.ProtocolAnthropic {
		fr.GinCtx.AbortWithStatusJSON(status, model.NewAnthropicError(message, errType))
		return
	}
	fr.GinCtx.AbortWithStatusJSON(status, model.NewOpenAIError(message, errType, nil))
}

// respondUpstream 透传上游失败响应，需要时做协议转换
func respondUpstream(fr *Request, adapter provider.Adapter, header http.Header, status int, body []byte) {
	c := fr.GinCtx
	if adapter != nil && adapter.ConvertsResponse(fr.Protocol) {
		body = provider.ConvertOpenAIResponseToAnthropic(body)
		c.Data(status, "application/json", body)
		return
	}
	if header != nil {
		provider.CopyResponseHeaders(c.Writer.Header(), header)
	}
	contentType := "application/json"
	if header != nil && header.Get("Content-Type") != "" {
		contentType = header.Get("Content-Type")
	}
	c.Data(status, contentType, body)
}

// streamResponse 把上游响应逐块流回客户端
// response_ms 从这里开始计时，超时直接取消上游连接（流中错误即断开客户端）
func streamResponse(fr *Request, prepared *provider.Prepared, resp *http.Response, timeouts appconfig.Timeouts, cancelUpstream context.CancelFunc, channelName string) {
	c := fr.GinCtx
	defer resp.Body.Close()
	defer cancelUpstream()

	respTimer := time.AfterFunc(time.Duration(timeouts.ResponseMs)*time.Millisecond, cancelUpstream)
	defer respTimer.Stop()

	tracker := &usage.Tracker{
		Router:  fr.Router.Name,
		Channel: channelName,
		Model:   fr.Model,
	}
	defer func() {
		tracker.Flush(fr.UsageLogger)
		if fr.Team != nil {
			fr.Snap.Limiter.Reconcile(fr.Team.Cfg, int(tracker.Total()), fr.EstimatedTokens)
		}
	}()

	isSSE := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
	needsConv := prepared.Adapter.ConvertsResponse(fr.Protocol)

	switch {
	case needsConv && isSSE:
		streamConverted(fr, resp, tracker)
	case needsConv:
		// 非流式转换必须整体缓冲
		body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			log_helper.Warning(fmt.Sprintf("[%s] upstream body read failed: %v", fr.RequestID, err))
			c.Abort()
			return
		}
		tracker.ProcessJSON(body)
		c.Data(resp.StatusCode, "application/json", provider.ConvertOpenAIResponseToAnthropic(body))
	default:
		streamPassthrough(fr, resp, tracker, isSSE)
	}
}

// streamPassthrough 原样透传，分块转发不缓冲整个响应体
func streamPassthrough(fr *Request, resp *http.Response, tracker *usage.Tracker, isSSE bool) {
	c := fr.GinCtx
	provider.CopyResponseHeaders(c.Writer.Header(), resp.Header)
	c.Writer.WriteHeader(resp.StatusCode)

	var usageBuf bytes.Buffer
	reader := bufio.NewReader(resp.Body)
	buf := make([]byte, 32*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if isSSE {
				tracker.ProcessChunk(chunk)
			} else if usageBuf.Len() < maxUsageBuffer {
				usageBuf.Write(chunk)
			}
			if _, werr := c.Writer.Write(chunk); werr != nil {
				return
			}
			c.Writer.Flush()
		}
		if err != nil {
			if err != io.EOF {
				log_helper.Warning(fmt.Sprintf("[%s] stream interrupted: %v", fr.RequestID, err))
			}
			break
		}
	}
	if !isSSE && usageBuf.Len() > 0 {
		tracker.ProcessJSON(usageBuf.Bytes())
	}
}

// streamConverted Anthropic 客户端 + OpenAI 兼容上游：逐行转换 SSE 事件
func streamConverted(fr *Request, resp *http.Response, tracker *usage.Tracker) {
	c := fr.GinCtx
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	sc := &provider.StreamConverter{}
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			tracker.ProcessChunk(line)
			if out := sc.ConvertLine(line); out != nil {
				if _, werr := c.Writer.Write(out); werr != nil {
					return
				}
				c.Writer.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				log_helper.Warning(fmt.Sprintf("[%s] stream interrupted: %v", fr.RequestID, err))
			}
			return
		}
	}
}
