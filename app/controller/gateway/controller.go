package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/cregis-dev/apex/app/helper/log_helper"
	"github.com/cregis-dev/apex/app/helper/metric_helper"
	"github.com/cregis-dev/apex/app/helper/response_helper"
	"github.com/cregis-dev/apex/app/middleware"
	"github.com/cregis-dev/apex/app/model"
	"github.com/cregis-dev/apex/app/service/forward"
	"github.com/cregis-dev/apex/app/service/provider"
	"github.com/cregis-dev/apex/app/service/ratelimit"
	"github.com/cregis-dev/apex/app/service/rulechain"
	"github.com/cregis-dev/apex/app/service/store"
	"github.com/cregis-dev/apex/app/service/usage"
	"github.com/gin-gonic/gin"
)

// 请求体读取上限
const maxBodyBytes = 10 << 20

// Controller 网关入口控制器
type Controller struct {
	store       *store.Store
	usageLogger *usage.Logger
}

// NewController 创建控制器
func NewController(s *store.Store, ul *usage.Logger) *Controller {
	return &Controller{store: s, usageLogger: ul}
}

// ChatCompletions 处理 /v1/chat/completions（OpenAI 协议）
func (ctl *Controller) ChatCompletions(c *gin.Context) {
	ctl.handle(c, provider.ProtocolOpenAI)
}

// Completions 处理 /v1/completions
func (ctl *Controller) Completions(c *gin.Context) {
	ctl.handle(c, provider.ProtocolOpenAI)
}

// Embeddings 处理 /v1/embeddings
func (ctl *Controller) Embeddings(c *gin.Context) {
	ctl.handle(c, provider.ProtocolOpenAI)
}

// Messages 处理 /v1/messages（Anthropic 协议）
func (ctl *Controller) Messages(c *gin.Context) {
	ctl.handle(c, provider.ProtocolAnthropic)
}

// handle 请求主流程：认证 → 策略 → 路由解析 → 限流 → 转发
func (ctl *Controller) handle(c *gin.Context, protocol provider.Protocol) {
	snap := ctl.store.Current()
	reqID := requestID(c)

	body, ok := readBody(c, protocol)
	if !ok {
		return
	}

	// 解析 model 字段用于路由；非 JSON 或缺失时落到兜底规则
	modelName := extractModel(body)

	team := getTeam(c)
	credential, _ := c.Get(middleware.CtxCredential)
	credStr, _ := credential.(string)

	var router *rulechain.Router
	var rule *rulechain.Rule

	if team != nil {
		// 团队流量：先模型策略，再在允许的路由器里解析
		if modelName != "" && !team.ModelAllowed(modelName) {
			log_helper.Warning(fmt.Sprintf("[%s] policy denied: model %q not allowed for team %s", reqID, modelName, team.Cfg.ID))
			respondError(c, protocol, http.StatusForbidden, "permission_error", "model not allowed by team policy")
			return
		}
		if len(team.Cfg.Policy.AllowedRouters) == 0 {
			respondError(c, protocol, http.StatusForbidden, "permission_error", "no allowed routers configured for team")
			return
		}
		router, rule = resolveForTeam(snap, team, modelName)
		if router == nil {
			if modelName == "" {
				respondError(c, protocol, http.StatusBadRequest, "invalid_request_error", "request has no model and no catch-all rule matches")
				return
			}
			log_helper.Warning(fmt.Sprintf("[%s] no matching router for model %q in allowed routers", reqID, modelName))
			respondError(c, protocol, http.StatusNotFound, "not_found_error", "no matching router found for model in allowed routers")
			return
		}
	} else if vkeyRouter := snap.LookupVKeyRouter(credStr); vkeyRouter != nil {
		// 旧版路由器凭据：绕过团队策略
		router = vkeyRouter
		rule = resolveRule(router, modelName)
		if rule == nil {
			respondNoRoute(c, protocol, modelName)
			return
		}
	} else {
		// 全局认证流量
		if snap.Config.Global.Auth.Mode == "api_key" && len(snap.Config.Global.Auth.Keys) > 0 {
			if !snap.GlobalKeyValid(credStr) {
				log_helper.Warning(fmt.Sprintf("[%s] auth failed: no valid credential", reqID))
				response_helper.Unauthorized(c)
				return
			}
		}
		for _, r := range snap.Routers {
			if got := resolveRule(r, modelName); got != nil {
				router, rule = r, got
				break
			}
		}
		if router == nil {
			respondNoRoute(c, protocol, modelName)
			return
		}
	}

	log_helper.Info(fmt.Sprintf("[%s] router resolved: %s (model=%s)", reqID, router.Name, modelName))

	// 团队限流：rpm 扣 1，tpm 扣估算值，流结束后按 usage 对账
	estTokens := ratelimit.EstimateTokens(body)
	if team != nil {
		if allowed, wait := snap.Limiter.Allow(team.Cfg, estTokens); !allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			log_helper.Warning(fmt.Sprintf("[%s] rate limit exceeded: team %s", reqID, team.Cfg.ID))
			respondError(c, protocol, http.StatusTooManyRequests, "rate_limit_error", "rate limit exceeded")
			return
		}
	}

	metric_helper.RequestTotal.WithLabelValues(protocol.Label(), router.Name).Inc()

	forward.Do(&forward.Request{
		GinCtx:          c,
		Snap:            snap,
		Router:          router,
		Rule:            rule,
		Protocol:        protocol,
		Path:            c.Request.URL.Path,
		Query:           c.Request.URL.RawQuery,
		Body:            body,
		Model:           modelName,
		RequestID:       reqID,
		Team:            team,
		EstimatedTokens: estTokens,
		UsageLogger:     ctl.usageLogger,
	})
}

// Models 处理 /v1/models：规则字面量模型与 model_map 键的并集
func (ctl *Controller) Models(c *gin.Context) {
	snap := ctl.store.Current()

	team := getTeam(c)
	if team == nil && snap.Config.Global.Auth.Mode == "api_key" && len(snap.Config.Global.Auth.Keys) > 0 {
		credential, _ := c.Get(middleware.CtxCredential)
		credStr, _ := credential.(string)
		if !snap.GlobalKeyValid(credStr) && snap.LookupVKeyRouter(credStr) == nil {
			response_helper.Unauthorized(c)
			return
		}
	}

	models := snap.AllModels()
	response := model.ModelsResponse{
		Object: "list",
		Data:   make([]model.ModelInfo, 0, len(models)),
	}
	created := model.GetCreatedTimestamp()
	for _, m := range models {
		response.Data = append(response.Data, model.ModelInfo{
			ID:      m,
			Object:  "model",
			Created: created,
			OwnedBy: "organization-owner",
		})
	}
	c.JSON(http.StatusOK, response)
}

// Proxy 处理 /proxy/:router/*rest 透传模式
// 绕过模型路由，固定使用路由器第一条规则的通道
func (ctl *Controller) Proxy(c *gin.Context) {
	snap := ctl.store.Current()
	reqID := requestID(c)

	routerName := c.Param("router")
	router, ok := snap.RouterIdx[routerName]
	if !ok {
		respondError(c, provider.ProtocolOpenAI, http.StatusNotFound, "not_found_error", "router not found: "+routerName)
		return
	}

	rest := c.Param("rest")
	protocol := provider.ProtocolOpenAI
	if strings.HasSuffix(rest, "/messages") {
		protocol = provider.ProtocolAnthropic
	}

	team := getTeam(c)
	if team != nil && !team.RouterAllowed(routerName) {
		respondError(c, protocol, http.StatusForbidden, "permission_error", "router not allowed by team policy")
		return
	}

	body, ok := readBody(c, protocol)
	if !ok {
		return
	}

	estTokens := ratelimit.EstimateTokens(body)
	if team != nil {
		if allowed, wait := snap.Limiter.Allow(team.Cfg, estTokens); !allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			respondError(c, protocol, http.StatusTooManyRequests, "rate_limit_error", "rate limit exceeded")
			return
		}
	}

	rule := router.Rules[0]
	metric_helper.RequestTotal.WithLabelValues(protocol.Label(), router.Name).Inc()

	forward.Do(&forward.Request{
		GinCtx:          c,
		Snap:            snap,
		Router:          router,
		Rule:            rule,
		Protocol:        protocol,
		Path:            rest,
		Query:           c.Request.URL.RawQuery,
		Body:            body,
		Model:           extractModel(body),
		RequestID:       reqID,
		Team:            team,
		EstimatedTokens: estTokens,
		UsageLogger:     ctl.usageLogger,
	})
}

// Stats 内部状态接口（用于监控）
func (ctl *Controller) Stats(c *gin.Context) {
	snap := ctl.store.Current()
	routers := make([]gin.H, 0, len(snap.Routers))
	for _, r := range snap.Routers {
		routers = append(routers, gin.H{
			"name":       r.Name,
			"rules":      len(r.Rules),
			"cache_size": r.CacheLen(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"loaded_at": snap.LoadedAt,
		"channels":  len(snap.Config.Channels),
		"teams":     len(snap.Config.Teams),
		"routers":   routers,
	})
}

// resolveForTeam 按 allowed_routers 声明顺序取第一个能解析该模型的路由器
// 字面量 * 展开为快照内全部路由器
func resolveForTeam(snap *store.Snapshot, team *store.Team, modelName string) (*rulechain.Router, *rulechain.Rule) {
	for _, name := range team.Cfg.Policy.AllowedRouters {
		if name == "*" {
			for _, r := range snap.Routers {
				if rule := resolveRule(r, modelName); rule != nil {
					return r, rule
				}
			}
			continue
		}
		if r, ok := snap.RouterIdx[name]; ok {
			if rule := resolveRule(r, modelName); rule != nil {
				return r, rule
			}
		}
	}
	return nil, nil
}

// resolveRule model 缺失时跳过模型匹配，直接落到兜底规则
func resolveRule(r *rulechain.Router, modelName string) *rulechain.Rule {
	if modelName == "" {
		return r.CatchAll()
	}
	rule, err := r.Select(modelName)
	if err != nil {
		return nil
	}
	return rule
}

func respondNoRoute(c *gin.Context, protocol provider.Protocol, modelName string) {
	if modelName == "" {
		respondError(c, protocol, http.StatusBadRequest, "invalid_request_error", "request has no model and no catch-all rule matches")
		return
	}
	respondError(c, protocol, http.StatusNotFound, "not_found_error", "no route for model: "+modelName)
}

func respondError(c *gin.Context, protocol provider.Protocol, status int, errType, message string) {
	if protocol == provider.ProtocolAnthropic {
		c.AbortWithStatusJSON(status, model.NewAnthropicError(message, errType))
		return
	}
	c.AbortWithStatusJSON(status, model.NewOpenAIError(message, errType, nil))
}

func readBody(c *gin.Context, protocol provider.Protocol) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		respondError(c, protocol, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return nil, false
	}
	return body, true
}

func extractModel(body []byte) string {
	var req model.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return ""
	}
	return req.Model
}

func getTeam(c *gin.Context) *store.Team {
	if v, ok := c.Get(middleware.CtxTeam); ok {
		if team, ok := v.(*store.Team); ok {
			return team
		}
	}
	return nil
}

func requestID(c *gin.Context) string {
	if v, ok := c.Get(middleware.CtxRequestID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
