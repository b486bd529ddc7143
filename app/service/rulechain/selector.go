package rulechain

import (
	"errors"
	"math/rand"
	"strings"

	"github.com/cregis-dev/apex/app/appconfig"
)

// ErrNoRoute 模型未命中任何规则
var ErrNoRoute = errors.New("no route for model")

// Select 按模型名选择规则，首条命中生效
// 结果（含未命中）进入路由缓存；并发写同 key 幂等，后写胜出
func (r *Router) Select(model string) (*Rule, error) {
	if idx, ok := r.cache.Get(model); ok {
		if idx == cacheMiss {
			return nil, ErrNoRoute
		}
		return r.Rules[idx], nil
	}

	for _, rule := range r.Rules {
		if rule.Matches(model) {
			r.cache.Add(model, rule.Index)
			return rule, nil
		}
	}

	r.cache.Add(model, cacheMiss)
	return nil, ErrNoRoute
}

// CatchAll 第一条兜底规则，无模型可解析的请求落到这里
func (r *Router) CatchAll() *Rule {
	for _, rule := range r.Rules {
		if rule.IsCatchAll() {
			return rule
		}
	}
	return nil
}

// CacheLen 当前缓存条目数（内部状态接口用）
func (r *Router) CacheLen() int {
	return r.cache.Len()
}

// LiteralModels 规则链中可枚举的模型名（不含通配模式）
func (r *Router) LiteralModels() []string {
	var models []string
	for _, rule := range r.Rules {
		for _, m := range rule.Patterns {
			if m.exact != "" && !strings.ContainsAny(m.Raw, "*?[{") {
				models = append(models, m.Raw)
			}
		}
	}
	return models
}

// Order 返回本次请求的通道尝试顺序
// 首选由策略决定，其余按声明顺序排列，保证故障转移顺序确定
func (r *Rule) Order() []appconfig.TargetChannel {
	n := len(r.Channels)
	if n == 1 {
		return r.Channels
	}
	first := r.pickIndex()
	out := make([]appconfig.TargetChannel, 0, n)
	out = append(out, r.Channels[first])
	for i := range r.Channels {
		if i != first {
			out = append(out, r.Channels[i])
		}
	}
	return out
}

// pickIndex 选出首选通道下标
func (r *Rule) pickIndex() int {
	switch r.Strategy {
	case appconfig.StrategyPriority:
		// 始终按声明顺序，权重忽略
		return 0
	case appconfig.StrategyRandom:
		return rand.Intn(len(r.Channels))
	default:
		// 加权轮询：计数器每次初选恰好推进一次
		// 命中累计权重区间包含 counter mod totalWeight 的通道
		counter := r.counter.Add(1)
		target := int((counter - 1) % uint64(r.totalWeight))
		current := 0
		for i, ch := range r.Channels {
			w := ch.Weight
			if w < 1 {
				w = 1
			}
			current += w
			if target < current {
				return i
			}
		}
		return 0
	}
}
