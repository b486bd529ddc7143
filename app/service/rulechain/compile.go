package rulechain

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cregis-dev/apex/app/appconfig"
	"github.com/gobwas/glob"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// 路由缓存：按模型名缓存命中的规则下标
	cacheSize = 10000
	cacheTTL  = time.Hour
	cacheMiss = -1
)

// Matcher 预编译的模型匹配器
// * 匹配任意一段非 / 字符，? 匹配单个字符，字面量忽略大小写
type Matcher struct {
	Raw      string
	catchAll bool
	exact    string // 无通配符时走等值快路径
	g        glob.Glob
}

func compilePattern(p string) (Matcher, error) {
	m := Matcher{Raw: p}
	if p == "*" {
		m.catchAll = true
		return m, nil
	}
	if !strings.ContainsAny(p, "*?[{") {
		m.exact = strings.ToLower(p)
		return m, nil
	}
	g, err := glob.Compile(strings.ToLower(p), '/')
	if err != nil {
		return m, fmt.Errorf("invalid pattern %q: %w", p, err)
	}
	m.g = g
	return m, nil
}

// Match 模型名是否命中本模式
func (m *Matcher) Match(model string) bool {
	if m.catchAll {
		return true
	}
	lower := strings.ToLower(model)
	if m.exact != "" {
		return m.exact == lower
	}
	return m.g.Match(lower)
}

// IsCatchAll 是否为兜底模式
func (m *Matcher) IsCatchAll() bool {
	return m.catchAll
}

// NewMatcher 编译单个模式，团队策略的 allowed_models 也用它
func NewMatcher(p string) (*Matcher, error) {
	m, err := compilePattern(p)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Rule 编译后的路由规则
type Rule struct {
	Index    int
	Patterns []*Matcher
	Strategy string
	Channels []appconfig.TargetChannel

	totalWeight int
	counter     atomic.Uint64 // 加权轮询单调计数器，每次初选恰好推进一次
}

// Matches 模型名命中任一模式即生效
func (r *Rule) Matches(model string) bool {
	for _, m := range r.Patterns {
		if m.Match(model) {
			return true
		}
	}
	return false
}

// IsCatchAll 规则含兜底模式
func (r *Rule) IsCatchAll() bool {
	for _, m := range r.Patterns {
		if m.catchAll {
			return true
		}
	}
	return false
}

// Router 编译后的路由器：规则链 + 路由缓存
// 配置快照替换时整体丢弃重建，缓存不做定点失效
type Router struct {
	Name  string
	VKey  string
	Rules []*Rule

	cache *expirable.LRU[string, int]
}

// Compile 把原始路由器归一为规则链并预编译模式
// channelNames 用于引用完整性校验
func Compile(rc *appconfig.Router, channelNames map[string]struct{}) (*Router, error) {
	rules := migrate(rc)
	if len(rules) == 0 {
		return nil, fmt.Errorf("router %q: no rules and no channels configured", rc.Name)
	}

	compiled := &Router{
		Name:  rc.Name,
		VKey:  rc.VKey,
		cache: expirable.NewLRU[string, int](cacheSize, nil, cacheTTL),
	}

	for i, raw := range rules {
		if len(raw.Channels) == 0 {
			return nil, fmt.Errorf("router %q: rule %d: empty channel list", rc.Name, i)
		}
		rule := &Rule{
			Index:    i,
			Strategy: raw.Strategy,
			Channels: raw.Channels,
		}
		if rule.Strategy == "" {
			rule.Strategy = appconfig.StrategyRoundRobin
		}
		patterns := raw.Match.Patterns()
		if len(patterns) == 0 {
			return nil, fmt.Errorf("router %q: rule %d: empty match patterns", rc.Name, i)
		}
		for _, p := range patterns {
			m, err := compilePattern(p)
			if err != nil {
				return nil, fmt.Errorf("router %q: rule %d: %w", rc.Name, i, err)
			}
			rule.Patterns = append(rule.Patterns, &m)
		}
		for _, tc := range rule.Channels {
			if _, ok := channelNames[tc.Name]; !ok {
				return nil, fmt.Errorf("router %q: rule %d: unknown channel %q", rc.Name, i, tc.Name)
			}
			w := tc.Weight
			if w < 1 {
				w = 1
			}
			rule.totalWeight += w
		}
		compiled.Rules = append(compiled.Rules, rule)
	}

	return compiled, nil
}

// migrate 把旧版配置形态归一为规则链，规则链已存在时原样使用
func migrate(rc *appconfig.Router) []appconfig.RouterRule {
	if len(rc.Rules) > 0 {
		return rc.Rules
	}

	var rules []appconfig.RouterRule

	// 旧版形态二：metadata.model_matcher 逐项转为单通道规则
	if rc.Metadata != nil && len(rc.Metadata.ModelMatcher) > 0 {
		patterns := make([]string, 0, len(rc.Metadata.ModelMatcher))
		for p := range rc.Metadata.ModelMatcher {
			patterns = append(patterns, p)
		}
		sort.Strings(patterns)
		for _, p := range patterns {
			rules = append(rules, appconfig.RouterRule{
				Match:    appconfig.MatchSpec{Models: []string{p}},
				Channels: []appconfig.TargetChannel{{Name: rc.Metadata.ModelMatcher[p], Weight: 1}},
				Strategy: appconfig.StrategyPriority,
			})
		}
	}

	// 旧版形态一：channel + fallback_channels 转为单条兜底 priority 规则
	if rc.Channel != "" {
		channels := []appconfig.TargetChannel{{Name: rc.Channel, Weight: 1}}
		for _, fb := range rc.FallbackChannels {
			channels = append(channels, appconfig.TargetChannel{Name: fb, Weight: 1})
		}
		rules = append(rules, appconfig.RouterRule{
			Match:    appconfig.MatchSpec{Models: []string{"*"}},
			Channels: channels,
			Strategy: appconfig.StrategyPriority,
		})
		return rules
	}

	// 旧版顶层 channels 转为兜底规则，沿用路由器默认策略
	if len(rc.Channels) > 0 {
		channels := append([]appconfig.TargetChannel(nil), rc.Channels...)
		for _, fb := range rc.FallbackChannels {
			dup := false
			for _, existing := range channels {
				if existing.Name == fb {
					dup = true
					break
				}
			}
			if !dup {
				channels = append(channels, appconfig.TargetChannel{Name: fb, Weight: 1})
			}
		}
		rules = append(rules, appconfig.RouterRule{
			Match:    appconfig.MatchSpec{Models: []string{"*"}},
			Channels: channels,
			Strategy: rc.Strategy,
		})
	}

	return rules
}
