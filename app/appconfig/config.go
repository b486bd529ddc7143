package appconfig

// Apex 网关配置（JSON 文件，默认 ~/.apex/config.json）
// 热重载时整份配置会被重新解析、校验、编译后原子替换，不做原地修改
type Config struct {
	Version   string    `json:"version" mapstructure:"version"`
	Global    Global    `json:"global" mapstructure:"global"`
	Logging   Logging   `json:"logging" mapstructure:"logging"`
	Channels  []Channel `json:"channels" mapstructure:"channels" validate:"dive"`
	Routers   []Router  `json:"routers" mapstructure:"routers" validate:"dive"`
	Teams     []Team    `json:"teams" mapstructure:"teams" validate:"dive"`
	Metrics   Metrics   `json:"metrics" mapstructure:"metrics"`
	HotReload HotReload `json:"hot_reload" mapstructure:"hot_reload"`
}

// Global 全局配置
type Global struct {
	Listen   string   `json:"listen" mapstructure:"listen"`
	Auth     Auth     `json:"auth" mapstructure:"auth"`
	Timeouts Timeouts `json:"timeouts" mapstructure:"timeouts"`
	Retries  Retries  `json:"retries" mapstructure:"retries"`
}

// Auth 全局认证（mode: none / api_key）
type Auth struct {
	Mode string   `json:"mode" mapstructure:"mode" validate:"omitempty,oneof=none api_key"`
	Keys []string `json:"keys,omitempty" mapstructure:"keys"`
}

// Timeouts 超时配置（毫秒）
type Timeouts struct {
	ConnectMs  int `json:"connect_ms" mapstructure:"connect_ms"`
	RequestMs  int `json:"request_ms" mapstructure:"request_ms"`
	ResponseMs int `json:"response_ms" mapstructure:"response_ms"`
}

// Retries 重试配置
type Retries struct {
	MaxAttempts   int   `json:"max_attempts" mapstructure:"max_attempts"`
	BackoffMs     int   `json:"backoff_ms" mapstructure:"backoff_ms"`
	RetryOnStatus []int `json:"retry_on_status" mapstructure:"retry_on_status"`
}

// Logging 日志配置
type Logging struct {
	Level string `json:"level,omitempty" mapstructure:"level"`
	Dir   string `json:"dir,omitempty" mapstructure:"dir"`
}

// Channel 上游通道：一个供应商连接档案（URL + 凭据 + 请求头 + 超时）
type Channel struct {
	Name         string `json:"name" mapstructure:"name" validate:"required"`
	ProviderType string `json:"provider_type" mapstructure:"provider_type" validate:"required,oneof=openai anthropic gemini deepseek moonshot minimax ollama jina openrouter"`
	BaseURL      string `json:"base_url" mapstructure:"base_url" validate:"required,url"`
	APIKey       string `json:"api_key" mapstructure:"api_key"`
	// 设置后该通道同时暴露 Anthropic 协议端点（双协议通道）
	AnthropicBaseURL string            `json:"anthropic_base_url,omitempty" mapstructure:"anthropic_base_url" validate:"omitempty,url"`
	Headers          map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	ModelMap         map[string]string `json:"model_map,omitempty" mapstructure:"model_map"`
	Timeouts         *Timeouts         `json:"timeouts,omitempty" mapstructure:"timeouts"`
}

// Router 路由器：对外的逻辑端点，按规则链选择通道
type Router struct {
	Name string `json:"name" mapstructure:"name" validate:"required"`
	// 旧版路由器级凭据，绕过团队策略
	VKey string `json:"vkey,omitempty" mapstructure:"vkey"`

	// 新版统一规则链
	Rules []RouterRule `json:"rules,omitempty" mapstructure:"rules"`

	// 旧版字段，编译期迁移为 rules
	Channel          string          `json:"channel,omitempty" mapstructure:"channel"`
	Channels         []TargetChannel `json:"channels,omitempty" mapstructure:"channels"`
	Strategy         string          `json:"strategy,omitempty" mapstructure:"strategy"`
	Metadata         *RouterMetadata `json:"metadata,omitempty" mapstructure:"metadata"`
	FallbackChannels []string        `json:"fallback_channels,omitempty" mapstructure:"fallback_channels"`
}

// RouterRule 一条路由决策：(match, strategy, channels)，首条命中生效
type RouterRule struct {
	Match    MatchSpec       `json:"match" mapstructure:"match"`
	Channels []TargetChannel `json:"channels" mapstructure:"channels"`
	Strategy string          `json:"strategy,omitempty" mapstructure:"strategy"`
}

// MatchSpec 模型匹配：model（单个）或 models（多个），两者归一为模式集合
type MatchSpec struct {
	Model  string   `json:"model,omitempty" mapstructure:"model"`
	Models []string `json:"models,omitempty" mapstructure:"models"`
}

// Patterns 归一化后的模式列表
func (m MatchSpec) Patterns() []string {
	if m.Model != "" {
		return append([]string{m.Model}, m.Models...)
	}
	return m.Models
}

// TargetChannel 规则目标：通道名 + 负载均衡权重
type TargetChannel struct {
	Name   string `json:"name" mapstructure:"name"`
	Weight int    `json:"weight,omitempty" mapstructure:"weight"`
}

// RouterMetadata 旧版模型匹配表（pattern -> channel）
type RouterMetadata struct {
	ModelMatcher map[string]string `json:"model_matcher,omitempty" mapstructure:"model_matcher"`
}

// Team 团队租户
type Team struct {
	ID     string     `json:"id" mapstructure:"id" validate:"required"`
	APIKey string     `json:"api_key" mapstructure:"api_key" validate:"required"`
	Policy TeamPolicy `json:"policy" mapstructure:"policy"`
}

// TeamPolicy 团队访问策略
type TeamPolicy struct {
	// 允许的路由器名集合，字面量 * 表示全部
	AllowedRouters []string `json:"allowed_routers" mapstructure:"allowed_routers"`
	// 允许的模型 glob 集合，为空表示不限制
	AllowedModels []string `json:"allowed_models,omitempty" mapstructure:"allowed_models"`
	// 速率限制，0 或缺省表示不限制
	RateLimit *RateLimit `json:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimit 每分钟请求数 / token 数
type RateLimit struct {
	RPM int `json:"rpm,omitempty" mapstructure:"rpm"`
	TPM int `json:"tpm,omitempty" mapstructure:"tpm"`
}

// Metrics 指标暴露配置
type Metrics struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Listen  string `json:"listen" mapstructure:"listen"`
	Path    string `json:"path" mapstructure:"path"`
}

// HotReload 热重载配置
type HotReload struct {
	ConfigPath string `json:"config_path" mapstructure:"config_path"`
	Watch      bool   `json:"watch" mapstructure:"watch"`
}

const (
	DefaultListen      = "0.0.0.0:12356"
	DefaultMetricsPath = "/metrics"

	StrategyRoundRobin = "round_robin"
	StrategyPriority   = "priority"
	StrategyRandom     = "random"
)

// ApplyDefaults 填充缺省值，缺失的可选字段取文档默认
func (c *Config) ApplyDefaults() {
	if c.Version == "" {
		c.Version = "1"
	}
	if c.Global.Listen == "" {
		c.Global.Listen = DefaultListen
	}
	if c.Global.Auth.Mode == "" {
		c.Global.Auth.Mode = "none"
	}
	if c.Global.Timeouts.ConnectMs <= 0 {
		c.Global.Timeouts.ConnectMs = 2000
	}
	if c.Global.Timeouts.RequestMs <= 0 {
		c.Global.Timeouts.RequestMs = 30000
	}
	if c.Global.Timeouts.ResponseMs <= 0 {
		c.Global.Timeouts.ResponseMs = 30000
	}
	if c.Global.Retries.MaxAttempts < 1 {
		c.Global.Retries.MaxAttempts = 1
	}
	if c.Global.Retries.BackoffMs < 0 {
		c.Global.Retries.BackoffMs = 0
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	for i := range c.Routers {
		if c.Routers[i].Strategy == "" {
			c.Routers[i].Strategy = StrategyRoundRobin
		}
		for j := range c.Routers[i].Rules {
			if c.Routers[i].Rules[j].Strategy == "" {
				c.Routers[i].Rules[j].Strategy = StrategyRoundRobin
			}
			for k := range c.Routers[i].Rules[j].Channels {
				if c.Routers[i].Rules[j].Channels[k].Weight < 1 {
					c.Routers[i].Rules[j].Channels[k].Weight = 1
				}
			}
		}
		for k := range c.Routers[i].Channels {
			if c.Routers[i].Channels[k].Weight < 1 {
				c.Routers[i].Channels[k].Weight = 1
			}
		}
	}
}

// EffectiveTimeouts 通道级覆盖，未覆盖的字段取全局
func (c *Config) EffectiveTimeouts(ch *Channel) Timeouts {
	if ch != nil && ch.Timeouts != nil {
		t := *ch.Timeouts
		if t.ConnectMs <= 0 {
			t.ConnectMs = c.Global.Timeouts.ConnectMs
		}
		if t.RequestMs <= 0 {
			t.RequestMs = c.Global.Timeouts.RequestMs
		}
		if t.ResponseMs <= 0 {
			t.ResponseMs = c.Global.Timeouts.ResponseMs
		}
		return t
	}
	return c.Global.Timeouts
}

// DefaultConfig init 命令写入的初始配置
func DefaultConfig(path string) *Config {
	return &Config{
		Version: "1",
		Global: Global{
			Listen: DefaultListen,
			Auth:   Auth{Mode: "none"},
			Timeouts: Timeouts{
				ConnectMs:  2000,
				RequestMs:  30000,
				ResponseMs: 30000,
			},
			Retries: Retries{
				MaxAttempts:   2,
				BackoffMs:     200,
				RetryOnStatus: []int{429, 500, 502, 503, 504},
			},
		},
		Logging:  Logging{Level: "info"},
		Channels: []Channel{},
		Routers:  []Router{},
		Teams:    []Team{},
		Metrics: Metrics{
			Enabled: true,
			Listen:  "0.0.0.0:9090",
			Path:    DefaultMetricsPath,
		},
		HotReload: HotReload{
			ConfigPath: path,
			Watch:      true,
		},
	}
}
