package store

import (
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cregis-dev/apex/app/appconfig"
	"github.com/cregis-dev/apex/app/helper/log_helper"
	"github.com/cregis-dev/apex/app/service/ratelimit"
	"github.com/cregis-dev/apex/app/service/rulechain"
	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Channel 运行态通道：配置 + 按通道超时构建的 HTTP 客户端
// 连接池随快照存续，connect_ms 作用于拨号，request_ms 作用于响应头等待
type Channel struct {
	Cfg    *appconfig.Channel
	Client *http.Client
}

// Team 运行态团队：策略中的模型 glob 已预编译
type Team struct {
	Cfg           *appconfig.Team
	allowedModels []*rulechain.Matcher
}

// ModelAllowed allowed_models 为空表示不限制
func (t *Team) ModelAllowed(model string) bool {
	if len(t.allowedModels) == 0 {
		return true
	}
	for _, m := range t.allowedModels {
		if m.Match(model) {
			return true
		}
	}
	return false
}

// RouterAllowed 字面量 * 表示全部
func (t *Team) RouterAllowed(name string) bool {
	for _, r := range t.Cfg.Policy.AllowedRouters {
		if r == "*" || r == name {
			return true
		}
	}
	return false
}

// Snapshot 不可变配置快照：解析、校验、编译都完成后才发布
// 所有请求处理共享读；路由缓存与限流桶随快照替换整体丢弃
type Snapshot struct {
	Config    *appconfig.Config
	Routers   []*rulechain.Router
	RouterIdx map[string]*rulechain.Router
	Channels  map[string]*Channel
	TeamByKey map[string]*Team
	TeamByID  map[string]*Team
	Limiter   *ratelimit.TeamLimiter
	LoadedAt  time.Time
}

// Store 持有当前快照的原子引用，热重载单写多读
type Store struct {
	path string
	cur  atomic.Pointer[Snapshot]
	mu   sync.Mutex // 串行化重载
}

// Open 加载配置并发布首个快照
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	snap, err := build(path)
	if err != nil {
		return nil, err
	}
	s.cur.Store(snap)
	return s, nil
}

// Current 无等待读取当前快照
func (s *Store) Current() *Snapshot {
	return s.cur.Load()
}

// Path 配置文件路径
func (s *Store) Path() string {
	return s.path
}

// Reload 重新构建快照，解析/校验/编译三者全部成功才替换
// 任一步失败旧快照保持生效，已取得旧快照的请求继续用旧快照
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := build(s.path)
	if err != nil {
		log_helper.Error(fmt.Sprintf("config reload failed, keeping previous snapshot: %v", err))
		return err
	}
	s.cur.Store(snap)
	log_helper.Info(fmt.Sprintf("config reloaded: %d channels, %d routers, %d teams",
		len(snap.Config.Channels), len(snap.Config.Routers), len(snap.Config.Teams)))
	return nil
}

// Watch 监听配置文件变化触发热重载，stop 关闭时退出
func (s *Store) Watch(stop <-chan struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log_helper.Error(fmt.Sprintf("config watcher init failed: %v", err))
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		log_helper.Error(fmt.Sprintf("config watcher add failed: %v", err))
		return
	}

	// 编辑器保存往往触发连串事件，去抖后重载
	var timer *time.Timer
	debounced := make(chan struct{}, 1)
	for {
		select {
		case <-stop:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(500*time.Millisecond, func() {
				select {
				case debounced <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log_helper.Warning(fmt.Sprintf("config watcher error: %v", err))
		case <-debounced:
			s.Reload()
		}
	}
}

var validate = validator.New()

// build 解析 → 校验 → 编译，全部成功才返回快照
func build(path string) (*Snapshot, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return compile(cfg)
}

// load 用 viper 读 JSON 配置，未知字段忽略
func load(path string) (*appconfig.Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg appconfig.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if cfg.HotReload.ConfigPath == "" {
		cfg.HotReload.ConfigPath = path
	}
	return &cfg, nil
}

// validateConfig 结构校验 + 唯一性 / 引用完整性
func validateConfig(cfg *appconfig.Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	channelNames := make(map[string]struct{}, len(cfg.Channels))
	for i := range cfg.Channels {
		ch := &cfg.Channels[i]
		if _, dup := channelNames[ch.Name]; dup {
			return fmt.Errorf("channels[%d] (%s): duplicate channel name", i, ch.Name)
		}
		channelNames[ch.Name] = struct{}{}
	}

	routerNames := make(map[string]struct{}, len(cfg.Routers))
	for i := range cfg.Routers {
		r := &cfg.Routers[i]
		if r.Name == "" {
			return fmt.Errorf("routers[%d]: missing name", i)
		}
		if _, dup := routerNames[r.Name]; dup {
			return fmt.Errorf("routers[%d] (%s): duplicate router name", i, r.Name)
		}
		routerNames[r.Name] = struct{}{}
	}

	teamIDs := make(map[string]struct{}, len(cfg.Teams))
	teamKeys := make(map[string]struct{}, len(cfg.Teams))
	for i := range cfg.Teams {
		t := &cfg.Teams[i]
		if _, dup := teamIDs[t.ID]; dup {
			return fmt.Errorf("teams[%d] (%s): duplicate team id", i, t.ID)
		}
		if _, dup := teamKeys[t.APIKey]; dup {
			return fmt.Errorf("teams[%d] (%s): duplicate team api_key", i, t.ID)
		}
		teamIDs[t.ID] = struct{}{}
		teamKeys[t.APIKey] = struct{}{}
	}

	return nil
}

// compile 预编译规则链、团队策略和通道 HTTP 客户端
func compile(cfg *appconfig.Config) (*Snapshot, error) {
	snap := &Snapshot{
		Config:    cfg,
		RouterIdx: make(map[string]*rulechain.Router, len(cfg.Routers)),
		Channels:  make(map[string]*Channel, len(cfg.Channels)),
		TeamByKey: make(map[string]*Team, len(cfg.Teams)),
		TeamByID:  make(map[string]*Team, len(cfg.Teams)),
		Limiter:   ratelimit.NewTeamLimiter(),
		LoadedAt:  time.Now(),
	}

	channelNames := make(map[string]struct{}, len(cfg.Channels))
	for i := range cfg.Channels {
		ch := &cfg.Channels[i]
		channelNames[ch.Name] = struct{}{}
		snap.Channels[ch.Name] = &Channel{
			Cfg:    ch,
			Client: newChannelClient(cfg.EffectiveTimeouts(ch)),
		}
	}

	for i := range cfg.Routers {
		compiled, err := rulechain.Compile(&cfg.Routers[i], channelNames)
		if err != nil {
			return nil, err
		}
		snap.Routers = append(snap.Routers, compiled)
		snap.RouterIdx[compiled.Name] = compiled
	}

	for i := range cfg.Teams {
		tc := &cfg.Teams[i]
		team := &Team{Cfg: tc}
		for _, p := range tc.Policy.AllowedModels {
			m, err := rulechain.NewMatcher(p)
			if err != nil {
				return nil, fmt.Errorf("teams[%d] (%s): %w", i, tc.ID, err)
			}
			team.allowedModels = append(team.allowedModels, m)
		}
		snap.TeamByKey[tc.APIKey] = team
		snap.TeamByID[tc.ID] = team
	}

	return snap, nil
}

// newChannelClient 每通道一个客户端：拨号超时 + 响应头超时
// 流式下行不设整体超时，response_ms 由转发器控制
func newChannelClient(t appconfig.Timeouts) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   time.Duration(t.ConnectMs) * time.Millisecond,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: time.Duration(t.RequestMs) * time.Millisecond,
		MaxIdleConns:          500,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       200,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// LookupVKeyRouter 凭据匹配某路由器 vkey 时返回该路由器
func (s *Snapshot) LookupVKeyRouter(credential string) *rulechain.Router {
	if credential == "" {
		return nil
	}
	for i := range s.Config.Routers {
		if s.Config.Routers[i].VKey != "" && s.Config.Routers[i].VKey == credential {
			return s.RouterIdx[s.Config.Routers[i].Name]
		}
	}
	return nil
}

// GlobalKeyValid 凭据是否在全局 key 列表内
func (s *Snapshot) GlobalKeyValid(credential string) bool {
	for _, k := range s.Config.Global.Auth.Keys {
		if k == credential {
			return true
		}
	}
	return false
}

// AllModels 规则链字面量模型与通道 model_map 键的并集
func (s *Snapshot) AllModels() []string {
	set := make(map[string]struct{})
	for _, r := range s.Routers {
		for _, m := range r.LiteralModels() {
			set[m] = struct{}{}
		}
	}
	for i := range s.Config.Channels {
		for alias := range s.Config.Channels[i].ModelMap {
			set[alias] = struct{}{}
		}
	}
	models := make([]string, 0, len(set))
	for m := range set {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}
