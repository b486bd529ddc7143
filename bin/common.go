package bin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cregis-dev/apex/app/appconfig"
)

// CLI 退出码：0 成功，1 用法错误，2 配置无效，3 运行时错误
const (
	ExitOK      = 0
	ExitUsage   = 1
	ExitConfig  = 2
	ExitRuntime = 3
)

// 全局 --config 参数，由 main 绑定
var ConfigFlag string

// ResolveConfigPath 配置文件路径：--config > APEX_CONFIG > ~/.apex/config.json
func ResolveConfigPath() string {
	if ConfigFlag != "" {
		return ConfigFlag
	}
	if env := os.Getenv("APEX_CONFIG"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".apex", "config.json")
}

// loadConfigFile CLI 直接读写 JSON，不经过编译流程
func loadConfigFile(path string) (*appconfig.Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %s: %w", path, err)
	}
	var cfg appconfig.Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

func saveConfigFile(path string, cfg *appconfig.Config) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	content, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o644)
}

// fatal 打印错误并按退出码退出
func fatal(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(code)
}

// logDir 日志与 pid 文件目录
func logDir(cfg *appconfig.Config) string {
	if cfg != nil && cfg.Logging.Dir != "" {
		return cfg.Logging.Dir
	}
	return "logs"
}

func pidFilePath(cfg *appconfig.Config) string {
	return filepath.Join(logDir(cfg), "apex.pid")
}
