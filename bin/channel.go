package bin

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cregis-dev/apex/app/appconfig"
	"github.com/spf13/cobra"
)

func ChannelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "管理上游通道",
	}
	cmd.AddCommand(channelAdd(), channelUpdate(), channelDelete(), channelList(), channelShow())
	return cmd
}

type channelFlags struct {
	provider         string
	baseURL          string
	apiKey           string
	anthropicBaseURL string
	headers          []string
	modelMap         []string
	connectMs        int
	requestMs        int
	responseMs       int
}

func (f *channelFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.provider, "provider", "", "供应商类型")
	cmd.Flags().StringVar(&f.baseURL, "base-url", "", "基础 URL")
	cmd.Flags().StringVar(&f.apiKey, "api-key", "", "API Key")
	cmd.Flags().StringVar(&f.anthropicBaseURL, "anthropic-base-url", "", "Anthropic 协议端点（双协议通道）")
	cmd.Flags().StringArrayVar(&f.headers, "header", nil, "附加请求头 key=value，可重复")
	cmd.Flags().StringArrayVar(&f.modelMap, "model-map", nil, "模型映射 alias=upstream，可重复")
	cmd.Flags().IntVar(&f.connectMs, "connect-ms", 0, "连接超时（毫秒）")
	cmd.Flags().IntVar(&f.requestMs, "request-ms", 0, "请求超时（毫秒）")
	cmd.Flags().IntVar(&f.responseMs, "response-ms", 0, "响应超时（毫秒）")
}

func parseKVPairs(pairs []string, what string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid %s %q, expected key=value", what, p)
		}
		m[k] = v
	}
	return m, nil
}

func (f *channelFlags) apply(ch *appconfig.Channel) error {
	if f.provider != "" {
		ch.ProviderType = f.provider
	}
	if f.baseURL != "" {
		ch.BaseURL = f.baseURL
	}
	if f.apiKey != "" {
		ch.APIKey = f.apiKey
	}
	if f.anthropicBaseURL != "" {
		ch.AnthropicBaseURL = f.anthropicBaseURL
	}
	headers, err := parseKVPairs(f.headers, "header")
	if err != nil {
		return err
	}
	if headers != nil {
		ch.Headers = headers
	}
	modelMap, err := parseKVPairs(f.modelMap, "model-map")
	if err != nil {
		return err
	}
	if modelMap != nil {
		ch.ModelMap = modelMap
	}
	if f.connectMs > 0 || f.requestMs > 0 || f.responseMs > 0 {
		if ch.Timeouts == nil {
			ch.Timeouts = &appconfig.Timeouts{}
		}
		if f.connectMs > 0 {
			ch.Timeouts.ConnectMs = f.connectMs
		}
		if f.requestMs > 0 {
			ch.Timeouts.RequestMs = f.requestMs
		}
		if f.responseMs > 0 {
			ch.Timeouts.ResponseMs = f.responseMs
		}
	}
	return nil
}

func channelAdd() *cobra.Command {
	var flags channelFlags
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "新增通道",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			path := ResolveConfigPath()
			cfg, err := loadConfigFile(path)
			if err != nil {
				fatal(ExitConfig, "%v", err)
			}
			name := args[0]
			for i := range cfg.Channels {
				if cfg.Channels[i].Name == name {
					fatal(ExitUsage, "channel already exists: %s", name)
				}
			}
			ch := appconfig.Channel{Name: name}
			if err := flags.apply(&ch); err != nil {
				fatal(ExitUsage, "%v", err)
			}
			if ch.ProviderType == "" || ch.BaseURL == "" {
				fatal(ExitUsage, "--provider and --base-url are required")
			}
			cfg.Channels = append(cfg.Channels, ch)
			if err := saveConfigFile(path, cfg); err != nil {
				fatal(ExitRuntime, "failed to save config: %v", err)
			}
			fmt.Printf("channel %s added\n", name)
		},
	}
	flags.register(cmd)
	return cmd
}

func channelUpdate() *cobra.Command {
	var flags channelFlags
	cmd := &cobra.Command{
		Use:   "update <name>",
		Short: "更新通道",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			path := ResolveConfigPath()
			cfg, err := loadConfigFile(path)
			if err != nil {
				fatal(ExitConfig, "%v", err)
			}
			name := args[0]
			for i := range cfg.Channels {
				if cfg.Channels[i].Name == name {
					if err := flags.apply(&cfg.Channels[i]); err != nil {
						fatal(ExitUsage, "%v", err)
					}
					if err := saveConfigFile(path, cfg); err != nil {
						fatal(ExitRuntime, "failed to save config: %v", err)
					}
					fmt.Printf("channel %s updated\n", name)
					return
				}
			}
			fatal(ExitUsage, "channel not found: %s", name)
		},
	}
	flags.register(cmd)
	return cmd
}

func channelDelete() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "删除通道",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			path := ResolveConfigPath()
			cfg, err := loadConfigFile(path)
			if err != nil {
				fatal(ExitConfig, "%v", err)
			}
			name := args[0]
			for i := range cfg.Channels {
				if cfg.Channels[i].Name == name {
					cfg.Channels = append(cfg.Channels[:i], cfg.Channels[i+1:]...)
					if err := saveConfigFile(path, cfg); err != nil {
						fatal(ExitRuntime, "failed to save config: %v", err)
					}
					fmt.Printf("channel %s deleted\n", name)
					return
				}
			}
			fatal(ExitUsage, "channel not found: %s", name)
		},
	}
}

func channelList() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "列出通道",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfigFile(ResolveConfigPath())
			if err != nil {
				fatal(ExitConfig, "%v", err)
			}
			if asJSON {
				out, _ := json.MarshalIndent(cfg.Channels, "", "  ")
				fmt.Println(string(out))
				return
			}
			for i := range cfg.Channels {
				ch := &cfg.Channels[i]
				fmt.Printf("%-20s %-12s %s\n", ch.Name, ch.ProviderType, ch.BaseURL)
			}
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON 输出")
	return cmd
}

func channelShow() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "查看通道详情",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfigFile(ResolveConfigPath())
			if err != nil {
				fatal(ExitConfig, "%v", err)
			}
			for i := range cfg.Channels {
				if cfg.Channels[i].Name == args[0] {
					out, _ := json.MarshalIndent(cfg.Channels[i], "", "  ")
					fmt.Println(string(out))
					return
				}
			}
			fatal(ExitUsage, "channel not found: %s", args[0])
		},
	}
}
