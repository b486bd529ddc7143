package bin

import (
	"encoding/json"
	"fmt"

	"github.com/cregis-dev/apex/app/appconfig"
	"github.com/segmentio/ksuid"
	"github.com/spf13/cobra"
)

func TeamCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "team",
		Short: "管理团队",
	}
	cmd.AddCommand(teamAdd(), teamRemove(), teamList())
	return cmd
}

func teamAdd() *cobra.Command {
	var apiKey string
	var routers []string
	var models []string
	var rpm, tpm int
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "新增团队",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			path := ResolveConfigPath()
			cfg, err := loadConfigFile(path)
			if err != nil {
				fatal(ExitConfig, "%v", err)
			}
			id := args[0]
			for i := range cfg.Teams {
				if cfg.Teams[i].ID == id {
					fatal(ExitUsage, "team already exists: %s", id)
				}
			}
			if apiKey == "" {
				// 未指定时生成 sk-ant- 前缀的随机 key
				apiKey = "sk-ant-" + ksuid.New().String()
			}
			for i := range cfg.Teams {
				if cfg.Teams[i].APIKey == apiKey {
					fatal(ExitUsage, "api key already in use")
				}
			}
			if len(routers) == 0 {
				routers = []string{"*"}
			}
			team := appconfig.Team{
				ID:     id,
				APIKey: apiKey,
				Policy: appconfig.TeamPolicy{
					AllowedRouters: routers,
					AllowedModels:  models,
				},
			}
			if rpm > 0 || tpm > 0 {
				team.Policy.RateLimit = &appconfig.RateLimit{RPM: rpm, TPM: tpm}
			}
			cfg.Teams = append(cfg.Teams, team)
			if err := saveConfigFile(path, cfg); err != nil {
				fatal(ExitRuntime, "failed to save config: %v", err)
			}
			fmt.Printf("team %s added, api key: %s\n", id, apiKey)
		},
	}
	cmd.Flags().StringVar(&apiKey, "api-key", "", "团队 key（缺省自动生成）")
	cmd.Flags().StringArrayVar(&routers, "router", nil, "允许的路由器，可重复，缺省 *")
	cmd.Flags().StringArrayVar(&models, "model", nil, "允许的模型 glob，可重复")
	cmd.Flags().IntVar(&rpm, "rpm", 0, "每分钟请求数限制，0 不限制")
	cmd.Flags().IntVar(&tpm, "tpm", 0, "每分钟 token 数限制，0 不限制")
	return cmd
}

func teamRemove() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "移除团队",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			path := ResolveConfigPath()
			cfg, err := loadConfigFile(path)
			if err != nil {
				fatal(ExitConfig, "%v", err)
			}
			id := args[0]
			for i := range cfg.Teams {
				if cfg.Teams[i].ID == id {
					cfg.Teams = append(cfg.Teams[:i], cfg.Teams[i+1:]...)
					if err := saveConfigFile(path, cfg); err != nil {
						fatal(ExitRuntime, "failed to save config: %v", err)
					}
					fmt.Printf("team %s removed\n", id)
					return
				}
			}
			fatal(ExitUsage, "team not found: %s", id)
		},
	}
}

func teamList() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "列出团队",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfigFile(ResolveConfigPath())
			if err != nil {
				fatal(ExitConfig, "%v", err)
			}
			if asJSON {
				out, _ := json.MarshalIndent(cfg.Teams, "", "  ")
				fmt.Println(string(out))
				return
			}
			for i := range cfg.Teams {
				t := &cfg.Teams[i]
				limit := "unlimited"
				if t.Policy.RateLimit != nil {
					limit = fmt.Sprintf("rpm=%d tpm=%d", t.Policy.RateLimit.RPM, t.Policy.RateLimit.TPM)
				}
				fmt.Printf("%-20s routers=%v %s\n", t.ID, t.Policy.AllowedRouters, limit)
			}
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON 输出")
	return cmd
}
