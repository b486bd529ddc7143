package bin

import (
	"encoding/json"
	"fmt"

	"github.com/cregis-dev/apex/app/appconfig"
	"github.com/spf13/cobra"
)

func RouterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "router",
		Short: "管理路由器",
	}
	cmd.AddCommand(routerAdd(), routerUpdate(), routerDelete(), routerList())
	return cmd
}

type routerFlags struct {
	channel   string
	fallbacks []string
	vkey      string
}

func (f *routerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.channel, "channel", "", "主通道名")
	cmd.Flags().StringArrayVar(&f.fallbacks, "fallback", nil, "故障转移通道，可重复")
	cmd.Flags().StringVar(&f.vkey, "vkey", "", "路由器级凭据（旧版）")
}

func (f *routerFlags) apply(r *appconfig.Router) {
	if f.channel != "" {
		r.Channel = f.channel
	}
	if len(f.fallbacks) > 0 {
		r.FallbackChannels = f.fallbacks
	}
	if f.vkey != "" {
		r.VKey = f.vkey
	}
}

func routerAdd() *cobra.Command {
	var flags routerFlags
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "新增路由器",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			path := ResolveConfigPath()
			cfg, err := loadConfigFile(path)
			if err != nil {
				fatal(ExitConfig, "%v", err)
			}
			name := args[0]
			for i := range cfg.Routers {
				if cfg.Routers[i].Name == name {
					fatal(ExitUsage, "router already exists: %s", name)
				}
			}
			r := appconfig.Router{Name: name}
			flags.apply(&r)
			if r.Channel == "" {
				fatal(ExitUsage, "--channel is required")
			}
			cfg.Routers = append(cfg.Routers, r)
			if err := saveConfigFile(path, cfg); err != nil {
				fatal(ExitRuntime, "failed to save config: %v", err)
			}
			fmt.Printf("router %s added\n", name)
		},
	}
	flags.register(cmd)
	return cmd
}

func routerUpdate() *cobra.Command {
	var flags routerFlags
	cmd := &cobra.Command{
		Use:   "update <name>",
		Short: "更新路由器",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			path := ResolveConfigPath()
			cfg, err := loadConfigFile(path)
			if err != nil {
				fatal(ExitConfig, "%v", err)
			}
			name := args[0]
			for i := range cfg.Routers {
				if cfg.Routers[i].Name == name {
					flags.apply(&cfg.Routers[i])
					if err := saveConfigFile(path, cfg); err != nil {
						fatal(ExitRuntime, "failed to save config: %v", err)
					}
					fmt.Printf("router %s updated\n", name)
					return
				}
			}
			fatal(ExitUsage, "router not found: %s", name)
		},
	}
	flags.register(cmd)
	return cmd
}

func routerDelete() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "删除路由器",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			path := ResolveConfigPath()
			cfg, err := loadConfigFile(path)
			if err != nil {
				fatal(ExitConfig, "%v", err)
			}
			name := args[0]
			for i := range cfg.Routers {
				if cfg.Routers[i].Name == name {
					cfg.Routers = append(cfg.Routers[:i], cfg.Routers[i+1:]...)
					if err := saveConfigFile(path, cfg); err != nil {
						fatal(ExitRuntime, "failed to save config: %v", err)
					}
					fmt.Printf("router %s deleted\n", name)
					return
				}
			}
			fatal(ExitUsage, "router not found: %s", name)
		},
	}
}

func routerList() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "列出路由器",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfigFile(ResolveConfigPath())
			if err != nil {
				fatal(ExitConfig, "%v", err)
			}
			if asJSON {
				out, _ := json.MarshalIndent(cfg.Routers, "", "  ")
				fmt.Println(string(out))
				return
			}
			for i := range cfg.Routers {
				r := &cfg.Routers[i]
				target := r.Channel
				if len(r.Rules) > 0 {
					target = fmt.Sprintf("%d rules", len(r.Rules))
				}
				fmt.Printf("%-20s %s\n", r.Name, target)
			}
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON 输出")
	return cmd
}
