package bin

import (
	"fmt"
	"os"

	"github.com/cregis-dev/apex/app/appconfig"
	"github.com/spf13/cobra"
)

func InitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "生成初始配置文件",
		Run: func(cmd *cobra.Command, args []string) {
			path := ResolveConfigPath()
			if _, err := os.Stat(path); err == nil {
				fatal(ExitUsage, "config already exists: %s", path)
			}
			cfg := appconfig.DefaultConfig(path)
			if err := saveConfigFile(path, cfg); err != nil {
				fatal(ExitRuntime, "failed to write config: %v", err)
			}
			fmt.Printf("config written to %s\n", path)
		},
	}
}
