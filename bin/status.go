package bin

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func StatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "查看网关状态",
		Run: func(cmd *cobra.Command, args []string) {
			path := ResolveConfigPath()
			cfg, err := loadConfigFile(path)

			status := "Stopped"
			pidInfo := ""
			if pid, ok := readPid(pidFilePath(cfg)); ok {
				// 信号 0 探测进程存活
				if syscall.Kill(pid, 0) == nil {
					status = "Running"
					pidInfo = fmt.Sprintf(" (PID: %d)", pid)
				}
			}
			fmt.Printf("Gateway Status: %s%s\n", status, pidInfo)

			if err != nil {
				fmt.Printf("\nconfig not loadable at %s: %v\n", path, err)
				return
			}
			fmt.Printf("\nConfig File: %s\n", path)
			fmt.Printf("Listen Address: %s\n", cfg.Global.Listen)
			fmt.Printf("\nChannels:\n")
			for i := range cfg.Channels {
				ch := &cfg.Channels[i]
				fmt.Printf("  %-20s %-12s %s\n", ch.Name, ch.ProviderType, ch.BaseURL)
			}
			fmt.Printf("\nRouters:\n")
			for i := range cfg.Routers {
				fmt.Printf("  %s\n", cfg.Routers[i].Name)
			}
			fmt.Printf("\nTeams: %d\n", len(cfg.Teams))
		},
	}
}

func LogsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "查看日志文件位置",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, _ := loadConfigFile(ResolveConfigPath())
			dir := logDir(cfg)
			fmt.Printf("app log:   %s\n", filepath.Join(dir, "apex.log"))
			fmt.Printf("usage log: %s\n", filepath.Join(dir, "usage.csv"))
		},
	}
}

func readPid(path string) (int, bool) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil {
		return 0, false
	}
	return pid, true
}
