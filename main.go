package main

import (
	"fmt"
	"os"

	"github.com/cregis-dev/apex/app"
	"github.com/cregis-dev/apex/bin"

	"github.com/spf13/cobra"
)

func init() {
	//项目初始化
	app.InitApp(
		app.InitTypeBase,
	)
}

func main() {
	cmd := &cobra.Command{
		Use:   "apex",
		Short: "Apex LLM 网关",
		Long:  "Apex：面向团队的多供应商 LLM 反向代理网关",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("请使用子命令，或添加 --help 查看帮助")
		},
	}
	cmd.PersistentFlags().StringVar(&bin.ConfigFlag, "config", "", "配置文件路径（默认 ~/.apex/config.json）")

	cmd.AddCommand(bin.InitCommand())    //生成初始配置
	cmd.AddCommand(bin.GatewayCommand()) //网关启动停止
	cmd.AddCommand(bin.ChannelCommand()) //通道管理
	cmd.AddCommand(bin.RouterCommand())  //路由器管理
	cmd.AddCommand(bin.TeamCommand())    //团队管理
	cmd.AddCommand(bin.StatusCommand())  //状态查看
	cmd.AddCommand(bin.LogsCommand())    //日志位置

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
