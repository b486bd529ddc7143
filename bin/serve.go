package bin

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cregis-dev/apex/app/appconfig"
	"github.com/cregis-dev/apex/app/helper/cron_helper"
	"github.com/cregis-dev/apex/app/helper/log_helper"
	"github.com/cregis-dev/apex/app/helper/metric_helper"
	"github.com/cregis-dev/apex/app/middleware"
	"github.com/cregis-dev/apex/app/service/store"
	"github.com/cregis-dev/apex/app/service/usage"
	"github.com/cregis-dev/apex/route"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func GatewayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "网关生命周期管理",
	}

	var daemon bool
	start := &cobra.Command{
		Use:   "start",
		Short: "启动网关",
		Run: func(cmd *cobra.Command, args []string) {
			if daemon {
				// 守护进程化交给进程管理器（systemd / docker），这里保持前台
				logrus.Warn("daemon mode is delegated to the process supervisor, running in foreground")
			}
			StartServer(ResolveConfigPath())
		},
	}
	start.Flags().BoolVarP(&daemon, "daemon", "d", false, "后台运行（交由进程管理器）")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "停止网关",
		Run: func(cmd *cobra.Command, args []string) {
			stopServer()
		},
	}

	cmd.AddCommand(start, stop)
	return cmd
}

// StartServer 加载配置并启动网关服务
func StartServer(configPath string) {
	s, err := store.Open(configPath)
	if err != nil {
		fatal(ExitConfig, "config invalid: %v", err)
	}
	cfg := s.Current().Config

	// 按配置重设日志级别与目录
	log_helper.InitLogHelper(cfg.Logging.Level, cfg.Logging.Dir)

	usageLogger, err := usage.NewLogger(logDir(cfg))
	if err != nil {
		fatal(ExitRuntime, "usage log init failed: %v", err)
	}
	defer usageLogger.Close()

	writePidFile(cfg)
	defer os.Remove(pidFilePath(cfg))

	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(os.Getenv(gin.EnvGinMode))
	}

	engine := gin.New()

	// 初始化中间件
	middleware.InitMiddleware(engine)

	// 初始化路由
	route.InitGatewayRouter(engine, s, usageLogger)

	// 定时清理闲置限流桶
	cron_helper.InitCron(func() {
		s.Current().Limiter.SweepIdle()
	})

	// 配置文件热重载
	watchStop := make(chan struct{})
	if cfg.HotReload.Watch {
		go s.Watch(watchStop)
	}

	// 独立端口的指标服务
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" && cfg.Metrics.Listen != cfg.Global.Listen {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metric_helper.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			logrus.Infof("Metrics listening on %s%s", cfg.Metrics.Listen, cfg.Metrics.Path)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.Errorf("Metrics server failed: %v", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:    cfg.Global.Listen,
		Handler: engine,
	}

	// 启动服务器（非阻塞）
	go func() {
		logrus.Infof("Gateway listening on %s (%d channels, %d routers, %d teams)",
			cfg.Global.Listen, len(cfg.Channels), len(cfg.Routers), len(cfg.Teams))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Server failed to start: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down gateway...")
	close(watchStop)

	// 优雅关闭：等待在途请求，超出排空窗口强制退出
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}
	if metricsSrv != nil {
		metricsSrv.Shutdown(ctx)
	}

	logrus.Info("Gateway exited")
}

func writePidFile(cfg *appconfig.Config) {
	dir := logDir(cfg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logrus.Warnf("failed to create log dir %s: %v", dir, err)
		return
	}
	if err := os.WriteFile(pidFilePath(cfg), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		logrus.Warnf("failed to write pid file: %v", err)
	}
}

func stopServer() {
	cfg, err := loadConfigFile(ResolveConfigPath())
	if err != nil {
		cfg = nil
	}
	pidPath := pidFilePath(cfg)
	content, err := os.ReadFile(pidPath)
	if err != nil {
		fmt.Printf("pid file not found at %s, is the gateway running?\n", pidPath)
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil {
		fatal(ExitRuntime, "invalid pid in %s", pidPath)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		os.Remove(pidPath)
		fatal(ExitRuntime, "failed to stop gateway (pid %d): %v", pid, err)
	}
	os.Remove(pidPath)
	fmt.Printf("stopped gateway (pid %d)\n", pid)
}
