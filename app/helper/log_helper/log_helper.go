package log_helper

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logHelper = logrus.New()

// 初始化日志助手
// level 取配置 logging.level，APEX_LOG_LEVEL 环境变量优先
// dir 为空时日志只写标准输出
func InitLogHelper(level string, dir string) {
	if env := os.Getenv("APEX_LOG_LEVEL"); env != "" {
		level = env
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logHelper.SetLevel(lvl)
	//设置日志格式
	logHelper.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05.000",
		FullTimestamp:   true,
	})

	if dir == "" {
		logHelper.SetOutput(os.Stdout)
		return
	}
	// 滚动日志文件
	hook := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "apex.log"),
		MaxSize:    50,  // 单位：MB
		MaxAge:     365, // 保留时间：天
		MaxBackups: 100, // 最大备份数量
	}
	logHelper.SetOutput(io.MultiWriter(os.Stdout, hook))
}

// 写日志
func Info(args ...interface{}) {
	logHelper.Info(args...)
}
func Error(args ...interface{}) {
	logHelper.Error(args...)
}
func Warning(args ...interface{}) {
	logHelper.Warning(args...)
}
func Debug(args ...interface{}) {
	logHelper.Debug(args...)
}
func Fatal(args ...interface{}) {
	logHelper.Fatal(args...)
}
