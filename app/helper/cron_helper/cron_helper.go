package cron_helper

import (
	"github.com/gogits/cron"
)

// InitCron 启动定时任务
// sweep 定时清理闲置的团队限流桶
func InitCron(sweep func()) {
	c := cron.New()
	c.AddFunc("定时清理限流桶缓存", "0 */1 * * * ?", sweep)

	c.Start()
}
