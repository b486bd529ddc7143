package middleware

import (
	"fmt"
	"strings"

	"github.com/cregis-dev/apex/app/helper/log_helper"
	"github.com/cregis-dev/apex/app/helper/response_helper"
	"github.com/cregis-dev/apex/app/service/store"
	"github.com/gin-gonic/gin"
)

// TeamAuth 团队认证中间件
// 提取凭据并解析团队身份；teams 非空时团队命中优先，
// 其次接受全局 key 与路由器 vkey，三者都不是的凭据直接 401
func TeamAuth(s *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential, source := extractCredential(c)
		if credential == "" {
			c.Next()
			return
		}
		c.Set(CtxCredential, credential)
		snap := s.Current()
		if team, ok := snap.TeamByKey[credential]; ok {
			c.Set(CtxTeam, team)
			id, _ := c.Get(CtxRequestID)
			log_helper.Info(fmt.Sprintf("[%v] team resolved: %s (%s)", id, team.Cfg.ID, source))
			c.Next()
			return
		}
		if snap.GlobalKeyValid(credential) || snap.LookupVKeyRouter(credential) != nil {
			c.Next()
			return
		}
		id, _ := c.Get(CtxRequestID)
		log_helper.Warning(fmt.Sprintf("[%v] auth failed: unknown credential in %s", id, source))
		response_helper.Unauthorized(c)
	}
}

// extractCredential 提取顺序：Authorization Bearer 优先，其次 x-api-key
func extractCredential(c *gin.Context) (string, string) {
	if auth := c.GetHeader("Authorization"); auth != "" {
		if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(after), "Authorization (Bearer)"
		}
		return strings.TrimSpace(auth), "Authorization"
	}
	if key := c.GetHeader("x-api-key"); key != "" {
		return strings.TrimSpace(key), "x-api-key"
	}
	return "", ""
}
