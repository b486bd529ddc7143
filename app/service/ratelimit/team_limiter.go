package ratelimit

import (
	"sync"
	"time"

	"github.com/cregis-dev/apex/app/appconfig"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// EstimateTokens 入口处的 token 估算启发式
func EstimateTokens(body []byte) int {
	n := len(body) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// teamBuckets 单个团队的 rpm / tpm 令牌桶
type teamBuckets struct {
	mu     sync.Mutex
	rpm    *rate.Limiter
	tpm    *rate.Limiter
	rpmCap int
	tpmCap int
}

// TeamLimiter 按团队惰性创建令牌桶
// 生命周期与配置快照一致，快照替换时整体丢弃
type TeamLimiter struct {
	buckets *gocache.Cache
}

func NewTeamLimiter() *TeamLimiter {
	return &TeamLimiter{
		// 闲置团队的桶由定时任务清理
		buckets: gocache.New(10*time.Minute, 0),
	}
}

func (l *TeamLimiter) bucketsFor(team *appconfig.Team) *teamBuckets {
	if b, ok := l.buckets.Get(team.ID); ok {
		tb := b.(*teamBuckets)
		l.buckets.SetDefault(team.ID, tb)
		return tb
	}
	tb := &teamBuckets{}
	l.buckets.SetDefault(team.ID, tb)
	return tb
}

// Allow 入口处消耗：rpm 桶固定扣 1，tpm 桶扣估算 token 数
// 令牌不足时返回 false 与补满一个令牌所需等待时间（Retry-After）
func (l *TeamLimiter) Allow(team *appconfig.Team, estTokens int) (bool, time.Duration) {
	limit := team.Policy.RateLimit
	if limit == nil || (limit.RPM <= 0 && limit.TPM <= 0) {
		return true, 0
	}

	tb := l.bucketsFor(team)
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()

	if limit.RPM > 0 {
		if tb.rpm == nil || tb.rpmCap != limit.RPM {
			// 容量 rpm，每秒补 rpm/60
			tb.rpm = rate.NewLimiter(rate.Limit(float64(limit.RPM)/60.0), limit.RPM)
			tb.rpmCap = limit.RPM
		}
		if !tb.rpm.AllowN(now, 1) {
			return false, retryAfter(tb.rpm, now)
		}
	}

	if limit.TPM > 0 {
		if tb.tpm == nil || tb.tpmCap != limit.TPM {
			tb.tpm = rate.NewLimiter(rate.Limit(float64(limit.TPM)/60.0), limit.TPM)
			tb.tpmCap = limit.TPM
		}
		n := estTokens
		if n > limit.TPM {
			n = limit.TPM
		}
		if !tb.tpm.AllowN(now, n) {
			return false, retryAfter(tb.tpm, now)
		}
	}

	return true, 0
}

// Reconcile 流结束后按上游 usage 的精确值对账
// 精确值高于估算时补扣差额（允许借支未来令牌，后续请求被延迟）
func (l *TeamLimiter) Reconcile(team *appconfig.Team, exact, estimated int) {
	limit := team.Policy.RateLimit
	if limit == nil || limit.TPM <= 0 {
		return
	}
	delta := exact - estimated
	if delta <= 0 {
		return
	}

	tb := l.bucketsFor(team)
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.tpm == nil {
		return
	}
	if delta > limit.TPM {
		delta = limit.TPM
	}
	// 不取消预约，等同强制扣账
	tb.tpm.ReserveN(time.Now(), delta)
}

// SweepIdle 清理过期团队桶，由 cron 周期调用
func (l *TeamLimiter) SweepIdle() {
	l.buckets.DeleteExpired()
}

// retryAfter 距离补满一个令牌的等待时间
func retryAfter(lim *rate.Limiter, now time.Time) time.Duration {
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return time.Minute
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	if d < time.Second {
		d = time.Second
	}
	return d
}
