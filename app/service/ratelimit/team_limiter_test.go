package ratelimit

import (
	"testing"
	"time"

	"github.com/cregis-dev/apex/app/appconfig"
)

func teamWithLimit(rpm, tpm int) *appconfig.Team {
	return &appconfig.Team{
		ID:     "t1",
		APIKey: "sk-ant-AA",
		Policy: appconfig.TeamPolicy{
			AllowedRouters: []string{"*"},
			RateLimit:      &appconfig.RateLimit{RPM: rpm, TPM: tpm},
		},
	}
}

func TestAllow_RPMLimit(t *testing.T) {
	t.Parallel()

	l := NewTeamLimiter()
	team := teamWithLimit(2, 0)

	// 同一秒内前两个请求放行，第三个拒绝并带 Retry-After
	if ok, _ := l.Allow(team, 1); !ok {
		t.Fatal("first request should pass")
	}
	if ok, _ := l.Allow(team, 1); !ok {
		t.Fatal("second request should pass")
	}
	ok, wait := l.Allow(team, 1)
	if ok {
		t.Fatal("third request should be limited")
	}
	if wait < time.Second {
		t.Fatalf("retry-after=%v, want >= 1s", wait)
	}
}

func TestAllow_Unlimited(t *testing.T) {
	t.Parallel()

	l := NewTeamLimiter()

	// 无 rate_limit
	noLimit := &appconfig.Team{ID: "t2", APIKey: "sk-ant-BB", Policy: appconfig.TeamPolicy{AllowedRouters: []string{"*"}}}
	for i := 0; i < 100; i++ {
		if ok, _ := l.Allow(noLimit, 1); !ok {
			t.Fatal("unlimited team should always pass")
		}
	}

	// rpm=0 视为不限制
	zero := teamWithLimit(0, 0)
	for i := 0; i < 100; i++ {
		if ok, _ := l.Allow(zero, 1); !ok {
			t.Fatal("zero limit should disable the bucket")
		}
	}
}

func TestAllow_TPMEstimate(t *testing.T) {
	t.Parallel()

	l := NewTeamLimiter()
	team := teamWithLimit(0, 100)

	// 估算 60 token：第一次过，第二次不足
	if ok, _ := l.Allow(team, 60); !ok {
		t.Fatal("first request should pass")
	}
	if ok, _ := l.Allow(team, 60); ok {
		t.Fatal("second request should exceed tpm")
	}
}

func TestAllow_CapChangeRebuildsBucket(t *testing.T) {
	t.Parallel()

	l := NewTeamLimiter()
	team := teamWithLimit(1, 0)
	if ok, _ := l.Allow(team, 1); !ok {
		t.Fatal("first request should pass")
	}
	if ok, _ := l.Allow(team, 1); ok {
		t.Fatal("second request should be limited at rpm=1")
	}

	// 配置调大后桶重建
	team.Policy.RateLimit.RPM = 100
	if ok, _ := l.Allow(team, 1); !ok {
		t.Fatal("request should pass after cap increase")
	}
}

func TestReconcile_DebitsDelta(t *testing.T) {
	t.Parallel()

	l := NewTeamLimiter()
	team := teamWithLimit(0, 1000)

	// 估算 10，实际 900：补扣后下一笔大额请求被拒
	if ok, _ := l.Allow(team, 10); !ok {
		t.Fatal("first request should pass")
	}
	l.Reconcile(team, 900, 10)
	if ok, _ := l.Allow(team, 500); ok {
		t.Fatal("request should be limited after reconcile debit")
	}

	// 实际低于估算不补扣
	l2 := NewTeamLimiter()
	if ok, _ := l2.Allow(team, 100); !ok {
		t.Fatal("first request should pass")
	}
	l2.Reconcile(team, 5, 100)
	if ok, _ := l2.Allow(team, 500); !ok {
		t.Fatal("reconcile with exact < estimate should not debit")
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	if got := EstimateTokens([]byte("")); got != 1 {
		t.Fatalf("empty body estimate=%d", got)
	}
	if got := EstimateTokens(make([]byte, 400)); got != 100 {
		t.Fatalf("estimate=%d want 100", got)
	}
}
