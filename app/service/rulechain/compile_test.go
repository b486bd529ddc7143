package rulechain

import (
	"strings"
	"testing"

	"github.com/cregis-dev/apex/app/appconfig"
)

func channelSet(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

func TestCompile_NewRulesForm(t *testing.T) {
	t.Parallel()

	rc := &appconfig.Router{
		Name: "r1",
		Rules: []appconfig.RouterRule{
			{
				Match:    appconfig.MatchSpec{Models: []string{"claude-*"}},
				Channels: []appconfig.TargetChannel{{Name: "anthropic-c", Weight: 1}},
				Strategy: appconfig.StrategyPriority,
			},
			{
				Match:    appconfig.MatchSpec{Model: "*"},
				Channels: []appconfig.TargetChannel{{Name: "openai-main", Weight: 1}},
			},
		},
	}

	r, err := Compile(rc, channelSet("anthropic-c", "openai-main"))
	if err != nil {
		t.Fatalf("Compile err=%v", err)
	}
	if len(r.Rules) != 2 {
		t.Fatalf("rules=%d", len(r.Rules))
	}
	if !r.Rules[0].Matches("claude-3-5-sonnet") {
		t.Fatal("claude-* should match claude-3-5-sonnet")
	}
	if r.Rules[0].Matches("gpt-4") {
		t.Fatal("claude-* should not match gpt-4")
	}
	if !r.Rules[1].IsCatchAll() {
		t.Fatal("second rule should be catch-all")
	}
	// 未指定策略时默认加权轮询
	if r.Rules[1].Strategy != appconfig.StrategyRoundRobin {
		t.Fatalf("strategy=%s", r.Rules[1].Strategy)
	}
}

func TestCompile_LegacyChannelForm(t *testing.T) {
	t.Parallel()

	rc := &appconfig.Router{
		Name:             "r1",
		Channel:          "primary",
		FallbackChannels: []string{"backup-1", "backup-2"},
	}

	r, err := Compile(rc, channelSet("primary", "backup-1", "backup-2"))
	if err != nil {
		t.Fatalf("Compile err=%v", err)
	}
	if len(r.Rules) != 1 {
		t.Fatalf("rules=%d", len(r.Rules))
	}
	rule := r.Rules[0]
	if !rule.IsCatchAll() {
		t.Fatal("migrated rule should be catch-all")
	}
	if rule.Strategy != appconfig.StrategyPriority {
		t.Fatalf("strategy=%s", rule.Strategy)
	}
	want := []string{"primary", "backup-1", "backup-2"}
	if len(rule.Channels) != len(want) {
		t.Fatalf("channels=%d", len(rule.Channels))
	}
	for i, tc := range rule.Channels {
		if tc.Name != want[i] {
			t.Fatalf("channels[%d]=%s want %s", i, tc.Name, want[i])
		}
		if tc.Weight != 1 {
			t.Fatalf("channels[%d].weight=%d", i, tc.Weight)
		}
	}
}

func TestCompile_LegacyMatcherForm(t *testing.T) {
	t.Parallel()

	rc := &appconfig.Router{
		Name:     "r1",
		Strategy: appconfig.StrategyRandom,
		Channels: []appconfig.TargetChannel{{Name: "pool-a", Weight: 2}, {Name: "pool-b", Weight: 1}},
		Metadata: &appconfig.RouterMetadata{
			ModelMatcher: map[string]string{
				"gpt-4":    "pool-a",
				"claude-*": "pool-b",
			},
		},
	}

	r, err := Compile(rc, channelSet("pool-a", "pool-b"))
	if err != nil {
		t.Fatalf("Compile err=%v", err)
	}
	// matcher 条目按模式名排序 + 一条兜底
	if len(r.Rules) != 3 {
		t.Fatalf("rules=%d", len(r.Rules))
	}
	if r.Rules[0].Patterns[0].Raw != "claude-*" || r.Rules[1].Patterns[0].Raw != "gpt-4" {
		t.Fatalf("matcher order: %s, %s", r.Rules[0].Patterns[0].Raw, r.Rules[1].Patterns[0].Raw)
	}
	last := r.Rules[2]
	if !last.IsCatchAll() {
		t.Fatal("last rule should be catch-all")
	}
	if last.Strategy != appconfig.StrategyRandom {
		t.Fatalf("catch-all strategy=%s", last.Strategy)
	}
	if len(last.Channels) != 2 {
		t.Fatalf("catch-all channels=%d", len(last.Channels))
	}
}

func TestCompile_UnknownChannel(t *testing.T) {
	t.Parallel()

	rc := &appconfig.Router{
		Name: "r1",
		Rules: []appconfig.RouterRule{
			{
				Match:    appconfig.MatchSpec{Model: "*"},
				Channels: []appconfig.TargetChannel{{Name: "missing", Weight: 1}},
			},
		},
	}
	_, err := Compile(rc, channelSet("existing"))
	if err == nil {
		t.Fatal("expected error for unknown channel")
	}
	if !strings.Contains(err.Error(), "missing") || !strings.Contains(err.Error(), "r1") {
		t.Fatalf("error should carry location: %v", err)
	}
}

func TestCompile_EmptyRouter(t *testing.T) {
	t.Parallel()

	if _, err := Compile(&appconfig.Router{Name: "r1"}, channelSet()); err == nil {
		t.Fatal("expected error for router without rules or channels")
	}
}

func TestCompile_EmptyChannelList(t *testing.T) {
	t.Parallel()

	rc := &appconfig.Router{
		Name: "r1",
		Rules: []appconfig.RouterRule{
			{Match: appconfig.MatchSpec{Model: "*"}},
		},
	}
	if _, err := Compile(rc, channelSet("a")); err == nil {
		t.Fatal("expected error for empty channel list")
	}
}

func TestMatcher_GlobSemantics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		model   string
		want    bool
	}{
		{"gpt-4", "gpt-4", true},
		{"GPT-4", "gpt-4", true}, // 大小写不敏感
		{"gpt-4", "GPT-4", true},
		{"gpt-4", "gpt-4o", false},
		{"gpt-*", "gpt-4-turbo", true},
		{"gpt-*", "claude-3", false},
		{"claude-?", "claude-3", true},
		{"claude-?", "claude-35", false},
		{"*", "anything", true},
		{"*", "", true},
		{"gpt-*", "gpt-4/vision", false}, // * 不跨 /
	}
	for _, tt := range tests {
		m, err := NewMatcher(tt.pattern)
		if err != nil {
			t.Fatalf("NewMatcher(%q) err=%v", tt.pattern, err)
		}
		if got := m.Match(tt.model); got != tt.want {
			t.Errorf("Match(%q, %q)=%v want %v", tt.pattern, tt.model, got, tt.want)
		}
	}
}
