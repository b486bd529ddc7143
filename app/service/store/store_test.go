package store

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `{
  "version": "1",
  "global": {
    "listen": "127.0.0.1:12356",
    "auth": {"mode": "none"},
    "timeouts": {"connect_ms": 2000, "request_ms": 30000, "response_ms": 30000},
    "retries": {"max_attempts": 2, "backoff_ms": 10, "retry_on_status": [503]}
  },
  "channels": [
    {"name": "A", "provider_type": "openai", "base_url": "https://a.example.com", "api_key": "sk-a"},
    {"name": "B", "provider_type": "anthropic", "base_url": "https://b.example.com", "api_key": "sk-b"}
  ],
  "routers": [
    {"name": "r1", "rules": [
      {"match": {"model": "*"}, "channels": [{"name": "A", "weight": 1}], "strategy": "priority"}
    ]}
  ],
  "teams": [
    {"id": "t1", "api_key": "sk-ant-AA", "policy": {"allowed_routers": ["r1"], "allowed_models": ["gpt-*"]}}
  ],
  "metrics": {"enabled": false, "listen": "", "path": "/metrics"},
  "hot_reload": {"config_path": "", "watch": false}
}`

func TestOpen_ValidConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, validConfig)
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open err=%v", err)
	}
	snap := s.Current()
	if len(snap.Routers) != 1 || snap.Routers[0].Name != "r1" {
		t.Fatalf("routers=%v", snap.Routers)
	}
	if _, ok := snap.Channels["A"]; !ok {
		t.Fatal("channel A missing")
	}
	if snap.Channels["A"].Client == nil {
		t.Fatal("channel client not built")
	}
	team, ok := snap.TeamByKey["sk-ant-AA"]
	if !ok {
		t.Fatal("team key index missing")
	}
	if !team.ModelAllowed("gpt-4") {
		t.Fatal("gpt-4 should be allowed by glob")
	}
	if team.ModelAllowed("claude-3") {
		t.Fatal("claude-3 should be denied")
	}
	if !team.RouterAllowed("r1") || team.RouterAllowed("r2") {
		t.Fatal("router allow mismatch")
	}
}

func TestOpen_UnknownChannelReference(t *testing.T) {
	t.Parallel()

	bad := `{
	  "version": "1",
	  "global": {"listen": "127.0.0.1:0", "auth": {"mode": "none"},
	    "timeouts": {"connect_ms": 1, "request_ms": 1, "response_ms": 1},
	    "retries": {"max_attempts": 1, "backoff_ms": 0, "retry_on_status": []}},
	  "channels": [{"name": "A", "provider_type": "openai", "base_url": "https://a.example.com", "api_key": "k"}],
	  "routers": [{"name": "r1", "rules": [{"match": {"model": "*"}, "channels": [{"name": "Z"}]}]}],
	  "metrics": {"enabled": false, "listen": "", "path": ""},
	  "hot_reload": {"config_path": "", "watch": false}
	}`
	if _, err := Open(writeConfig(t, bad)); err == nil {
		t.Fatal("expected error for unknown channel reference")
	}
}

func TestOpen_DuplicateNames(t *testing.T) {
	t.Parallel()

	dupChannel := `{
	  "version": "1",
	  "global": {"listen": "127.0.0.1:0", "auth": {"mode": "none"},
	    "timeouts": {"connect_ms": 1, "request_ms": 1, "response_ms": 1},
	    "retries": {"max_attempts": 1, "backoff_ms": 0, "retry_on_status": []}},
	  "channels": [
	    {"name": "A", "provider_type": "openai", "base_url": "https://a.example.com", "api_key": "k"},
	    {"name": "A", "provider_type": "openai", "base_url": "https://b.example.com", "api_key": "k"}
	  ],
	  "routers": [],
	  "metrics": {"enabled": false, "listen": "", "path": ""},
	  "hot_reload": {"config_path": "", "watch": false}
	}`
	if _, err := Open(writeConfig(t, dupChannel)); err == nil {
		t.Fatal("expected error for duplicate channel name")
	}

	dupTeamKey := `{
	  "version": "1",
	  "global": {"listen": "127.0.0.1:0", "auth": {"mode": "none"},
	    "timeouts": {"connect_ms": 1, "request_ms": 1, "response_ms": 1},
	    "retries": {"max_attempts": 1, "backoff_ms": 0, "retry_on_status": []}},
	  "channels": [],
	  "routers": [],
	  "teams": [
	    {"id": "t1", "api_key": "sk-ant-X", "policy": {"allowed_routers": ["*"]}},
	    {"id": "t2", "api_key": "sk-ant-X", "policy": {"allowed_routers": ["*"]}}
	  ],
	  "metrics": {"enabled": false, "listen": "", "path": ""},
	  "hot_reload": {"config_path": "", "watch": false}
	}`
	if _, err := Open(writeConfig(t, dupTeamKey)); err == nil {
		t.Fatal("expected error for duplicate team api_key")
	}
}

func TestReload_SwapsSnapshot(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, validConfig)
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open err=%v", err)
	}
	old := s.Current()

	// 换成引用 B 的有效配置
	newConfig := `{
	  "version": "1",
	  "global": {"listen": "127.0.0.1:12356", "auth": {"mode": "none"},
	    "timeouts": {"connect_ms": 2000, "request_ms": 30000, "response_ms": 30000},
	    "retries": {"max_attempts": 2, "backoff_ms": 10, "retry_on_status": [503]}},
	  "channels": [{"name": "B", "provider_type": "openai", "base_url": "https://b.example.com", "api_key": "sk-b"}],
	  "routers": [{"name": "r1", "rules": [{"match": {"model": "*"}, "channels": [{"name": "B"}], "strategy": "priority"}]}],
	  "metrics": {"enabled": false, "listen": "", "path": ""},
	  "hot_reload": {"config_path": "", "watch": false}
	}`
	if err := os.WriteFile(path, []byte(newConfig), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload err=%v", err)
	}
	snap := s.Current()
	if snap == old {
		t.Fatal("snapshot should be replaced")
	}
	rule, err := snap.Routers[0].Select("gpt-4")
	if err != nil {
		t.Fatalf("Select err=%v", err)
	}
	if rule.Channels[0].Name != "B" {
		t.Fatalf("channel=%s", rule.Channels[0].Name)
	}
}

func TestReload_FailureKeepsOldSnapshot(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, validConfig)
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open err=%v", err)
	}
	old := s.Current()

	// 引用不存在的通道 Z：重载必须失败且旧快照保持生效
	bad := `{
	  "version": "1",
	  "global": {"listen": "127.0.0.1:12356", "auth": {"mode": "none"},
	    "timeouts": {"connect_ms": 2000, "request_ms": 30000, "response_ms": 30000},
	    "retries": {"max_attempts": 2, "backoff_ms": 10, "retry_on_status": [503]}},
	  "channels": [{"name": "A", "provider_type": "openai", "base_url": "https://a.example.com", "api_key": "sk-a"}],
	  "routers": [{"name": "r1", "rules": [{"match": {"model": "*"}, "channels": [{"name": "Z"}]}]}],
	  "metrics": {"enabled": false, "listen": "", "path": ""},
	  "hot_reload": {"config_path": "", "watch": false}
	}`
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := s.Reload(); err == nil {
		t.Fatal("Reload should fail on invalid config")
	}
	if s.Current() != old {
		t.Fatal("failed reload must keep the previous snapshot")
	}
	// 重载失败后路由结果不变
	rule, err := s.Current().Routers[0].Select("gpt-4")
	if err != nil {
		t.Fatalf("Select err=%v", err)
	}
	if rule.Channels[0].Name != "A" {
		t.Fatalf("channel=%s", rule.Channels[0].Name)
	}
}

func TestSnapshot_AllModels(t *testing.T) {
	t.Parallel()

	cfg := `{
	  "version": "1",
	  "global": {"listen": "127.0.0.1:0", "auth": {"mode": "none"},
	    "timeouts": {"connect_ms": 1, "request_ms": 1, "response_ms": 1},
	    "retries": {"max_attempts": 1, "backoff_ms": 0, "retry_on_status": []}},
	  "channels": [
	    {"name": "A", "provider_type": "openai", "base_url": "https://a.example.com", "api_key": "k",
	     "model_map": {"gpt-4": "gpt-4o", "fast": "gpt-4o-mini"}}
	  ],
	  "routers": [
	    {"name": "r1", "rules": [
	      {"match": {"models": ["claude-3-opus", "claude-*"]}, "channels": [{"name": "A"}]},
	      {"match": {"model": "*"}, "channels": [{"name": "A"}]}
	    ]}
	  ],
	  "metrics": {"enabled": false, "listen": "", "path": ""},
	  "hot_reload": {"config_path": "", "watch": false}
	}`
	s, err := Open(writeConfig(t, cfg))
	if err != nil {
		t.Fatalf("Open err=%v", err)
	}
	models := s.Current().AllModels()
	want := []string{"claude-3-opus", "fast", "gpt-4"}
	if len(models) != len(want) {
		t.Fatalf("models=%v", models)
	}
	for i, m := range want {
		if models[i] != m {
			t.Fatalf("models=%v want %v", models, want)
		}
	}
}

func TestLookupVKeyRouter(t *testing.T) {
	t.Parallel()

	cfg := `{
	  "version": "1",
	  "global": {"listen": "127.0.0.1:0", "auth": {"mode": "none"},
	    "timeouts": {"connect_ms": 1, "request_ms": 1, "response_ms": 1},
	    "retries": {"max_attempts": 1, "backoff_ms": 0, "retry_on_status": []}},
	  "channels": [{"name": "A", "provider_type": "openai", "base_url": "https://a.example.com", "api_key": "k"}],
	  "routers": [{"name": "r1", "vkey": "vk-123", "rules": [{"match": {"model": "*"}, "channels": [{"name": "A"}]}]}],
	  "metrics": {"enabled": false, "listen": "", "path": ""},
	  "hot_reload": {"config_path": "", "watch": false}
	}`
	s, err := Open(writeConfig(t, cfg))
	if err != nil {
		t.Fatalf("Open err=%v", err)
	}
	snap := s.Current()
	if r := snap.LookupVKeyRouter("vk-123"); r == nil || r.Name != "r1" {
		t.Fatalf("vkey lookup=%v", r)
	}
	if snap.LookupVKeyRouter("wrong") != nil {
		t.Fatal("unknown vkey should not resolve")
	}
	if snap.LookupVKeyRouter("") != nil {
		t.Fatal("empty credential should not resolve")
	}
}
