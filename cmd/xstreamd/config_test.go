package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/corvidlabs/xstream/pkg/agent"
	"github.com/corvidlabs/xstream/pkg/types"
)

func TestLoadConfig_MissingPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StoreBackend != "bolt" {
		t.Fatalf("expected default store backend \"bolt\", got %q", cfg.StoreBackend)
	}
	if cfg.ServerAddr == "" {
		t.Fatalf("expected a default server address")
	}
}

func TestLoadConfig_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DataDir == "" {
		t.Fatalf("expected a default data dir")
	}
}

func TestLoadConfig_ParsesYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xstreamd.yaml")
	yamlContent := `
data_dir: /tmp/xstream-test
store_backend: redis
redis_addr: localhost:6379
server_addr: 0.0.0.0:9292
pool:
  max_handles: 5
  headless: false
agents:
  - id: agent-1
    persona:
      name: "Ada"
      topic_hints: ["go", "distributed systems"]
    targets:
      home_feed_handles: ["someuser"]
    daily_limits:
      likes: 25
`
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DataDir != "/tmp/xstream-test" || cfg.StoreBackend != "redis" || cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("unexpected parsed config: %+v", cfg)
	}
	if cfg.Pool.MaxHandles != 5 || cfg.Pool.Headless {
		t.Fatalf("unexpected pool config: %+v", cfg.Pool)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].ID != "agent-1" {
		t.Fatalf("expected one agent with ID agent-1, got %+v", cfg.Agents)
	}
	if cfg.Agents[0].Persona.Name != "Ada" || len(cfg.Agents[0].Persona.TopicHints) != 2 {
		t.Fatalf("unexpected persona: %+v", cfg.Agents[0].Persona)
	}
}

func TestPoolConfig_ToPoolConfig_AppliesOverridesOverDefaults(t *testing.T) {
	pc := PoolConfig{MaxHandles: 7, AcquireTimeout: "15s"}
	got := pc.toPoolConfig()
	if got.MaxHandles != 7 {
		t.Fatalf("expected overridden MaxHandles=7, got %d", got.MaxHandles)
	}
	if got.MaxPagesPerHandle == 0 {
		t.Fatalf("expected unset fields to keep their defaults")
	}
}

func TestAgentConfig_ToAgentConfig_MapsQuotaKinds(t *testing.T) {
	ac := AgentConfig{
		ID:     "agent-2",
		Limits: map[string]int{"likes": 10, "follows": 5},
	}
	cfg := ac.toAgentConfig()
	if cfg.DailyLimits[types.QuotaLike] != 10 || cfg.DailyLimits[types.QuotaFollow] != 5 {
		t.Fatalf("expected mapped quota limits, got %+v", cfg.DailyLimits)
	}
	want := agent.DefaultConfig("x").DailyLimits[types.QuotaPost]
	if cfg.DailyLimits[types.QuotaPost] != want {
		t.Fatalf("expected unconfigured quota to keep DefaultConfig's value %d, got %d", want, cfg.DailyLimits[types.QuotaPost])
	}
}
