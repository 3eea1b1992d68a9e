package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/corvidlabs/xstream/pkg/agent"
	"github.com/corvidlabs/xstream/pkg/planner"
	"github.com/corvidlabs/xstream/pkg/pool"
	"github.com/corvidlabs/xstream/pkg/ratelimit"
	"github.com/corvidlabs/xstream/pkg/streammanager"
)

// Config is xstreamd's top-level process configuration, loaded from a
// YAML file (spec §6's per-component configuration table made concrete).
type Config struct {
	DataDir      string `yaml:"data_dir"`
	StoreBackend string `yaml:"store_backend"` // "bolt" or "redis"
	RedisAddr    string `yaml:"redis_addr"`
	RedisDB      int    `yaml:"redis_db"`

	ServerAddr string `yaml:"server_addr"`

	Pool          PoolConfig          `yaml:"pool"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	StreamManager StreamManagerConfig `yaml:"stream_manager"`
	Agents        []AgentConfig       `yaml:"agents"`
}

// PoolConfig mirrors pool.Config with YAML tags and human-friendly
// duration strings.
type PoolConfig struct {
	MaxHandles        int    `yaml:"max_handles"`
	MaxPagesPerHandle int    `yaml:"max_pages_per_handle"`
	HandleMaxAge      string `yaml:"handle_max_age"`
	AcquireTimeout    string `yaml:"acquire_timeout"`
	Headless          bool   `yaml:"headless"`
	ProxyURL          string `yaml:"proxy_url"`
}

func (c PoolConfig) toPoolConfig() pool.Config {
	cfg := pool.DefaultConfig()
	if c.MaxHandles > 0 {
		cfg.MaxHandles = c.MaxHandles
	}
	if c.MaxPagesPerHandle > 0 {
		cfg.MaxPagesPerHandle = c.MaxPagesPerHandle
	}
	if d, err := time.ParseDuration(c.HandleMaxAge); err == nil && d > 0 {
		cfg.HandleMaxAge = d
	}
	if d, err := time.ParseDuration(c.AcquireTimeout); err == nil && d > 0 {
		cfg.AcquireTimeout = d
	}
	cfg.Headless = c.Headless
	cfg.ProxyURL = c.ProxyURL
	return cfg
}

// RateLimitConfig mirrors ratelimit.Config.
type RateLimitConfig struct {
	Strategy string `yaml:"strategy"`
}

func (c RateLimitConfig) toRateLimitConfig() ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	if c.Strategy != "" {
		cfg.Strategy = ratelimit.Strategy(c.Strategy)
	}
	return cfg
}

// StreamManagerConfig mirrors streammanager.Config.
type StreamManagerConfig struct {
	MinIntervalMS        int64  `yaml:"min_interval_ms"`
	MaxIntervalMS        int64  `yaml:"max_interval_ms"`
	DefaultIntervalMS    int64  `yaml:"default_interval_ms"`
	MaxConsecutiveErrors int    `yaml:"max_consecutive_errors"`
	BackoffCapS          int    `yaml:"backoff_cap_s"`
	SeenRingCap          int    `yaml:"seen_ring_cap"`
	StopGrace            string `yaml:"stop_grace"`
}

func (c StreamManagerConfig) toStreamManagerConfig() streammanager.Config {
	cfg := streammanager.DefaultConfig()
	if c.MinIntervalMS > 0 {
		cfg.MinIntervalMS = c.MinIntervalMS
	}
	if c.MaxIntervalMS > 0 {
		cfg.MaxIntervalMS = c.MaxIntervalMS
	}
	if c.DefaultIntervalMS > 0 {
		cfg.DefaultIntervalMS = c.DefaultIntervalMS
	}
	if c.MaxConsecutiveErrors > 0 {
		cfg.MaxConsecutiveErrors = c.MaxConsecutiveErrors
	}
	if c.BackoffCapS > 0 {
		cfg.BackoffCapS = c.BackoffCapS
	}
	if c.SeenRingCap > 0 {
		cfg.SeenRingCap = c.SeenRingCap
	}
	if d, err := time.ParseDuration(c.StopGrace); err == nil && d > 0 {
		cfg.StopGrace = d
	}
	return cfg
}

// AgentConfig describes one Agent Orchestrator instance to launch at
// serve-time.
type AgentConfig struct {
	ID      string            `yaml:"id"`
	Persona PersonaConfig     `yaml:"persona"`
	Targets TargetsConfig     `yaml:"targets"`
	Limits  map[string]int    `yaml:"daily_limits"`
	Timing  AgentTimingConfig `yaml:"timing"`
}

type PersonaConfig struct {
	Name       string   `yaml:"name"`
	Bio        string   `yaml:"bio"`
	TopicHints []string `yaml:"topic_hints"`
	Tone       string   `yaml:"tone"`
}

type TargetsConfig struct {
	OwnHandle         string   `yaml:"own_handle"`
	HomeFeedHandles   []string `yaml:"home_feed_handles"`
	SearchHandles     []string `yaml:"search_handles"`
	InfluencerHandles []string `yaml:"influencer_handles"`
	FollowCandidates  []string `yaml:"follow_candidates"`
}

type AgentTimingConfig struct {
	QuotaExhaustedWait string `yaml:"quota_exhausted_wait"`
	SessionSaveEvery   string `yaml:"session_save_every"`
	ScraperTimeout     string `yaml:"scraper_timeout"`
	ShortErrorWait     string `yaml:"short_error_wait"`
	LongErrorWait      string `yaml:"long_error_wait"`
}

func (a AgentConfig) toAgentConfig() agent.Config {
	cfg := agent.DefaultConfig(a.ID)
	cfg.Persona = planner.Persona{
		Name:       a.Persona.Name,
		Bio:        a.Persona.Bio,
		TopicHints: a.Persona.TopicHints,
		Tone:       a.Persona.Tone,
	}
	cfg.Targets = agent.Targets{
		OwnHandle:         a.Targets.OwnHandle,
		HomeFeedHandles:   a.Targets.HomeFeedHandles,
		SearchHandles:     a.Targets.SearchHandles,
		InfluencerHandles: a.Targets.InfluencerHandles,
		FollowCandidates:  a.Targets.FollowCandidates,
	}
	for kind, n := range a.Limits {
		cfg.DailyLimits[quotaKindFromString(kind)] = n
	}
	if d, err := time.ParseDuration(a.Timing.QuotaExhaustedWait); err == nil && d > 0 {
		cfg.QuotaExhaustedWait = d
	}
	if d, err := time.ParseDuration(a.Timing.SessionSaveEvery); err == nil && d > 0 {
		cfg.SessionSaveEvery = d
	}
	if d, err := time.ParseDuration(a.Timing.ScraperTimeout); err == nil && d > 0 {
		cfg.ScraperTimeout = d
	}
	if d, err := time.ParseDuration(a.Timing.ShortErrorWait); err == nil && d > 0 {
		cfg.ShortErrorWait = d
	}
	if d, err := time.ParseDuration(a.Timing.LongErrorWait); err == nil && d > 0 {
		cfg.LongErrorWait = d
	}
	return cfg
}

// DefaultXStreamConfig returns a runnable single-node configuration
// rooted at dataDir.
func DefaultXStreamConfig(dataDir string) Config {
	return Config{
		DataDir:      dataDir,
		StoreBackend: "bolt",
		ServerAddr:   "127.0.0.1:9191",
	}
}

// LoadConfig reads and parses a YAML config file. A missing path returns
// the default configuration rooted at "./xstream-data" rather than an
// error, so `serve` works unconfigured out of the box.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return DefaultXStreamConfig("./xstream-data"), nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultXStreamConfig("./xstream-data"), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := DefaultXStreamConfig("./xstream-data")
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
