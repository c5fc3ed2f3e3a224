// Package config loads the orchestration core's YAML configuration: the
// global session cap, the external-store endpoint and credentials, default
// engine tunables, and the per-site configuration list. It mirrors the
// teacher's internal/config in shape (LoadFromFile, ApplyDefaults,
// LoadFromEnv) but carries fleetscrape's own fields instead of the
// traffic-simulation knobs the teacher's original Config held.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mushstyle/fleetscrape/internal/types"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration surface described in spec §6:
// "Command-line / environment inputs to the engine ... the global session
// cap, plus the external-store endpoint and API key. No other knobs."
// The per-site list and engine defaults round out what the paginate and
// scrape-item engines need to run without additional flags.
type Config struct {
	SessionCap int `yaml:"session_cap"`

	StoreEndpoint string `yaml:"store_endpoint"`
	StoreAPIKey   string `yaml:"store_api_key"`

	ProxyPoolPath string `yaml:"proxy_pool_path"`

	Defaults EngineDefaults `yaml:"defaults"`

	Sites []SiteEntry `yaml:"sites"`

	Logging LoggingConfig `yaml:"logging"`
}

// EngineDefaults holds the default engine options applied when a batch
// invocation (§4.4, §4.5) doesn't override them explicitly.
type EngineDefaults struct {
	InstanceLimit      int  `yaml:"instance_limit"`
	MaxRetriesPaginate int  `yaml:"max_retries_paginate"`
	MaxRetriesItem     int  `yaml:"max_retries_item"`
	CacheSizeMB        int  `yaml:"cache_size_mb"`
	CacheTTLSeconds    int  `yaml:"cache_ttl_seconds"`
	BlockImages        bool `yaml:"block_images"`
	SessionTimeoutSec  int  `yaml:"session_timeout_sec"`
}

// LoggingConfig is embedded rather than duplicated at the top level so the
// obslog.Config shape stays owned by the obslog package; this just carries
// the subset a YAML file needs to name.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SiteEntry is the on-disk shape of one types.SiteConfig, plus the
// proxy-requirement fields spelled out as scalars for YAML ergonomics.
type SiteEntry struct {
	Domain      string   `yaml:"domain"`
	StartPages  []string `yaml:"start_pages"`
	ExtractorID string   `yaml:"extractor_id"`

	ProxyStrategy         string `yaml:"proxy_strategy"`
	ProxyGeo              string `yaml:"proxy_geo"`
	ProxySessionLimit     int    `yaml:"proxy_session_limit"`
	ProxyCooldownMinutes  int    `yaml:"proxy_cooldown_minutes"`
	ProxyFailureThreshold int    `yaml:"proxy_failure_threshold"`
}

// ToSiteConfig converts the on-disk entry into the runtime SiteConfig the
// site manager and distributor consume.
func (e SiteEntry) ToSiteConfig() *types.SiteConfig {
	var proxy *types.ProxyRequirement
	if e.ProxyStrategy != "" {
		proxy = &types.ProxyRequirement{
			Strategy:         types.ProxyStrategy(e.ProxyStrategy),
			Geo:              e.ProxyGeo,
			SessionLimit:     e.ProxySessionLimit,
			CooldownMinutes:  e.ProxyCooldownMinutes,
			FailureThreshold: e.ProxyFailureThreshold,
		}
	}
	return &types.SiteConfig{
		Domain:      e.Domain,
		StartPages:  append([]string(nil), e.StartPages...),
		Proxy:       proxy,
		ExtractorID: e.ExtractorID,
	}
}

// DefaultConfig returns the engine defaults named in SPEC_FULL.md's
// Configuration section (§4.4/§4.5 option defaults).
func DefaultConfig() Config {
	return Config{
		SessionCap:    5,
		ProxyPoolPath: "./proxies.yaml",
		Defaults: EngineDefaults{
			InstanceLimit:      10,
			MaxRetriesPaginate: 2,
			MaxRetriesItem:     1,
			CacheSizeMB:        250,
			CacheTTLSeconds:    300,
			BlockImages:        true,
			SessionTimeoutSec:  120,
		},
		Logging: LoggingConfig{Level: "info", Format: "console", Output: "stdout"},
	}
}

// LoadFromFile reads and parses a YAML config file at path, applying
// defaults to any field the file left zero-valued.
func LoadFromFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadFromEnv overlays environment variables onto cfg, following the
// teacher's convention of env vars taking precedence over file values for
// secrets and endpoints that operators prefer not to commit to disk.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("FLEETSCRAPE_STORE_ENDPOINT"); v != "" {
		c.StoreEndpoint = v
	}
	if v := os.Getenv("FLEETSCRAPE_STORE_API_KEY"); v != "" {
		c.StoreAPIKey = v
	}
	if v := os.Getenv("FLEETSCRAPE_SESSION_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.SessionCap = n
		}
	}
	if v := os.Getenv("FLEETSCRAPE_PROXY_POOL_PATH"); v != "" {
		c.ProxyPoolPath = v
	}
	if v := os.Getenv("FLEETSCRAPE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// ApplyDefaults fills any zero-valued field with its DefaultConfig
// counterpart, mirroring the teacher's ApplyDefaults idiom.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.SessionCap <= 0 {
		c.SessionCap = d.SessionCap
	}
	if c.ProxyPoolPath == "" {
		c.ProxyPoolPath = d.ProxyPoolPath
	}
	if c.Defaults.InstanceLimit <= 0 {
		c.Defaults.InstanceLimit = d.Defaults.InstanceLimit
	}
	if c.Defaults.MaxRetriesPaginate <= 0 {
		c.Defaults.MaxRetriesPaginate = d.Defaults.MaxRetriesPaginate
	}
	if c.Defaults.MaxRetriesItem <= 0 {
		c.Defaults.MaxRetriesItem = d.Defaults.MaxRetriesItem
	}
	if c.Defaults.CacheSizeMB <= 0 {
		c.Defaults.CacheSizeMB = d.Defaults.CacheSizeMB
	}
	if c.Defaults.CacheTTLSeconds <= 0 {
		c.Defaults.CacheTTLSeconds = d.Defaults.CacheTTLSeconds
	}
	if c.Defaults.SessionTimeoutSec <= 0 {
		c.Defaults.SessionTimeoutSec = d.Defaults.SessionTimeoutSec
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
	if c.Logging.Output == "" {
		c.Logging.Output = d.Logging.Output
	}
	for i := range c.Sites {
		c.Sites[i].Domain = strings.ToLower(strings.TrimSpace(c.Sites[i].Domain))
	}
}

// Validate reports the minimal well-formedness the engines rely on: a
// store endpoint and at least a shot at finding its sites.
func (c *Config) Validate() error {
	if c.StoreEndpoint == "" {
		return fmt.Errorf("store_endpoint is required")
	}
	seen := make(map[string]struct{}, len(c.Sites))
	for _, s := range c.Sites {
		if s.Domain == "" {
			return fmt.Errorf("site entry missing domain")
		}
		if _, dup := seen[s.Domain]; dup {
			return fmt.Errorf("duplicate site domain %q", s.Domain)
		}
		seen[s.Domain] = struct{}{}
	}
	return nil
}

// SiteConfigs converts every configured site entry into a types.SiteConfig,
// in config-file order, ready for site.Manager.LoadConfigs.
func (c *Config) SiteConfigs() []*types.SiteConfig {
	out := make([]*types.SiteConfig, 0, len(c.Sites))
	for _, e := range c.Sites {
		out = append(out, e.ToSiteConfig())
	}
	return out
}
