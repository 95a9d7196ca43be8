package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SyncConfig holds the offline engine settings of a device
type SyncConfig struct {
	// ============ QUEUE DRAIN ============
	MaxAttempts        int `json:"max_attempts" yaml:"max_attempts"`
	RetryBaseMs        int `json:"retry_base_ms" yaml:"retry_base_ms"`
	RetryMaxDelayMs    int `json:"retry_max_delay_ms" yaml:"retry_max_delay_ms"`
	RetryJitterPercent int `json:"retry_jitter_percent" yaml:"retry_jitter_percent"`
	DrainWorkers       int `json:"drain_workers" yaml:"drain_workers"`
	SubmitTimeout      int `json:"submit_timeout" yaml:"submit_timeout"` // seconds

	// ============ CLOCK ============
	ClockSyncInterval  int `json:"clock_sync_interval" yaml:"clock_sync_interval"`   // seconds
	ClockSkewThreshold int `json:"clock_skew_threshold" yaml:"clock_skew_threshold"` // seconds

	// ============ BUNDLES & CACHE ============
	BundleTTLHours     int `json:"bundle_ttl_hours" yaml:"bundle_ttl_hours"`
	BundleWarningHours int `json:"bundle_warning_hours" yaml:"bundle_warning_hours"`
	ERPCacheTTL        int `json:"erp_cache_ttl" yaml:"erp_cache_ttl"` // seconds

	// ============ CONNECTIVITY ============
	ProbeInterval int               `json:"probe_interval" yaml:"probe_interval"` // seconds
	Routes        []SyncRouteConfig `json:"routes" yaml:"routes"`

	// ============ CONFLICTS ============
	AutoResolveNonCritical bool `json:"auto_resolve_non_critical" yaml:"auto_resolve_non_critical"`
}

// SyncRouteConfig represents a sync route
type SyncRouteConfig struct {
	URL      string `json:"url" yaml:"url"`
	Type     string `json:"type" yaml:"type"`         // primary, fallback
	Timeout  int    `json:"timeout" yaml:"timeout"`   // seconds
	Priority int    `json:"priority" yaml:"priority"` // lower = higher priority
}

// LoadSyncConfig loads engine settings from env defaults, overridden by the
// JSON or YAML file named in SYNC_CONFIG_PATH.
func LoadSyncConfig() (*SyncConfig, error) {
	cfg := DefaultSyncConfig()

	configPath := os.Getenv("SYNC_CONFIG_PATH")
	if configPath == "" {
		return cfg, nil
	}

	if err := loadSyncConfigFromFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("sync config %s: %w", configPath, err)
	}
	cfg.normalize()
	return cfg, nil
}

func loadSyncConfigFromFile(path string, cfg *SyncConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// DefaultSyncConfig returns settings from the environment with built-in defaults
func DefaultSyncConfig() *SyncConfig {
	cfg := &SyncConfig{
		MaxAttempts:        getIntEnv("SYNC_MAX_ATTEMPTS", 5),
		RetryBaseMs:        getIntEnv("SYNC_RETRY_BASE_MS", 1000),
		RetryMaxDelayMs:    getIntEnv("SYNC_RETRY_MAX_DELAY_MS", 60000),
		RetryJitterPercent: getIntEnv("SYNC_RETRY_JITTER_PERCENT", 20),
		DrainWorkers:       getIntEnv("SYNC_WORKERS", 4),
		SubmitTimeout:      getIntEnv("SYNC_SUBMIT_TIMEOUT", 15),

		ClockSyncInterval:  getIntEnv("CLOCK_SYNC_INTERVAL", 3600),
		ClockSkewThreshold: getIntEnv("CLOCK_SKEW_THRESHOLD", 300),

		BundleTTLHours:     getIntEnv("BUNDLE_TTL_HOURS", 24),
		BundleWarningHours: getIntEnv("BUNDLE_WARNING_HOURS", 4),
		ERPCacheTTL:        getIntEnv("ERP_CACHE_TTL", 86400),

		ProbeInterval: getIntEnv("NETWORK_PROBE_INTERVAL", 30),
		Routes:        getDefaultRoutes(),

		AutoResolveNonCritical: getBoolEnv("SYNC_AUTO_RESOLVE", false),
	}
	cfg.normalize()
	return cfg
}

// normalize replaces unusable values with defaults
func (c *SyncConfig) normalize() {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.RetryBaseMs <= 0 {
		c.RetryBaseMs = 1000
	}
	if c.RetryMaxDelayMs < c.RetryBaseMs {
		c.RetryMaxDelayMs = c.RetryBaseMs
	}
	if c.RetryJitterPercent < 0 || c.RetryJitterPercent > 100 {
		c.RetryJitterPercent = 20
	}
	if c.DrainWorkers < 1 {
		c.DrainWorkers = 1
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 15
	}
	if c.ClockSyncInterval <= 0 {
		c.ClockSyncInterval = 3600
	}
	if c.ClockSkewThreshold <= 0 {
		c.ClockSkewThreshold = 300
	}
	if c.BundleTTLHours <= 0 {
		c.BundleTTLHours = 24
	}
	if c.BundleWarningHours < 0 {
		c.BundleWarningHours = 4
	}
	if c.ERPCacheTTL <= 0 {
		c.ERPCacheTTL = 86400
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30
	}
}

func (c *SyncConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseMs) * time.Millisecond
}

func (c *SyncConfig) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMs) * time.Millisecond
}

func (c *SyncConfig) SubmitTimeoutDuration() time.Duration {
	return time.Duration(c.SubmitTimeout) * time.Second
}

func (c *SyncConfig) ClockInterval() time.Duration {
	return time.Duration(c.ClockSyncInterval) * time.Second
}

func (c *SyncConfig) SkewThreshold() time.Duration {
	return time.Duration(c.ClockSkewThreshold) * time.Second
}

func (c *SyncConfig) BundleTTL() time.Duration {
	return time.Duration(c.BundleTTLHours) * time.Hour
}

func (c *SyncConfig) BundleWarningWindow() time.Duration {
	return time.Duration(c.BundleWarningHours) * time.Hour
}

func (c *SyncConfig) ERPCacheTTLDuration() time.Duration {
	return time.Duration(c.ERPCacheTTL) * time.Second
}

func (c *SyncConfig) ProbeIntervalDuration() time.Duration {
	return time.Duration(c.ProbeInterval) * time.Second
}

// getDefaultRoutes returns default sync routes
func getDefaultRoutes() []SyncRouteConfig {
	routes := []SyncRouteConfig{}

	if primary := os.Getenv("SYNC_SERVER_URL"); primary != "" {
		routes = append(routes, SyncRouteConfig{
			URL:      primary,
			Type:     "primary",
			Timeout:  10,
			Priority: 1,
		})
	}

	if fallback := os.Getenv("SYNC_FALLBACK_URL"); fallback != "" {
		routes = append(routes, SyncRouteConfig{
			URL:      fallback,
			Type:     "fallback",
			Timeout:  15,
			Priority: 2,
		})
	}

	return routes
}

// Helper functions for environment variables

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}
