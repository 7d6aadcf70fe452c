package config

import "time"

// Tier distinguishes preferred (primary) from fallback (secondary)
// upstream endpoints.
type Tier int

const (
	TierPrimary Tier = iota
	TierSecondary
)

func (t Tier) String() string {
	if t == TierPrimary {
		return "primary"
	}
	return "secondary"
}

// EndpointSpec is one upstream's identity + static limits, as published
// in a Snapshot. It never changes after the Snapshot is built — mutable
// health/rate state lives on registry.Endpoint instead.
type EndpointSpec struct {
	URL          string
	Tier         Tier
	MaxTPS       int
	MaxTPM       int // 0 means unset
	MaxLatencyMS int // 0 means unset
	Weight       int
}

// Snapshot is an immutable, validated configuration in effect for the
// duration of one operation. Readers resolve it once at the
// start of an operation and use that value for the rest of it.
type Snapshot struct {
	Endpoints          []EndpointSpec
	CacheTTL           map[string]time.Duration
	LatencyThresholdMS int // 0 means unset
	MonitorInterval    time.Duration
	MaxBlocksBehind    int64

	Host string
	Port string

	OutboundTimeout time.Duration
	SelectTimeout   time.Duration
	MaxIdleConns    int

	RateLimiter RateLimiterConfig

	LogLevel string

	sourceModTime time.Time
}

// RateLimiterConfig configures the boundary-layer per-client token
// bucket (internal/ratelimiter), independent of the core Rate Accountant.
type RateLimiterConfig struct {
	Enabled         bool
	DefaultCapacity int
	DefaultRate     int
	ClientOverrides []ClientRateLimitConfig
}

type ClientRateLimitConfig struct {
	ClientID string
	Capacity int
	Rate     int
}

// rawFile mirrors the on-disk YAML schema exactly, before
// validation/defaulting turns it into a Snapshot.
type rawFile struct {
	CacheTTL     map[string]int `yaml:"cache_ttl"`
	RPCEndpoints struct {
		Primary   []rawEndpoint `yaml:"primary"`
		Secondary []rawEndpoint `yaml:"secondary"`
	} `yaml:"rpc_endpoints"`
	HealthMonitor struct {
		MaxBlocksBehind int64 `yaml:"max_blocks_behind"`
	} `yaml:"health_monitor"`
	Relay struct {
		Host               string `yaml:"host"`
		Port               string `yaml:"port"`
		LatencyThresholdMS int    `yaml:"latency_threshold_ms"`
		MonitorInterval    int    `yaml:"monitor_interval"`
		OutboundTimeoutS   int    `yaml:"outbound_timeout_s"`
		SelectTimeoutS     int    `yaml:"select_timeout_s"`
		MaxIdleConns       int    `yaml:"max_idle_conns"`
	} `yaml:"relay"`
	RateLimiter struct {
		Enabled         bool              `yaml:"enabled"`
		DefaultCapacity int               `yaml:"default_capacity"`
		DefaultRate     int               `yaml:"default_rate_per_second"`
		ClientOverrides []rawClientRLimit `yaml:"client_overrides"`
	} `yaml:"rate_limit"`
	LogLevel string `yaml:"log_level"`
}

type rawEndpoint struct {
	URL          string `yaml:"url"`
	MaxTPS       int    `yaml:"max_tps"`
	MaxTPM       int    `yaml:"max_tpm"`
	MaxLatencyMS int    `yaml:"max_latency_ms"`
	Weight       int    `yaml:"weight"`
}

type rawClientRLimit struct {
	ClientID string `yaml:"client_id"`
	Capacity int    `yaml:"capacity"`
	Rate     int    `yaml:"rate_per_second"`
}
