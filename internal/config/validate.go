package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrConfigInvalid wraps every rejection reason from Validate or from
// parsing malformed YAML.
var ErrConfigInvalid = errors.New("config invalid")

// Validate turns a parsed rawFile into an immutable Snapshot: URLs must
// be unique, weight>=1, max_tps>=1, TTLs>=1.
func Validate(raw *rawFile) (*Snapshot, error) {
	seen := make(map[string]bool)
	var endpoints []EndpointSpec

	addAll := func(list []rawEndpoint, tier Tier) error {
		for _, ep := range list {
			if ep.URL == "" {
				return fmt.Errorf("%w: endpoint with empty url", ErrConfigInvalid)
			}
			if seen[ep.URL] {
				return fmt.Errorf("%w: duplicate endpoint url %q", ErrConfigInvalid, ep.URL)
			}
			seen[ep.URL] = true

			weight := ep.Weight
			if weight == 0 {
				weight = defaultWeight
			}
			if weight < 1 {
				return fmt.Errorf("%w: endpoint %q weight must be >= 1", ErrConfigInvalid, ep.URL)
			}
			if ep.MaxTPS < 1 {
				return fmt.Errorf("%w: endpoint %q max_tps must be >= 1", ErrConfigInvalid, ep.URL)
			}

			endpoints = append(endpoints, EndpointSpec{
				URL:          ep.URL,
				Tier:         tier,
				MaxTPS:       ep.MaxTPS,
				MaxTPM:       ep.MaxTPM,
				MaxLatencyMS: ep.MaxLatencyMS,
				Weight:       weight,
			})
		}
		return nil
	}

	if err := addAll(raw.RPCEndpoints.Primary, TierPrimary); err != nil {
		return nil, err
	}
	if err := addAll(raw.RPCEndpoints.Secondary, TierSecondary); err != nil {
		return nil, err
	}

	cacheTTL := make(map[string]time.Duration, len(raw.CacheTTL))
	for method, seconds := range raw.CacheTTL {
		if seconds < 1 {
			return nil, fmt.Errorf("%w: cache_ttl[%q] must be >= 1", ErrConfigInvalid, method)
		}
		cacheTTL[method] = time.Duration(seconds) * time.Second
	}

	if raw.Relay.MonitorInterval < 1 {
		return nil, fmt.Errorf("%w: relay.monitor_interval must be positive", ErrConfigInvalid)
	}

	overrides := make([]ClientRateLimitConfig, 0, len(raw.RateLimiter.ClientOverrides))
	for _, o := range raw.RateLimiter.ClientOverrides {
		if o.ClientID == "" {
			return nil, fmt.Errorf("%w: rate_limit client override missing client_id", ErrConfigInvalid)
		}
		overrides = append(overrides, ClientRateLimitConfig{
			ClientID: o.ClientID,
			Capacity: o.Capacity,
			Rate:     o.Rate,
		})
	}

	return &Snapshot{
		Endpoints:          endpoints,
		CacheTTL:           cacheTTL,
		LatencyThresholdMS: raw.Relay.LatencyThresholdMS,
		MonitorInterval:    time.Duration(raw.Relay.MonitorInterval) * time.Second,
		MaxBlocksBehind:    raw.HealthMonitor.MaxBlocksBehind,
		Host:               raw.Relay.Host,
		Port:               raw.Relay.Port,
		OutboundTimeout:    time.Duration(raw.Relay.OutboundTimeoutS) * time.Second,
		SelectTimeout:      time.Duration(raw.Relay.SelectTimeoutS) * time.Second,
		MaxIdleConns:       raw.Relay.MaxIdleConns,
		RateLimiter: RateLimiterConfig{
			Enabled:         raw.RateLimiter.Enabled,
			DefaultCapacity: raw.RateLimiter.DefaultCapacity,
			DefaultRate:     raw.RateLimiter.DefaultRate,
			ClientOverrides: overrides,
		},
		LogLevel: raw.LogLevel,
	}, nil
}
