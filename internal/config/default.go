package config

type option func(*rawFile)

func withDefaultServer() option {
	return func(cfg *rawFile) {
		if cfg.Relay.Host == "" {
			cfg.Relay.Host = "0.0.0.0"
		}
		if cfg.Relay.Port == "" {
			cfg.Relay.Port = "8080"
		}
	}
}

func withDefaultMonitor() option {
	return func(cfg *rawFile) {
		if cfg.Relay.MonitorInterval == 0 {
			cfg.Relay.MonitorInterval = 5
		}
		if cfg.HealthMonitor.MaxBlocksBehind == 0 {
			cfg.HealthMonitor.MaxBlocksBehind = 6
		}
	}
}

func withDefaultTimeouts() option {
	return func(cfg *rawFile) {
		if cfg.Relay.OutboundTimeoutS == 0 {
			cfg.Relay.OutboundTimeoutS = 15
		}
		if cfg.Relay.SelectTimeoutS == 0 {
			cfg.Relay.SelectTimeoutS = 5
		}
		if cfg.Relay.MaxIdleConns == 0 {
			cfg.Relay.MaxIdleConns = 100
		}
	}
}

func withDefaultRateLimiter() option {
	return func(cfg *rawFile) {
		if cfg.RateLimiter.DefaultRate == 0 {
			cfg.RateLimiter.DefaultRate = 10
		}
		if cfg.RateLimiter.DefaultCapacity == 0 {
			cfg.RateLimiter.DefaultCapacity = 100
		}
	}
}

func withDefaultLogLevel() option {
	return func(cfg *rawFile) {
		if cfg.LogLevel == "" {
			cfg.LogLevel = "info"
		}
	}
}

func useDefault(cfg *rawFile, options ...option) {
	for _, op := range options {
		op(cfg)
	}
}

func loadDefaultValues(cfg *rawFile) {
	useDefault(
		cfg,
		withDefaultServer(),
		withDefaultMonitor(),
		withDefaultTimeouts(),
		withDefaultRateLimiter(),
		withDefaultLogLevel(),
	)
}

const defaultWeight = 1
