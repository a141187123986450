package config

import "time"

const (
	defaultInitTimeout        = 10 * time.Second
	defaultConnectTimeout     = 30 * time.Second
	defaultShutdownGrace      = 10 * time.Second
	defaultRefreshSkew        = 5 * time.Minute
	defaultRestartMaxAttempts = 5
	defaultRestartInitial     = time.Second
	defaultRestartMaxInterval = 30 * time.Second
	defaultRestartMultiplier  = 2.0
	defaultMaxConcurrent      = 16
)

func (g GatewayConfig) InitTimeout() time.Duration {
	return secondsOr(g.InitTimeoutSeconds, defaultInitTimeout)
}

func (g GatewayConfig) ConnectTimeout() time.Duration {
	return secondsOr(g.ConnectTimeoutSeconds, defaultConnectTimeout)
}

func (g GatewayConfig) ShutdownGrace() time.Duration {
	return secondsOr(g.ShutdownGraceSeconds, defaultShutdownGrace)
}

func (g GatewayConfig) Concurrency() int {
	if g.MaxConcurrentStarts <= 0 {
		return defaultMaxConcurrent
	}

	return g.MaxConcurrentStarts
}

// Attempts returns the restart budget. Zero selects the default; a negative value
// disables restarts.
func (r RestartConfig) Attempts() int {
	if r.MaxAttempts == 0 {
		return defaultRestartMaxAttempts
	}
	if r.MaxAttempts < 0 {
		return 0
	}

	return r.MaxAttempts
}

func (r RestartConfig) InitialInterval() time.Duration {
	if r.InitialIntervalMS <= 0 {
		return defaultRestartInitial
	}

	return time.Duration(r.InitialIntervalMS) * time.Millisecond
}

func (r RestartConfig) MaxInterval() time.Duration {
	return secondsOr(r.MaxIntervalSeconds, defaultRestartMaxInterval)
}

func (r RestartConfig) Factor() float64 {
	if r.Multiplier < 1 {
		return defaultRestartMultiplier
	}

	return r.Multiplier
}

func (a AuthConfig) RefreshSkew() time.Duration {
	return secondsOr(a.RefreshSkewSeconds, defaultRefreshSkew)
}

func secondsOr(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}

	return time.Duration(seconds) * time.Second
}
