package config

import "time"

// Default returns the configuration used when nothing is overridden. The
// values reproduce the behaviour of a plain demo server: port 2222, a one
// hour inactivity timeout, three second rejection delay and a shutdown ten
// minutes after start.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			Listen:         "0.0.0.0:2222",
			ShutdownAfter:  10 * time.Minute,
			ShutdownReason: "Server shutting down after 10 minutes",
			ShutdownGrace:  2 * time.Second,
			OutboundQueue:  256,
			ForwardTimeout: 30 * time.Second,
		},
		SSH: SSHConfig{
			HostKeys:                 []string{},
			InactivityTimeout:        time.Hour,
			AuthRejectionTime:        3 * time.Second,
			AuthRejectionTimeInitial: 0,
			AuthTimeout:              10 * time.Second,
			KeyExchanges:             []string{},
			Ciphers:                  []string{},
			MACs:                     []string{},
		},
		Auth: AuthConfig{
			Cache: AuthCacheConfig{
				Backend: "memory",
				TTL:     5 * time.Minute,
				Redis: RedisConfig{
					Addrs:     []string{},
					Namespace: "sshhub:auth:",
				},
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9100",
		},
	}
}
