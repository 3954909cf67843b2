package natsclient

import "time"

// WithFastStartup trades robustness for speed, useful in unit-adjacent
// tests that only need a reachable server.
func WithFastStartup() TestOption {
	return func(cfg *testConfig) {
		cfg.timeout = 2 * time.Second
		cfg.startTimeout = 10 * time.Second
	}
}

// WithIntegrationDefaults configures sensible settings for integration
// tests: JetStream enabled, moderate timeouts.
func WithIntegrationDefaults() TestOption {
	return func(cfg *testConfig) {
		cfg.jetstream = true
		cfg.timeout = 5 * time.Second
		cfg.startTimeout = 30 * time.Second
	}
}

// WithE2EDefaults configures settings for end-to-end tests: JetStream and
// KV enabled with generous timeouts.
func WithE2EDefaults() TestOption {
	return func(cfg *testConfig) {
		cfg.jetstream = true
		cfg.kv = true
		cfg.timeout = 10 * time.Second
		cfg.startTimeout = 60 * time.Second
	}
}

// WithProductionLike mirrors a production server: latest image, JetStream
// and KV enabled, long timeouts.
func WithProductionLike() TestOption {
	return func(cfg *testConfig) {
		cfg.jetstream = true
		cfg.kv = true
		cfg.natsVersion = "latest"
		cfg.timeout = 30 * time.Second
		cfg.startTimeout = 60 * time.Second
	}
}

// WithMinimalFeatures disables JetStream and KV for tests that only
// exercise core pub/sub.
func WithMinimalFeatures() TestOption {
	return func(cfg *testConfig) {
		cfg.jetstream = false
		cfg.kv = false
		cfg.timeout = time.Second
		cfg.startTimeout = 5 * time.Second
	}
}
