// Package config loads, validates and hot-reloads the lattice platform
// configuration.
//
// # Layout
//
// A Config is organized in sections: deployment identity, NATS
// connectivity, the HTTP server, the graph store, the query engine,
// federation, streaming transports, metrics and logging. Files may be
// YAML or JSON; both decode through the same JSON-tagged struct.
//
// # Loading
//
// The Loader merges sources in order of increasing precedence:
// built-in defaults, then each file layer, then LATTICE_* environment
// overrides. A deployment file states only what it changes:
//
//	loader := config.NewLoader()
//	loader.EnableValidation()
//	_ = loader.AddLayer("/etc/lattice/base.yaml")
//	_ = loader.AddLayer("/etc/lattice/prod.yaml")
//	cfg, err := loader.Load()
//
// Or, for the common single-file case:
//
//	cfg, err := config.LoadFile("lattice.yaml")
//
// Durations are written as strings ("30s", "14d"); a bare number is
// read as nanoseconds. Environment overrides cover identity,
// credentials and endpoints only, e.g. LATTICE_NATS_URLS accepts a
// comma-separated server list.
//
// # Hot reload
//
// The Manager watches the config file's directory with fsnotify and
// re-reads the file when it changes. Config.Version gates the reload:
// a file is applied only when its semver is strictly newer than the
// running configuration, so stale files and accidental rollbacks are
// ignored. Invalid files are logged and skipped; the process keeps
// running on the last good configuration.
//
//	mgr, err := config.NewManager("lattice.yaml")
//	if err != nil {
//		return err
//	}
//	if err := mgr.Start(ctx); err != nil {
//		return err
//	}
//	defer mgr.Stop(5 * time.Second)
//
//	for update := range mgr.OnChange("graph") {
//		applyGraphSettings(update.Config.Get().Graph)
//	}
//
// OnChange delivers the current configuration immediately, then one
// Update per changed section after each applied reload. Reload may
// also be called directly, typically from a SIGHUP handler.
//
// # Concurrent access
//
// SafeConfig guards the running configuration. Get returns a deep
// clone, so callers can never mutate shared state; Update validates
// before swapping.
package config
