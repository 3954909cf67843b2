package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/latticeworks/lattice/errors"
)

// Update is delivered to OnChange subscribers after a reload applies.
// Section names the top-level section that changed ("graph", "nats",
// ...); a reload that only bumps the version delivers Section "config".
type Update struct {
	Section string
	Version string
	Config  *SafeConfig
}

// Editors and atomic writers produce bursts of filesystem events for a
// single save. Reloads wait this long after the last event.
const defaultDebounce = 100 * time.Millisecond

// Manager owns the running configuration and hot-reloads it when the
// config file changes on disk. A reloaded file is applied only when
// its version is strictly newer than the running one; stale and
// invalid files are logged and ignored so a bad edit can never take
// down a healthy process.
type Manager struct {
	path     string
	loader   *Loader
	safe     *SafeConfig
	logger   *slog.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher

	mu          sync.RWMutex
	subscribers map[string][]chan Update

	reloadMu sync.Mutex

	wg         sync.WaitGroup
	shutdownCh chan struct{}
	started    atomic.Bool
	stopped    atomic.Bool
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger. Nil keeps the default.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithDebounce overrides the reload debounce window.
func WithDebounce(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.debounce = d
		}
	}
}

// NewManager loads and validates the config file at path and returns a
// manager ready to watch it. The initial load must succeed; after
// that, reload failures keep the current configuration.
func NewManager(path string, opts ...ManagerOption) (*Manager, error) {
	loader := NewLoader()
	loader.EnableValidation()
	if err := loader.AddLayer(path); err != nil {
		return nil, err
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		path:        path,
		loader:      loader,
		safe:        NewSafeConfig(cfg),
		logger:      slog.Default(),
		debounce:    defaultDebounce,
		subscribers: make(map[string][]chan Update),
		shutdownCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "config_manager")
	return m, nil
}

// Config returns the managed SafeConfig. The pointer stays valid
// across reloads; Get always reflects the latest applied file.
func (m *Manager) Config() *SafeConfig {
	return m.safe
}

// OnChange subscribes to reload notifications. The pattern matches
// section names: exact ("graph"), a trailing wildcard ("transports.*")
// or "*" for everything. The current configuration is delivered
// immediately so subscribers need no separate bootstrap read. Channels
// are closed by Stop; slow subscribers miss updates rather than block
// the reload path.
func (m *Manager) OnChange(pattern string) <-chan Update {
	ch := make(chan Update, 8)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped.Load() {
		close(ch)
		return ch
	}
	m.subscribers[pattern] = append(m.subscribers[pattern], ch)
	ch <- Update{Section: "config", Version: m.safe.Version(), Config: m.safe}
	return ch
}

// Start begins watching the config file's directory. The directory is
// watched rather than the file itself because most editors and
// deployment tools replace the file by rename, which would silently
// detach a direct file watch.
func (m *Manager) Start(ctx context.Context) error {
	if m.stopped.Load() {
		return errors.WrapInvalid(fmt.Errorf("manager is stopped"), "Manager", "Start", "check state")
	}
	if !m.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(fmt.Errorf("manager already started"), "Manager", "Start", "check state")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "Manager", "Start", "create filesystem watcher")
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return errors.Wrap(err, "Manager", "Start", fmt.Sprintf("watch %s", filepath.Dir(m.path)))
	}
	m.watcher = watcher

	m.wg.Add(1)
	go m.watchLoop(ctx)

	m.logger.Info("watching configuration file", "path", m.path, "version", m.safe.Version())
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer m.wg.Done()

	base := filepath.Base(m.path)
	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdownCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(m.debounce)
				pending = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(m.debounce)
			}
		case <-pending:
			timer = nil
			pending = nil
			if err := m.Reload(); err != nil {
				m.logger.Warn("config reload failed, keeping current configuration", "error", err)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("config watcher error", "error", err)
		}
	}
}

// Reload re-reads the config file and applies it when its version is
// strictly newer than the running configuration. Equal versions are
// skipped quietly, older ones with a warning. Safe to call directly,
// e.g. from a SIGHUP handler.
func (m *Manager) Reload() error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	next, err := m.loader.Load()
	if err != nil {
		return err
	}

	current := m.safe.Get()
	newer, err := IsNewer(next.Version, current.Version)
	if err != nil {
		return errors.WrapInvalid(err, "Manager", "Reload", "compare versions")
	}
	if !newer {
		if next.Version == current.Version {
			m.logger.Debug("config version unchanged, reload skipped", "version", next.Version)
		} else {
			m.logger.Warn("config file is older than the running configuration, reload skipped",
				"file_version", next.Version, "running_version", current.Version)
		}
		return nil
	}

	changed := diffSections(current, next)
	if err := m.safe.Update(next); err != nil {
		return errors.WrapInvalid(err, "Manager", "Reload", "apply configuration")
	}
	m.logger.Info("configuration reloaded", "version", next.Version, "sections", changed)
	m.notify(changed, next.Version)
	return nil
}

func (m *Manager) notify(sections []string, version string) {
	if len(sections) == 0 {
		sections = []string{"config"}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped.Load() {
		return
	}
	for pattern, channels := range m.subscribers {
		for _, section := range sections {
			if !matchesPattern(section, pattern) {
				continue
			}
			for _, ch := range channels {
				select {
				case ch <- Update{Section: section, Version: version, Config: m.safe}:
				default:
					m.logger.Warn("config subscriber queue full, dropping update",
						"pattern", pattern, "section", section)
				}
			}
		}
	}
}

// matchesPattern reports whether a section name matches a subscriber
// pattern.
func matchesPattern(section, pattern string) bool {
	if pattern == "*" || pattern == section {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return section == prefix || strings.HasPrefix(section, prefix+".")
	}
	return false
}

// diffSections lists the top-level sections that differ between two
// configurations.
func diffSections(old, next *Config) []string {
	var changed []string
	record := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			changed = append(changed, name)
		}
	}
	record("deployment", old.Deployment, next.Deployment)
	record("nats", old.NATS, next.NATS)
	record("server", old.Server, next.Server)
	record("graph", old.Graph, next.Graph)
	record("query", old.Query, next.Query)
	record("federation", old.Federation, next.Federation)
	record("transports", old.Transports, next.Transports)
	record("metrics", old.Metrics, next.Metrics)
	record("logging", old.Logging, next.Logging)
	return changed
}

// Stop shuts down the watcher, waits up to timeout for the watch loop
// to exit and closes all subscriber channels. Stopping twice is a
// no-op.
func (m *Manager) Stop(timeout time.Duration) error {
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(m.shutdownCh)
	if m.watcher != nil {
		if err := m.watcher.Close(); err != nil {
			m.logger.Warn("close config watcher", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("watch loop did not stop within %v", timeout),
			"Manager", "Stop", "await shutdown")
	}

	m.mu.Lock()
	for _, channels := range m.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	m.subscribers = make(map[string][]chan Update)
	m.mu.Unlock()

	m.logger.Info("config manager stopped")
	return nil
}
