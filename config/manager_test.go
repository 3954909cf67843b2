package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	latticeerrors "github.com/latticeworks/lattice/errors"
)

func managerConfigYAML(version string, traversalNodes int) string {
	return fmt.Sprintf(`
version: %s
deployment:
  org: latticeworks
  instance: dash-1
graph:
  max_traversal_nodes: %d
`, version, traversalNodes)
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lattice.yaml")
	require.NoError(t, os.WriteFile(path, []byte(managerConfigYAML("1.0.0", 1000)), 0600))

	mgr, err := NewManager(path, WithDebounce(10*time.Millisecond))
	require.NoError(t, err)
	return mgr, path
}

func TestNewManager(t *testing.T) {
	mgr, _ := newTestManager(t)

	cfg := mgr.Config().Get()
	assert.Equal(t, "1.0.0", cfg.Version)
	assert.Equal(t, "latticeworks", cfg.Deployment.Org)
	assert.Equal(t, 1000, cfg.Graph.MaxTraversalNodes)
}

func TestNewManager_MissingFile(t *testing.T) {
	_, err := NewManager(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestNewManager_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lattice.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1.0.0\n"), 0600))

	_, err := NewManager(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deployment.org")
}

func TestManager_ReloadVersionGate(t *testing.T) {
	mgr, path := newTestManager(t)

	// Newer version applies.
	require.NoError(t, os.WriteFile(path, []byte(managerConfigYAML("1.1.0", 2000)), 0600))
	require.NoError(t, mgr.Reload())
	cfg := mgr.Config().Get()
	assert.Equal(t, "1.1.0", cfg.Version)
	assert.Equal(t, 2000, cfg.Graph.MaxTraversalNodes)

	// Equal version is skipped even when values differ.
	require.NoError(t, os.WriteFile(path, []byte(managerConfigYAML("1.1.0", 3000)), 0600))
	require.NoError(t, mgr.Reload())
	assert.Equal(t, 2000, mgr.Config().Get().Graph.MaxTraversalNodes)

	// Older version is skipped.
	require.NoError(t, os.WriteFile(path, []byte(managerConfigYAML("0.9.0", 4000)), 0600))
	require.NoError(t, mgr.Reload())
	assert.Equal(t, "1.1.0", mgr.Config().Version())
}

func TestManager_ReloadKeepsCurrentOnBadFile(t *testing.T) {
	mgr, path := newTestManager(t)

	require.NoError(t, os.WriteFile(path, []byte("{{{ not yaml"), 0600))
	require.Error(t, mgr.Reload())
	assert.Equal(t, "1.0.0", mgr.Config().Version())

	// Parseable but invalid: newer version, missing identity.
	require.NoError(t, os.WriteFile(path, []byte("version: 2.0.0\n"), 0600))
	require.Error(t, mgr.Reload())
	assert.Equal(t, "1.0.0", mgr.Config().Version())
	assert.Equal(t, "latticeworks", mgr.Config().Get().Deployment.Org)
}

func TestManager_OnChangeInitialSnapshot(t *testing.T) {
	mgr, _ := newTestManager(t)

	ch := mgr.OnChange("graph")
	select {
	case u := <-ch:
		assert.Equal(t, "config", u.Section)
		assert.Equal(t, "1.0.0", u.Version)
		assert.Same(t, mgr.Config(), u.Config)
	default:
		t.Fatal("no initial snapshot delivered")
	}
}

func TestManager_OnChangeSectionFilter(t *testing.T) {
	mgr, path := newTestManager(t)

	graphCh := mgr.OnChange("graph")
	natsCh := mgr.OnChange("nats")
	allCh := mgr.OnChange("*")
	<-graphCh
	<-natsCh
	<-allCh

	require.NoError(t, os.WriteFile(path, []byte(managerConfigYAML("1.1.0", 2000)), 0600))
	require.NoError(t, mgr.Reload())

	select {
	case u := <-graphCh:
		assert.Equal(t, "graph", u.Section)
		assert.Equal(t, "1.1.0", u.Version)
		assert.Equal(t, 2000, u.Config.Get().Graph.MaxTraversalNodes)
	default:
		t.Fatal("graph subscriber missed the update")
	}

	select {
	case u := <-natsCh:
		t.Fatalf("nats subscriber got unrelated update: %+v", u)
	default:
	}

	select {
	case u := <-allCh:
		assert.Equal(t, "graph", u.Section)
	default:
		t.Fatal("wildcard subscriber missed the update")
	}
}

func TestManager_VersionOnlyBumpNotifies(t *testing.T) {
	mgr, path := newTestManager(t)

	ch := mgr.OnChange("*")
	<-ch

	// Same values, only the version advances.
	require.NoError(t, os.WriteFile(path, []byte(managerConfigYAML("1.1.0", 1000)), 0600))
	require.NoError(t, mgr.Reload())

	select {
	case u := <-ch:
		assert.Equal(t, "config", u.Section)
		assert.Equal(t, "1.1.0", u.Version)
	default:
		t.Fatal("no update for version-only reload")
	}
}

func TestManager_WatcherReload(t *testing.T) {
	mgr, path := newTestManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mgr.Start(ctx))
	t.Cleanup(func() { _ = mgr.Stop(2 * time.Second) })

	ch := mgr.OnChange("graph")
	<-ch

	require.NoError(t, os.WriteFile(path, []byte(managerConfigYAML("1.1.0", 2000)), 0600))

	assert.Eventually(t, func() bool {
		return mgr.Config().Version() == "1.1.0"
	}, 5*time.Second, 25*time.Millisecond, "file change never applied")

	select {
	case u := <-ch:
		assert.Equal(t, "graph", u.Section)
		assert.Equal(t, 2000, u.Config.Get().Graph.MaxTraversalNodes)
	case <-time.After(2 * time.Second):
		t.Fatal("no update delivered after watcher reload")
	}
}

func TestManager_WatcherIgnoresSiblingFiles(t *testing.T) {
	mgr, path := newTestManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mgr.Start(ctx))
	t.Cleanup(func() { _ = mgr.Stop(2 * time.Second) })

	sibling := filepath.Join(filepath.Dir(path), "other.yaml")
	require.NoError(t, os.WriteFile(sibling, []byte(managerConfigYAML("9.9.9", 1)), 0600))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, "1.0.0", mgr.Config().Version())
}

func TestManager_Lifecycle(t *testing.T) {
	mgr, _ := newTestManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := mgr.OnChange("*")
	<-ch

	require.NoError(t, mgr.Start(ctx))

	err := mgr.Start(ctx)
	require.Error(t, err, "second start must fail")
	assert.True(t, latticeerrors.IsInvalid(err))

	require.NoError(t, mgr.Stop(2*time.Second))
	require.NoError(t, mgr.Stop(2*time.Second), "stop is idempotent")

	_, open := <-ch
	assert.False(t, open, "subscriber channel should be closed after Stop")

	err = mgr.Start(ctx)
	require.Error(t, err, "start after stop must fail")

	ch2 := mgr.OnChange("*")
	_, open = <-ch2
	assert.False(t, open, "subscription after stop returns a closed channel")
}

func TestManager_StopWithoutStart(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.Stop(time.Second))
}

func TestMatchesPattern(t *testing.T) {
	tests := []struct {
		section string
		pattern string
		want    bool
	}{
		{"graph", "graph", true},
		{"graph", "*", true},
		{"graph", "nats", false},
		{"graph", "", false},
		{"transports.sse", "transports.*", true},
		{"transports", "transports.*", true},
		{"transportsx", "transports.*", false},
		{"config", "*", true},
	}
	for _, tt := range tests {
		if got := matchesPattern(tt.section, tt.pattern); got != tt.want {
			t.Errorf("matchesPattern(%q, %q) = %v, want %v", tt.section, tt.pattern, got, tt.want)
		}
	}
}

func TestDiffSections(t *testing.T) {
	old := validConfig()
	next := old.Clone()
	next.Graph.MaxTraversalNodes = 1
	next.Logging.Level = "debug"

	assert.Equal(t, []string{"graph", "logging"}, diffSections(old, next))
	assert.Empty(t, diffSections(old, old.Clone()))
}
