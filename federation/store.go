package federation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/latticeworks/lattice/errors"
)

// LinkStore persists federation links keyed by their identity tuple.
type LinkStore interface {
	// Upsert writes the link and reports whether it was newly created.
	// Re-registering an existing identity replaces the weight and bumps
	// UpdatedAt while CreatedAt is preserved.
	Upsert(ctx context.Context, link *Link) (*Link, bool, error)
	// Get returns the link with the given identity.
	Get(ctx context.Context, identity string) (*Link, error)
	// List returns every stored link sorted by identity.
	List(ctx context.Context) ([]*Link, error)
	// Close releases store resources.
	Close() error
}

// MemoryStore keeps links in process memory. It is the default store for
// standalone deployments and the only store tests need.
type MemoryStore struct {
	mu    sync.RWMutex
	links map[string]*Link

	// now is swappable so tests can pin timestamps.
	now func() time.Time
}

// NewMemoryStore creates an empty in-memory link store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		links: make(map[string]*Link),
		now:   time.Now,
	}
}

// Upsert writes the link and reports whether it was newly created.
func (s *MemoryStore) Upsert(_ context.Context, link *Link) (*Link, bool, error) {
	if err := link.Validate(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	identity := link.Identity()
	stored := link.Clone()
	stored.UpdatedAt = now

	prev, ok := s.links[identity]
	if ok {
		stored.CreatedAt = prev.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	s.links[identity] = stored
	return stored.Clone(), !ok, nil
}

// Get returns the link with the given identity.
func (s *MemoryStore) Get(_ context.Context, identity string) (*Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	link, ok := s.links[identity]
	if !ok {
		return nil, errors.WrapNotFound(
			fmt.Errorf("link %q: %w", identity, errors.ErrLinkNotFound),
			"MemoryStore", "Get", "look up link")
	}
	return link.Clone(), nil
}

// List returns every stored link sorted by identity.
func (s *MemoryStore) List(_ context.Context) ([]*Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Link, 0, len(s.links))
	for _, link := range s.links {
		out = append(out, link.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity() < out[j].Identity() })
	return out, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
