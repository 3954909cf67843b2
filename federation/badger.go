package federation

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/latticeworks/lattice/errors"
)

// linkKeyPrefix namespaces link records inside the Badger keyspace so the
// store can share a database with other data later.
const linkKeyPrefix = "fl/"

// BadgerConfig configures the durable link store.
type BadgerConfig struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string
	// InMemory runs Badger without touching disk. Used by tests.
	InMemory bool
	// SyncWrites fsyncs every write. Slower but survives power loss.
	SyncWrites bool
}

// BadgerStore persists links in a Badger database. Keys are
// "fl/{identity}", so Badger's lexicographic iteration yields links
// sorted by identity for free.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger

	// now is swappable so tests can pin timestamps.
	now func() time.Time
}

// NewBadgerStore opens (or creates) the database under cfg.Dir.
func NewBadgerStore(cfg BadgerConfig, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := cfg.Dir
	if cfg.InMemory {
		dir = ""
	} else {
		if dir == "" {
			return nil, errors.WrapInvalid(
				fmt.Errorf("dir is required unless running in memory"),
				"BadgerStore", "New", "check config")
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, errors.Wrap(err, "BadgerStore", "New", "create data dir")
		}
	}

	opts := badger.DefaultOptions(dir).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(badgerLogger{logger.With("component", "federation_badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "BadgerStore", "New", "open database")
	}
	return &BadgerStore{db: db, logger: logger, now: time.Now}, nil
}

func linkKey(identity string) []byte {
	return []byte(linkKeyPrefix + identity)
}

// Upsert writes the link in a single transaction and reports whether it
// was newly created. CreatedAt of an existing record is preserved.
func (s *BadgerStore) Upsert(_ context.Context, link *Link) (*Link, bool, error) {
	if err := link.Validate(); err != nil {
		return nil, false, err
	}

	now := s.now().UTC()
	stored := link.Clone()
	stored.UpdatedAt = now

	key := linkKey(link.Identity())
	created := false
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case err == nil:
			var prev Link
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &prev)
			}); err != nil {
				return fmt.Errorf("decode existing link: %w", err)
			}
			stored.CreatedAt = prev.CreatedAt
		case stderrors.Is(err, badger.ErrKeyNotFound):
			created = true
			stored.CreatedAt = now
		default:
			return err
		}

		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("encode link: %w", err)
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "BadgerStore", "Upsert", "write link")
	}
	return stored, created, nil
}

// Get returns the link with the given identity.
func (s *BadgerStore) Get(_ context.Context, identity string) (*Link, error) {
	var link Link
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(linkKey(identity))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &link)
		})
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return nil, errors.WrapNotFound(
			fmt.Errorf("link %q: %w", identity, errors.ErrLinkNotFound),
			"BadgerStore", "Get", "look up link")
	}
	if err != nil {
		return nil, errors.Wrap(err, "BadgerStore", "Get", "read link")
	}
	return &link, nil
}

// List returns every stored link sorted by identity.
func (s *BadgerStore) List(_ context.Context) ([]*Link, error) {
	var out []*Link
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(linkKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var link Link
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &link)
			}); err != nil {
				return fmt.Errorf("decode link %q: %w", it.Item().Key(), err)
			}
			out = append(out, &link)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "BadgerStore", "List", "scan links")
	}
	return out, nil
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "BadgerStore", "Close", "close database")
	}
	return nil
}

// badgerLogger adapts slog to badger's printf-style logger.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
