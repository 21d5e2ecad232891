package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/tarungka/watcher/internal/utils"
)

var badgerKey = []byte("checkpoint/resume_token")

// BadgerStore keeps the checkpoint as a single key in a badger database.
type BadgerStore struct {
	path   string
	logger zerolog.Logger

	mu sync.RWMutex
	db *badger.DB
}

// OpenBadgerStore opens a file-based badger database in dir.
func OpenBadgerStore(dir string, logger zerolog.Logger) (*BadgerStore, error) {
	if dir == "" {
		return nil, errors.New("checkpoint: badger directory cannot be empty")
	}
	return openBadger(badger.DefaultOptions(dir), dir, logger)
}

// OpenBadgerInMemory opens a badger store that keeps nothing on disk.
func OpenBadgerInMemory(logger zerolog.Logger) (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true), ":memory:", logger)
}

func openBadger(opts badger.Options, path string, logger zerolog.Logger) (*BadgerStore, error) {
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open badger database %s: %w", path, err)
	}
	l := logger.With().Str("component", "checkpoint").Str("backend", "badger").Logger()
	l.Debug().Str("path", path).Msg("opened badger database")
	return &BadgerStore{path: path, db: db, logger: l}, nil
}

func (s *BadgerStore) Get(ctx context.Context) (Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return "", ErrStoreClosed
	}

	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey)
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		s.logger.Info().Str("path", s.path).Msg("no checkpoint found; starting from the default position")
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("checkpoint: read badger database: %w", err)
	}
	return decodeRecord(raw, s.logger), nil
}

func (s *BadgerStore) Set(ctx context.Context, position Position) error {
	if position.IsZero() {
		return ErrEmptyPosition
	}
	buf, err := utils.EncodeMsgPack(newRecord(position))
	if err != nil {
		return fmt.Errorf("checkpoint: encode record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrStoreClosed
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey, buf.Bytes())
	})
	if err != nil {
		return fmt.Errorf("checkpoint: write badger database: %w", err)
	}
	// In-memory databases have nothing to sync.
	if s.path != ":memory:" {
		if err := s.db.Sync(); err != nil {
			return fmt.Errorf("checkpoint: sync badger database: %w", err)
		}
	}
	return nil
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

var _ Store = (*BadgerStore)(nil)
