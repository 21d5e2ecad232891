package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarungka/watcher/internal/utils"
	bolt "go.etcd.io/bbolt"
)

var (
	boltBucket = []byte("checkpoint")
	boltKey    = []byte("resume_token")
)

// BoltStore keeps the checkpoint as a single key in a bbolt database.
type BoltStore struct {
	path   string
	logger zerolog.Logger

	mu sync.RWMutex
	db *bolt.DB
}

// OpenBoltStore opens, or creates, the bbolt database at path.
func OpenBoltStore(path string, logger zerolog.Logger) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("checkpoint: create directory for %s: %w", path, err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open bolt database %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: create bucket: %w", err)
	}
	return &BoltStore{
		path:   path,
		db:     db,
		logger: logger.With().Str("component", "checkpoint").Str("backend", "bbolt").Logger(),
	}, nil
}

func (s *BoltStore) Get(ctx context.Context) (Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return "", ErrStoreClosed
	}

	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(boltBucket).Get(boltKey); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("checkpoint: read bolt database: %w", err)
	}
	if raw == nil {
		s.logger.Info().Str("path", s.path).Msg("no checkpoint found; starting from the default position")
		return "", nil
	}
	return decodeRecord(raw, s.logger), nil
}

func (s *BoltStore) Set(ctx context.Context, position Position) error {
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
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put(boltKey, buf.Bytes())
	})
	if err != nil {
		return fmt.Errorf("checkpoint: write bolt database: %w", err)
	}
	return nil
}

func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// decodeRecord returns the position held by raw, or the empty Position if
// raw is not a usable record.
func decodeRecord(raw []byte, logger zerolog.Logger) Position {
	var r record
	if err := utils.DecodeMsgPack(raw, &r); err != nil {
		logger.Warn().Err(err).Msg("ignoring corrupt checkpoint; starting from the default position")
		return ""
	}
	if r.Token == "" {
		logger.Warn().Str("reason", "empty token").Msg("ignoring corrupt checkpoint; starting from the default position")
		return ""
	}
	return Position(r.Token)
}

var _ Store = (*BoltStore)(nil)
