// Package checkpoint persists the resume position of the change stream so
// that consumption can restart from the last durably recorded event.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrStoreClosed is returned when a Store is used after Close.
	ErrStoreClosed = errors.New("checkpoint: store is closed")
	// ErrEmptyPosition is returned when Set is called with an empty position.
	ErrEmptyPosition = errors.New("checkpoint: empty resume position")
)

// Position is an opaque resume token. The empty Position means no
// checkpoint has been recorded yet.
type Position string

// IsZero reports whether p is absent.
func (p Position) IsZero() bool { return p == "" }

func (p Position) String() string { return string(p) }

// Store is a single-slot durable checkpoint.
type Store interface {
	// Get returns the stored position. A missing or corrupt checkpoint is
	// reported as the empty Position and a nil error.
	Get(ctx context.Context) (Position, error)
	// Set atomically replaces the stored position.
	Set(ctx context.Context, position Position) error
	// Close releases the underlying resources.
	Close() error
}

// Backend names a Store implementation.
type Backend string

const (
	BackendFile   Backend = "file"
	BackendBolt   Backend = "bbolt"
	BackendBadger Backend = "badger"
)

// Config selects and configures a Store.
type Config struct {
	Backend Backend `koanf:"backend" validate:"omitempty,oneof=file bbolt badger"`
	// Path is the token file for the file backend, the database file for
	// bbolt and the database directory for badger.
	Path string `koanf:"token_file" validate:"required"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Backend: BackendFile,
		Path:    ".resume_token",
	}
}

// New opens the Store selected by c.
func New(c Config, logger zerolog.Logger) (Store, error) {
	switch c.Backend {
	case BackendFile, "":
		return NewFileStore(c.Path, logger)
	case BackendBolt:
		return OpenBoltStore(c.Path, logger)
	case BackendBadger:
		return OpenBadgerStore(c.Path, logger)
	default:
		return nil, fmt.Errorf("checkpoint: unsupported backend %q", c.Backend)
	}
}

// record is the value layout of the key-value backends.
type record struct {
	Token     string `codec:"token"`
	UpdatedAt int64  `codec:"updated_at"`
}

func newRecord(p Position) record {
	return record{Token: string(p), UpdatedAt: time.Now().UnixNano()}
}

// Cell holds the last known position shared between the consumption loop
// and its observers.
type Cell struct {
	v atomic.Pointer[Position]
}

// Load returns the current position and whether one is set.
func (c *Cell) Load() (Position, bool) {
	p := c.v.Load()
	if p == nil || p.IsZero() {
		return "", false
	}
	return *p, true
}

// Store publishes p.
func (c *Cell) Store(p Position) {
	c.v.Store(&p)
}
