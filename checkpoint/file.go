package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// FileStore keeps the raw resume token in a single file that is replaced
// atomically on every Set.
type FileStore struct {
	path   string
	logger zerolog.Logger
	closed atomic.Bool
}

// NewFileStore returns a FileStore for path. The parent directory is created
// if needed; the file itself is only created by the first Set.
func NewFileStore(path string, logger zerolog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("checkpoint: token file path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("checkpoint: create directory for %s: %w", path, err)
	}
	return &FileStore{
		path:   path,
		logger: logger.With().Str("component", "checkpoint").Str("backend", "file").Logger(),
	}, nil
}

func (s *FileStore) Get(ctx context.Context) (Position, error) {
	if s.closed.Load() {
		return "", ErrStoreClosed
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info().Str("token_file", s.path).Msg("no checkpoint found; starting from the default position")
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("checkpoint: read %s: %w", s.path, err)
	}

	token, reason := parseToken(data)
	if reason != "" {
		s.logger.Warn().Str("token_file", s.path).Str("reason", reason).Msg("ignoring corrupt checkpoint; starting from the default position")
		return "", nil
	}
	return Position(token), nil
}

func parseToken(data []byte) (string, string) {
	if !utf8.Valid(data) {
		return "", "invalid utf-8"
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", "empty token"
	}
	if strings.ContainsAny(token, "\r\n") {
		return "", "more than one line"
	}
	for _, r := range token {
		if unicode.IsControl(r) {
			return "", "control character in token"
		}
	}
	return token, ""
}

// Set writes the token to a temporary file in the same directory, syncs it
// and renames it over the token file.
func (s *FileStore) Set(ctx context.Context, position Position) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if position.IsZero() {
		return ErrEmptyPosition
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.WriteString(string(position)); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("checkpoint: replace %s: %w", s.path, err)
	}
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("checkpoint: sync directory %s: %w", dir, err)
	}

	s.logger.Trace().Str("resume_token", string(position)).Msg("checkpoint written")
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func (s *FileStore) Close() error {
	s.closed.Store(true)
	return nil
}

var _ Store = (*FileStore)(nil)
