package sinks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tarungka/watcher/internal/models"
)

var ErrSinkNotOpen = errors.New("sinks: sink is not open")

const tailScanBlock = 4096

// FileSink appends one relaxed Extended JSON record per line to a file.
type FileSink struct {
	filePath       string
	syncEveryWrite bool
	logger         zerolog.Logger

	mu     sync.Mutex
	file   *os.File
	offset int64 // end of the last complete record
}

func NewFileSink(path string, syncEveryWrite bool, logger zerolog.Logger) (*FileSink, error) {
	if path == "" {
		return nil, errors.New("sinks: missing data file path")
	}
	return &FileSink{
		filePath:       path,
		syncEveryWrite: syncEveryWrite,
		logger:         logger.With().Str("component", "sink").Str("sink", TypeFile).Logger(),
	}, nil
}

func (f *FileSink) Type() string { return TypeFile }

func (f *FileSink) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("sinks: create parent directories: %w", err)
	}

	if _, err := os.Stat(f.filePath); err == nil {
		f.logger.Warn().Str("file_path", f.filePath).Msg("file already exists; appending to it")
		if err := f.repairTail(); err != nil {
			return err
		}
	}

	file, err := os.OpenFile(f.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("sinks: open file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("sinks: stat file: %w", err)
	}
	f.file = file
	f.offset = info.Size()
	f.logger.Debug().Str("file_path", f.filePath).Int64("offset", f.offset).Msg("opened data file")
	return nil
}

// repairTail cuts a trailing partial record, left behind by a crash in the
// middle of a write, back to the last newline.
func (f *FileSink) repairTail() error {
	rf, err := os.Open(f.filePath)
	if err != nil {
		return fmt.Errorf("sinks: open file for repair: %w", err)
	}
	defer rf.Close()

	info, err := rf.Stat()
	if err != nil {
		return fmt.Errorf("sinks: stat file: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	end, err := lastRecordEnd(rf, size)
	if err != nil {
		return fmt.Errorf("sinks: scan file tail: %w", err)
	}
	if end == size {
		return nil
	}

	f.logger.Warn().Str("file_path", f.filePath).Int64("size", size).Int64("truncate_to", end).
		Msg("data file ends in a partial record; truncating it")
	if err := os.Truncate(f.filePath, end); err != nil {
		return fmt.Errorf("sinks: truncate partial record: %w", err)
	}
	return nil
}

// lastRecordEnd returns the offset just past the last newline in r, or 0.
func lastRecordEnd(r io.ReaderAt, size int64) (int64, error) {
	buf := make([]byte, tailScanBlock)
	for pos := size; pos > 0; {
		n := int64(len(buf))
		if pos < n {
			n = pos
		}
		pos -= n
		if _, err := r.ReadAt(buf[:n], pos); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		for i := n - 1; i >= 0; i-- {
			if buf[i] == '\n' {
				return pos + i + 1, nil
			}
		}
	}
	return 0, nil
}

func (f *FileSink) Append(ctx context.Context, event *models.ChangeEvent) error {
	record, err := event.Record()
	if err != nil {
		return fmt.Errorf("sinks: encode event: %w", err)
	}
	line := append(record, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return ErrSinkNotOpen
	}

	n, err := f.file.Write(line)
	if err == nil && n != len(line) {
		err = io.ErrShortWrite
	}
	if err == nil && f.syncEveryWrite {
		err = f.file.Sync()
	}
	if err != nil {
		f.rollback()
		return fmt.Errorf("sinks: write record: %w", err)
	}
	f.offset += int64(n)
	return nil
}

// rollback removes whatever part of a failed record reached the file.
func (f *FileSink) rollback() {
	if err := os.Truncate(f.filePath, f.offset); err != nil {
		f.logger.Err(err).Int64("offset", f.offset).Msg("failed to truncate data file after a failed write")
	}
}

func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	f.logger.Info().Msg("closing file sink")
	err := f.file.Close()
	f.file = nil
	if err != nil {
		return fmt.Errorf("sinks: close file: %w", err)
	}
	return nil
}

var _ Sink = (*FileSink)(nil)
