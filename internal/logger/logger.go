package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	isDevelopment = false // if running in debug mode

	logFile io.Writer = nil

	AdHocLogger zerolog.Logger

	once sync.Once

	globalLogger zerolog.Logger
)

func init() {
	// Create a general logger that can be easily accessed for
	// when you do not want to create a new logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	AdHocLogger = zerolog.New(os.Stderr).With().Timestamp().Str("service", "ad-hoc-logger").Caller().Logger()
}

// FileConfig configures the rotated log file.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultFileConfig returns rotation defaults for path.
func DefaultFileConfig(path string) FileConfig {
	return FileConfig{
		Path:       path,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
		Compress:   true,
	}
}

// NewRotatingFile returns a writer that rotates the log file by size.
func NewRotatingFile(c FileConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   c.Path,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

// GetLogger returns the process logger, building it on first use.
func GetLogger(serviceName string) zerolog.Logger {
	once.Do(func() {
		globalLogger = New(serviceName, os.Stderr)
	})
	return globalLogger
}

// New builds a logger writing to console and, if set, the log file. In
// development mode console output is human readable and the level is debug.
func New(serviceName string, console io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	var out io.Writer = console
	if isDevelopment {
		level = zerolog.DebugLevel
		out = zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339,
			FormatLevel: func(i any) string {
				return strings.ToUpper(fmt.Sprintf("[%5s]", i))
			},
			FormatMessage: func(i any) string {
				return fmt.Sprintf("| %s |", i)
			},
			FormatCaller: func(i any) string {
				return filepath.Base(fmt.Sprintf("%s", i))
			},
		}
	}

	writers := []io.Writer{out}
	if logFile != nil {
		writers = append(writers, logFile)
	}

	return zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Str("service", serviceName).
		Caller().
		Logger()
}

func SetDevelopment(value bool) {
	isDevelopment = value
}

func SetLogFile(w io.Writer) {
	logFile = w
}
