package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tarungka/watcher/checkpoint"
	"github.com/tarungka/watcher/internal/models"
	"github.com/tarungka/watcher/sources"
	"go.mongodb.org/mongo-driver/bson"
)

func newEvent(t *testing.T, token string) *models.ChangeEvent {
	t.Helper()
	raw, err := bson.Marshal(bson.D{
		{Key: "_id", Value: bson.D{{Key: "_data", Value: token}}},
		{Key: "operationType", Value: "insert"},
		{Key: "fullDocument", Value: bson.D{{Key: "token", Value: token}}},
	})
	require.NoError(t, err)
	event, err := models.NewChangeEvent(raw)
	require.NoError(t, err)
	return event
}

// step is one scripted cursor result.
type step struct {
	event *models.ChangeEvent
	err   error
}

// history is a server-side change stream: Open resumes after the given
// token, or starts at the end of history when none is given.
type history struct {
	events  []*models.ChangeEvent
	tail    []step
	openErr error

	mu      sync.Mutex
	resumed []checkpoint.Position
	opened  int
	closed  bool
}

func (h *history) Open(ctx context.Context, resume checkpoint.Position, filter sources.Filter, policy sources.DocumentPolicy) (sources.Cursor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened++
	h.resumed = append(h.resumed, resume)
	if h.openErr != nil {
		return nil, h.openErr
	}

	var steps []step
	if resume.IsZero() {
		for _, e := range h.events {
			steps = append(steps, step{event: e})
		}
	} else {
		found := false
		for _, e := range h.events {
			if found {
				steps = append(steps, step{event: e})
			}
			if e.ResumeToken == resume.String() {
				found = true
			}
		}
	}
	steps = append(steps, h.tail...)
	return &scriptedCursor{steps: steps}, nil
}

func (h *history) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *history) lastResume() checkpoint.Position {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.resumed) == 0 {
		return ""
	}
	return h.resumed[len(h.resumed)-1]
}

// scriptedCursor replays steps and then blocks until cancelled.
type scriptedCursor struct {
	steps  []step
	closed bool
}

func (c *scriptedCursor) Next(ctx context.Context) (*models.ChangeEvent, error) {
	if len(c.steps) > 0 {
		s := c.steps[0]
		c.steps = c.steps[1:]
		return s.event, s.err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *scriptedCursor) Close(ctx context.Context) error {
	c.closed = true
	return nil
}

// memSink records appended tokens. onAppend runs after a successful append.
type memSink struct {
	mu       sync.Mutex
	tokens   []string
	failOn   string
	onAppend func(token string)
	closed   bool
}

func (s *memSink) Open(ctx context.Context) error { return nil }

func (s *memSink) Append(ctx context.Context, event *models.ChangeEvent) error {
	s.mu.Lock()
	if event.ResumeToken == s.failOn {
		s.mu.Unlock()
		return errors.New("no space left on device")
	}
	s.tokens = append(s.tokens, event.ResumeToken)
	hook := s.onAppend
	s.mu.Unlock()
	if hook != nil {
		hook(event.ResumeToken)
	}
	return nil
}

func (s *memSink) Close() error {
	s.closed = true
	return nil
}

func (s *memSink) Type() string { return "memory" }

func (s *memSink) appended() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

// memStore is an in-memory checkpoint store that remembers every write.
type memStore struct {
	mu      sync.Mutex
	current checkpoint.Position
	writes  []checkpoint.Position
	getErr  error
	failOn  checkpoint.Position
}

func (s *memStore) Get(ctx context.Context) (checkpoint.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.getErr
}

func (s *memStore) Set(ctx context.Context, position checkpoint.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if position == s.failOn {
		return errors.New("read-only file system")
	}
	s.current = position
	s.writes = append(s.writes, position)
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) get() checkpoint.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// MockSink is a testify mock of sinks.Sink.
type MockSink struct {
	mock.Mock
}

func (m *MockSink) Open(ctx context.Context) error { return m.Called(ctx).Error(0) }

func (m *MockSink) Append(ctx context.Context, event *models.ChangeEvent) error {
	return m.Called(ctx, event).Error(0)
}

func (m *MockSink) Close() error { return m.Called().Error(0) }

func (m *MockSink) Type() string { return m.Called().String(0) }

// logCapture collects JSON log entries.
type logCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *logCapture) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *logCapture) logger() zerolog.Logger {
	return zerolog.New(l).Level(zerolog.DebugLevel)
}

func (l *logCapture) entries(t *testing.T) []map[string]any {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(l.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

// states returns the sequence of states entered, as logged.
func (l *logCapture) states(t *testing.T) []string {
	var out []string
	for _, e := range l.entries(t) {
		if e["message"] == "state changed" {
			out = append(out, e["to"].(string))
		}
	}
	return out
}

func (l *logCapture) errorEntries(t *testing.T) []map[string]any {
	var out []map[string]any
	for _, e := range l.entries(t) {
		if e["level"] == "error" {
			out = append(out, e)
		}
	}
	return out
}
