package engine

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitDone(t *testing.T, ctx context.Context) {
	t.Helper()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context was not cancelled")
	}
}

func TestShutdownController_Signals(t *testing.T) {
	tests := []struct {
		name string
		sig  syscall.Signal
	}{
		{name: "SIGTERM", sig: syscall.SIGTERM},
		{name: "SIGINT", sig: syscall.SIGINT},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewShutdownController(zerolog.Nop())
			ctx := c.Start(context.Background())
			defer c.Stop()
			assert.False(t, c.Requested())

			require.NoError(t, syscall.Kill(os.Getpid(), tt.sig))
			waitDone(t, ctx)

			assert.True(t, c.Requested())
			assert.Equal(t, os.Signal(tt.sig), c.Signal())
		})
	}
}

func TestShutdownController_RepeatedSignalsAreIgnored(t *testing.T) {
	logs := &syncBuffer{}
	c := NewShutdownController(zerolog.New(logs))
	ctx := c.Start(context.Background())
	defer c.Stop()

	c.Trigger(syscall.SIGTERM)
	waitDone(t, ctx)
	c.Trigger(syscall.SIGINT)
	c.Trigger(syscall.SIGINT)

	assert.Equal(t, os.Signal(syscall.SIGTERM), c.Signal(), "first signal wins")
	assert.Equal(t, 1, strings.Count(logs.String(), "stopping after the current event"))
	assert.Equal(t, 2, strings.Count(logs.String(), "ignoring signal"))
}

func TestShutdownController_ParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	c := NewShutdownController(zerolog.Nop())
	ctx := c.Start(parent)
	defer c.Stop()

	cancel()
	waitDone(t, ctx)
	assert.False(t, c.Requested(), "parent cancellation is not a signal")
}

func TestShutdownController_TriggerBeforeStart(t *testing.T) {
	c := NewShutdownController(zerolog.Nop())
	c.Trigger(syscall.SIGTERM)
	assert.True(t, c.Requested())
	c.Stop()
	c.Stop()
}
