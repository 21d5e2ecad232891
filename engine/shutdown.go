// Package engine turns process signals into cooperative cancellation of the
// consumption loop.
package engine

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
)

// ShutdownController cancels a context on the first SIGINT or SIGTERM.
// It does no I/O of its own; the loop observes the cancellation between
// events and persists its final checkpoint itself.
type ShutdownController struct {
	logger zerolog.Logger

	requested atomic.Bool
	mu        sync.Mutex
	cancel    context.CancelFunc
	received  os.Signal

	sigCh    chan os.Signal
	done     chan struct{}
	stopOnce sync.Once
}

func NewShutdownController(logger zerolog.Logger) *ShutdownController {
	return &ShutdownController{
		logger: logger.With().Str("component", "shutdown").Logger(),
		sigCh:  make(chan os.Signal, 2),
		done:   make(chan struct{}),
	}
}

// Start subscribes to SIGINT and SIGTERM and returns a context that is
// cancelled on the first of them.
func (c *ShutdownController) Start(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	signal.Notify(c.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go c.loop()
	return ctx
}

func (c *ShutdownController) loop() {
	for {
		select {
		case sig := <-c.sigCh:
			c.Trigger(sig)
		case <-c.done:
			return
		}
	}
}

// Trigger runs the shutdown sequence as if sig had been received. Only the
// first call has an effect.
func (c *ShutdownController) Trigger(sig os.Signal) {
	if !c.requested.CompareAndSwap(false, true) {
		c.logger.Info().Stringer("signal", sig).Msg("shutdown already in progress; ignoring signal")
		return
	}

	c.mu.Lock()
	c.received = sig
	cancel := c.cancel
	c.mu.Unlock()

	c.logger.Info().Stringer("signal", sig).Msg("received signal; stopping after the current event")
	if cancel != nil {
		cancel()
	}
}

// Requested reports whether a shutdown was triggered.
func (c *ShutdownController) Requested() bool { return c.requested.Load() }

// Signal returns the signal that triggered the shutdown, or nil.
func (c *ShutdownController) Signal() os.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received
}

// Stop unsubscribes from signals and releases the context.
func (c *ShutdownController) Stop() {
	c.stopOnce.Do(func() {
		signal.Stop(c.sigCh)
		close(c.done)
		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Unlock()
	})
}
