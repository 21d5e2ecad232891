// Package pipeline runs the checkpointed consumption loop: read an event,
// append it to the sink, then persist its resume token.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/tarungka/watcher/checkpoint"
	"github.com/tarungka/watcher/internal/failure"
	"github.com/tarungka/watcher/internal/models"
	"github.com/tarungka/watcher/sinks"
	"github.com/tarungka/watcher/sources"
)

var (
	ErrAlreadyStarted = errors.New("pipeline: already started")
	ErrNotStreaming   = errors.New("pipeline: not streaming")
)

// Config holds the collaborators of a Pipeline.
type Config struct {
	Source sources.Source
	Sink   sinks.Sink
	Store  checkpoint.Store

	Filter sources.Filter
	Policy sources.DocumentPolicy

	Logger zerolog.Logger
	// Debug logs every resume token and document.
	Debug bool

	// OnTransient is called once when the stream stops on a timeout or
	// network failure, with the last persisted checkpoint. A reconnect with
	// backoff would reopen the stream from that position.
	OnTransient func(err error, last checkpoint.Position)
}

// Pipeline moves change events from a source cursor into a sink, one at a
// time, persisting the resume token of each event after it is durable in
// the sink.
type Pipeline struct {
	source      sources.Source
	sink        sinks.Sink
	store       checkpoint.Store
	filter      sources.Filter
	policy      sources.DocumentPolicy
	debug       bool
	onTransient func(error, checkpoint.Position)
	logger      zerolog.Logger

	cell    checkpoint.Cell
	state   atomic.Int32
	metrics *Metrics

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled bool

	// owned by the loop goroutine
	cursor sources.Cursor
	err    error
}

func New(c Config) (*Pipeline, error) {
	if c.Source == nil || c.Sink == nil || c.Store == nil {
		return nil, errors.New("pipeline: source, sink and store are required")
	}
	policy := c.Policy
	if policy == "" {
		policy = sources.PolicyDefault
	}
	return &Pipeline{
		source:      c.Source,
		sink:        c.Sink,
		store:       c.Store,
		filter:      c.Filter,
		policy:      policy,
		debug:       c.Debug,
		onTransient: c.OnTransient,
		logger:      c.Logger.With().Str("component", "pipeline").Logger(),
		metrics:     NewMetrics(),
	}, nil
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

// Checkpoint returns the last persisted resume position.
func (p *Pipeline) Checkpoint() (checkpoint.Position, bool) { return p.cell.Load() }

func (p *Pipeline) Metrics() *Metrics { return p.metrics }

func (p *Pipeline) setState(s State) {
	prev := State(p.state.Swap(int32(s)))
	if prev != s {
		p.logger.Debug().Stringer("from", prev).Stringer("to", s).Msg("state changed")
	}
}

// Start reads the checkpoint and opens the stream from it. Cancelling ctx
// at any point stops the pipeline after the event in flight.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateInit), int32(StateConnecting)) {
		return ErrAlreadyStarted
	}
	p.logger.Debug().Stringer("from", StateInit).Stringer("to", StateConnecting).Msg("state changed")

	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.ctx, p.cancel = ctx, cancel
	if p.cancelled {
		cancel()
	}
	p.mu.Unlock()

	resume, err := p.store.Get(context.WithoutCancel(ctx))
	if err != nil {
		return p.fail(failure.New(failure.CheckpointWrite, "read checkpoint", err))
	}
	if !resume.IsZero() {
		p.cell.Store(resume)
		p.logger.Info().Str("resume_token", resume.String()).Msg("resuming change stream from checkpoint")
	} else {
		p.logger.Info().Msg("no checkpoint; opening change stream from the current position")
	}

	cursor, err := p.source.Open(ctx, resume, p.filter, p.policy)
	if err != nil {
		if ctx.Err() != nil {
			p.logger.Info().Msg("cancelled while connecting")
			return p.drain()
		}
		return p.fail(err)
	}
	p.cursor = cursor
	p.setState(StateStreaming)
	return nil
}

// Run consumes the stream until the context given to Start is cancelled or
// a fatal error occurs. A cancellation returns nil once the final
// checkpoint is persisted.
func (p *Pipeline) Run() error {
	switch p.State() {
	case StateTerminated:
		return p.err
	case StateStreaming:
	default:
		return ErrNotStreaming
	}

	for {
		if p.ctx.Err() != nil {
			return p.drain()
		}
		event, err := p.cursor.Next(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				return p.drain()
			}
			return p.fail(err)
		}
		if err := p.handle(event); err != nil {
			return p.fail(err)
		}
	}
}

// handle appends event and persists its token. Both steps run to completion
// even if the pipeline is cancelled meanwhile.
func (p *Pipeline) handle(event *models.ChangeEvent) error {
	if event.ResumeToken == "" {
		return failure.New(failure.Stream, "read change event", models.ErrNoResumeToken)
	}
	ctx := context.WithoutCancel(p.ctx)

	if p.debug {
		p.logger.Debug().Str("resume_token", event.ResumeToken).Msg("received change event")
		if record, err := event.Record(); err == nil {
			p.logger.Debug().RawJSON("document", record).Send()
		}
	}

	start := time.Now()
	if err := p.sink.Append(ctx, event); err != nil {
		p.metrics.RecordAppend(time.Since(start), false)
		return failure.New(failure.SinkWrite, "append event", err)
	}
	p.metrics.RecordAppend(time.Since(start), true)

	return p.commit(ctx, checkpoint.Position(event.ResumeToken))
}

// commit persists position and then publishes it to the cell.
func (p *Pipeline) commit(ctx context.Context, position checkpoint.Position) error {
	start := time.Now()
	if err := p.store.Set(ctx, position); err != nil {
		p.metrics.RecordCheckpoint(time.Since(start), false)
		return failure.New(failure.CheckpointWrite, "persist checkpoint", err)
	}
	p.metrics.RecordCheckpoint(time.Since(start), true)
	p.cell.Store(position)
	return nil
}

func (p *Pipeline) drain() error {
	p.setState(StateDraining)
	if last, ok := p.cell.Load(); ok {
		if err := p.commit(context.WithoutCancel(p.ctx), last); err != nil {
			return p.fail(err)
		}
		p.logger.Info().Str("resume_token", last.String()).Msg("final checkpoint persisted")
	}
	p.logger.Info().Time("at", time.Now()).Msg("terminating processing")
	p.setState(StateTerminated)
	return nil
}

// fail logs err once with its kind and the last checkpoint, and terminates.
func (p *Pipeline) fail(err error) error {
	if failure.KindOf(err) == failure.Unknown {
		err = failure.New(failure.Stream, "", err)
	}
	kind := failure.KindOf(err)
	last, _ := p.cell.Load()

	if kind == failure.ResyncRequired {
		p.setState(StateResyncRequired)
		p.logger.Error().Err(err).Stringer("kind", kind).Str("checkpoint", last.String()).
			Msg("resume point is no longer in the change stream history; a resync is required")
	} else {
		p.logger.Error().Err(err).Stringer("kind", kind).Str("checkpoint", last.String()).
			Msg("change stream processing failed")
	}
	if kind == failure.TransientStream && p.onTransient != nil {
		p.onTransient(err, last)
	}

	p.setState(StateTerminated)
	p.err = err
	return err
}

// Cancel stops the pipeline after the event in flight. It is safe to call
// from any goroutine, and before Start.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = true
	if p.cancel != nil {
		p.cancel()
	}
}

// Close releases the cursor, sink, store and source.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var result *multierror.Error
	if p.cursor != nil {
		result = multierror.Append(result, p.cursor.Close(ctx))
		p.cursor = nil
	}
	result = multierror.Append(result, p.sink.Close())
	result = multierror.Append(result, p.store.Close())
	result = multierror.Append(result, p.source.Close(ctx))
	return result.ErrorOrNil()
}
