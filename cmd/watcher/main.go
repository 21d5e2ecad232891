package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"github.com/tarungka/watcher/checkpoint"
	"github.com/tarungka/watcher/engine"
	"github.com/tarungka/watcher/internal/config"
	"github.com/tarungka/watcher/internal/failure"
	"github.com/tarungka/watcher/internal/logger"
	"github.com/tarungka/watcher/pipeline"
	"github.com/tarungka/watcher/server"
	"github.com/tarungka/watcher/sinks"
	"github.com/tarungka/watcher/sources"
)

const serviceName = "watcher"

var buildString = "unknown"

// streamSource is a change stream source that connects before opening
// cursors.
type streamSource interface {
	sources.Source
	Connect(ctx context.Context) error
}

var newSource = func(c sources.Config, log zerolog.Logger) streamSource {
	return sources.NewMongoSource(c, log)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags, err := parseFlags(args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return failure.Config.ExitCode()
	}
	if version, _ := flags.GetBool("version"); version {
		fmt.Println(buildString)
		return 0
	}

	cfg, err := config.Load(koanf.New("."), flags)
	if err != nil {
		logger.AdHocLogger.Error().Err(err).Msg("cannot load configuration")
		fmt.Fprintf(os.Stderr, "\033[91mERROR! %v.\n\033[92m%s\033[m", err, config.FormatHint)
		return failure.ExitCode(err)
	}

	logFile := logger.NewRotatingFile(logger.DefaultFileConfig(cfg.General.LogFile))
	defer logFile.Close()
	logger.SetLogFile(logFile)
	logger.SetDevelopment(cfg.General.Debug)

	runID := newRunID()
	log := logger.GetLogger(serviceName).With().Str("run_id", runID).Logger()

	err = watch(cfg, runID, log)
	code := failure.ExitCode(err)
	log.Info().Int("exit_code", code).Msg("exiting")
	return code
}

// watch runs the watcher until a signal or a fatal error. Failures are
// logged where they happen.
func watch(cfg *config.Config, runID string, log zerolog.Logger) error {
	recordStartup(cfg, log)

	filter, err := sources.ParseFilter(cfg.DataDB.EventPipeline)
	if err != nil {
		return startupFailure(log, failure.New(failure.Config, "parse event_pipeline", err))
	}
	store, err := checkpoint.New(cfg.Checkpoint, log)
	if err != nil {
		return startupFailure(log, failure.New(failure.CheckpointWrite, "open checkpoint store", err))
	}
	sink, err := sinks.New(cfg.Sink, log)
	if err != nil {
		store.Close()
		return startupFailure(log, failure.New(failure.Config, "create sink", err))
	}
	source := newSource(cfg.DataDB, log)

	p, err := pipeline.New(pipeline.Config{
		Source: source,
		Sink:   sink,
		Store:  store,
		Filter: filter,
		Policy: cfg.DataDB.Policy(),
		Logger: log,
		Debug:  cfg.General.Debug,
		OnTransient: func(err error, last checkpoint.Position) {
			log.Warn().Str("checkpoint", last.String()).Msg("restart the watcher to resume from the last checkpoint")
		},
	})
	if err != nil {
		return startupFailure(log, err)
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Warn().Err(err).Msg("error when closing the pipeline")
		}
	}()

	controller := engine.NewShutdownController(log)
	ctx := controller.Start(context.Background())
	defer controller.Stop()

	if err := source.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return startupFailure(log, err)
	}
	if err := sink.Open(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return startupFailure(log, failure.New(failure.SinkWrite, "open sink", err))
	}

	if cfg.HTTP.Address != "" {
		httpCtx, stopHTTP := context.WithCancel(context.Background())
		defer stopHTTP()
		srv := server.New(cfg.HTTP.Address, server.Info{Service: serviceName, Version: buildString, RunID: runID}, p, log)
		go func() {
			if err := srv.Run(httpCtx); err != nil {
				log.Err(err).Msg("status server stopped")
			}
		}()
	}

	err = p.Start(ctx)
	if err == nil {
		err = p.Run()
	}
	if controller.Requested() {
		last, _ := p.Checkpoint()
		log.Info().Stringer("signal", controller.Signal()).Str("checkpoint", last.String()).Msg("stopped on signal")
	}
	return err
}

func startupFailure(log zerolog.Logger, err error) error {
	log.Error().Err(err).Stringer("kind", failure.KindOf(err)).Msg("cannot start processing")
	return err
}
