package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"github.com/tarungka/watcher/internal/config"
	"github.com/tarungka/watcher/internal/utils"
)

func parseFlags(args []string) (*flag.FlagSet, error) {
	f := config.NewFlagSet(serviceName)
	f.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n%s", serviceName, f.FlagUsages())
	}
	if err := f.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// recordStartup logs the settings the run starts with.
func recordStartup(cfg *config.Config, log zerolog.Logger) {
	log.Info().Str("build", buildString).Msg("starting processing")
	if !cfg.General.Debug {
		return
	}
	log.Debug().
		Str("connection_string", utils.RedactURI(cfg.DataDB.ConnectionString)).
		Str("pipeline", cfg.DataDB.EventPipeline).
		Str("full_document", string(cfg.DataDB.Policy())).
		Str("data_file", cfg.DataDB.DataFile).
		Str("checkpoint_backend", string(cfg.Checkpoint.Backend)).
		Str("token_file", cfg.Checkpoint.Path).
		Str("sink", cfg.Sink.Type).
		Msg("configuration")
}
