// Package config loads the watcher configuration from files, the
// environment and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	flag "github.com/spf13/pflag"
	"github.com/tarungka/watcher/checkpoint"
	"github.com/tarungka/watcher/internal/failure"
	"github.com/tarungka/watcher/internal/utils"
	"github.com/tarungka/watcher/sinks"
	"github.com/tarungka/watcher/sources"
)

const (
	EnvPrefix         = "WATCHER_"
	DefaultConfigFile = "watcher.yaml"
	DefaultLogFile    = "watcher.log"
)

var ErrUnsupportedFormat = errors.New("config: unsupported file extension")

type General struct {
	Debug   bool   `koanf:"debug"`
	LogFile string `koanf:"log_file"`
}

type HTTP struct {
	// Address enables the status server when set, e.g. ":8080".
	Address string `koanf:"address"`
}

type Config struct {
	General    General           `koanf:"general"`
	DataDB     sources.Config    `koanf:"data_db"`
	Checkpoint checkpoint.Config `koanf:"checkpoint"`
	Sink       sinks.Config      `koanf:"sink"`
	HTTP       HTTP              `koanf:"http"`
}

func Default() Config {
	return Config{
		General:    General{LogFile: DefaultLogFile},
		DataDB:     sources.DefaultConfig(),
		Checkpoint: checkpoint.DefaultConfig(),
		Sink:       sinks.DefaultConfig(),
	}
}

// NewFlagSet returns the command line flags of the watcher.
func NewFlagSet(name string) *flag.FlagSet {
	f := flag.NewFlagSet(name, flag.ContinueOnError)
	f.StringP("config", "c", DefaultConfigFile, "path to the config file (.yaml, .yml or .json)")
	f.StringP("log", "l", "", "path to the log file")
	f.StringP("token", "t", "", "path to the resume token file")
	f.Bool("debug", false, "log every resume token and document")
	f.Bool("version", false, "show current version of the build")
	return f
}

// flagKeys maps flags to the config keys they override.
var flagKeys = map[string]string{
	"log":   "general.log_file",
	"token": "checkpoint.token_file",
	"debug": "general.debug",
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// envKey turns WATCHER_DATA_DB__CONNECTION_STRING into
// data_db.connection_string.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Load reads the config file named by the parsed flag set, applies
// environment overrides and then flag overrides, and validates the result.
func Load(ko *koanf.Koanf, f *flag.FlagSet) (*Config, error) {
	path, err := f.GetString("config")
	if err != nil {
		return nil, failure.New(failure.Config, "read flags", err)
	}
	if !utils.PathExists(path) {
		return nil, failure.New(failure.Config, "load config", fmt.Errorf("the config file %s must exist", path))
	}
	parser, err := parserFor(path)
	if err != nil {
		return nil, failure.New(failure.Config, "load config", err)
	}
	if err := ko.Load(file.Provider(path), parser); err != nil {
		return nil, failure.New(failure.Config, "load config", fmt.Errorf("read %s: %w", path, err))
	}

	if err := ko.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, failure.New(failure.Config, "load environment", err)
	}

	err = ko.Load(posflag.ProviderWithFlag(f, ".", ko, func(fl *flag.Flag) (string, interface{}) {
		key, ok := flagKeys[fl.Name]
		if !ok || !fl.Changed {
			return "", nil
		}
		return key, posflag.FlagVal(f, fl)
	}), nil)
	if err != nil {
		return nil, failure.New(failure.Config, "load flags", err)
	}

	cfg := Default()
	if err := ko.Unmarshal("", &cfg); err != nil {
		return nil, failure.New(failure.Config, "decode config", err)
	}
	cfg.Sink.Path = cfg.DataDB.DataFile

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("koanf"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate reports the first group of problems with c as a Config failure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return failure.New(failure.Config, "validate config", describe(err))
	}

	switch c.Sink.Type {
	case sinks.TypeKafka:
		if c.Sink.Kafka == nil {
			return failure.New(failure.Config, "validate config", errors.New("sink.kafka is required for the kafka sink"))
		}
		if err := validate.Struct(c.Sink.Kafka); err != nil {
			return failure.New(failure.Config, "validate config", describe(err))
		}
	case sinks.TypeElasticsearch:
		if c.Sink.Elasticsearch == nil {
			return failure.New(failure.Config, "validate config", errors.New("sink.elasticsearch is required for the elasticsearch sink"))
		}
		if err := validate.Struct(c.Sink.Elasticsearch); err != nil {
			return failure.New(failure.Config, "validate config", describe(err))
		}
		if len(c.Sink.Elasticsearch.Addresses) == 0 && c.Sink.Elasticsearch.CloudID == "" {
			return failure.New(failure.Config, "validate config", errors.New("sink.elasticsearch needs addresses or a cloud_id"))
		}
	}

	if _, err := sources.ParseFilter(c.DataDB.EventPipeline); err != nil {
		return failure.New(failure.Config, "validate config", err)
	}
	return nil
}

func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// drop the root struct name
		name := fe.Namespace()
		if i := strings.IndexByte(name, '.'); i >= 0 {
			name = name[i+1:]
		}
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", name, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", name, fe.Tag()))
		}
	}
	return fmt.Errorf("the config file is missing data: %s", strings.Join(msgs, "; "))
}

// FormatHint is printed when the configuration cannot be used.
const FormatHint = `It should be in the following format:

data_db:
  connection_string: mongodb://auditor%40MONGODB.LOCAL@data.mongodb.local:27017/?replicaSet=repl0&authSource=$external&authMechanism=GSSAPI
  timeout: 2000                     # server selection timeout in milliseconds
  ssl_enabled: true
  ssl_pem_path: /data/pki/mongod3.mongodb.local.pem
  ssl_ca_cert_path: /data/pki/ca.cert
  event_pipeline: '[{"$match": {"fullDocument.un": {"$in": ["ivan", "vigyan", "terry", "loudSam"]}}}]'
  data_file: /opt/data.json         # file to write change stream events to
  full_document: default            # default, updateLookup, whenAvailable or required

general:
  debug: false
`
