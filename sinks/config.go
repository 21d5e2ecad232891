package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarungka/watcher/internal/models"
)

// Sink durably records change events.
type Sink interface {
	// Open prepares the sink for writing.
	Open(ctx context.Context) error
	// Append writes event as a single record. When Append returns nil the
	// record is durable.
	Append(ctx context.Context, event *models.ChangeEvent) error
	Close() error
	Type() string
}

const (
	TypeFile          = "file"
	TypeKafka         = "kafka"
	TypeElasticsearch = "elasticsearch"
)

// DefaultDeliveryTimeout bounds how long a produced record may wait for
// acknowledgement before the append fails.
const DefaultDeliveryTimeout = 30 * time.Second

type KafkaConfig struct {
	Brokers  []string `koanf:"brokers" validate:"required,min=1"`
	Topic    string   `koanf:"topic" validate:"required"`
	ClientID string   `koanf:"client_id"`
	// DeliveryTimeout of zero means DefaultDeliveryTimeout.
	DeliveryTimeout time.Duration `koanf:"delivery_timeout" validate:"gte=0"`
}

type ElasticsearchConfig struct {
	Addresses []string `koanf:"addresses"`
	CloudID   string   `koanf:"cloud_id"`
	APIKey    string   `koanf:"api_key"`
	Username  string   `koanf:"username"`
	Password  string   `koanf:"password"`
	Index     string   `koanf:"index" validate:"required"`
}

type Config struct {
	Type           string               `koanf:"type" validate:"omitempty,oneof=file kafka elasticsearch"`
	SyncEveryWrite bool                 `koanf:"sync_every_write"`
	Kafka          *KafkaConfig         `koanf:"kafka"`
	Elasticsearch  *ElasticsearchConfig `koanf:"elasticsearch"`

	// Path is the event log file of the file sink.
	Path string `koanf:"-"`
}

func DefaultConfig() Config {
	return Config{
		Type:           TypeFile,
		SyncEveryWrite: true,
	}
}

// New builds the sink selected by c. The sink still has to be opened.
func New(c Config, logger zerolog.Logger) (Sink, error) {
	switch c.Type {
	case TypeFile, "":
		return NewFileSink(c.Path, c.SyncEveryWrite, logger)
	case TypeKafka:
		if c.Kafka == nil {
			return nil, fmt.Errorf("sinks: missing kafka configuration")
		}
		return NewKafkaSink(*c.Kafka, logger)
	case TypeElasticsearch:
		if c.Elasticsearch == nil {
			return nil, fmt.Errorf("sinks: missing elasticsearch configuration")
		}
		return NewElasticsearchSink(*c.Elasticsearch, logger)
	default:
		return nil, fmt.Errorf("sinks: unsupported sink type %q", c.Type)
	}
}
