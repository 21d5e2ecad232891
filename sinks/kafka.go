package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tarungka/watcher/internal/models"
	"github.com/twmb/franz-go/pkg/kgo"
)

const resumeTokenHeader = "resume_token"

// KafkaSink produces every event as one record on a topic and waits for
// all in-sync replicas to acknowledge it.
type KafkaSink struct {
	config KafkaConfig
	logger zerolog.Logger

	client *kgo.Client
}

func NewKafkaSink(c KafkaConfig, logger zerolog.Logger) (*KafkaSink, error) {
	if len(c.Brokers) == 0 || c.Topic == "" {
		return nil, errors.New("sinks: kafka sink needs brokers and a topic")
	}
	if c.DeliveryTimeout == 0 {
		c.DeliveryTimeout = DefaultDeliveryTimeout
	}
	l := logger.With().Str("component", "sink").Str("sink", TypeKafka).Logger()
	l.Debug().Strs("brokers", c.Brokers).Str("topic", c.Topic).Dur("delivery_timeout", c.DeliveryTimeout).Send()
	return &KafkaSink{config: c, logger: l}, nil
}

func (k *KafkaSink) Type() string { return TypeKafka }

func (k *KafkaSink) clientOpts() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(k.config.Brokers...),
		kgo.DefaultProduceTopic(k.config.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.AllowAutoTopicCreation(),
		// bounds Append, which is never cancelled
		kgo.RecordDeliveryTimeout(k.config.DeliveryTimeout),
	}
	if k.config.ClientID != "" {
		opts = append(opts, kgo.ClientID(k.config.ClientID))
	}
	return opts
}

func (k *KafkaSink) Open(ctx context.Context) error {
	k.logger.Trace().Msg("connecting to kafka cluster as a sink")
	client, err := kgo.NewClient(k.clientOpts()...)
	if err != nil {
		return fmt.Errorf("sinks: create kafka client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return fmt.Errorf("sinks: reach kafka brokers: %w", err)
	}
	k.client = client
	return nil
}

func buildRecord(event *models.ChangeEvent) (*kgo.Record, error) {
	value, err := event.Record()
	if err != nil {
		return nil, fmt.Errorf("sinks: encode event: %w", err)
	}
	key, err := event.DocumentKey()
	if err != nil {
		return nil, fmt.Errorf("sinks: encode document key: %w", err)
	}
	return &kgo.Record{
		Key:   key,
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: resumeTokenHeader, Value: []byte(event.ResumeToken)},
		},
	}, nil
}

func (k *KafkaSink) Append(ctx context.Context, event *models.ChangeEvent) error {
	if k.client == nil {
		return ErrSinkNotOpen
	}
	record, err := buildRecord(event)
	if err != nil {
		return err
	}
	if err := k.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("sinks: produce record: %w", err)
	}
	k.logger.Trace().Str("topic", record.Topic).Int32("partition", record.Partition).Int64("offset", record.Offset).Msg("produced record")
	return nil
}

func (k *KafkaSink) Close() error {
	if k.client == nil {
		return nil
	}
	k.logger.Info().Msg("disconnecting kafka sink")
	k.client.Close()
	k.client = nil
	return nil
}

var _ Sink = (*KafkaSink)(nil)
