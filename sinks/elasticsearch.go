package sinks

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/rs/zerolog"
	"github.com/tarungka/watcher/internal/models"
)

// ElasticSink indexes every event under a digest of its resume token, so a
// replayed event overwrites the earlier copy.
type ElasticSink struct {
	config ElasticsearchConfig
	logger zerolog.Logger

	client *elasticsearch.Client
}

// elasticDocument wraps the change event; a top-level _id is reserved.
type elasticDocument struct {
	ResumeToken   string          `json:"resume_token"`
	OperationType string          `json:"operation_type,omitempty"`
	Namespace     string          `json:"namespace,omitempty"`
	ClusterTime   *time.Time      `json:"cluster_time,omitempty"`
	Event         json.RawMessage `json:"event"`
}

func NewElasticsearchSink(c ElasticsearchConfig, logger zerolog.Logger) (*ElasticSink, error) {
	if c.Index == "" {
		return nil, errors.New("sinks: elasticsearch sink needs an index")
	}
	if len(c.Addresses) == 0 && c.CloudID == "" {
		return nil, errors.New("sinks: elasticsearch sink needs addresses or a cloud_id")
	}
	return &ElasticSink{
		config: c,
		logger: logger.With().Str("component", "sink").Str("sink", TypeElasticsearch).Logger(),
	}, nil
}

func (e *ElasticSink) Type() string { return TypeElasticsearch }

func (e *ElasticSink) Open(ctx context.Context) error {
	e.logger.Trace().Msg("connecting to elasticsearch")
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: e.config.Addresses,
		CloudID:   e.config.CloudID,
		APIKey:    e.config.APIKey,
		Username:  e.config.Username,
		Password:  e.config.Password,
	})
	if err != nil {
		return fmt.Errorf("sinks: create elasticsearch client: %w", err)
	}

	res, err := client.Info(client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("sinks: reach elasticsearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("sinks: elasticsearch info: %s", res.Status())
	}

	e.client = client
	return nil
}

// documentID returns the hex SHA-256 of token. Resume tokens carry the
// encoded document key and can exceed the 512 byte _id limit.
func documentID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func buildElasticDocument(event *models.ChangeEvent) ([]byte, error) {
	record, err := event.Record()
	if err != nil {
		return nil, fmt.Errorf("sinks: encode event: %w", err)
	}
	doc := elasticDocument{
		ResumeToken:   event.ResumeToken,
		OperationType: event.OperationType,
		Namespace:     event.Namespace,
		Event:         record,
	}
	if !event.ClusterTime.IsZero() {
		t := event.ClusterTime.UTC()
		doc.ClusterTime = &t
	}
	return json.Marshal(doc)
}

func (e *ElasticSink) Append(ctx context.Context, event *models.ChangeEvent) error {
	if e.client == nil {
		return ErrSinkNotOpen
	}
	body, err := buildElasticDocument(event)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      e.config.Index,
		DocumentID: documentID(event.ResumeToken),
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("sinks: index document: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("sinks: index document: %s: %s", res.Status(), bytes.TrimSpace(msg))
	}
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

func (e *ElasticSink) Close() error {
	if e.client == nil {
		return nil
	}
	e.logger.Info().Msg("closing elasticsearch sink")
	e.client = nil
	return nil
}

var _ Sink = (*ElasticSink)(nil)
