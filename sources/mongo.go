package sources

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/tarungka/watcher/checkpoint"
	"github.com/tarungka/watcher/internal/failure"
	"github.com/tarungka/watcher/internal/models"
	"github.com/tarungka/watcher/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrNotConnected = errors.New("sources: mongodb client is not connected")

// MongoSource watches a deployment, database or collection.
type MongoSource struct {
	config Config
	logger zerolog.Logger

	client *mongo.Client
}

func NewMongoSource(c Config, logger zerolog.Logger) *MongoSource {
	return &MongoSource{
		config: c,
		logger: logger.With().Str("component", "source").Logger(),
	}
}

// Connect creates the client and checks that the deployment answers.
func (m *MongoSource) Connect(ctx context.Context) error {
	m.logger.Trace().Str("connection_string", utils.RedactURI(m.config.ConnectionString)).Msg("connecting to mongodb")

	opts, err := m.clientOptions()
	if err != nil {
		return failure.New(failure.Connect, "mongodb client options", err)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return failure.New(failure.Connect, "connect to mongodb", err)
	}
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Err(); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return failure.New(failure.Connect, "cannot connect to db, check the data_db settings", err)
	}

	m.client = client
	m.logger.Info().Msg("connected to mongodb")
	return nil
}

func (m *MongoSource) clientOptions() (*options.ClientOptions, error) {
	opts := options.Client().ApplyURI(m.config.ConnectionString)
	if m.config.Timeout > 0 {
		opts.SetServerSelectionTimeout(m.config.ServerSelectionTimeout())
	}
	if m.config.SSLEnabled {
		tlsConfig, err := newTLSConfig(m.config.SSLCACertPath, m.config.SSLPEMPath)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// newTLSConfig trusts caFile, when set, and presents the certificate and
// key held together in pemFile, when set.
func newTLSConfig(caFile, pemFile string) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile != "" {
		ca, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read ssl_ca_cert_path: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		tlsConfig.RootCAs = pool
	}
	if pemFile != "" {
		cert, err := tls.LoadX509KeyPair(pemFile, pemFile)
		if err != nil {
			return nil, fmt.Errorf("load ssl_pem_path: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func (m *MongoSource) changeStreamOptions(resume checkpoint.Position, policy DocumentPolicy) *options.ChangeStreamOptions {
	opts := options.ChangeStream()
	if policy == "" {
		policy = PolicyDefault
	}
	opts.SetFullDocument(options.FullDocument(policy))
	if !resume.IsZero() {
		opts.SetResumeAfter(bson.D{{Key: "_data", Value: resume.String()}})
	}
	return opts
}

func (m *MongoSource) Open(ctx context.Context, resume checkpoint.Position, filter Filter, policy DocumentPolicy) (Cursor, error) {
	if m.client == nil {
		return nil, failure.New(failure.Connect, "open change stream", ErrNotConnected)
	}
	if filter == nil {
		filter = Filter{}
	}
	pipeline := mongo.Pipeline(filter)
	opts := m.changeStreamOptions(resume, policy)

	var (
		cs  *mongo.ChangeStream
		err error
	)
	switch {
	case m.config.Collection != "":
		cs, err = m.client.Database(m.config.Database).Collection(m.config.Collection).Watch(ctx, pipeline, opts)
	case m.config.Database != "":
		cs, err = m.client.Database(m.config.Database).Watch(ctx, pipeline, opts)
	default:
		cs, err = m.client.Watch(ctx, pipeline, opts)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, Classify(err)
	}

	m.logger.Debug().Str("resume_token", resume.String()).Str("full_document", string(policy)).
		Int("pipeline_stages", len(filter)).Msg("opened change stream")
	return &mongoCursor{stream: driverStream{cs}}, nil
}

func (m *MongoSource) Close(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	m.logger.Info().Msg("closing mongodb connection")
	err := m.client.Disconnect(ctx)
	m.client = nil
	return err
}

// changeStream is the part of *mongo.ChangeStream the cursor uses.
type changeStream interface {
	Next(ctx context.Context) bool
	Raw() bson.Raw
	Err() error
	Close(ctx context.Context) error
}

type driverStream struct {
	*mongo.ChangeStream
}

func (s driverStream) Raw() bson.Raw { return s.Current }

type mongoCursor struct {
	stream changeStream
}

func (c *mongoCursor) Next(ctx context.Context) (*models.ChangeEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.stream.Next(ctx) {
		event, err := models.NewChangeEvent(c.stream.Raw())
		if err != nil {
			return nil, failure.New(failure.Stream, "decode change event", err)
		}
		return event, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.stream.Err(); err != nil {
		return nil, Classify(err)
	}
	return nil, failure.New(failure.Stream, "next change event", ErrCursorClosed)
}

func (c *mongoCursor) Close(ctx context.Context) error {
	return c.stream.Close(ctx)
}

var (
	_ Source = (*MongoSource)(nil)
	_ Cursor = (*mongoCursor)(nil)
)
