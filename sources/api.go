// Package sources opens change streams and hands their events to the
// consumption loop one at a time.
package sources

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tarungka/watcher/checkpoint"
	"github.com/tarungka/watcher/internal/models"
	"go.mongodb.org/mongo-driver/bson"
)

// ErrCursorClosed is returned by Next once the stream has ended on the
// server side, for example after the watched collection was dropped.
var ErrCursorClosed = errors.New("sources: change stream closed")

// Filter is an aggregation pipeline applied to the change stream.
type Filter []bson.D

// DocumentPolicy controls whether update events carry the full document.
type DocumentPolicy string

const (
	PolicyDefault       DocumentPolicy = "default"
	PolicyUpdateLookup  DocumentPolicy = "updateLookup"
	PolicyWhenAvailable DocumentPolicy = "whenAvailable"
	PolicyRequired      DocumentPolicy = "required"
)

// Source opens cursors over a change stream.
type Source interface {
	// Open starts a cursor after resume, or at the current end of the stream
	// when resume is empty.
	Open(ctx context.Context, resume checkpoint.Position, filter Filter, policy DocumentPolicy) (Cursor, error)
	Close(ctx context.Context) error
}

// Cursor yields change events in stream order.
type Cursor interface {
	// Next blocks until an event is available. It returns ctx.Err() when ctx
	// is done first.
	Next(ctx context.Context) (*models.ChangeEvent, error)
	Close(ctx context.Context) error
}

// Config is the data_db section.
type Config struct {
	ConnectionString string `koanf:"connection_string" validate:"required"`
	SSLEnabled       bool   `koanf:"ssl_enabled"`
	SSLPEMPath       string `koanf:"ssl_pem_path" validate:"omitempty,file"`
	SSLCACertPath    string `koanf:"ssl_ca_cert_path" validate:"omitempty,file"`
	// Timeout is the server selection timeout in milliseconds.
	Timeout       int            `koanf:"timeout" validate:"gte=0"`
	Database      string         `koanf:"database"`
	Collection    string         `koanf:"collection" validate:"excluded_without=Database"`
	EventPipeline string         `koanf:"event_pipeline"`
	FullDocument  DocumentPolicy `koanf:"full_document" validate:"omitempty,oneof=default updateLookup whenAvailable required"`
	DataFile      string         `koanf:"data_file" validate:"required"`
}

func DefaultConfig() Config {
	return Config{
		Timeout:      10000,
		FullDocument: PolicyDefault,
		DataFile:     "data_file.json",
	}
}

// ServerSelectionTimeout returns Timeout as a duration.
func (c Config) ServerSelectionTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

// Policy returns the configured policy, defaulting to PolicyDefault.
func (c Config) Policy() DocumentPolicy {
	if c.FullDocument == "" {
		return PolicyDefault
	}
	return c.FullDocument
}

// ParseFilter parses an aggregation pipeline written as an Extended JSON
// array, e.g. [{"$match": {"fullDocument.un": {"$in": ["ivan"]}}}]. An empty
// string yields an empty pipeline.
func ParseFilter(s string) (Filter, error) {
	if s == "" {
		return Filter{}, nil
	}
	var wrapper struct {
		Pipeline []bson.D `bson:"pipeline"`
	}
	if err := bson.UnmarshalExtJSON([]byte(`{"pipeline":`+s+`}`), false, &wrapper); err != nil {
		return nil, fmt.Errorf("sources: invalid event_pipeline: %w", err)
	}
	if wrapper.Pipeline == nil {
		return Filter{}, nil
	}
	return Filter(wrapper.Pipeline), nil
}
