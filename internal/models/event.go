package models

import (
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// ErrNoResumeToken is returned for change documents without an `_id._data` token.
var ErrNoResumeToken = errors.New("change event has no resume token")

// ChangeEvent is one document of a change stream. The raw document is kept
// as received; only the fields needed for bookkeeping are extracted.
type ChangeEvent struct {
	ResumeToken   string
	OperationType string
	Namespace     string
	ClusterTime   time.Time

	document bson.Raw
}

// NewChangeEvent copies doc and extracts its resume token.
func NewChangeEvent(doc bson.Raw) (*ChangeEvent, error) {
	// the cursor reuses its buffer between calls
	raw := make(bson.Raw, len(doc))
	copy(raw, doc)

	if err := raw.Validate(); err != nil {
		return nil, fmt.Errorf("invalid change document: %w", err)
	}

	tokenValue, err := raw.LookupErr("_id", "_data")
	if err != nil {
		return nil, ErrNoResumeToken
	}
	token, ok := tokenValue.StringValueOK()
	if !ok || token == "" {
		return nil, ErrNoResumeToken
	}

	event := &ChangeEvent{
		ResumeToken: token,
		document:    raw,
	}
	if op, ok := raw.Lookup("operationType").StringValueOK(); ok {
		event.OperationType = op
	}
	if db, ok := raw.Lookup("ns", "db").StringValueOK(); ok {
		event.Namespace = db
		if coll, ok := raw.Lookup("ns", "coll").StringValueOK(); ok {
			event.Namespace = db + "." + coll
		}
	}
	if t, _, ok := raw.Lookup("clusterTime").TimestampOK(); ok {
		event.ClusterTime = time.Unix(int64(t), 0).UTC()
	}
	return event, nil
}

// Record serializes the whole change document as relaxed extended JSON.
func (e *ChangeEvent) Record() ([]byte, error) {
	return bson.MarshalExtJSON(e.document, false, false)
}

// DocumentKey returns the `documentKey` field as relaxed extended JSON, or
// nil when the event carries none (e.g. invalidate events).
func (e *ChangeEvent) DocumentKey() ([]byte, error) {
	value, err := e.document.LookupErr("documentKey")
	if err != nil {
		return nil, nil
	}
	key, ok := value.DocumentOK()
	if !ok {
		return nil, fmt.Errorf("documentKey is a %s, not a document", value.Type)
	}
	return bson.MarshalExtJSON(key, false, false)
}
