// Package failure classifies fatal errors of the watcher so that the
// process can report them once and exit with a code that tells a process
// manager whether a blind restart is safe.
package failure

import (
	"errors"
	"fmt"
)

// Kind is the class of a fatal error.
type Kind int

const (
	// Unknown is any error that was never classified.
	Unknown Kind = iota
	// Config is an invalid or missing configuration, raised before the loop starts.
	Config
	// Connect is a failure to reach the source database at startup.
	Connect
	// TransientStream is a timeout or network failure on an open stream.
	// A restart from the persisted checkpoint is safe.
	TransientStream
	// ResyncRequired means the source discarded the history at or before the
	// checkpoint. Restarting against the same checkpoint would skip events.
	ResyncRequired
	// SinkWrite is an I/O failure while appending an event.
	SinkWrite
	// CheckpointWrite is a failure to persist the resume position.
	CheckpointWrite
	// Stream is any other fatal stream failure (server error, closed cursor).
	Stream
)

var kindNames = map[Kind]string{
	Unknown:         "unknown",
	Config:          "config_error",
	Connect:         "connect_failure",
	TransientStream: "transient_stream_error",
	ResyncRequired:  "resync_required",
	SinkWrite:       "sink_write_error",
	CheckpointWrite: "checkpoint_write_error",
	Stream:          "stream_error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ExitCode is the process exit code used for errors of this kind.
func (k Kind) ExitCode() int {
	switch k {
	case Config:
		return 2
	case Connect:
		return 3
	case TransientStream:
		return 4
	case ResyncRequired:
		return 5
	case SinkWrite:
		return 6
	case CheckpointWrite:
		return 7
	case Stream:
		return 8
	default:
		return 1
	}
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind. A nil err yields nil. An error that is already
// classified keeps its original kind.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ExitCode maps err to a process exit code; nil is a clean exit.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return KindOf(err).ExitCode()
}
