package sources

import (
	"errors"

	"github.com/tarungka/watcher/internal/failure"
	"go.mongodb.org/mongo-driver/mongo"
)

// Server error codes meaning the requested resume point no longer exists.
const (
	codeCappedPositionLost      = 136
	codeChangeStreamFatalError  = 280
	codeChangeStreamHistoryLost = 286
	codeInvalidResumeToken      = 260
	codeLegacyResumeNotFound    = 40576
	codeLegacyTokenNotFound     = 40585
)

var resyncCodes = []int{
	codeChangeStreamHistoryLost,
	codeChangeStreamFatalError,
	codeCappedPositionLost,
	codeInvalidResumeToken,
	codeLegacyResumeNotFound,
	codeLegacyTokenNotFound,
}

// Classify wraps a driver error in the failure kind the consumption loop
// acts on. Errors that already carry a kind are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if failure.KindOf(err) != failure.Unknown {
		return err
	}
	switch {
	case resumePointLost(err):
		return failure.New(failure.ResyncRequired, "resume change stream", err)
	case mongo.IsTimeout(err), mongo.IsNetworkError(err):
		return failure.New(failure.TransientStream, "change stream", err)
	default:
		return failure.New(failure.Stream, "change stream", err)
	}
}

func resumePointLost(err error) bool {
	var se mongo.ServerError
	if !errors.As(err, &se) {
		return false
	}
	for _, code := range resyncCodes {
		if se.HasErrorCode(code) {
			return true
		}
	}
	return false
}
