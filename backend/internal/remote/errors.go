package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"
)

// ErrUnavailable marks network and authentication failures. They are fatal
// for the running operation and never retried.
var ErrUnavailable = errors.New("remote store unavailable")

// QuotaOrTimeoutError is a batch rejected for its size or duration. The
// adapter retries it with smaller batches.
type QuotaOrTimeoutError struct {
	Err error
}

func (e *QuotaOrTimeoutError) Error() string {
	return fmt.Sprintf("remote store rejected batch (quota or timeout): %v", e.Err)
}

func (e *QuotaOrTimeoutError) Unwrap() error { return e.Err }

// PartialBatchFailure reports the batch that stopped a bulk write. Every
// record before Committed (counted from the start of the write) is stored;
// no later batch was attempted.
type PartialBatchFailure struct {
	Collection string
	Shard      string
	Batch      int // zero-based index of the failing batch
	Committed  int // records committed by the whole write
	Failed     int // records not committed
	Err        error
}

func (e *PartialBatchFailure) Error() string {
	return fmt.Sprintf("%s/%s batch %d failed after %d committed records (%d not written): %v",
		e.Shard, e.Collection, e.Batch+1, e.Committed, e.Failed, e.Err)
}

func (e *PartialBatchFailure) Unwrap() error { return e.Err }

// CredentialError means no credential source produced usable credentials
type CredentialError struct {
	Tried []string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("no usable remote credentials (tried %s)", strings.Join(e.Tried, ", "))
}

// Server error codes that classify a failure
const (
	codeUnauthorized         = 13
	codeAuthenticationFailed = 18
	codeExceededTimeLimit    = 50
	codeObjectTooLarge       = 10334
	codeRequestRateTooLarge  = 16500
)

// classify maps driver errors onto the adapter's error taxonomy
func classify(err error) error {
	if err == nil {
		return nil
	}

	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		switch {
		case serverErr.HasErrorCode(codeUnauthorized), serverErr.HasErrorCode(codeAuthenticationFailed):
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		case serverErr.HasErrorCode(codeExceededTimeLimit),
			serverErr.HasErrorCode(codeObjectTooLarge),
			serverErr.HasErrorCode(codeRequestRateTooLarge):
			return &QuotaOrTimeoutError{Err: err}
		}
	}

	switch {
	case mongo.IsNetworkError(err), errors.Is(err, mongo.ErrClientDisconnected):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case mongo.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return &QuotaOrTimeoutError{Err: err}
	}
	return err
}
