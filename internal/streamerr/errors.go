// Package streamerr defines the errors surfaced by the streaming core: the
// uniform pipeline error, cancellation, and retry classification.
package streamerr

import (
	"context"
	"errors"
	"fmt"

	"github.com/canalplus/rx-player-sub017/pkg/httpclient"
)

// Type is the broad category of an Error.
type Type string

const (
	// TypeNetwork is used for errors caused by a failed request.
	TypeNetwork Type = "NETWORK_ERROR"
	// TypeOther is used for every other failure.
	TypeOther Type = "OTHER_ERROR"
)

// Code identifies the pipeline step that failed.
type Code string

const (
	CodePipelineLoad   Code = "PIPELINE_LOAD_ERROR"
	CodePipelineParse  Code = "PIPELINE_PARSE_ERROR"
	CodeManifestParse  Code = "MANIFEST_PARSE_ERROR"
	CodeManifestUpdate Code = "MANIFEST_UPDATE_ERROR"
)

// ErrCancelled marks an operation stopped by its caller. It is never a failure.
var ErrCancelled = errors.New("operation cancelled")

// Error is the uniform error reported by loaders and parsers of the core.
type Error struct {
	Type   Type
	Code   Code
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %s: %v", e.Type, e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Cancelled returns a cancellation error carrying the cause of ctx.
func Cancelled(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
	return ErrCancelled
}

// IsCancellation reports whether err means the operation was cancelled.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// Format converts err into an *Error with the given code and reason.
// Cancellations and values already of type *Error are returned unchanged;
// request failures become network errors.
func Format(err error, code Code, reason string) error {
	if err == nil {
		return nil
	}
	if IsCancellation(err) {
		return err
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if reqErr, ok := httpclient.AsRequestError(err); ok {
		return &Error{Type: TypeNetwork, Code: code, Reason: string(reqErr.Kind), Err: err}
	}
	return &Error{Type: TypeOther, Code: code, Reason: reason, Err: err}
}

// IsRetryable reports whether a failed request may be tried again.
// Timeouts and network failures are retryable, HTTP status errors only when
// the status belongs to codes. Everything else is not.
func IsRetryable(err error, codes *httpclient.StatusCodeSet) bool {
	if err == nil || IsCancellation(err) {
		return false
	}
	reqErr, ok := httpclient.AsRequestError(err)
	if !ok {
		return false
	}
	switch reqErr.Kind {
	case httpclient.KindTimeout, httpclient.KindNetwork:
		return true
	case httpclient.KindHTTPStatus:
		return codes.Contains(reqErr.Status)
	default:
		return false
	}
}
