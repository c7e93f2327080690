package httpclient

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed request.
type ErrorKind string

const (
	// KindTimeout means the request or connection timeout elapsed.
	KindTimeout ErrorKind = "TIMEOUT"
	// KindHTTPStatus means the server answered with an unexpected status.
	KindHTTPStatus ErrorKind = "ERROR_HTTP_CODE"
	// KindNetwork means the request failed before a response was obtained.
	KindNetwork ErrorKind = "ERROR_EVENT"
	// KindParseBody means the response body could not be read or decoded.
	KindParseBody ErrorKind = "PARSE_ERROR"
)

var (
	// ErrResponseTooLarge is returned when a body exceeds the configured limit.
	ErrResponseTooLarge = errors.New("response body exceeds maximum size limit")

	errRequestTimeout    = errors.New("request timeout")
	errConnectionTimeout = errors.New("connection timeout")
)

// RequestError is the typed error returned by loaders. Custom loaders should
// return it too so retry classification works the same way.
type RequestError struct {
	URL    string
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		return fmt.Sprintf("request to %s failed with HTTP status %d", e.URL, e.Status)
	case KindTimeout:
		return fmt.Sprintf("request to %s timed out: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("request to %s failed (%s): %v", e.URL, e.Kind, e.Err)
	}
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// NewStatusError builds a RequestError for an unexpected HTTP status.
func NewStatusError(url string, status int) *RequestError {
	return &RequestError{URL: url, Kind: KindHTTPStatus, Status: status}
}

// AsRequestError extracts a *RequestError from err's chain.
func AsRequestError(err error) (*RequestError, bool) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr, true
	}
	return nil, false
}
