package fetch

import (
	"errors"
	"fmt"
)

var (
	// ErrAborted is returned when a request was cancelled through its abort handle.
	ErrAborted = errors.New("request aborted")
	// ErrTimeout is returned when any request of a segment exceeded its timeout.
	ErrTimeout = errors.New("request timed out")
)

// RequestError is a transport or format failure of one request.
type RequestError struct {
	URI    string
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("request for %s failed with status %d: %v", e.URI, e.Status, e.Err)
	}
	return fmt.Sprintf("request for %s failed: %v", e.URI, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// errBadStatus is wrapped by RequestError for non-2xx responses.
var errBadStatus = errors.New("unexpected HTTP status")
