package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the transport package.
var (
	ErrDecode       = errors.New("transport: malformed response body")
	ErrUnsuccessful = errors.New("transport: backend reported success=false")
	ErrNotConnected = errors.New("transport: NATS is not connected")
)

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("transport: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("transport: HTTP %d: %s", e.StatusCode, e.Body)
}

// IsClientError reports whether err carries a 4xx status. Client errors are
// terminal: the same request will be rejected again.
func IsClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500
}

// IsNotFound reports whether err carries a 404 status.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// IsServerError reports whether err carries a 5xx status.
func IsServerError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode >= 500
}

// IsTransient reports whether err is worth retrying: network failures,
// timeouts and 5xx responses. Client rejections, malformed bodies, explicit
// success=false answers and caller cancellation are not.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case IsClientError(err),
		errors.Is(err, ErrDecode),
		errors.Is(err, ErrUnsuccessful),
		errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}
