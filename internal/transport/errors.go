package transport

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNetwork marks transient failures: connection errors, 5xx and 429 answers.
	ErrNetwork = errors.New("network error")
	// ErrPayloadTooLarge is returned for a 413 answer.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrNotAvailable is returned when the backend has no snapshot, manifest or backup for the request.
	ErrNotAvailable = errors.New("not available")
)

// StatusError is a non-2xx answer that is none of the classified cases.
type StatusError struct {
	Action     string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: bad status %d: %s", e.Action, e.StatusCode, e.Message)
}

// classifyStatus maps a non-2xx answer to the error taxonomy.
func classifyStatus(action string, code int, msg string) error {
	switch {
	case code == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%s: %w", action, ErrPayloadTooLarge)
	case code == http.StatusNotFound && msg == NotAvailableCode:
		return fmt.Errorf("%s: %w", action, ErrNotAvailable)
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%s: %w: status %d: %s", action, ErrNetwork, code, msg)
	default:
		return &StatusError{Action: action, StatusCode: code, Message: msg}
	}
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork)
}
