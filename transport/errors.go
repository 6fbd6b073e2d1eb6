package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized marks a 401/403 response. It is terminal for the call;
// the core never retries it automatically.
var ErrUnauthorized = errors.New("unauthorized")

// StatusError is a non-2xx response from the chat API.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func newStatusError(method, path string, status int, body []byte) error {
	err := &StatusError{Method: method, Path: path, Status: status, Body: string(body)}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	}
	return err
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
}
