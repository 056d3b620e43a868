package serclient

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrTransport is matched by every failure to fetch a device resource.
var ErrTransport = errors.New("device transport error")

// Error describes a failed request against a device endpoint.
type Error struct {
	Path       string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ErrTransport.Error()
	}
	if e.StatusCode != 0 {
		if e.Body != "" {
			return fmt.Sprintf("GET %s: status %d: %s", e.Path, e.StatusCode, e.Body)
		}
		return fmt.Sprintf("GET %s: status %d", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("GET %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrTransport
}

// Unauthorized reports whether the device rejected the credentials.
func (e *Error) Unauthorized() bool {
	return e != nil && e.StatusCode == http.StatusUnauthorized
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
