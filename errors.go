package pageserve

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
)

var (
	// ErrRouteCollision is returned by route derivation in strict mode when two files derive the same URL.
	ErrRouteCollision = errors.New("route collision")
	// ErrSettings wraps failures reading or decoding the settings file.
	ErrSettings = errors.New("settings unavailable")
	// ErrNoLocation is returned by a [GeoLocator] that answered but had no location for the address.
	ErrNoLocation = errors.New("no location for address")
)

// StatusError carries the HTTP status a failed handler should respond with.
type StatusError struct {
	Code int
	Err  error
}

// NewStatusError wraps err with an HTTP status code.
func NewStatusError(code int, err error) *StatusError {
	return &StatusError{Code: code, Err: err}
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return http.StatusText(e.Code)
	}
	return e.Err.Error()
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// StatusOf maps an error to the HTTP status used for its response.
// A [StatusError] anywhere in the chain wins; missing files map to 404,
// permission problems to 403 and everything else to 500.
func StatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) && se.Code >= 400 && se.Code < 600 {
		return se.Code
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, fs.ErrPermission):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func statusErrorf(code int, format string, args ...any) *StatusError {
	return NewStatusError(code, fmt.Errorf(format, args...))
}
