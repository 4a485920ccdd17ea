package permanent

import (
	"errors"
	"fmt"
	"net/http"
)

// Error marks a failure that retrying cannot fix, such as a 4xx webhook response.
type Error struct {
	Err error
}

// Error returns wrapped error message.
func (e Error) Error() string {
	if e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

// Unwrap exposes wrapped cause for errors.Is/errors.As.
func (e Error) Unwrap() error {
	return e.Err
}

// Permanent reports the non-retryable marker.
func (Error) Permanent() bool {
	return true
}

// Mark wraps error with permanent marker.
// Params: source error.
// Returns: wrapped error or nil.
func Mark(err error) error {
	if err == nil {
		return nil
	}
	return Error{Err: err}
}

// Markf formats a new permanent error.
func Markf(format string, args ...any) error {
	return Error{Err: fmt.Errorf(format, args...)}
}

// Status marks err permanent when the HTTP status says the receiver rejected the request.
// Params: response status code and the error describing it.
// Returns: err unchanged for 5xx, 408, and 429; marked otherwise for 4xx.
func Status(code int, err error) error {
	if !RejectedStatus(code) {
		return err
	}
	return Mark(err)
}

// RejectedStatus reports whether a response status must not be retried.
func RejectedStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return code >= 400 && code < 500
}

// Is reports whether any error in the chain carries the permanent marker.
// Params: candidate error.
// Returns: true when retries must stop.
func Is(err error) bool {
	if err == nil {
		return false
	}
	var tagged interface{ Permanent() bool }
	if !errors.As(err, &tagged) {
		return false
	}
	return tagged.Permanent()
}
