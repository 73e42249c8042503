package falcon

import (
	"errors"
	"fmt"
)

// ErrorKind buckets API failures by how callers should react
type ErrorKind string

const (
	// KindTransient covers network faults, throttling, and 5xx responses.
	// Retried with capped exponential backoff at this layer.
	KindTransient ErrorKind = "transient"

	// KindAuth covers expired or rejected credentials. Not retried beyond
	// a single token refresh.
	KindAuth ErrorKind = "auth"

	// KindPermission covers valid credentials lacking scope
	KindPermission ErrorKind = "permission"

	// KindNotFound covers missing hosts, sessions, and files
	KindNotFound ErrorKind = "not_found"

	// KindInvalid covers malformed requests and unexpected payloads
	KindInvalid ErrorKind = "invalid"
)

// APIError is the error type returned by every facade call
type APIError struct {
	Kind     ErrorKind
	Status   int // HTTP status, 0 for transport-level faults
	Endpoint string
	Message  string
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (%d): %s", e.Kind, e.Endpoint, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Endpoint, e.Message)
}

// ErrHostNotFound reports that discovery matched no agent
var ErrHostNotFound = errors.New("host not found")

// classify maps an HTTP status to an error kind
func classify(status int) ErrorKind {
	switch {
	case status == 401:
		return KindAuth
	case status == 403:
		return KindPermission
	case status == 404:
		return KindNotFound
	case status == 429 || status >= 500:
		return KindTransient
	default:
		return KindInvalid
	}
}

// IsTransient reports whether the error is worth retrying
func IsTransient(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindTransient
}

// IsNotFound reports whether the error is a missing-resource response
func IsNotFound(err error) bool {
	if errors.Is(err, ErrHostNotFound) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindNotFound
}

// IsAuth reports whether the error is an authentication failure
func IsAuth(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindAuth
}
