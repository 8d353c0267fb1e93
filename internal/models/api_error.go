package models

import (
	"errors"
	"fmt"
)

// ErrorClass is the structured failure classification assigned at the
// gateway boundary. Callers branch on the class, never on response text.
type ErrorClass string

const (
	// ErrorClassTransport covers network failures: unreachable host,
	// timeout, connection reset. Never retried automatically.
	ErrorClassTransport ErrorClass = "transport"

	// ErrorClassEmptyKnowledgeBase is the 400 the backend returns when a
	// selected knowledge base exists but contains no documents. The only
	// class that triggers the direct-chat fallback.
	ErrorClassEmptyKnowledgeBase ErrorClass = "empty_knowledge_base"

	// ErrorClassBadRequest covers all other 4xx rejections.
	ErrorClassBadRequest ErrorClass = "bad_request"

	// ErrorClassNotFound covers 404 rejections.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassServer covers 5xx failures.
	ErrorClassServer ErrorClass = "server"
)

// APIError is a normalized backend failure. The gateway converts every
// non-success response and every transport error into this type.
type APIError struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	Detail     string
	Endpoint   string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("backend error: %s (%s, status: %d, endpoint: %s)", e.Message, e.Detail, e.StatusCode, e.Endpoint)
	}
	return fmt.Sprintf("backend error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// IsEmptyKnowledgeBase reports whether err is a backend rejection caused by
// an empty or invalid knowledge base selection.
func IsEmptyKnowledgeBase(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Class == ErrorClassEmptyKnowledgeBase
}

// IsTransport reports whether err is a network-level failure.
func IsTransport(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Class == ErrorClassTransport
}
