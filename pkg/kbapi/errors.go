package kbapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// AuthError is returned for any 401 response. By the time the caller sees it
// the client's unauthorized middleware has already cleared the stored token.
type AuthError struct {
	Method string
	Path   string
	Detail string
}

func (e *AuthError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("unauthorized (%s %s): %s", e.Method, e.Path, e.Detail)
	}
	return fmt.Sprintf("unauthorized (%s %s)", e.Method, e.Path)
}

// RemoteError is any other non-2xx response, surfaced as-is.
type RemoteError struct {
	Method string
	Path   string
	Status int
	Detail string
}

func (e *RemoteError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("API error (status %d): %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("API error (status %d) on %s %s", e.Status, e.Method, e.Path)
}

// ValidationError is a client-side precondition failure. It never reaches
// the network.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return e.Message
}

// NetworkError means the request could not complete.
type NetworkError struct {
	Method string
	Path   string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("sending request %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsUnauthorized reports whether err carries an AuthError.
func IsUnauthorized(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// Detail returns the user-facing message for err: the server-provided detail
// when there is one, the validation message for local failures, otherwise
// fallback.
func Detail(err error, fallback string) string {
	var (
		authErr   *AuthError
		remoteErr *RemoteError
		valErr    *ValidationError
	)
	switch {
	case errors.As(err, &remoteErr) && remoteErr.Detail != "":
		return remoteErr.Detail
	case errors.As(err, &authErr) && authErr.Detail != "":
		return authErr.Detail
	case errors.As(err, &valErr):
		return valErr.Message
	}
	return fallback
}

// parseDetail extracts the "detail" field of a FastAPI error body. Request
// validation failures carry a list of {loc, msg, type} objects instead of a
// string; their messages are joined.
func parseDetail(body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Detail) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(payload.Detail, &s); err == nil {
		return s
	}

	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(payload.Detail, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, item := range items {
			if item.Msg != "" {
				msgs = append(msgs, item.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return ""
}
