package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind is the fixed failure taxonomy surfaced by the SDK.
type ErrorKind string

const (
	KindNotInitialized ErrorKind = "not_initialized"
	KindNetwork        ErrorKind = "network"
	KindUnauthorized   ErrorKind = "unauthorized"
	KindRateLimited    ErrorKind = "rate_limited"
	KindServer         ErrorKind = "server"
	KindBadRequest     ErrorKind = "bad_request"
	KindUnknown        ErrorKind = "unknown"
)

// Retryable reports whether a failure of this kind may succeed on a later attempt.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetwork, KindRateLimited, KindServer, KindUnknown:
		return true
	}
	return false
}

type Error struct {
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		if e.Status != 0 {
			return fmt.Sprintf("%s (http %d)", e.Kind, e.Status)
		}
		return string(e.Kind)
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s (http %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrUnauthorized) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Status == 0 && t.Kind == e.Kind
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"code":    e.Kind,
		"message": StatusText(e),
	})
}

var (
	ErrNotInitialized = &Error{Kind: KindNotInitialized}
	ErrNetwork        = &Error{Kind: KindNetwork}
	ErrUnauthorized   = &Error{Kind: KindUnauthorized}
	ErrRateLimited    = &Error{Kind: KindRateLimited}
	ErrServer         = &Error{Kind: KindServer}
	ErrBadRequest     = &Error{Kind: KindBadRequest}
)

// FromStatus maps a non-2xx HTTP status onto the taxonomy.
func FromStatus(status int, err error) *Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindUnauthorized, Status: status, Err: err}
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Status: status, Err: err}
	case status == http.StatusRequestTimeout:
		return &Error{Kind: KindNetwork, Status: status, Err: err}
	case status >= 500 && status <= 599:
		return &Error{Kind: KindServer, Status: status, Err: err}
	case status >= 400 && status <= 499:
		return &Error{Kind: KindBadRequest, Status: status, Err: err}
	}
	return &Error{Kind: KindUnknown, Status: status, Err: err}
}

// AsError classifies any error into the taxonomy. Nil stays nil.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindNetwork, Err: err}
	}
	// *url.Error and *net.OpError both satisfy net.Error.
	var ne net.Error
	if errors.As(err, &ne) {
		return &Error{Kind: KindNetwork, Err: err}
	}
	return &Error{Kind: KindUnknown, Err: err}
}

func KindOf(err error) ErrorKind {
	if e := AsError(err); e != nil {
		return e.Kind
	}
	return ""
}

// StatusText renders a short human-readable status for user-initiated actions.
func StatusText(err error) string {
	if err == nil {
		return "OK"
	}
	switch KindOf(err) {
	case KindNotInitialized:
		return "SDK not initialized"
	case KindNetwork:
		return "Network error, check connectivity and try again"
	case KindUnauthorized:
		return "API key invalid or expired"
	case KindRateLimited:
		return "Too many requests, try again later"
	case KindServer:
		return "Server error, try again later"
	case KindBadRequest:
		return "Request rejected by server"
	}
	return "Unknown error"
}
