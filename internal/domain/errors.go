package domain

import (
	"errors"
	"fmt"
)

// Bot API failure classes. They only change how a failure is logged and
// whether a threaded send falls back to the top-level conversation.
var (
	ErrPermission     = errors.New("insufficient permission")
	ErrThreadNotFound = errors.New("message thread not found")
	ErrMessageGone    = errors.New("message not found")
	ErrRateLimited    = errors.New("rate limited")
)

// APIError is a failed Bot API call.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  int   // seconds, set when rate limited
	Kind        error // one of the Err* classes above, or nil
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.Method, e.Code, e.Description)
}

func (e *APIError) Unwrap() error { return e.Kind }

// ErrorKind returns a short label for logs.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermission):
		return "permission"
	case errors.Is(err, ErrThreadNotFound):
		return "thread_not_found"
	case errors.Is(err, ErrMessageGone):
		return "message_gone"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "transport"
	}
}
