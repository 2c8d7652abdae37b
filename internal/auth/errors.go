package auth

import (
	"errors"
	"fmt"
)

// ErrAuthRequired means the refresh token itself was rejected (revoked or
// expired). It is never retried automatically; it must surface to a human
// re-authorization flow.
var ErrAuthRequired = errors.New("re-authorization required")

// TransientError wraps a network or server failure on the refresh exchange.
// Callers may retry under their own policy.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient auth error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
