// Package errs defines the tagged error variants shared across the
// acquisition engine. Producers wrap these with fmt.Errorf("...: %w");
// consumers classify with errors.As and never match on message text.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrInvalidInput marks operator input that fails validation; the HTTP
// layer maps it to 400.
var ErrInvalidInput = errors.New("invalid input")

// AuthError means the credential exchange failed. Terminal for the
// current operation.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s", e.Message)
}

// UpstreamClientError is a non-retryable HTTP error from the upstream.
type UpstreamClientError struct {
	Status      int
	BodyExcerpt string
}

func (e *UpstreamClientError) Error() string {
	return fmt.Sprintf("upstream http %d: %s", e.Status, e.BodyExcerpt)
}

// UpstreamProtocolError means the upstream envelope carried a non-success
// status code.
type UpstreamProtocolError struct {
	Code    string
	Message string
}

func (e *UpstreamProtocolError) Error() string {
	return fmt.Sprintf("upstream code %s: %s", e.Code, e.Message)
}

// RateLimitedError means the upstream signaled throttling. The scheduler
// honors RetryAfter before retrying.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// BrowserHarvestError is recoverable: acquisition may proceed with
// endpoint-only data.
type BrowserHarvestError struct {
	Reason string
	Err    error
}

func (e *BrowserHarvestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("browser harvest: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("browser harvest: %s", e.Reason)
}

func (e *BrowserHarvestError) Unwrap() error { return e.Err }

// NormalizationError marks a record the normalizer cannot interpret; the
// record is dropped with a warning.
type NormalizationError struct {
	Input  string
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %q: %s", e.Input, e.Reason)
}

// PersistenceError wraps a failed database write. The enclosing identity
// transaction is rolled back and the keyword marked failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Recoverable reports whether a per-keyword failure is worth retrying:
// network blips, upstream 5xx, throttling, and browser failures are;
// auth, protocol, validation, and persistence failures are not.
func Recoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var (
		authErr   *AuthError
		clientErr *UpstreamClientError
		rlErr     *RateLimitedError
		bhErr     *BrowserHarvestError
		netErr    net.Error
	)
	switch {
	case errors.As(err, &authErr):
		return false
	case errors.As(err, &rlErr), errors.As(err, &bhErr):
		return true
	case errors.As(err, &clientErr):
		return clientErr.Status >= 500
	case errors.As(err, &netErr):
		return true
	}
	return false
}

// IsCancelled reports context cancellation or deadline expiry; the task
// layer records these without logging them as errors.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
