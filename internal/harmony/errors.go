package harmony

import (
	"errors"
	"fmt"
)

// Error categories drive recovery: network errors are retried with backoff,
// authentication errors clear the session, validation and cache errors are
// surfaced immediately, anything else is a generic failure.
type ErrorCategory int

const (
	CategoryUnknown ErrorCategory = iota
	CategoryNetwork
	CategoryAuthentication
	CategoryValidation
	CategoryCache
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryAuthentication:
		return "authentication"
	case CategoryValidation:
		return "validation"
	case CategoryCache:
		return "cache"
	default:
		return "unknown"
	}
}

// NetworkError wraps a discovery, connect, or transport failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network: %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// AuthenticationError reports an invalid or expired session.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string { return "authentication: " + e.Reason }

// CacheError wraps a persisted-store failure.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string { return fmt.Sprintf("cache: %s: %v", e.Op, e.Err) }
func (e *CacheError) Unwrap() error { return e.Err }

// Categorize walks the error chain and reports which taxonomy bucket the
// error belongs to. Unrecognized errors fall into the unknown bucket.
func Categorize(err error) ErrorCategory {
	var (
		netErr   *NetworkError
		authErr  *AuthenticationError
		valErr   *ValidationError
		cacheErr *CacheError
	)
	switch {
	case errors.As(err, &netErr):
		return CategoryNetwork
	case errors.As(err, &authErr):
		return CategoryAuthentication
	case errors.As(err, &valErr):
		return CategoryValidation
	case errors.As(err, &cacheErr):
		return CategoryCache
	default:
		return CategoryUnknown
	}
}
