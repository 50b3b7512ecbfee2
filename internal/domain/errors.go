package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrOrderNotFound      = errors.New("order not found")
	ErrRateLimited        = errors.New("rate limited")
	ErrTimeout            = errors.New("venue timeout")
	ErrNetwork            = errors.New("venue network failure")
	ErrRejected           = errors.New("order rejected by venue")
	ErrInvalidOrder       = errors.New("invalid order parameters")
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrNotConnected       = errors.New("venue not connected")
	ErrVenueNotRegistered = errors.New("venue not registered")
	ErrNoVenue            = errors.New("no eligible venue")
	ErrStrategyFrozen     = errors.New("strategy frozen")
	ErrLockHeld           = errors.New("lock already held")
)

// ErrorClass buckets venue failures by how they should be handled.
type ErrorClass string

const (
	ClassUnknown     ErrorClass = "unknown"
	ClassNetwork     ErrorClass = "network"
	ClassTimeout     ErrorClass = "timeout"
	ClassRateLimit   ErrorClass = "rate_limit"
	ClassRejection   ErrorClass = "rejection"
	ClassNotFound    ErrorClass = "not_found"
	ClassCircuitOpen ErrorClass = "circuit_open"
)

// Retryable reports whether a failure of this class may succeed on retry.
func (c ErrorClass) Retryable() bool {
	return c == ClassNetwork || c == ClassTimeout || c == ClassRateLimit
}

// VenueError carries the venue and operation of a failed venue call.
type VenueError struct {
	Venue      Venue
	Op         string
	Class      ErrorClass
	RetryAfter time.Duration // server hint, rate limits only
	Err        error
}

func (e *VenueError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s: %s (retry after %s): %v", e.Venue, e.Op, e.Class, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s: %v", e.Venue, e.Op, e.Class, e.Err)
}

func (e *VenueError) Unwrap() error { return e.Err }

// NewVenueError wraps err, classifying it when class is empty.
func NewVenueError(venue Venue, op string, class ErrorClass, err error) *VenueError {
	if class == "" {
		class = Classify(err)
	}
	return &VenueError{Venue: venue, Op: op, Class: class, Err: err}
}

// RateLimitError builds a rate-limit failure with a retry-after hint.
func RateLimitError(venue Venue, op string, retryAfter time.Duration) *VenueError {
	return &VenueError{Venue: venue, Op: op, Class: ClassRateLimit, RetryAfter: retryAfter, Err: ErrRateLimited}
}

// Classify maps an error onto the failure taxonomy.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var ve *VenueError
	if errors.As(err, &ve) && ve.Class != "" {
		return ve.Class
	}
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return ClassCircuitOpen
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimit
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrRejected), errors.Is(err, ErrInvalidOrder):
		return ClassRejection
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrNotConnected):
		return ClassNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	}
	return ClassUnknown
}

// RetryAfterHint extracts a server-provided retry delay, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ve *VenueError
	if errors.As(err, &ve) && ve.RetryAfter > 0 {
		return ve.RetryAfter, true
	}
	return 0, false
}
