// Package herrors defines the categorized error taxonomy shared across
// the hub: every error the core returns carries a category tag, a
// retryability predicate, and — for retryable categories — a retry
// delay the send path can use for exponential backoff.
package herrors

import (
	"errors"
	"fmt"
	"time"
)

// Category classifies an error for logging, metrics, and retry policy.
type Category string

const (
	CategoryTransport         Category = "transport"
	CategoryTimeout           Category = "timeout"
	CategoryIO                Category = "io"
	CategoryRuntime           Category = "runtime"
	CategoryServiceDiscovery  Category = "service_discovery"
	CategoryServiceNotFound   Category = "service_not_found"
	CategoryMethodNotFound    Category = "method_not_found"
	CategorySerialization     Category = "serialization"
	CategoryProtocol          Category = "protocol"
	CategorySubscription      Category = "subscription"
	CategoryInvalidRequest    Category = "invalid_request"
	CategoryConfiguration     Category = "configuration"
	CategoryInvalidTopic      Category = "invalid_topic_pattern"
)

// retryable lists the categories the send path will back off and retry.
var retryable = map[Category]bool{
	CategoryTransport: true,
	CategoryTimeout:   true,
	CategoryIO:        true,
	CategoryRuntime:   true,
}

// Error is the hub's categorized error type. It wraps an optional
// underlying cause and carries structured fields used by some
// categories (e.g. ServiceDiscovery's method/known endpoints).
type Error struct {
	Category Category
	Message  string
	Cause    error

	// Method and Endpoints are populated for CategoryServiceDiscovery.
	Method    string
	Endpoints []string

	// Service/MethodName are populated for CategoryMethodNotFound /
	// CategoryServiceNotFound.
	Service    string
	MethodName string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsRetryable reports whether the send path should retry an operation
// that failed with this error.
func (e *Error) IsRetryable() bool {
	return retryable[e.Category]
}

// RetryDelay returns the base retry delay for this error's category,
// or zero if the category is not retryable. Callers apply their own
// exponential multiplier on top of this base (see RetryPolicy).
func (e *Error) RetryDelay() time.Duration {
	if !e.IsRetryable() {
		return 0
	}
	return RetryPolicy.Base
}

// RetryPolicy fixes the exponential-backoff parameters shared by
// discovery retries (spec §4.3) and streaming send retries (spec
// §4.5): base delay doubling on each attempt, capped.
var RetryPolicy = struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
}{
	Base:       50 * time.Millisecond,
	Multiplier: 2,
	Cap:        2 * time.Second,
}

// DelayForAttempt returns the backoff delay before the given attempt
// (0-indexed), clamped to RetryPolicy.Cap.
func DelayForAttempt(attempt int) time.Duration {
	d := float64(RetryPolicy.Base)
	for i := 0; i < attempt; i++ {
		d *= RetryPolicy.Multiplier
	}
	delay := time.Duration(d)
	if delay > RetryPolicy.Cap {
		delay = RetryPolicy.Cap
	}
	return delay
}

// New builds a categorized error with no cause.
func New(cat Category, message string) *Error {
	return &Error{Category: cat, Message: message}
}

// Wrap builds a categorized error wrapping cause.
func Wrap(cat Category, message string, cause error) *Error {
	return &Error{Category: cat, Message: message, Cause: cause}
}

// ServiceDiscovery builds the error surfaced when no provider could be
// found for method after exhausting discovery retries.
func ServiceDiscovery(method string, knownEndpoints []string) *Error {
	return &Error{
		Category:  CategoryServiceDiscovery,
		Message:   fmt.Sprintf("no provider found for method %q", method),
		Method:    method,
		Endpoints: knownEndpoints,
	}
}

// ServiceNotFound builds the error for an unregistered local service.
func ServiceNotFound(service string) *Error {
	return &Error{
		Category: CategoryServiceNotFound,
		Message:  fmt.Sprintf("service %q not found", service),
		Service:  service,
	}
}

// MethodNotFound builds the error for an unknown method on a known
// local service.
func MethodNotFound(service, method string) *Error {
	return &Error{
		Category:   CategoryMethodNotFound,
		Message:    fmt.Sprintf("method %q not found on service %q", method, service),
		Service:    service,
		MethodName: method,
	}
}

// Timeout builds the error surfaced when an awaited reply never
// arrived within the configured call timeout.
func Timeout(operation string, after time.Duration) *Error {
	return &Error{
		Category: CategoryTimeout,
		Message:  fmt.Sprintf("%s timed out after %s", operation, after),
	}
}

// InvalidRequest builds a non-retryable request-validation error.
func InvalidRequest(message string) *Error {
	return &Error{Category: CategoryInvalidRequest, Message: message}
}

// InvalidTopicPattern builds the error for a malformed topic pattern
// (a '#' segment that is not the last segment of the pattern).
func InvalidTopicPattern(pattern string) *Error {
	return &Error{
		Category: CategoryInvalidTopic,
		Message:  fmt.Sprintf("invalid topic pattern %q: '#' must be the last segment", pattern),
	}
}

// Subscription builds a non-retryable subscription lifecycle error
// (rejection, double-accept, dead channel).
func Subscription(message string) *Error {
	return &Error{Category: CategorySubscription, Message: message}
}

// As reports whether err is (or wraps) an *Error, populating target
// the way errors.As does.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}
