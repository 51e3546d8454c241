// Package nodeerr defines the error taxonomy shared by the dispatch pipeline.
// Every error here is converted into a structured result at the dispatcher
// boundary; callers of a node never see them directly.
package nodeerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind labels an error class in results and metrics.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindAuth        Kind = "auth"
	KindRateLimit   Kind = "rate_limit"
	KindHTTP        Kind = "http"
	KindCircuitOpen Kind = "circuit_open"
	KindCache       Kind = "cache"
	KindTimeout     Kind = "timeout"
	KindConnection  Kind = "connection"
	KindQuery       Kind = "query"
	KindInternal    Kind = "internal"
)

// ErrUnknownOperation is returned when params.operation names nothing in the catalog.
var ErrUnknownOperation = errors.New("unknown operation")

// ValidationError reports a missing or malformed parameter or a violated
// parameter dependency. Never retried, never charged against the rate limit.
type ValidationError struct {
	Param   string `json:"param,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Param == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Param, e.Message)
}

// Invalid creates a ValidationError.
func Invalid(param, rule, message string) *ValidationError {
	return &ValidationError{Param: param, Rule: rule, Message: message}
}

// AuthError reports a credential that was required but not supplied, or a
// token exchange that failed (Err set).
type AuthError struct {
	Scheme string
	Param  string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s authentication failed: %v", e.Scheme, e.Err)
	}
	return fmt.Sprintf("missing credential %q for %s authentication", e.Param, e.Scheme)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Class is the transport-level classification of a failed attempt.
type Class string

const (
	ClassStatus     Class = "status"
	ClassTimeout    Class = "timeout"
	ClassConnection Class = "connection"
)

// HTTPError is a failed upstream attempt: either a non-2xx response or a
// transport failure (Status == 0).
type HTTPError struct {
	Status     int
	Body       string
	Class      Class
	RetryAfter time.Duration
	Err        error
}

func (e *HTTPError) Error() string {
	if e.Status == 0 {
		if e.Err != nil {
			return fmt.Sprintf("request failed (%s): %v", e.Class, e.Err)
		}
		return fmt.Sprintf("request failed (%s)", e.Class)
	}
	if e.Body != "" {
		return fmt.Sprintf("http error status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("http error status %d", e.Status)
}

func (e *HTTPError) Unwrap() error { return e.Err }

// CacheError is a soft failure: the dispatcher logs it and treats the lookup
// as a miss.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// QueryError is a statement a SQL node's database rejected.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }
