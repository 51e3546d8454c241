package dispatch

import (
	"context"
	"errors"
	"net/http"

	"nodegate/internal/circuitbreaker"
	"nodegate/internal/nodeerr"
	"nodegate/internal/ratelimit"
)

// Status values of a Result.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is what a node returns for every invocation. Errors never escape a
// dispatch; they are folded into Status, Error and ErrorKind.
type Result struct {
	Status        string  `json:"status"`
	Data          any     `json:"data,omitempty"`
	Error         string  `json:"error,omitempty"`
	ErrorKind     string  `json:"error_kind,omitempty"`
	StatusCode    int     `json:"status_code,omitempty"`
	ExecutionTime float64 `json:"execution_time"` // seconds
	RateLimited   bool    `json:"rate_limited"`
	RetriesUsed   int     `json:"retries_used"`
	FromCache     bool    `json:"from_cache"`
	RequestID     string  `json:"request_id"`
}

// OK reports whether the dispatch succeeded.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// Classify maps an error from any dispatch stage to its kind and the HTTP
// status reported in the result.
func Classify(err error) (nodeerr.Kind, int) {
	var (
		ve *nodeerr.ValidationError
		ae *nodeerr.AuthError
		rl *ratelimit.ErrRateLimited
		co *circuitbreaker.ErrCircuitOpen
		he *nodeerr.HTTPError
		qe *nodeerr.QueryError
	)
	switch {
	case errors.As(err, &ve):
		return nodeerr.KindValidation, http.StatusBadRequest
	case errors.As(err, &ae):
		return nodeerr.KindAuth, http.StatusUnauthorized
	case errors.As(err, &rl):
		return nodeerr.KindRateLimit, http.StatusTooManyRequests
	case errors.As(err, &co):
		return nodeerr.KindCircuitOpen, http.StatusServiceUnavailable
	case errors.As(err, &he):
		switch {
		case he.Status != 0:
			return nodeerr.KindHTTP, he.Status
		case he.Class == nodeerr.ClassTimeout:
			return nodeerr.KindTimeout, http.StatusGatewayTimeout
		default:
			return nodeerr.KindConnection, http.StatusBadGateway
		}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return nodeerr.KindTimeout, http.StatusGatewayTimeout
	case errors.As(err, &qe):
		return nodeerr.KindQuery, http.StatusUnprocessableEntity
	}
	return nodeerr.KindInternal, http.StatusInternalServerError
}

// ErrorResult folds err into a failed Result.
func ErrorResult(err error) Result {
	kind, code := Classify(err)
	return Result{
		Status:      StatusError,
		Error:       err.Error(),
		ErrorKind:   string(kind),
		StatusCode:  code,
		RateLimited: kind == nodeerr.KindRateLimit,
	}
}
