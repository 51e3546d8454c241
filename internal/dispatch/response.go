package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/ohler55/ojg/jp"

	"nodegate/internal/config"
	"nodegate/internal/nodeerr"
)

// maxBodyBytes bounds how much of an upstream response is read.
const maxBodyBytes = 10 << 20

// response is a successful upstream call, shared by every caller served
// from the cache. Treat Data as read-only.
type response struct {
	Data       any
	StatusCode int
}

// decodeBody decodes JSON bodies and falls back to the raw text. Some APIs
// return JSON with the wrong content type, so the header is not consulted.
func decodeBody(body []byte) any {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var out any
	if err := json.Unmarshal(body, &out); err == nil {
		return out
	}
	return string(body)
}

// extract applies a compiled response_path. One match is returned as is,
// several as a list, none as nil.
func extract(expr jp.Expr, data any) any {
	if expr == nil || data == nil {
		return data
	}
	matches := expr.Get(data)
	switch len(matches) {
	case 0:
		return nil
	case 1:
		return matches[0]
	default:
		return matches
	}
}

// transportError classifies a failure that produced no HTTP response.
func transportError(err error) error {
	class := nodeerr.ClassConnection
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		class = nodeerr.ClassTimeout
	}
	return &nodeerr.HTTPError{Class: class, Err: err}
}

// newClient builds the node's HTTP client. The connect timeout bounds
// dialing and the TLS handshake, the read timeout bounds the wait for
// response headers. The total timeout is applied per dispatch through the
// context.
func newClient(t *config.TimeoutConfig) *http.Client {
	connect := 10 * time.Second
	read := 30 * time.Second
	if t != nil {
		if t.Connect > 0 {
			connect = config.Seconds(t.Connect)
		}
		if t.Read > 0 {
			read = config.Seconds(t.Read)
		}
	}
	dialer := &net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.TLSHandshakeTimeout = connect
	transport.ResponseHeaderTimeout = read
	return &http.Client{Transport: transport}
}
