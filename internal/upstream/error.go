package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// Kind tags an upstream failure as worth retrying or not.
type Kind int

const (
	Fatal Kind = iota
	Transient
)

func (k Kind) String() string {
	if k == Transient {
		return "transient"
	}
	return "fatal"
}

// Error is the classified failure of a call to an inference collaborator. The kind is
// decided where the HTTP or timeout error is caught.
type Error struct {
	Kind       Kind
	Service    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Service, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Service, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Cause is a short label for logs and audit rows (e.g. "http 503", "timeout").
func (e *Error) Cause() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("http %d", e.StatusCode)
	case isTimeout(e.Err):
		return "timeout"
	case errors.Is(e.Err, context.Canceled):
		return "canceled"
	case errors.Is(e.Err, syscall.ECONNREFUSED):
		return "connection refused"
	default:
		return "error"
	}
}

// NewTransient wraps err as a transient failure of service.
func NewTransient(service string, err error) *Error {
	return &Error{Kind: Transient, Service: service, Err: err}
}

// NewFatal wraps err as a fatal failure of service.
func NewFatal(service string, err error) *Error {
	return &Error{Kind: Fatal, Service: service, Err: err}
}

// IsTransient reports whether err carries a transient upstream classification.
func IsTransient(err error) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Kind == Transient
}

// TransientStatus reports whether an HTTP status signals a cold or unreachable server.
func TransientStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// FromStatus classifies a non-success HTTP response.
func FromStatus(service string, code int, body string) *Error {
	kind := Fatal
	if TransientStatus(code) {
		kind = Transient
	}
	if body == "" {
		body = http.StatusText(code)
	}
	return &Error{Kind: kind, Service: service, StatusCode: code, Err: errors.New(body)}
}

// FromTransport classifies an error returned by http.Client.Do. A cancelled call was
// interrupted, not rejected, so it is transient.
func FromTransport(service string, err error) *Error {
	if isTimeout(err) || errors.Is(err, context.Canceled) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return NewTransient(service, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return NewTransient(service, err)
	}
	return NewFatal(service, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
