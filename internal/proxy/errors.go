package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"syscall"
)

// Kind classifies proxy errors for status mapping and retry decisions.
type Kind int

const (
	KindBadRequest Kind = iota + 1
	KindPayloadTooLarge
	KindTimeout
	KindConnect
	KindTransport
	KindTooManyRedirects
)

// Error is the single error type crossing component boundaries.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Status maps an error kind to the HTTP status surfaced to the client.
func (e *Error) Status() int {
	switch e.Kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func badRequestf(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Msg: fmt.Sprintf(format, args...)}
}

func transportError(msg string, err error) *Error {
	return &Error{Kind: classifyTransport(err), Msg: msg, Err: err}
}

// classifyTransport distinguishes timeout, connect and other transport
// failures so callers can map them to 408 vs 500.
func classifyTransport(err error) Kind {
	if err == nil {
		return KindTransport
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	var oe *net.OpError
	if errors.As(err, &oe) && oe.Op == "dial" {
		return KindConnect
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) {
		return KindConnect
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return classifyTransport(ue.Err)
	}
	return KindTransport
}

// isTimeout reports whether err ultimately stems from a deadline.
func isTimeout(err error) bool {
	return classifyTransport(err) == KindTimeout
}
