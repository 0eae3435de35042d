package caronte

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// ErrorKind classifies errors reported by the proxy.
type ErrorKind int

const (
	// KindConfig is a construction time configuration error.
	KindConfig ErrorKind = iota
	// KindAuth is a missing or invalid proxy credential.
	KindAuth
	// KindCorrelation is a decrypted request with no matching tunnel.
	KindCorrelation
	// KindUpstream is a failure contacting the origin.
	KindUpstream
	// KindTransport is a tunnel or relay socket failure.
	KindTransport
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindCorrelation:
		return "correlation"
	case KindUpstream:
		return "upstream"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyStarted = errors.New("proxy already started")
	ErrNotStarted     = errors.New("proxy not started")
	ErrNoTunnel       = errors.New("no tunnel matches the connection")
	ErrProxyClosed    = errors.New("proxy closed")

	ErrAuthMissing   = errors.New("missing proxy credentials")
	ErrAuthScheme    = errors.New("unsupported proxy authorization scheme")
	ErrAuthMalformed = errors.New("malformed proxy credentials")
	ErrAuthInvalid   = errors.New("invalid proxy credentials")
)

// Error is the error type emitted on the proxy error stream. Request and
// Response carry the context of the failed exchange when there is one.
type Error struct {
	Kind     ErrorKind
	Request  *http.Request
	Response *ResponseHead
	Err      error
}

func (e *Error) Error() string {
	if e.Request != nil && e.Request.URL != nil {
		return fmt.Sprintf("%s error: %s %s: %v", e.Kind, e.Request.Method, e.Request.URL, e.Err)
	}

	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func configError(format string, args ...interface{}) error {
	return &Error{Kind: KindConfig, Err: fmt.Errorf(format, args...)}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Kind == kind
}

// isClosedConnError reports errors that merely mean a peer went away.
func isClosedConnError(err error) bool {
	if err == nil {
		return true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	// Reset and broken pipe are not exported as sentinels on every platform.
	s := err.Error()

	return strings.Contains(s, "connection reset by peer") || strings.Contains(s, "broken pipe")
}

// errorReason returns a short label for err, used as a metric label.
func errorReason(err error) string {
	var (
		netErr     *net.OpError
		headerErr  tls.RecordHeaderError
		certErr    *tls.CertificateVerificationError
		invalidErr x509.CertificateInvalidError
		unknownErr x509.UnknownAuthorityError
		hostErr    x509.HostnameError
	)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &certErr), errors.As(err, &invalidErr), errors.As(err, &unknownErr), errors.As(err, &hostErr):
		return "tls_certificate"
	case errors.As(err, &headerErr):
		return "tls_record_header"
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return "timeout"
		}

		return "net_" + netErr.Op
	case errors.Is(err, ErrNoTunnel):
		return "no_tunnel"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "eof"
	default:
		return "unexpected_error"
	}
}
