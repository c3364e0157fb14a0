package timestamps

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// Cause classifies why a timestamp attempt failed. Causes are diagnostic
// only; every failure is handled the same way by callers.
type Cause int

const (
	CauseUnknown Cause = iota
	CauseMalformedRequest
	CauseUnauthorized
	CauseMethodNotAllowed
	CauseTimeout
	CauseConnectionRefused
	CauseDNS
	CauseTLS
)

var causeNames = map[Cause]string{
	CauseUnknown:           "unknown",
	CauseMalformedRequest:  "malformed-request",
	CauseUnauthorized:      "unauthorized",
	CauseMethodNotAllowed:  "method-not-allowed",
	CauseTimeout:           "timeout",
	CauseConnectionRefused: "connection-refused",
	CauseDNS:               "dns-failure",
	CauseTLS:               "tls-failure",
}

func (c Cause) String() string {
	if name, ok := causeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("cause(%d)", int(c))
}

// Retryable reports whether another attempt against the same server can
// succeed. Requests the server refuses outright are not repeated.
func (c Cause) Retryable() bool {
	switch c {
	case CauseMalformedRequest, CauseUnauthorized, CauseMethodNotAllowed:
		return false
	default:
		return true
	}
}

// TimestampError is a failed attempt against one server.
type TimestampError struct {
	Server string
	Cause  Cause
	Err    error
}

func (e *TimestampError) Error() string {
	return fmt.Sprintf("timestamp from %s failed (%s): %v", e.Server, e.Cause, e.Err)
}

func (e *TimestampError) Unwrap() error {
	return e.Err
}

// HTTPStatusError is a non-200 answer from a TSA.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%v: HTTP %d %s", ErrTimestampFailed, e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *HTTPStatusError) Is(target error) bool {
	return target == ErrTimestampFailed
}

// Classify maps an error from a timestamp attempt to its cause.
func Classify(err error) Cause {
	if err == nil {
		return CauseUnknown
	}

	var tsErr *TimestampError
	if errors.As(err, &tsErr) {
		return tsErr.Cause
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusBadRequest:
			return CauseMalformedRequest
		case http.StatusUnauthorized, http.StatusForbidden:
			return CauseUnauthorized
		case http.StatusMethodNotAllowed:
			return CauseMethodNotAllowed
		default:
			return CauseUnknown
		}
	}
	if errors.Is(err, ErrInvalidDigest) {
		return CauseMalformedRequest
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CauseTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CauseTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CauseDNS
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return CauseConnectionRefused
	}

	var (
		verifyErr   *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		alertErr    tls.AlertError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidCert x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &verifyErr),
		errors.As(err, &recordErr),
		errors.As(err, &alertErr),
		errors.As(err, &unknownAuth),
		errors.As(err, &hostnameErr),
		errors.As(err, &invalidCert):
		return CauseTLS
	}
	return CauseUnknown
}
