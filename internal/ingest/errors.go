package ingest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"syscall"
)

// ErrSourceMissing is returned by Upload when the file to send no longer
// exists. It wraps fs.ErrNotExist and is never retried.
var ErrSourceMissing = fmt.Errorf("ingest: source file missing: %w", fs.ErrNotExist)

// ErrSourceRead is returned by Upload when the file opened but could not be
// read, for example because the path is a directory. It is never retried.
var ErrSourceRead = errors.New("ingest: cannot read source file")

// StatusError reports a non-2xx response from the ingestion API.
type StatusError struct {
	// Op is "upload" or "delete".
	Op string
	// StatusCode is the HTTP status returned.
	StatusCode int
	// Body is the beginning of the response body, for diagnostics.
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ingest: %s: unexpected status %d %s",
			e.Op, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("ingest: %s: unexpected status %d %s: %s",
		e.Op, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Retryable reports whether err is a transient failure worth another
// attempt. Per-attempt timeouts, connection resets and refusals, truncated
// responses, other network errors, 5xx, 408 and 429 are transient, as are
// the status codes listed in extraCodes. A missing or unreadable source
// file, cancellation, certificate rejections and every other client error
// are permanent.
func Retryable(err error, extraCodes []int) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSourceMissing) || errors.Is(err, ErrSourceRead) ||
		errors.Is(err, context.Canceled) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode >= 500:
			return true
		case se.StatusCode == http.StatusRequestTimeout,
			se.StatusCode == http.StatusTooManyRequests:
			return true
		}
		for _, c := range extraCodes {
			if se.StatusCode == c {
				return true
			}
		}
		return false
	}

	// *url.Error itself satisfies net.Error; classify what it wraps.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true
		}
		err = urlErr.Err
	}
	if err == nil || permanentTLS(err) {
		return false
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// permanentTLS reports certificate failures, which no retry can fix.
func permanentTLS(err error) bool {
	var (
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr)
}
