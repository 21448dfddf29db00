package ingest_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/docwatch/agent/internal/ingest"
)

func fastPolicy(retries int) ingest.RetryPolicy {
	return ingest.RetryPolicy{
		Retries:      retries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		StatusCodes:  []int{http.StatusNotFound},
	}
}

func urlErr(err error) error {
	return &url.Error{Op: "Post", URL: "http://ingest.local/upload", Err: err}
}

func TestRetryable(t *testing.T) {
	status := func(code int) error { return &ingest.StatusError{Op: "upload", StatusCode: code} }
	extra := []int{http.StatusNotFound}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"500", status(500), true},
		{"503 wrapped", fmt.Errorf("outer: %w", status(503)), true},
		{"408", status(408), true},
		{"429", status(429), true},
		{"404 configured", status(404), true},
		{"400", status(400), false},
		{"401", status(401), false},
		{"409 not configured", status(409), false},
		{"source missing", fmt.Errorf("%w: /x", ingest.ErrSourceMissing), false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"plain error", errors.New("boom"), false},
		{"url dial error", urlErr(&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}), true},
		{"url connection reset", urlErr(syscall.ECONNRESET), true},
		{"url unexpected eof", urlErr(io.ErrUnexpectedEOF), true},
		{"url server closed", urlErr(io.EOF), true},
		{"url timeout", urlErr(context.DeadlineExceeded), true},
		{"url plain error", urlErr(errors.New("unsupported protocol scheme")), false},
		{"url source read", urlErr(fmt.Errorf("%w: is a directory", ingest.ErrSourceRead)), false},
		{"source read", fmt.Errorf("upload: %w", ingest.ErrSourceRead), false},
		{"url certificate verification", urlErr(&tls.CertificateVerificationError{
			Err: x509.UnknownAuthorityError{},
		}), false},
		{"url unknown authority", urlErr(x509.UnknownAuthorityError{}), false},
		{"url hostname mismatch", urlErr(x509.HostnameError{Host: "example.com"}), false},
		{"url expired certificate", urlErr(x509.CertificateInvalidError{Reason: x509.Expired}), false},
	}
	for _, tc := range tests {
		if got := ingest.Retryable(tc.err, extra); got != tc.want {
			t.Errorf("%s: Retryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRetrier_BoundOnPersistentTransientFailure(t *testing.T) {
	for _, retries := range []int{0, 1, 2, 4} {
		t.Run(fmt.Sprintf("retries=%d", retries), func(t *testing.T) {
			api := newFakeAPI(t, http.StatusServiceUnavailable)
			c := newClient(t, api.URL)
			var notified atomic.Int32
			r := ingest.NewRetrier(fastPolicy(retries), newDiscardLogger(), func(error, time.Duration) {
				notified.Add(1)
			})

			attempts, err := r.Do(context.Background(), func(ctx context.Context) error {
				return c.Delete(ctx, "kb", "x")
			})
			var se *ingest.StatusError
			if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable {
				t.Fatalf("err = %v, want 503 StatusError", err)
			}
			if attempts != retries+1 {
				t.Errorf("attempts = %d, want %d", attempts, retries+1)
			}
			if n := len(api.requests()); n != retries+1 {
				t.Errorf("server saw %d requests, want %d", n, retries+1)
			}
			if int(notified.Load()) != retries {
				t.Errorf("onRetry called %d times, want %d", notified.Load(), retries)
			}
		})
	}
}

func TestRetrier_PermanentFailureNotRetried(t *testing.T) {
	api := newFakeAPI(t, http.StatusBadRequest)
	c := newClient(t, api.URL)
	r := ingest.NewRetrier(fastPolicy(3), newDiscardLogger(), nil)

	attempts, err := r.Do(context.Background(), func(ctx context.Context) error {
		return c.Delete(ctx, "kb", "x")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetrier_NotFoundRetriedByDefault(t *testing.T) {
	api := newFakeAPI(t, http.StatusNotFound)
	c := newClient(t, api.URL)
	r := ingest.NewRetrier(fastPolicy(2), newDiscardLogger(), nil)

	attempts, _ := r.Do(context.Background(), func(ctx context.Context) error {
		return c.Delete(ctx, "kb", "x")
	})
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetrier_SucceedsAfterTransientFailures(t *testing.T) {
	r := ingest.NewRetrier(fastPolicy(5), newDiscardLogger(), nil)
	calls := 0
	attempts, err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &ingest.StatusError{Op: "upload", StatusCode: http.StatusBadGateway}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetrier_SourceMissingIsPermanent(t *testing.T) {
	c := newClient(t, "http://127.0.0.1:1")
	r := ingest.NewRetrier(fastPolicy(3), newDiscardLogger(), nil)

	attempts, err := r.Do(context.Background(), func(ctx context.Context) error {
		return c.Upload(ctx, "kb", "kb_x", "x", "/definitely/not/here.txt")
	})
	if !errors.Is(err, ingest.ErrSourceMissing) {
		t.Fatalf("err = %v, want ErrSourceMissing", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetrier_StopsOnCancellation(t *testing.T) {
	r := ingest.NewRetrier(ingest.RetryPolicy{
		Retries:      10,
		InitialDelay: time.Hour,
		MaxDelay:     time.Hour,
	}, newDiscardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	attempts, err := r.Do(ctx, func(context.Context) error {
		return &ingest.StatusError{Op: "delete", StatusCode: http.StatusInternalServerError}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	// The first retry is immediate; cancellation lands during the second wait.
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Do did not return promptly after cancellation")
	}
}

func TestRetrier_FirstRetryIsImmediate(t *testing.T) {
	var (
		mu    sync.Mutex
		waits []time.Duration
	)
	r := ingest.NewRetrier(ingest.RetryPolicy{
		Retries:      2,
		InitialDelay: 40 * time.Millisecond,
		MaxDelay:     40 * time.Millisecond,
	}, newDiscardLogger(), func(_ error, wait time.Duration) {
		mu.Lock()
		waits = append(waits, wait)
		mu.Unlock()
	})

	attempts, _ := r.Do(context.Background(), func(context.Context) error {
		return &ingest.StatusError{Op: "upload", StatusCode: http.StatusServiceUnavailable}
	})
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(waits) != 2 {
		t.Fatalf("waits = %v, want 2 entries", waits)
	}
	if waits[0] != 0 {
		t.Errorf("first wait = %v, want 0", waits[0])
	}
	if waits[1] < 20*time.Millisecond || waits[1] > 60*time.Millisecond {
		t.Errorf("second wait = %v, want within jitter of 40ms", waits[1])
	}
}

func TestRetrier_UntrustedCertificateNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)
	r := ingest.NewRetrier(fastPolicy(2), newDiscardLogger(), nil)

	attempts, err := r.Do(context.Background(), func(ctx context.Context) error {
		return c.Delete(ctx, "kb", "x")
	})
	if err == nil {
		t.Fatal("expected certificate error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (err = %v)", attempts, err)
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("handler saw %d requests, want 0", n)
	}
}

func TestRetrier_UnreadableSourceNotRetried(t *testing.T) {
	api := newFakeAPI(t, http.StatusAccepted)
	c := newClient(t, api.URL)
	r := ingest.NewRetrier(fastPolicy(2), newDiscardLogger(), nil)

	attempts, err := r.Do(context.Background(), func(ctx context.Context) error {
		return c.Upload(ctx, "kb", "kb_sub", "sub", t.TempDir())
	})
	if !errors.Is(err, ingest.ErrSourceRead) {
		t.Fatalf("err = %v, want ErrSourceRead", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}
