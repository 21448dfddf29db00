// Package ingest is the HTTP client for the remote document ingestion API.
//
// Two operations are supported:
//
//	POST   {endpoint}/upload                              multipart: index, documentid, file
//	DELETE {endpoint}/documents?index=...&documentId=...
//
// Client performs exactly one attempt per call; Retrier wraps calls with the
// retry policy. Every request carries a fresh X-Request-ID and, when
// configured, an API key header or a short-lived bearer token.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// maxErrorBody bounds how much of an error response is kept in StatusError.
const maxErrorBody = 4 << 10

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithAuthorizer sets the credential provider. Nil disables authentication.
func WithAuthorizer(a Authorizer) Option {
	return func(c *Client) { c.auth = a }
}

// WithRequestTimeout bounds a single attempt. Zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRateLimit caps requests per second across all callers. Zero or a
// negative value disables limiting.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// Client talks to the ingestion API. It is safe for concurrent use.
type Client struct {
	endpoint string
	http     *http.Client
	auth     Authorizer
	timeout  time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewClient returns a Client for the API rooted at endpoint.
func NewClient(endpoint string, logger *slog.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("ingest: parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("ingest: endpoint %q must use http or https", endpoint)
	}
	c := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{},
		logger:   logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Upload sends the file at path as documentID in index. The file is opened
// before any network activity; if it no longer exists the returned error
// wraps ErrSourceMissing. The body is streamed, so the file is never held in
// memory.
func (c *Client) Upload(ctx context.Context, index, documentID, fileName, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrSourceMissing, path)
		}
		return fmt.Errorf("ingest: upload: open %s: %w", path, err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	writeErr := make(chan error, 1)
	go func() {
		defer f.Close()
		err := writeUploadBody(mw, f, index, documentID, fileName)
		pw.CloseWithError(err)
		writeErr <- err
	}()

	err = c.do(ctx, "upload", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/upload", pr)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	}, slog.String("document_id", documentID), slog.String("index", index))

	// Unblocks the writer goroutine if the body was not fully consumed.
	pr.Close()
	// A failed source read wins over whatever the transport made of it.
	if werr := <-writeErr; errors.Is(werr, ErrSourceRead) {
		return fmt.Errorf("ingest: upload %s: %w", path, werr)
	}
	return err
}

// writeUploadBody writes the multipart form and closes mw.
func writeUploadBody(mw *multipart.Writer, src io.Reader, index, documentID, fileName string) error {
	if err := mw.WriteField("index", index); err != nil {
		return err
	}
	if err := mw.WriteField("documentid", documentID); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, readErrors{src}); err != nil {
		return err
	}
	return mw.Close()
}

// readErrors marks failures of the source reader with ErrSourceRead so they
// can be told apart from failures writing to the request body.
type readErrors struct {
	r io.Reader
}

func (re readErrors) Read(p []byte) (int, error) {
	n, err := re.r.Read(p)
	if err != nil && err != io.EOF {
		err = fmt.Errorf("%w: %w", ErrSourceRead, err)
	}
	return n, err
}

// Delete removes documentID from index.
func (c *Client) Delete(ctx context.Context, index, documentID string) error {
	q := url.Values{}
	q.Set("index", index)
	q.Set("documentId", documentID)
	target := c.endpoint + "/documents?" + q.Encode()

	return c.do(ctx, "delete", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	}, slog.String("document_id", documentID), slog.String("index", index))
}

// do runs one attempt: rate limit, build, authorise, send, classify.
func (c *Client) do(ctx context.Context, op string, build func(context.Context) (*http.Request, error), attrs ...any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("ingest: %s: rate limit: %w", op, err)
		}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := build(ctx)
	if err != nil {
		return fmt.Errorf("ingest: %s: build request: %w", op, err)
	}
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)
	if c.auth != nil {
		if err := c.auth.Authorize(req); err != nil {
			return fmt.Errorf("ingest: %s: authorize: %w", op, err)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ingest: %s: %w", op, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("ingest: response",
		append(attrs,
			slog.String("op", op),
			slog.String("request_id", reqID),
			slog.Int("status", resp.StatusCode),
			slog.Duration("elapsed", time.Since(start)),
		)...,
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
