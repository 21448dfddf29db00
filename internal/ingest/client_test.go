package ingest_test

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/docwatch/agent/internal/ingest"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newDiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// received captures what the fake ingestion API saw.
type received struct {
	Method     string
	Path       string
	Query      map[string]string
	Fields     map[string]string
	FileName   string
	FileBody   string
	Auth       string
	RequestID  string
	CustomAuth string
}

// fakeAPI is an httptest server that records requests and answers with the
// configured status.
type fakeAPI struct {
	*httptest.Server
	mu     sync.Mutex
	got    []received
	status int
}

func newFakeAPI(t *testing.T, status int) *fakeAPI {
	t.Helper()
	f := &fakeAPI{status: status}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	rec := received{
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      map[string]string{},
		Fields:     map[string]string{},
		Auth:       r.Header.Get("Authorization"),
		RequestID:  r.Header.Get("X-Request-ID"),
		CustomAuth: r.Header.Get("X-Api-Key"),
	}
	for k := range r.URL.Query() {
		rec.Query[k] = r.URL.Query().Get(k)
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			for k := range r.MultipartForm.Value {
				rec.Fields[k] = r.FormValue(k)
			}
			if file, hdr, err := r.FormFile("file"); err == nil {
				b, _ := io.ReadAll(file)
				file.Close()
				rec.FileName = hdr.Filename
				rec.FileBody = string(b)
			}
		}
	}

	f.mu.Lock()
	f.got = append(f.got, rec)
	status := f.status
	f.mu.Unlock()

	w.WriteHeader(status)
	if status >= 300 {
		io.WriteString(w, "nope") //nolint:errcheck
	}
}

func (f *fakeAPI) requests() []received {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]received, len(f.got))
	copy(out, f.got)
	return out
}

func newClient(t *testing.T, endpoint string, opts ...ingest.Option) *ingest.Client {
	t.Helper()
	c, err := ingest.NewClient(endpoint, newDiscardLogger(), opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func writeDoc(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// ---------------------------------------------------------------------------
// Upload / Delete
// ---------------------------------------------------------------------------

func TestUpload_MultipartFields(t *testing.T) {
	api := newFakeAPI(t, http.StatusAccepted)
	c := newClient(t, api.URL+"/", ingest.WithAuthorizer(ingest.APIKey{Key: "s3cret"}))

	path := writeDoc(t, "report.txt", "quarterly numbers")
	if err := c.Upload(context.Background(), "kb", "kb_report.txt", "report.txt", path); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	reqs := api.requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	got := reqs[0]
	if got.Method != http.MethodPost || got.Path != "/upload" {
		t.Errorf("request = %s %s, want POST /upload", got.Method, got.Path)
	}
	if got.Fields["index"] != "kb" || got.Fields["documentid"] != "kb_report.txt" {
		t.Errorf("fields = %v", got.Fields)
	}
	if got.FileName != "report.txt" || got.FileBody != "quarterly numbers" {
		t.Errorf("file = %q %q", got.FileName, got.FileBody)
	}
	if got.Auth != "s3cret" {
		t.Errorf("Authorization = %q, want raw key", got.Auth)
	}
	if got.RequestID == "" {
		t.Error("X-Request-ID missing")
	}
}

func TestUpload_SourceMissing(t *testing.T) {
	api := newFakeAPI(t, http.StatusOK)
	c := newClient(t, api.URL)

	err := c.Upload(context.Background(), "kb", "kb_gone.txt", "gone.txt", filepath.Join(t.TempDir(), "gone.txt"))
	if !errors.Is(err, ingest.ErrSourceMissing) {
		t.Fatalf("err = %v, want ErrSourceMissing", err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err does not wrap fs.ErrNotExist")
	}
	if n := len(api.requests()); n != 0 {
		t.Errorf("requests = %d, want none", n)
	}
}

func TestDelete_QueryParameters(t *testing.T) {
	api := newFakeAPI(t, http.StatusOK)
	c := newClient(t, api.URL, ingest.WithAuthorizer(ingest.APIKey{Header: "X-Api-Key", Key: "k"}))

	if err := c.Delete(context.Background(), "kb", "kb_my_report.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got := api.requests()[0]
	if got.Method != http.MethodDelete || got.Path != "/documents" {
		t.Errorf("request = %s %s, want DELETE /documents", got.Method, got.Path)
	}
	if got.Query["index"] != "kb" || got.Query["documentId"] != "kb_my_report.txt" {
		t.Errorf("query = %v", got.Query)
	}
	if got.CustomAuth != "k" || got.Auth != "" {
		t.Errorf("auth headers = custom %q / Authorization %q", got.CustomAuth, got.Auth)
	}
}

func TestDo_StatusError(t *testing.T) {
	api := newFakeAPI(t, http.StatusBadRequest)
	c := newClient(t, api.URL)

	err := c.Delete(context.Background(), "kb", "x")
	var se *ingest.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusBadRequest || se.Op != "delete" || se.Body != "nope" {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestRequestIDsAreUnique(t *testing.T) {
	api := newFakeAPI(t, http.StatusOK)
	c := newClient(t, api.URL)
	for i := 0; i < 3; i++ {
		if err := c.Delete(context.Background(), "kb", "x"); err != nil {
			t.Fatal(err)
		}
	}
	seen := map[string]bool{}
	for _, r := range api.requests() {
		if seen[r.RequestID] {
			t.Errorf("duplicate request id %q", r.RequestID)
		}
		seen[r.RequestID] = true
	}
}

func TestNewClient_RejectsBadEndpoint(t *testing.T) {
	if _, err := ingest.NewClient("ftp://example.com", newDiscardLogger()); err == nil {
		t.Fatal("expected error for non-http endpoint")
	}
}

func TestRateLimit_Spaces(t *testing.T) {
	api := newFakeAPI(t, http.StatusOK)
	c := newClient(t, api.URL, ingest.WithRateLimit(20))

	// Burst of 20, then one token per 50ms.
	start := time.Now()
	for i := 0; i < 22; i++ {
		if err := c.Delete(context.Background(), "kb", "x"); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("22 requests at 20/s took %v, want >= 80ms", elapsed)
	}
}

// ---------------------------------------------------------------------------
// JWT
// ---------------------------------------------------------------------------

func TestTokenSource_BearerTokenVerifies(t *testing.T) {
	api := newFakeAPI(t, http.StatusOK)
	ts := ingest.NewTokenSource("shared-secret", "docwatch", time.Minute)
	c := newClient(t, api.URL, ingest.WithAuthorizer(ts))

	if err := c.Delete(context.Background(), "kb", "x"); err != nil {
		t.Fatal(err)
	}
	auth := api.requests()[0].Auth
	raw, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		t.Fatalf("Authorization = %q, want Bearer token", auth)
	}

	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte("shared-secret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer("docwatch"))
	if err != nil || !tok.Valid {
		t.Fatalf("token invalid: %v", err)
	}
}

func TestTokenSource_Caches(t *testing.T) {
	ts := ingest.NewTokenSource("s", "docwatch", time.Hour)
	a, err := ts.Token()
	if err != nil {
		t.Fatal(err)
	}
	b, err := ts.Token()
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("token re-minted while still valid")
	}
}
