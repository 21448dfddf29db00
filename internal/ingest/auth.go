package ingest

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Authorizer decorates outgoing requests with credentials.
type Authorizer interface {
	Authorize(req *http.Request) error
}

// APIKey sends a static key verbatim in Header.
type APIKey struct {
	Header string
	Key    string
}

// Authorize implements Authorizer.
func (a APIKey) Authorize(req *http.Request) error {
	if a.Key == "" {
		return nil
	}
	header := a.Header
	if header == "" {
		header = "Authorization"
	}
	req.Header.Set(header, a.Key)
	return nil
}

// TokenSource mints short-lived HS256 bearer tokens and caches each one
// until shortly before it expires. It is safe for concurrent use.
type TokenSource struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// tokenRefreshMargin is how long before expiry a cached token is replaced.
const tokenRefreshMargin = 30 * time.Second

// NewTokenSource returns a TokenSource signing with secret.
func NewTokenSource(secret, issuer string, ttl time.Duration) *TokenSource {
	return &TokenSource{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Token returns a valid signed token, minting a new one when needed.
func (ts *TokenSource) Token() (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.now()
	if ts.token != "" && now.Add(tokenRefreshMargin).Before(ts.expires) {
		return ts.token, nil
	}

	expires := now.Add(ts.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    ts.issuer,
		Subject:   "docwatch-agent",
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ts.secret)
	if err != nil {
		return "", fmt.Errorf("ingest: sign token: %w", err)
	}
	ts.token = signed
	ts.expires = expires
	return signed, nil
}

// Authorize implements Authorizer.
func (ts *TokenSource) Authorize(req *http.Request) error {
	tok, err := ts.Token()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}
