package jwks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

// maxDocumentSize bounds the JWKS response body.
const maxDocumentSize = 1 << 20

// Fetcher retrieves the full current key set from the identity provider.
type Fetcher interface {
	Fetch(ctx context.Context) (*KeySet, error)
}

// HTTPFetcher fetches a JWKS document with a plain GET.
type HTTPFetcher struct {
	url    string
	client *http.Client
}

// NewHTTPFetcher returns a Fetcher for the given JWKS URL. A nil client is
// replaced by one with a 10 second timeout.
func NewHTTPFetcher(url string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPFetcher{url: url, client: client}
}

// URL returns the endpoint this fetcher reads from.
func (f *HTTPFetcher) URL() string { return f.url }

func (f *HTTPFetcher) Fetch(ctx context.Context) (*KeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", f.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("get %s: unexpected status %d", f.url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.url, err)
	}
	if len(body) > maxDocumentSize {
		return nil, fmt.Errorf("get %s: document exceeds %d bytes", f.url, maxDocumentSize)
	}
	return ParseKeySet(body)
}

// CognitoIssuer returns the issuer URL of a Cognito user pool.
func CognitoIssuer(region, poolID string) string {
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", region, poolID)
}

// CognitoJWKSURL returns the well-known key endpoint of a Cognito user pool.
func CognitoJWKSURL(region, poolID string) string {
	return CognitoIssuer(region, poolID) + "/.well-known/jwks.json"
}

// DiscoverJWKSURL resolves the jwks_uri advertised in the issuer's OpenID
// Connect discovery document.
func DiscoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return "", fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return "", fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return "", fmt.Errorf("discovery incomplete: missing jwks_uri")
	}
	return meta.JwksURI, nil
}
