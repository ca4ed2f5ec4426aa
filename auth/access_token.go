package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/wsconnect-go/internal/jwks"
	"github.com/ggoodman/wsconnect-go/internal/jwtauth"
)

type verifierOptions struct {
	cfg        *jwtauth.Config
	jwksURL    string
	discover   bool
	httpClient *http.Client
	log        *slog.Logger
	cooldown   time.Duration
}

// VerifierOption configures optional aspects of token verification and key
// retrieval.
type VerifierOption func(*verifierOptions)

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) VerifierOption {
	return func(o *verifierOptions) { o.cfg.Leeway = d }
}

// WithTenantClaim names the claim carrying the tenant identifier. Defaults
// to "custom:tenantId".
func WithTenantClaim(name string) VerifierOption {
	return func(o *verifierOptions) { o.cfg.TenantClaim = name }
}

// WithTokenUse requires Cognito's token_use claim to equal use ("id" or
// "access").
func WithTokenUse(use string) VerifierOption {
	return func(o *verifierOptions) { o.cfg.TokenUse = use }
}

// WithJWKSURL overrides the key endpoint derived from the issuer.
func WithJWKSURL(u string) VerifierOption {
	return func(o *verifierOptions) { o.jwksURL = u }
}

// WithDiscovery resolves the key endpoint from the issuer's OpenID Connect
// discovery document instead of assuming the well-known JWKS path.
func WithDiscovery() VerifierOption {
	return func(o *verifierOptions) { o.discover = true }
}

// WithHTTPClient sets the client used to fetch signing keys.
func WithHTTPClient(c *http.Client) VerifierOption {
	return func(o *verifierOptions) { o.httpClient = c }
}

// WithLogger sets the logger used for key refresh events.
func WithLogger(log *slog.Logger) VerifierOption {
	return func(o *verifierOptions) { o.log = log }
}

// WithRefreshCooldown bounds how often an unknown key id may force a key
// refetch. Zero (the default) refetches on every miss.
func WithRefreshCooldown(d time.Duration) VerifierOption {
	return func(o *verifierOptions) { o.cooldown = d }
}

// NewCognitoVerifier returns a Verifier for ID tokens issued by the given
// Cognito user pool to the given app client.
func NewCognitoVerifier(ctx context.Context, region, poolID, clientID string, opts ...VerifierOption) (Verifier, error) {
	if region == "" || poolID == "" {
		return nil, errors.New("region and user pool id are required")
	}
	return NewVerifier(ctx, jwks.CognitoIssuer(region, poolID), clientID, opts...)
}

// NewVerifier returns a Verifier for tokens from issuer carrying audience.
//
// Keys are read from issuer + "/.well-known/jwks.json" unless WithJWKSURL or
// WithDiscovery says otherwise. Discovery is the only step performed eagerly;
// keys themselves are fetched on first use.
func NewVerifier(ctx context.Context, issuer, audience string, opts ...VerifierOption) (Verifier, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	o := &verifierOptions{cfg: jwtauth.DefaultConfig(), log: slog.Default()}
	o.cfg.Issuer = issuer
	o.cfg.ExpectedAudiences = []string{audience}
	for _, opt := range opts {
		opt(o)
	}

	jwksURL := o.jwksURL
	if jwksURL == "" && o.discover {
		u, err := jwks.DiscoverJWKSURL(ctx, issuer)
		if err != nil {
			return nil, err
		}
		jwksURL = u
	}
	if jwksURL == "" {
		jwksURL = strings.TrimSuffix(issuer, "/") + "/.well-known/jwks.json"
	}

	ring := jwks.New(
		jwks.NewHTTPFetcher(jwksURL, o.httpClient),
		jwks.WithLogger(o.log),
		jwks.WithRefreshCooldown(o.cooldown),
	)
	v, err := jwtauth.New(ring, o.cfg)
	if err != nil {
		return nil, fmt.Errorf("jwt verifier: %w", err)
	}
	return &adapter{v: v}, nil
}

// adapter wraps the internal verifier to satisfy the public interface.
type adapter struct {
	v *jwtauth.Verifier
}

func (ad *adapter) Verify(ctx context.Context, tok string) (*Principal, error) {
	id, err := ad.v.Verify(ctx, tok)
	if err != nil {
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return &Principal{
		subjectID:   id.Subject,
		displayName: id.DisplayName,
		tenantID:    id.TenantID,
		claims:      id,
	}, nil
}
