package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ggoodman/wsconnect-go/internal/jwks"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls validation behavior for bearer tokens.
type Config struct {
	// Issuer is the expected "iss" claim. Empty disables the issuer check.
	Issuer string
	// ExpectedAudiences is the set of accepted "aud" values. At least one is
	// required; a token is accepted when any of its audiences is in the set.
	ExpectedAudiences []string
	// AllowedAlgs applies only to keys published without an "alg". Keys that
	// declare one are pinned to it.
	AllowedAlgs []string
	Leeway      time.Duration
	// DisplayNameClaims are probed in order for a human-readable name. The
	// subject is used when none are present.
	DisplayNameClaims []string
	// TenantClaim names the claim carrying the tenant identifier.
	TenantClaim string
	// TokenUse, when set, requires Cognito's "token_use" claim to match
	// ("id" or "access"). Access tokens carry the app client in "client_id"
	// rather than "aud", so that claim is consulted for the audience check.
	TokenUse string
}

// DefaultConfig returns a Config with safe defaults for algorithm, leeway and
// claim names.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs:       []string{"RS256"},
		Leeway:            60 * time.Second,
		DisplayNameClaims: []string{"cognito:username", "username", "email"},
		TenantClaim:       "custom:tenantId",
	}
}

// ErrUnauthorized marks every verification failure. The specific cause is
// joined alongside it for diagnostics.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

var (
	ErrMalformedToken   = errors.New("jwtauth: malformed token")
	ErrSignatureInvalid = errors.New("jwtauth: signature invalid")
	ErrTokenExpired     = errors.New("jwtauth: token expired or not yet valid")
	ErrAudienceMismatch = errors.New("jwtauth: audience mismatch")
	ErrIssuerMismatch   = errors.New("jwtauth: issuer mismatch")
	ErrMissingSubject   = errors.New("jwtauth: missing subject")
)

// KeyResolver resolves a key id to a published verification key.
type KeyResolver interface {
	Resolve(ctx context.Context, kid string) (*jwks.Key, error)
}

// Identity is the verified principal extracted from a token.
type Identity struct {
	Subject     string
	DisplayName string
	TenantID    string
	claims      map[string]any
}

// Claims unmarshals the token's full claim set into ref.
func (i *Identity) Claims(ref any) error {
	b, err := json.Marshal(i.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Verifier turns raw bearer tokens into identities. It holds no mutable
// state of its own and is safe for concurrent use.
type Verifier struct {
	cfg  Config
	keys KeyResolver
	now  func() time.Time
}

// New constructs a Verifier backed by keys.
func New(keys KeyResolver, cfg *Config) (*Verifier, error) {
	if keys == nil {
		return nil, errors.New("key resolver is required")
	}
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	c := *cfg
	if len(c.ExpectedAudiences) == 0 {
		return nil, errors.New("at least one expected audience required")
	}
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if slices.Contains(c.AllowedAlgs, "none") {
		return nil, errors.New(`alg "none" is never allowed`)
	}
	if len(c.DisplayNameClaims) == 0 {
		c.DisplayNameClaims = DefaultConfig().DisplayNameClaims
	}
	c.ExpectedAudiences = slices.Clone(c.ExpectedAudiences)
	c.AllowedAlgs = slices.Clone(c.AllowedAlgs)
	c.DisplayNameClaims = slices.Clone(c.DisplayNameClaims)
	return &Verifier{cfg: c, keys: keys, now: time.Now}, nil
}

func fail(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrUnauthorized, kind, fmt.Sprintf(format, args...))
}

// Verify checks the token's signature against the key named by its kid,
// then its temporal, audience and issuer claims, and extracts the identity.
func (v *Verifier) Verify(ctx context.Context, tok string) (*Identity, error) {
	if tok == "" {
		return nil, fail(ErrMalformedToken, "empty token")
	}

	unverified, _, err := jwt.NewParser().ParseUnverified(tok, jwt.MapClaims{})
	if err != nil {
		return nil, fail(ErrMalformedToken, "%v", err)
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, fail(ErrMalformedToken, "missing kid header")
	}
	alg := unverified.Method.Alg()

	key, err := v.keys.Resolve(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	pub, err := key.Public()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	// The verification method is bound to the key, never to the header alone.
	pinned := key.Algorithm
	if pinned == "" {
		if !slices.Contains(v.cfg.AllowedAlgs, alg) {
			return nil, fail(ErrSignatureInvalid, "disallowed alg: %s", alg)
		}
		pinned = alg
	}
	if alg != pinned {
		return nil, fail(ErrSignatureInvalid, "alg %q does not match key %q (%s)", alg, kid, pinned)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{pinned}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithTimeFunc(v.now),
	)
	parsed, err := parser.Parse(tok, func(*jwt.Token) (any, error) { return pub, nil })
	if err != nil {
		return nil, fail(classify(err), "token parse/verify failed: %v", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fail(ErrMalformedToken, "invalid claims type")
	}

	if v.cfg.TokenUse != "" {
		if use, _ := claims["token_use"].(string); use != v.cfg.TokenUse {
			return nil, fail(ErrAudienceMismatch, "token_use %q, want %q", use, v.cfg.TokenUse)
		}
	}
	aud := claims["aud"]
	if aud == nil && v.cfg.TokenUse == "access" {
		aud = claims["client_id"]
	}
	if !audIntersects(aud, v.cfg.ExpectedAudiences) {
		return nil, fail(ErrAudienceMismatch, "audience %v not accepted", aud)
	}
	if v.cfg.Issuer != "" {
		if iss, _ := claims["iss"].(string); iss != v.cfg.Issuer {
			return nil, fail(ErrIssuerMismatch, "issuer %q", iss)
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fail(ErrMissingSubject, "missing sub")
	}

	id := &Identity{Subject: sub, DisplayName: sub, claims: claims}
	for _, name := range v.cfg.DisplayNameClaims {
		if s, _ := claims[name].(string); s != "" {
			id.DisplayName = s
			break
		}
	}
	if v.cfg.TenantClaim != "" {
		id.TenantID, _ = claims[v.cfg.TenantClaim].(string)
	}
	return id, nil
}

// classify maps parser errors onto the verification failure kinds.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformedToken
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrSignatureInvalid
	case errors.Is(err, jwt.ErrTokenExpired),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return ErrTokenExpired
	default:
		return ErrMalformedToken
	}
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
