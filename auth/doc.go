// Package auth provides bearer token verification for connection admission.
// It verifies JWTs issued by an OpenID Connect identity provider (typically an
// Amazon Cognito user pool) and exposes the result as a Principal.
//
// The public surface intentionally stays small: a Verifier validates a raw
// token string and returns a Principal (or an error). Callers are responsible
// for locating the token in the inbound request and for mapping failures to
// their transport's rejection shape.
//
// # Cognito
//
// NewCognitoVerifier derives the issuer and key endpoint from a region and
// user pool id and expects the "aud" claim to equal the app client id:
//
//	ctx := context.Background()
//	v, err := auth.NewCognitoVerifier(ctx, "us-east-1", "us-east-1_AbCdEf", "3n4b5c...",
//	    auth.WithLeeway(30*time.Second),
//	)
//	if err != nil { log.Fatal(err) }
//
//	p, err := v.Verify(ctx, rawToken)
//	if errors.Is(err, auth.ErrUnauthorized) { /* reject */ }
//	userID := p.SubjectID()
//
// # Keys
//
// Signing keys are fetched lazily on first use and cached for the life of the
// Verifier. A token naming a key id absent from the cache triggers exactly one
// refetch, which absorbs provider key rotation. The verification algorithm is
// always the one published with the key; a token whose header disagrees is
// rejected.
//
// # Errors
//
// Every verification failure wraps ErrUnauthorized. The specific cause is
// joined alongside it for logging; it should not be echoed to clients.
package auth
