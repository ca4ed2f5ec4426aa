package auth

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnauthorized indicates verification failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// Verifier validates bearer tokens and returns the verified principal.
// It should return an error wrapping ErrUnauthorized for invalid credentials.
// Implementations must be safe for concurrent use.
type Verifier interface {
	Verify(ctx context.Context, tok string) (*Principal, error)
}

type claimSource interface {
	Claims(ref any) error
}

// Principal is a verified identity. It is immutable once constructed.
type Principal struct {
	subjectID   string
	displayName string
	tenantID    string
	claims      claimSource
}

// NewPrincipal builds a Principal from already-trusted values. An empty
// displayName falls back to subjectID.
func NewPrincipal(subjectID, displayName, tenantID string) *Principal {
	if displayName == "" {
		displayName = subjectID
	}
	return &Principal{subjectID: subjectID, displayName: displayName, tenantID: tenantID}
}

// SubjectID returns the stable unique identifier of the principal.
func (p *Principal) SubjectID() string { return p.subjectID }

// DisplayName returns a best-effort human-readable name.
func (p *Principal) DisplayName() string { return p.displayName }

// TenantID returns the tenant carried by the token, if any.
func (p *Principal) TenantID() string { return p.tenantID }

// Claims unmarshals the principal's token claims into ref. Principals built
// with NewPrincipal carry no claims and leave ref untouched.
func (p *Principal) Claims(ref any) error {
	if p.claims == nil {
		return json.Unmarshal([]byte("{}"), ref)
	}
	return p.claims.Claims(ref)
}
