// Package authtest provides Verifier implementations for tests and local
// development.
package authtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ggoodman/wsconnect-go/auth"
)

// Static is a Verifier that accepts a fixed set of tokens. It records every
// token it is asked to verify.
type Static struct {
	mu     sync.Mutex
	tokens map[string]*auth.Principal
	seen   []string
}

// NewStatic returns an empty Static verifier.
func NewStatic() *Static {
	return &Static{tokens: map[string]*auth.Principal{}}
}

// Allow registers tok as valid for p and returns s for chaining.
func (s *Static) Allow(tok string, p *auth.Principal) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok] = p
	return s
}

// Verify returns the principal registered for tok or ErrUnauthorized.
func (s *Static) Verify(ctx context.Context, tok string) (*auth.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, tok)
	if p, ok := s.tokens[tok]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: unknown static token", auth.ErrUnauthorized)
}

// Seen returns the tokens passed to Verify, in call order.
func (s *Static) Seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

var _ auth.Verifier = (*Static)(nil)
