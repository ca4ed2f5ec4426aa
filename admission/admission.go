// Package admission decides whether an inbound real-time connection may
// proceed and records admitted connections in the registry.
//
// An Admitter runs in one of two trust modes, fixed at construction:
//
//   - ModeVerify: the admitter locates the bearer token in the request and
//     verifies it itself.
//   - ModeTrustAuthorizer: a separate authorizer stage has already verified
//     the caller and the gateway forwards its context. The admitter accepts
//     that context as-is, so this mode is only as strong as the gateway's
//     guarantee that the context cannot be supplied by the client.
//
// Authorize is the verification half on its own, for the authorizer stage
// of a two-stage deployment; it never writes the registry.
//
// Admission is fail-closed: if the registry write fails after a token was
// accepted, the attempt fails.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/wsconnect-go/auth"
	"github.com/ggoodman/wsconnect-go/internal/logctx"
	"github.com/ggoodman/wsconnect-go/registry"
)

// Mode selects where the admitter's trust in the caller comes from.
type Mode int

const (
	ModeVerify Mode = iota
	ModeTrustAuthorizer
)

func (m Mode) String() string {
	switch m {
	case ModeVerify:
		return "verify"
	case ModeTrustAuthorizer:
		return "authorizer"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses "verify" or "authorizer".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "verify":
		return ModeVerify, nil
	case "authorizer":
		return ModeTrustAuthorizer, nil
	default:
		return 0, fmt.Errorf("unknown admission mode %q", s)
	}
}

// Config controls request-shape handling.
type Config struct {
	Mode Mode
	// TokenQueryParams are the query parameter names that may carry the
	// token, in order of preference.
	TokenQueryParams []string
	// TenantQueryParam names the query parameter carrying the tenant.
	TenantQueryParam string
	// RequireTenant rejects requests that do not name a tenant.
	RequireTenant bool
	// RecordTTL, when positive, expires registry records after this long.
	RecordTTL time.Duration
}

// DefaultConfig returns the configuration used when fields are left empty.
func DefaultConfig() Config {
	return Config{
		Mode:             ModeVerify,
		TokenQueryParams: []string{"token"},
		TenantQueryParam: "tenantId",
	}
}

// Admitter orchestrates token discovery, verification and registration for
// connection attempts. It is safe for concurrent use; attempts share nothing
// but the verifier's key cache and the registry.
type Admitter struct {
	cfg      Config
	verifier auth.Verifier
	registry registry.Registry
	log      *slog.Logger
	now      func() time.Time
}

// Option configures an Admitter.
type Option func(*Admitter)

// WithLogger sets the logger. Verification failure detail is only ever
// written here.
func WithLogger(log *slog.Logger) Option {
	return func(a *Admitter) {
		if log != nil {
			a.log = log
		}
	}
}

// New constructs an Admitter. The verifier may be nil only in
// ModeTrustAuthorizer.
func New(v auth.Verifier, reg registry.Registry, cfg Config, opts ...Option) (*Admitter, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if v == nil && cfg.Mode == ModeVerify {
		return nil, errors.New("verifier is required in verify mode")
	}
	def := DefaultConfig()
	if len(cfg.TokenQueryParams) == 0 {
		cfg.TokenQueryParams = def.TokenQueryParams
	}
	if cfg.TenantQueryParam == "" {
		cfg.TenantQueryParam = def.TenantQueryParam
	}
	a := &Admitter{
		cfg:      cfg,
		verifier: v,
		registry: reg,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Mode reports the admitter's trust mode.
func (a *Admitter) Mode() Mode { return a.cfg.Mode }

// Admit runs one admission attempt in the configured mode and, on success,
// records the connection.
func (a *Admitter) Admit(ctx context.Context, ev *Event) *Result {
	if ev.ConnectionID == "" {
		return a.reject(ctx, ErrMissingConnectionID, nil)
	}
	if a.cfg.Mode == ModeTrustAuthorizer {
		return a.admitAuthorized(ctx, ev)
	}

	p, tenant, res := a.verify(ctx, ev)
	if res != nil {
		return res
	}
	return a.register(ctx, ev, p, tenant)
}

// Authorize verifies the request's token without recording the connection.
func (a *Admitter) Authorize(ctx context.Context, ev *Event) *Result {
	p, tenant, res := a.verify(ctx, ev)
	if res != nil {
		return res
	}
	a.log.InfoContext(ctx, "admission.authorize.allow")
	return &Result{Outcome: Admitted, Principal: p, TenantID: tenant}
}

func (a *Admitter) reject(ctx context.Context, kind, cause error) *Result {
	attrs := []any{slog.String("reason", kind.Error())}
	if cause != nil {
		attrs = append(attrs, slog.String("err", cause.Error()))
	}
	a.log.WarnContext(ctx, "admission.reject", attrs...)
	return &Result{Outcome: Rejected, Err: kind, cause: cause}
}

func (a *Admitter) verify(ctx context.Context, ev *Event) (*auth.Principal, string, *Result) {
	if a.verifier == nil {
		return nil, "", a.reject(ctx, ErrUnauthorized, errors.New("no verifier configured"))
	}

	tok, src := discoverToken(ev, a.cfg.TokenQueryParams)
	if tok == "" {
		return nil, "", a.reject(ctx, ErrNoTokenProvided, nil)
	}
	a.log.DebugContext(ctx, "admission.token.found", slog.String("source", string(src)))

	reqTenant := ev.param(a.cfg.TenantQueryParam, ev.rawQuery())
	if a.cfg.RequireTenant && reqTenant == "" {
		return nil, "", a.reject(ctx, ErrMissingTenant, nil)
	}

	p, err := a.verifier.Verify(ctx, tok)
	if err != nil {
		return nil, "", a.reject(ctx, ErrUnauthorized, err)
	}

	tenant := p.TenantID()
	switch {
	case tenant == "":
		tenant = reqTenant
	case reqTenant != "" && reqTenant != tenant:
		a.log.WarnContext(ctx, "admission.tenant.mismatch",
			slog.String("token_tenant", tenant),
			slog.String("request_tenant", reqTenant))
	}
	return p, tenant, nil
}

// admitAuthorized trusts the principal an upstream authorizer placed in the
// event. Nothing here re-checks the token.
func (a *Admitter) admitAuthorized(ctx context.Context, ev *Event) *Result {
	if len(ev.AuthorizerContext) == 0 {
		return a.reject(ctx, ErrUnauthorized, errors.New("no authorizer context"))
	}
	principalID := contextString(ev.AuthorizerContext, "principalId")
	if principalID == "" {
		return a.reject(ctx, ErrUnauthorized, errors.New("authorizer context has no principalId"))
	}

	reqTenant := ev.param(a.cfg.TenantQueryParam, ev.rawQuery())
	if a.cfg.RequireTenant && reqTenant == "" {
		return a.reject(ctx, ErrMissingTenant, nil)
	}

	tenant := contextString(ev.AuthorizerContext, "tenantId")
	if tenant == "" {
		tenant = reqTenant
	}
	p := auth.NewPrincipal(principalID, contextString(ev.AuthorizerContext, "username"), tenant)
	return a.register(ctx, ev, p, tenant)
}

func contextString(c map[string]any, key string) string {
	s, _ := c[key].(string)
	return s
}

// register writes the connection record. A failed write fails the attempt
// even though the principal was accepted.
func (a *Admitter) register(ctx context.Context, ev *Event, p *auth.Principal, tenant string) *Result {
	ctx = logctx.WithPrincipalData(ctx, &logctx.PrincipalData{PrincipalID: p.SubjectID(), TenantID: tenant})

	rec := &registry.ConnectionRecord{
		ConnectionID: ev.ConnectionID,
		PrincipalID:  p.SubjectID(),
		TenantID:     tenant,
		DisplayName:  p.DisplayName(),
		ConnectedAt:  a.now().UTC(),
	}
	var opts []registry.Option
	if a.cfg.RecordTTL > 0 {
		opts = append(opts, registry.WithTTL(a.cfg.RecordTTL))
	}

	if err := a.registry.Put(ctx, rec, opts...); err != nil {
		a.log.ErrorContext(ctx, "admission.registry.fail",
			slog.String("connection_id", ev.ConnectionID),
			slog.String("err", err.Error()))
		return &Result{Outcome: Failed, Err: ErrRegistryWriteFailed, Principal: p, TenantID: tenant, cause: err}
	}

	a.log.InfoContext(ctx, "admission.accept", slog.String("connection_id", ev.ConnectionID))
	return &Result{Outcome: Admitted, Principal: p, TenantID: tenant, Record: rec}
}
