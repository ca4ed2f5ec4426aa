package admission

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/wsconnect-go/auth"
	"github.com/ggoodman/wsconnect-go/auth/authtest"
	"github.com/ggoodman/wsconnect-go/registry"
	"github.com/ggoodman/wsconnect-go/registry/memory"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// recordingRegistry wraps a memory registry, counts writes and can be made
// to fail.
type recordingRegistry struct {
	registry.Registry
	mu   sync.Mutex
	puts int
	err  error
}

func newRecordingRegistry(t *testing.T) *recordingRegistry {
	t.Helper()
	mem, err := memory.New(100)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { _ = mem.Close() })
	return &recordingRegistry{Registry: mem}
}

func (r *recordingRegistry) Put(ctx context.Context, rec *registry.ConnectionRecord, opts ...registry.Option) error {
	r.mu.Lock()
	r.puts++
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.Registry.Put(ctx, rec, opts...)
}

func (r *recordingRegistry) writes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.puts
}

func newAdmitter(t *testing.T, v auth.Verifier, reg registry.Registry, cfg Config) *Admitter {
	t.Helper()
	a, err := New(v, reg, cfg, WithLogger(quiet))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestAdmit_Accepts(t *testing.T) {
	ctx := context.Background()
	reg := newRecordingRegistry(t)
	v := authtest.NewStatic().Allow("good", auth.NewPrincipal("u1", "alice", ""))
	a := newAdmitter(t, v, reg, DefaultConfig())
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	a.now = func() time.Time { return fixed }

	res := a.Admit(ctx, &Event{
		ConnectionID:          "c1",
		QueryStringParameters: map[string]string{"token": "good", "tenantId": "t1"},
	})
	if !res.Admitted() || res.Err != nil {
		t.Fatalf("expected admitted, got %v %v", res.Outcome, res.Err)
	}
	if got := res.Status(); got.StatusCode != 200 || got.Body != "Connected." {
		t.Fatalf("unexpected status %+v", got)
	}

	rec, err := reg.Get(ctx, "c1")
	if err != nil || rec == nil {
		t.Fatalf("record missing: %v", err)
	}
	if rec.PrincipalID != "u1" || rec.DisplayName != "alice" || rec.TenantID != "t1" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !rec.ConnectedAt.Equal(fixed) || rec.ConnectedAt.Location() != time.UTC {
		t.Fatalf("connectedAt should be now in UTC, got %v", rec.ConnectedAt)
	}
}

func TestAdmit_NoTokenDoesNotVerifyOrWrite(t *testing.T) {
	reg := newRecordingRegistry(t)
	v := authtest.NewStatic()
	a := newAdmitter(t, v, reg, DefaultConfig())

	res := a.Admit(context.Background(), &Event{ConnectionID: "c1"})
	if res.Outcome != Rejected || !errors.Is(res.Err, ErrNoTokenProvided) {
		t.Fatalf("want rejected/no token, got %v %v", res.Outcome, res.Err)
	}
	if got := res.Status(); got.StatusCode != 403 || got.Body != "Unauthorized" {
		t.Fatalf("unexpected status %+v", got)
	}
	if len(v.Seen()) != 0 {
		t.Fatalf("verifier must not be invoked without a token")
	}
	if reg.writes() != 0 {
		t.Fatalf("registry must not be written")
	}
}

func TestAdmit_BadTokenIsUnauthorized(t *testing.T) {
	reg := newRecordingRegistry(t)
	a := newAdmitter(t, authtest.NewStatic(), reg, DefaultConfig())

	res := a.Admit(context.Background(), &Event{
		ConnectionID: "c1",
		Headers:      map[string]string{"Authorization": "Bearer nope"},
	})
	if res.Outcome != Rejected || !errors.Is(res.Err, ErrUnauthorized) {
		t.Fatalf("want rejected/unauthorized, got %v %v", res.Outcome, res.Err)
	}
	// Verification detail stays out of the classified error.
	if res.Err.Error() != ErrUnauthorized.Error() {
		t.Fatalf("classified error leaked detail: %v", res.Err)
	}
	if res.Principal != nil || reg.writes() != 0 {
		t.Fatalf("rejected attempt must not carry a principal or write")
	}
}

func TestAdmit_HeaderPrecedence(t *testing.T) {
	v := authtest.NewStatic().
		Allow("H", auth.NewPrincipal("from-header", "", "")).
		Allow("Q", auth.NewPrincipal("from-query", "", ""))
	a := newAdmitter(t, v, newRecordingRegistry(t), DefaultConfig())

	res := a.Admit(context.Background(), &Event{
		ConnectionID:          "c1",
		Headers:               map[string]string{"Authorization": "Bearer H"},
		QueryStringParameters: map[string]string{"token": "Q"},
	})
	if !res.Admitted() || res.Principal.SubjectID() != "from-header" {
		t.Fatalf("header token should win, got %v", res.Principal)
	}
	if seen := v.Seen(); len(seen) != 1 || seen[0] != "H" {
		t.Fatalf("verifier saw %v", seen)
	}
}

func TestAdmit_MissingTenant(t *testing.T) {
	reg := newRecordingRegistry(t)
	v := authtest.NewStatic().Allow("good", auth.NewPrincipal("u1", "", "acme"))
	cfg := DefaultConfig()
	cfg.RequireTenant = true
	a := newAdmitter(t, v, reg, cfg)

	res := a.Admit(context.Background(), &Event{
		ConnectionID:          "c1",
		QueryStringParameters: map[string]string{"token": "good"},
	})
	if res.Outcome != Rejected || !errors.Is(res.Err, ErrMissingTenant) {
		t.Fatalf("want missing tenant, got %v %v", res.Outcome, res.Err)
	}
	if got := res.Status(); got.StatusCode != 400 || got.Body != "Tenant information is required." {
		t.Fatalf("unexpected status %+v", got)
	}
	if reg.writes() != 0 || len(v.Seen()) != 0 {
		t.Fatalf("missing tenant must short-circuit before verify and write")
	}

	res = a.Admit(context.Background(), &Event{
		ConnectionID:   "c1",
		RawQueryString: "token=good&tenantId=acme",
	})
	if !res.Admitted() || res.TenantID != "acme" {
		t.Fatalf("tenant from raw query should satisfy requirement, got %v %q", res.Outcome, res.TenantID)
	}
}

func TestAdmit_TokenTenantWins(t *testing.T) {
	v := authtest.NewStatic().Allow("good", auth.NewPrincipal("u1", "", "acme"))
	a := newAdmitter(t, v, newRecordingRegistry(t), DefaultConfig())

	res := a.Admit(context.Background(), &Event{
		ConnectionID:          "c1",
		QueryStringParameters: map[string]string{"token": "good", "tenantId": "other"},
	})
	if !res.Admitted() || res.TenantID != "acme" || res.Record.TenantID != "acme" {
		t.Fatalf("token tenant should win, got %q", res.TenantID)
	}
}

func TestAdmit_Idempotent(t *testing.T) {
	ctx := context.Background()
	reg := newRecordingRegistry(t)
	v := authtest.NewStatic().
		Allow("good", auth.NewPrincipal("u1", "alice", "")).
		Allow("good2", auth.NewPrincipal("u2", "bob", ""))
	a := newAdmitter(t, v, reg, DefaultConfig())

	for i, tok := range []string{"good", "good", "good2"} {
		ev := &Event{ConnectionID: "c1", QueryStringParameters: map[string]string{"token": tok}}
		if res := a.Admit(ctx, ev); !res.Admitted() {
			t.Fatalf("attempt %d: %v", i, res.Err)
		}
	}
	rec, err := reg.Get(ctx, "c1")
	if err != nil || rec == nil || rec.PrincipalID != "u2" || rec.DisplayName != "bob" {
		t.Fatalf("record should reflect the latest principal, got %+v err %v", rec, err)
	}
	if n := reg.Registry.(*memory.Registry).Len(); n != 1 {
		t.Fatalf("want exactly one record, got %d", n)
	}
}

func TestAdmit_MissingConnectionID(t *testing.T) {
	reg := newRecordingRegistry(t)
	v := authtest.NewStatic().Allow("good", auth.NewPrincipal("u1", "", ""))

	for _, mode := range []Mode{ModeVerify, ModeTrustAuthorizer} {
		cfg := DefaultConfig()
		cfg.Mode = mode
		a := newAdmitter(t, v, reg, cfg)

		res := a.Admit(context.Background(), &Event{
			QueryStringParameters: map[string]string{"token": "good"},
			AuthorizerContext:     map[string]any{"principalId": "u1"},
		})
		if res.Outcome != Rejected || !errors.Is(res.Err, ErrMissingConnectionID) {
			t.Fatalf("%v: want rejected/missing connection id, got %v %v", mode, res.Outcome, res.Err)
		}
		if got := res.Status(); got.StatusCode != 400 {
			t.Fatalf("%v: want 400, got %+v", mode, got)
		}
	}
	if reg.writes() != 0 || len(v.Seen()) != 0 {
		t.Fatalf("missing connection id must short-circuit before verify and write")
	}
}

func TestAdmit_RegistryFailureIsFailClosed(t *testing.T) {
	reg := newRecordingRegistry(t)
	reg.err = errors.New("table unavailable")
	v := authtest.NewStatic().Allow("good", auth.NewPrincipal("u1", "", ""))
	a := newAdmitter(t, v, reg, DefaultConfig())

	res := a.Admit(context.Background(), &Event{
		ConnectionID:          "c1",
		QueryStringParameters: map[string]string{"token": "good"},
	})
	if res.Outcome != Failed || !errors.Is(res.Err, ErrRegistryWriteFailed) {
		t.Fatalf("want failed, got %v %v", res.Outcome, res.Err)
	}
	if res.Admitted() {
		t.Fatalf("failed write must not admit")
	}
	if got := res.Status(); got.StatusCode != 500 || got.Body != "Failed to connect." {
		t.Fatalf("unexpected status %+v", got)
	}
	if d := res.Decision(); d.IsAuthorized {
		t.Fatalf("failed write must deny")
	}
}

func TestAdmit_RecordTTL(t *testing.T) {
	ctx := context.Background()
	reg := newRecordingRegistry(t)
	v := authtest.NewStatic().Allow("good", auth.NewPrincipal("u1", "", ""))
	cfg := DefaultConfig()
	cfg.RecordTTL = time.Hour
	a := newAdmitter(t, v, reg, cfg)

	res := a.Admit(ctx, &Event{ConnectionID: "c1", QueryStringParameters: map[string]string{"token": "good"}})
	if !res.Admitted() {
		t.Fatalf("admit: %v", res.Err)
	}
	rec, err := reg.Get(ctx, "c1")
	if err != nil || rec == nil {
		t.Fatalf("get: %v", err)
	}
	if rec.ExpiresAt == nil || time.Until(*rec.ExpiresAt) > time.Hour+time.Minute {
		t.Fatalf("unexpected expiry %v", rec.ExpiresAt)
	}
}

func TestAuthorize_NeverWrites(t *testing.T) {
	reg := newRecordingRegistry(t)
	v := authtest.NewStatic().Allow("good", auth.NewPrincipal("u1", "alice", "acme"))
	a := newAdmitter(t, v, reg, DefaultConfig())

	res := a.Authorize(context.Background(), &Event{
		ConnectionID: "c1",
		Headers:      map[string]string{"authorization": "Bearer good"},
	})
	if !res.Admitted() || res.Record != nil {
		t.Fatalf("want admitted without record, got %v %+v", res.Outcome, res.Record)
	}
	if reg.writes() != 0 {
		t.Fatalf("Authorize must not write")
	}

	d := res.Decision()
	if !d.IsAuthorized || d.PrincipalID != "u1" {
		t.Fatalf("unexpected decision %+v", d)
	}
	if d.Context["username"] != "alice" || d.Context["subjectId"] != "u1" || d.Context["tenantId"] != "acme" {
		t.Fatalf("unexpected context %v", d.Context)
	}

	denied := a.Authorize(context.Background(), &Event{ConnectionID: "c2"})
	dd := denied.Decision()
	if dd.IsAuthorized || dd.PrincipalID != "anonymous" || dd.Context != nil {
		t.Fatalf("unexpected denied decision %+v", dd)
	}
}

func TestAdmit_TrustAuthorizer(t *testing.T) {
	ctx := context.Background()
	reg := newRecordingRegistry(t)
	cfg := DefaultConfig()
	cfg.Mode = ModeTrustAuthorizer
	a := newAdmitter(t, nil, reg, cfg)

	res := a.Admit(ctx, &Event{
		ConnectionID: "c9",
		AuthorizerContext: map[string]any{
			"principalId": "u1",
			"username":    "alice",
			"tenantId":    "acme",
		},
	})
	if !res.Admitted() {
		t.Fatalf("admit: %v", res.Err)
	}
	rec, _ := reg.Get(ctx, "c9")
	if rec == nil || rec.PrincipalID != "u1" || rec.DisplayName != "alice" || rec.TenantID != "acme" {
		t.Fatalf("unexpected record %+v", rec)
	}

	for name, ev := range map[string]*Event{
		"no context":      {ConnectionID: "c10"},
		"no principal id": {ConnectionID: "c11", AuthorizerContext: map[string]any{"username": "x"}},
		"wrong type":      {ConnectionID: "c12", AuthorizerContext: map[string]any{"principalId": 42}},
	} {
		res := a.Admit(ctx, ev)
		if res.Outcome != Rejected || !errors.Is(res.Err, ErrUnauthorized) {
			t.Errorf("%s: want unauthorized, got %v %v", name, res.Outcome, res.Err)
		}
	}
	if reg.writes() != 1 {
		t.Fatalf("only the admitted attempt should write, got %d", reg.writes())
	}
}

func TestNew_Validation(t *testing.T) {
	reg := newRecordingRegistry(t)
	if _, err := New(nil, reg, DefaultConfig()); err == nil {
		t.Fatalf("verify mode requires a verifier")
	}
	if _, err := New(authtest.NewStatic(), nil, DefaultConfig()); err == nil {
		t.Fatalf("registry is required")
	}
	a, err := New(authtest.NewStatic(), reg, Config{})
	if err != nil {
		t.Fatalf("zero config: %v", err)
	}
	if len(a.cfg.TokenQueryParams) != 1 || a.cfg.TokenQueryParams[0] != "token" || a.cfg.TenantQueryParam != "tenantId" {
		t.Fatalf("defaults not applied: %+v", a.cfg)
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeVerify, "verify": ModeVerify, "authorizer": ModeTrustAuthorizer} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("bogus"); err == nil {
		t.Errorf("expected error")
	}
}

func TestPolicy(t *testing.T) {
	const arn = "arn:aws:execute-api:us-east-1:123:api/prod/$connect"
	ok := &Result{Outcome: Admitted, Principal: auth.NewPrincipal("u1", "alice", "")}
	p := ok.Policy(arn)
	if p.PrincipalID != "u1" || p.PolicyDocument.Version != "2012-10-17" {
		t.Fatalf("unexpected policy %+v", p)
	}
	st := p.PolicyDocument.Statement
	if len(st) != 1 || st[0].Effect != "Allow" || st[0].Action != "execute-api:Invoke" || st[0].Resource != arn {
		t.Fatalf("unexpected statement %+v", st)
	}
	if _, ok := p.Context["tenantId"]; ok {
		t.Fatalf("tenantId should be omitted when empty")
	}

	deny := (&Result{Outcome: Rejected, Err: ErrUnauthorized}).Policy(arn)
	if deny.PrincipalID != "anonymous" || deny.PolicyDocument.Statement[0].Effect != "Deny" {
		t.Fatalf("unexpected deny policy %+v", deny)
	}
}

// TestAdmit_EndToEnd drives a real verifier against a served key set.
func TestAdmit_EndToEnd(t *testing.T) {
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	doc, err := json.Marshal(struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{{Key: &pk.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"}}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(doc)
	}))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	v, err := auth.NewVerifier(ctx, srv.URL, "clientA", auth.WithLogger(quiet))
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	reg := newRecordingRegistry(t)
	a := newAdmitter(t, v, reg, DefaultConfig())

	sign := func(aud string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
			"iss": srv.URL,
			"sub": "u1",
			"aud": aud,
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		tok.Header["kid"] = "k1"
		s, err := tok.SignedString(pk)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}

	res := a.Admit(ctx, &Event{
		ConnectionID: "c1",
		Headers:      map[string]string{"Authorization": "Bearer " + sign("clientA")},
	})
	if !res.Admitted() {
		t.Fatalf("admit: %v", res.Err)
	}
	rec, err := reg.Get(ctx, "c1")
	if err != nil || rec == nil || rec.PrincipalID != "u1" || rec.DisplayName != "u1" {
		t.Fatalf("unexpected record %+v err %v", rec, err)
	}

	res = a.Admit(ctx, &Event{
		ConnectionID:          "c2",
		QueryStringParameters: map[string]string{"token": sign("clientB")},
	})
	if res.Outcome != Rejected || !errors.Is(res.Err, ErrUnauthorized) {
		t.Fatalf("wrong audience should be rejected, got %v %v", res.Outcome, res.Err)
	}
	if rec, _ := reg.Get(ctx, "c2"); rec != nil {
		t.Fatalf("rejected connection was recorded")
	}
}
