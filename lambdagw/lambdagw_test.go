package lambdagw

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/ggoodman/wsconnect-go/admission"
	"github.com/ggoodman/wsconnect-go/auth"
	"github.com/ggoodman/wsconnect-go/auth/authtest"
	"github.com/ggoodman/wsconnect-go/registry/memory"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newHandler(t *testing.T, mode admission.Mode) (*Handler, *memory.Registry) {
	t.Helper()
	reg, err := memory.New(10)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	v := authtest.NewStatic().Allow("good", auth.NewPrincipal("u1", "alice", "acme"))
	cfg := admission.DefaultConfig()
	cfg.Mode = mode
	a, err := admission.New(v, reg, cfg, admission.WithLogger(quiet))
	if err != nil {
		t.Fatalf("admission.New: %v", err)
	}
	return New(a, WithLogger(quiet)), reg
}

const arn = "arn:aws:execute-api:us-east-1:123456789012:abc/prod/$connect"

func TestAuthorizeRequestDecoding(t *testing.T) {
	payload := `{
		"type": "REQUEST",
		"methodArn": "` + arn + `",
		"headers": {"Authorization": "Bearer good"},
		"queryStringParameters": {"tenantId": "acme"},
		"requestContext": {"connectionId": "c1", "routeKey": "$connect", "requestId": "r1"}
	}`
	var req AuthorizerRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ev := req.Event()
	if ev.ConnectionID != "c1" || ev.MethodARN != arn || ev.Header("authorization") != "Bearer good" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestAuthorize_AllowAndDeny(t *testing.T) {
	h, reg := newHandler(t, admission.ModeVerify)
	ctx := context.Background()

	req := AuthorizerRequest{
		MethodArn:      arn,
		Headers:        map[string]string{"Authorization": "Bearer good"},
		RequestContext: AuthorizerRequestContext{ConnectionID: "c1"},
	}
	resp, err := h.Authorize(ctx, req)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp.PrincipalID != "u1" || len(resp.PolicyDocument.Statement) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	st := resp.PolicyDocument.Statement[0]
	if st.Effect != "Allow" || st.Action[0] != "execute-api:Invoke" || st.Resource[0] != arn {
		t.Fatalf("unexpected statement %+v", st)
	}
	if resp.Context["username"] != "alice" || resp.Context["tenantId"] != "acme" {
		t.Fatalf("unexpected context %v", resp.Context)
	}
	if reg.Len() != 0 {
		t.Fatalf("authorizer must not record connections")
	}

	req.Headers = map[string]string{"Authorization": "Bearer bad"}
	resp, err = h.Authorize(ctx, req)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp.PrincipalID != "anonymous" || resp.PolicyDocument.Statement[0].Effect != "Deny" {
		t.Fatalf("unexpected deny %+v", resp)
	}
}

func TestAuthorizeSimple(t *testing.T) {
	h, _ := newHandler(t, admission.ModeVerify)
	d, err := h.AuthorizeSimple(context.Background(), AuthorizerRequest{
		QueryStringParameters: map[string]string{"token": "good"},
	})
	if err != nil || !d.IsAuthorized || d.PrincipalID != "u1" {
		t.Fatalf("unexpected decision %+v err %v", d, err)
	}
}

func TestConnect_Verify(t *testing.T) {
	h, reg := newHandler(t, admission.ModeVerify)
	ctx := context.Background()

	req := events.APIGatewayWebsocketProxyRequest{
		QueryStringParameters: map[string]string{"token": "good"},
		RequestContext: events.APIGatewayWebsocketProxyRequestContext{
			ConnectionID: "c1",
			RouteKey:     "$connect",
		},
	}
	resp, err := h.Connect(ctx, req)
	if err != nil || resp.StatusCode != 200 || resp.Body != "Connected." {
		t.Fatalf("unexpected response %+v err %v", resp, err)
	}
	if rec, _ := reg.Get(ctx, "c1"); rec == nil || rec.PrincipalID != "u1" {
		t.Fatalf("connection not recorded: %+v", rec)
	}

	req.QueryStringParameters = nil
	req.RequestContext.ConnectionID = "c2"
	resp, _ = h.Connect(ctx, req)
	if resp.StatusCode != 403 || resp.Body != "Unauthorized" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestConnect_TrustAuthorizer(t *testing.T) {
	h, reg := newHandler(t, admission.ModeTrustAuthorizer)
	ctx := context.Background()

	// The runtime decodes requestContext.authorizer from JSON.
	var req events.APIGatewayWebsocketProxyRequest
	payload := `{"requestContext":{"connectionId":"c7","routeKey":"$connect",
		"authorizer":{"principalId":"u9","username":"bob","tenantId":"t9","integrationLatency":12}}}`
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resp, err := h.Connect(ctx, req)
	if err != nil || resp.StatusCode != 200 {
		t.Fatalf("unexpected response %+v err %v", resp, err)
	}
	rec, _ := reg.Get(ctx, "c7")
	if rec == nil || rec.PrincipalID != "u9" || rec.DisplayName != "bob" || rec.TenantID != "t9" {
		t.Fatalf("unexpected record %+v", rec)
	}

	req.RequestContext.Authorizer = nil
	req.RequestContext.ConnectionID = "c8"
	resp, _ = h.Connect(ctx, req)
	if resp.StatusCode != 403 {
		t.Fatalf("missing authorizer context should be rejected, got %d", resp.StatusCode)
	}
}

func TestAuthorizerContext(t *testing.T) {
	if authorizerContext(nil) != nil {
		t.Fatalf("nil should stay nil")
	}
	if got := authorizerContext(map[string]string{"principalId": "u1"}); got["principalId"] != "u1" {
		t.Fatalf("unexpected %v", got)
	}
	type typed struct {
		PrincipalID string `json:"principalId"`
	}
	if got := authorizerContext(typed{PrincipalID: "u2"}); got["principalId"] != "u2" {
		t.Fatalf("unexpected %v", got)
	}
	if got := authorizerContext("nope"); got != nil {
		t.Fatalf("scalar should be treated as absent, got %v", got)
	}
}
