// Package lambdagw adapts the admitter to API Gateway WebSocket Lambda
// integrations.
//
// Two deployments are supported. In the single-stage deployment Connect is
// the $connect route integration and verifies the token itself. In the
// two-stage deployment Authorize (or AuthorizeSimple) is a REQUEST authorizer
// and Connect runs in trust-authorizer mode, reading the principal the
// authorizer returned from the request context.
package lambdagw

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/ggoodman/wsconnect-go/admission"
	"github.com/ggoodman/wsconnect-go/internal/logctx"
)

// AuthorizerRequest is the REQUEST authorizer payload for a WebSocket API.
// The events package's request type omits the connection id, so the
// fields used here are declared directly.
type AuthorizerRequest struct {
	Type                  string                   `json:"type"`
	MethodArn             string                   `json:"methodArn"`
	Headers               map[string]string        `json:"headers"`
	QueryStringParameters map[string]string        `json:"queryStringParameters"`
	RawQueryString        string                   `json:"rawQueryString,omitempty"`
	RequestContext        AuthorizerRequestContext `json:"requestContext"`
}

type AuthorizerRequestContext struct {
	ConnectionID string `json:"connectionId"`
	RequestID    string `json:"requestId"`
	RouteKey     string `json:"routeKey"`
	EventType    string `json:"eventType"`
	Stage        string `json:"stage"`
	APIID        string `json:"apiId"`
}

// Event converts the request into an admission event.
func (r *AuthorizerRequest) Event() *admission.Event {
	return &admission.Event{
		ConnectionID:          r.RequestContext.ConnectionID,
		Headers:               r.Headers,
		QueryStringParameters: r.QueryStringParameters,
		RawQueryString:        r.RawQueryString,
		MethodARN:             r.MethodArn,
	}
}

// ConnectEvent converts a $connect proxy request into an admission event.
// Any context an upstream authorizer attached is carried over verbatim.
func ConnectEvent(req *events.APIGatewayWebsocketProxyRequest) *admission.Event {
	return &admission.Event{
		ConnectionID:          req.RequestContext.ConnectionID,
		Headers:               req.Headers,
		QueryStringParameters: req.QueryStringParameters,
		AuthorizerContext:     authorizerContext(req.RequestContext.Authorizer),
	}
}

// authorizerContext normalizes the loosely typed authorizer field. The
// runtime decodes it as a JSON object; anything else is treated as absent.
func authorizerContext(v any) map[string]any {
	switch c := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return c
	case map[string]string:
		out := make(map[string]any, len(c))
		for k, s := range c {
			out[k] = s
		}
		return out
	default:
		b, err := json.Marshal(c)
		if err != nil {
			return nil
		}
		var out map[string]any
		if json.Unmarshal(b, &out) != nil {
			return nil
		}
		return out
	}
}

// Handler serves Lambda invocations with a shared Admitter.
type Handler struct {
	admitter *admission.Admitter
	log      *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger for invocation events.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// New returns a Handler backed by a.
func New(a *admission.Admitter, opts ...Option) *Handler {
	h := &Handler{admitter: a, log: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func withConn(ctx context.Context, connectionID, requestID, route string) context.Context {
	if lc, ok := lambdacontext.FromContext(ctx); ok && requestID == "" {
		requestID = lc.AwsRequestID
	}
	return logctx.WithConnData(ctx, &logctx.ConnData{
		ConnectionID: connectionID,
		RequestID:    requestID,
		Route:        route,
	})
}

// Authorize answers a REQUEST authorizer invocation with an IAM policy.
// Denials are expressed as a Deny policy rather than an invocation error.
func (h *Handler) Authorize(ctx context.Context, req AuthorizerRequest) (events.APIGatewayCustomAuthorizerResponse, error) {
	ctx = withConn(ctx, req.RequestContext.ConnectionID, req.RequestContext.RequestID, req.RequestContext.RouteKey)
	p := h.admitter.Authorize(ctx, req.Event()).Policy(req.MethodArn)

	stmts := make([]events.IAMPolicyStatement, 0, len(p.PolicyDocument.Statement))
	for _, s := range p.PolicyDocument.Statement {
		stmts = append(stmts, events.IAMPolicyStatement{
			Action:   []string{s.Action},
			Effect:   s.Effect,
			Resource: []string{s.Resource},
		})
	}
	return events.APIGatewayCustomAuthorizerResponse{
		PrincipalID: p.PrincipalID,
		PolicyDocument: events.APIGatewayCustomAuthorizerPolicy{
			Version:   p.PolicyDocument.Version,
			Statement: stmts,
		},
		Context: p.Context,
	}, nil
}

// AuthorizeSimple answers a REQUEST authorizer invocation with a simple
// allow/deny decision.
func (h *Handler) AuthorizeSimple(ctx context.Context, req AuthorizerRequest) (admission.Decision, error) {
	ctx = withConn(ctx, req.RequestContext.ConnectionID, req.RequestContext.RequestID, req.RequestContext.RouteKey)
	return h.admitter.Authorize(ctx, req.Event()).Decision(), nil
}

// Connect handles the $connect route: admit, record, and answer with a
// status code the gateway uses to accept or refuse the upgrade.
func (h *Handler) Connect(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	rc := req.RequestContext
	ctx = withConn(ctx, rc.ConnectionID, rc.RequestID, rc.RouteKey)

	res := h.admitter.Admit(ctx, ConnectEvent(&req))
	st := res.Status()
	h.log.DebugContext(ctx, "lambda.connect.done",
		slog.String("outcome", res.Outcome.String()),
		slog.Int("status", st.StatusCode))
	return events.APIGatewayProxyResponse{
		StatusCode: st.StatusCode,
		Headers:    map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		Body:       st.Body,
	}, nil
}
