package admission

import (
	"errors"
	"net/http"

	"github.com/ggoodman/wsconnect-go/auth"
	"github.com/ggoodman/wsconnect-go/registry"
)

// Classified admission failures. These are the only distinctions exposed to
// callers; verification detail stays in the logs.
var (
	// ErrNoTokenProvided: no token in the header, query parameters or raw query.
	ErrNoTokenProvided = errors.New("admission: no token provided")
	// ErrMissingTenant: the deployment requires a tenant and the request has none.
	ErrMissingTenant = errors.New("admission: tenant information is required")
	// ErrMissingConnectionID: the gateway delivered an event without a connection id.
	ErrMissingConnectionID = errors.New("admission: connection id is required")
	// ErrUnauthorized: the token or authorizer context was not accepted.
	ErrUnauthorized = errors.New("admission: unauthorized")
	// ErrRegistryWriteFailed: the connection was verified but could not be recorded.
	ErrRegistryWriteFailed = errors.New("admission: registry write failed")
)

// Outcome is the terminal state of one admission attempt.
type Outcome int

const (
	// Admitted: verified and, where applicable, registered.
	Admitted Outcome = iota + 1
	// Rejected: the client's request or credentials were not acceptable.
	Rejected
	// Failed: an infrastructure dependency failed after verification.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of an admission attempt. It is mapped to a concrete
// gateway response with Status, Decision or Policy.
type Result struct {
	Outcome Outcome
	// Err is one of the classified errors above; nil when Admitted.
	Err error
	// Principal is set once verification succeeded, including when the
	// registry write subsequently failed.
	Principal *auth.Principal
	// TenantID is the tenant the connection is scoped to, if any.
	TenantID string
	// Record is the registry entry written on admission. Authorize never
	// writes one.
	Record *registry.ConnectionRecord

	cause error
}

// Admitted reports whether the connection may proceed.
func (r *Result) Admitted() bool { return r.Outcome == Admitted }

// StatusOutcome is the direct response shape for gateways that call the
// admitter inline on the connect route.
type StatusOutcome struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// Status maps the result to a status code and a generic body.
func (r *Result) Status() StatusOutcome {
	switch {
	case r.Outcome == Admitted:
		return StatusOutcome{StatusCode: http.StatusOK, Body: "Connected."}
	case r.Outcome == Failed:
		return StatusOutcome{StatusCode: http.StatusInternalServerError, Body: "Failed to connect."}
	case errors.Is(r.Err, ErrMissingTenant):
		return StatusOutcome{StatusCode: http.StatusBadRequest, Body: "Tenant information is required."}
	case errors.Is(r.Err, ErrMissingConnectionID):
		return StatusOutcome{StatusCode: http.StatusBadRequest, Body: "Connection id is required."}
	default:
		return StatusOutcome{StatusCode: http.StatusForbidden, Body: "Unauthorized"}
	}
}

// anonymousPrincipal is reported on denied decisions, which must still name
// a principal.
const anonymousPrincipal = "anonymous"

// Decision is the simple authorizer response shape.
type Decision struct {
	PrincipalID  string         `json:"principalId"`
	IsAuthorized bool           `json:"isAuthorized"`
	Context      map[string]any `json:"context,omitempty"`
}

// Decision maps the result to an allow/deny decision. Only admitted results
// are authorized; a failed registry write denies.
func (r *Result) Decision() Decision {
	if !r.Admitted() || r.Principal == nil {
		return Decision{PrincipalID: anonymousPrincipal}
	}
	return Decision{
		PrincipalID:  r.Principal.SubjectID(),
		IsAuthorized: true,
		Context:      r.context(),
	}
}

func (r *Result) context() map[string]any {
	c := map[string]any{
		"username":  r.Principal.DisplayName(),
		"subjectId": r.Principal.SubjectID(),
	}
	if r.TenantID != "" {
		c["tenantId"] = r.TenantID
	}
	return c
}

// PolicyResponse is the IAM-policy authorizer response shape.
type PolicyResponse struct {
	PrincipalID    string         `json:"principalId"`
	PolicyDocument PolicyDocument `json:"policyDocument"`
	Context        map[string]any `json:"context,omitempty"`
}

type PolicyDocument struct {
	Version   string            `json:"Version"`
	Statement []PolicyStatement `json:"Statement"`
}

type PolicyStatement struct {
	Action   string `json:"Action"`
	Effect   string `json:"Effect"`
	Resource string `json:"Resource"`
}

const (
	policyVersion = "2012-10-17"
	invokeAction  = "execute-api:Invoke"
)

// Policy maps the result to an IAM policy allowing or denying invocation
// of methodARN.
func (r *Result) Policy(methodARN string) PolicyResponse {
	d := r.Decision()
	effect := "Deny"
	if d.IsAuthorized {
		effect = "Allow"
	}
	return PolicyResponse{
		PrincipalID: d.PrincipalID,
		PolicyDocument: PolicyDocument{
			Version: policyVersion,
			Statement: []PolicyStatement{{
				Action:   invokeAction,
				Effect:   effect,
				Resource: methodARN,
			}},
		},
		Context: d.Context,
	}
}
