package admission

import (
	"net/url"
	"strings"
)

// Event is one inbound connection attempt as delivered by the gateway.
type Event struct {
	// ConnectionID is the transport-assigned identifier of the connection.
	ConnectionID string `json:"connectionId"`
	// Headers holds request headers. Lookups are case-insensitive.
	Headers map[string]string `json:"headers,omitempty"`
	// QueryStringParameters holds query parameters already decoded by the
	// gateway.
	QueryStringParameters map[string]string `json:"queryStringParameters,omitempty"`
	// RawQueryString is the undecoded query string, when the gateway
	// forwards it.
	RawQueryString string `json:"rawQueryString,omitempty"`
	// AuthorizerContext is populated when a separate authorizer stage has
	// already admitted the request.
	AuthorizerContext map[string]any `json:"authorizerContext,omitempty"`
	// MethodARN identifies the invoked API method for IAM policy responses.
	MethodARN string `json:"methodArn,omitempty"`
}

// Header returns the first header whose name matches name case-insensitively.
func (e *Event) Header(name string) string {
	if v, ok := e.Headers[name]; ok {
		return v
	}
	for k, v := range e.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// rawQuery decodes RawQueryString. ParseQuery keeps every well-formed pair
// even when others fail to decode, so a partial result is still usable.
func (e *Event) rawQuery() url.Values {
	if e.RawQueryString == "" {
		return nil
	}
	v, _ := url.ParseQuery(strings.TrimPrefix(e.RawQueryString, "?"))
	return v
}

// param returns the named parameter from the decoded parameters, falling
// back to the first value in the raw query string.
func (e *Event) param(name string, raw url.Values) string {
	if v := e.QueryStringParameters[name]; v != "" {
		return v
	}
	return raw.Get(name)
}

const bearerPrefix = "bearer "

func stripBearer(v string) string {
	v = strings.TrimSpace(v)
	if strings.EqualFold(v, strings.TrimSpace(bearerPrefix)) {
		return ""
	}
	if len(v) >= len(bearerPrefix) && strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		v = strings.TrimSpace(v[len(bearerPrefix):])
	}
	return v
}

type tokenSource string

const (
	sourceHeader   tokenSource = "header"
	sourceQuery    tokenSource = "query"
	sourceRawQuery tokenSource = "raw_query"
)

// discoverToken searches the Authorization header, then the decoded query
// parameters, then the raw query string, and returns the first non-empty
// token along with where it was found.
func discoverToken(e *Event, params []string) (string, tokenSource) {
	if tok := stripBearer(e.Header("Authorization")); tok != "" {
		return tok, sourceHeader
	}
	for _, name := range params {
		if tok := stripBearer(e.QueryStringParameters[name]); tok != "" {
			return tok, sourceQuery
		}
	}
	raw := e.rawQuery()
	for _, name := range params {
		if tok := stripBearer(raw.Get(name)); tok != "" {
			return tok, sourceRawQuery
		}
	}
	return "", ""
}
