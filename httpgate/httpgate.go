// Package httpgate serves the admitter over plain HTTP for local development
// and integration testing, standing in for the managed gateway.
//
// Routes:
//
//	GET  /connect    inline admission; responds with the status outcome
//	POST /authorize  authorizer-style decision for a JSON-encoded event
//
// When the admitter runs in trust-authorizer mode, /connect performs the
// authorizer stage itself and forwards its context, so a client can never
// supply authorizer context directly.
package httpgate

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/wsconnect-go/admission"
	"github.com/ggoodman/wsconnect-go/internal/logctx"
	"github.com/google/uuid"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType = contenttype.NewMediaType("application/json")
	textMediaType = contenttype.NewMediaType("text/plain")
	replyTypes    = []contenttype.MediaType{jsonMediaType, textMediaType}
)

const (
	connectionIDHeader = "X-Connection-Id"
	maxEventSize       = 64 << 10
)

// Handler routes gateway requests to an Admitter.
type Handler struct {
	admitter *admission.Admitter
	log      *slog.Logger
	policy   bool
	mux      *http.ServeMux
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger for request events.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// WithPolicyResponses makes /authorize answer with an IAM policy document
// instead of a simple decision.
func WithPolicyResponses() Option {
	return func(h *Handler) { h.policy = true }
}

// New returns a Handler backed by a.
func New(a *admission.Admitter, opts ...Option) *Handler {
	h := &Handler{admitter: a, log: slog.Default(), mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(h)
	}
	h.mux.HandleFunc("GET /connect", h.handleConnect)
	h.mux.HandleFunc("POST /authorize", h.handleAuthorize)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	connID := r.Header.Get(connectionIDHeader)
	if connID == "" {
		connID = uuid.NewString()
		r = r.Clone(ctx)
		r.Header.Set(connectionIDHeader, connID)
	}
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithConnData(ctx, &logctx.ConnData{
		ConnectionID: connID,
		RequestID:    uuid.NewString(),
		Route:        r.Method + " " + r.URL.Path,
	})))
}

// eventFromRequest flattens r into an admission event. Only the first value
// of repeated headers and parameters is kept; the raw query preserves the
// rest.
func eventFromRequest(r *http.Request) *admission.Event {
	ev := &admission.Event{
		ConnectionID:   r.Header.Get(connectionIDHeader),
		Headers:        make(map[string]string, len(r.Header)),
		RawQueryString: r.URL.RawQuery,
	}
	for k, v := range r.Header {
		if len(v) > 0 {
			ev.Headers[k] = v[0]
		}
	}
	if q := r.URL.Query(); len(q) > 0 {
		ev.QueryStringParameters = make(map[string]string, len(q))
		for k, v := range q {
			if len(v) > 0 {
				ev.QueryStringParameters[k] = v[0]
			}
		}
	}
	return ev
}

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	mt, _, err := contenttype.GetAcceptableMediaType(r, replyTypes)
	if err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "response must be application/json or text/plain")
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	ev := eventFromRequest(r)
	var res *admission.Result
	if h.admitter.Mode() == admission.ModeTrustAuthorizer {
		res = h.authorizeThenAdmit(r, ev)
	} else {
		res = h.admitter.Admit(ctx, ev)
	}

	st := res.Status()
	w.Header().Set(connectionIDHeader, ev.ConnectionID)
	if mt.Matches(jsonMediaType) {
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(st.StatusCode)
		_ = json.NewEncoder(w).Encode(st)
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(st.StatusCode)
		_, _ = w.Write([]byte(st.Body))
	}
	h.log.InfoContext(ctx, "http.connect.done",
		slog.String("outcome", res.Outcome.String()),
		slog.Int("status", st.StatusCode),
		slog.Duration("dur", time.Since(start)))
}

// authorizeThenAdmit runs both stages of a two-stage deployment in-process.
func (h *Handler) authorizeThenAdmit(r *http.Request, ev *admission.Event) *admission.Result {
	ctx := r.Context()
	authz := h.admitter.Authorize(ctx, ev)
	if !authz.Admitted() {
		return authz
	}
	d := authz.Decision()
	fwd := *ev
	fwd.AuthorizerContext = map[string]any{"principalId": d.PrincipalID}
	for k, v := range d.Context {
		fwd.AuthorizerContext[k] = v
	}
	return h.admitter.Admit(ctx, &fwd)
}

func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	var ev admission.Event
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventSize))
	if err := dec.Decode(&ev); err != nil {
		status := http.StatusBadRequest
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSONError(w, status, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if ev.ConnectionID == "" {
		ev.ConnectionID = r.Header.Get(connectionIDHeader)
	}

	res := h.admitter.Authorize(ctx, &ev)
	var body any = res.Decision()
	if h.policy {
		body = res.Policy(ev.MethodARN)
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

// writeJSONError emits {"error":{"code":<status>,"message":"<reason>"}} for
// transport-level rejections.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
