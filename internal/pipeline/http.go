package pipeline

import (
	"bytes"
	"context"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// PrincipalResolver extracts the authenticated principal and session from
// a request. Either value may be empty.
type PrincipalResolver func(r *http.Request) (principalID, sessionID string)

type principalKey struct{}

type principal struct {
	id      string
	session string
}

// WithPrincipal attaches the authenticated principal to ctx. Upstream
// authentication middleware calls it before the guard runs.
func WithPrincipal(ctx context.Context, principalID, sessionID string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal{id: principalID, session: sessionID})
}

// ContextPrincipal is the default resolver; it reads what WithPrincipal stored.
func ContextPrincipal(r *http.Request) (string, string) {
	p, _ := r.Context().Value(principalKey{}).(principal)
	return p.id, p.session
}

type decisionKey struct{}

// DecisionFrom returns the guard decision for the request being served.
func DecisionFrom(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(Decision)
	return d, ok
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware guards next. Denied requests get a JSON error body and never
// reach next; allowed requests carry rate-limit headers.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := g.requestFromHTTP(r)
		dec := g.Evaluate(r.Context(), req)
		if dec.Limit > 0 {
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
			if !dec.ResetTime.IsZero() {
				h.Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetTime.Unix(), 10))
			}
		}
		if !dec.Allowed {
			writeDenied(w, dec)
			return
		}
		if dec.ChallengeRequired {
			w.Header().Set("X-Auth-Challenge", "required")
		}
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(context.WithValue(r.Context(), decisionKey{}, dec)))
		if sw.status < http.StatusBadRequest {
			g.limiter.Refund(req.SourceIP, dec.PrimaryRule)
		}
	})
}

func (g *Guard) requestFromHTTP(r *http.Request) Request {
	cfg := g.config()
	req := Request{
		SourceIP:  ClientIP(r, cfg.TrustForwarded),
		UserAgent: r.UserAgent(),
		Method:    r.Method,
		Path:      r.URL.RequestURI(),
		Headers:   make(map[string]string, len(r.Header)),
	}
	for k, v := range r.Header {
		req.Headers[k] = strings.Join(v, ", ")
	}
	if cfg.LocationHeader != "" {
		req.Location = strings.ToUpper(strings.TrimSpace(r.Header.Get(cfg.LocationHeader)))
	}
	if g.resolver != nil {
		req.PrincipalID, req.SessionID = g.resolver(r)
	}
	if r.Body != nil && r.Body != http.NoBody && cfg.MaxBodyBytes > 0 {
		buf, err := io.ReadAll(io.LimitReader(r.Body, cfg.MaxBodyBytes))
		if err == nil {
			req.Body = buf
		}
		r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
	}
	return req
}

type readCloser struct {
	io.Reader
	io.Closer
}

// ClientIP returns the caller address, preferring proxy headers when they
// are trusted.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type deniedBody struct {
	Error      string `json:"error"`
	Reason     string `json:"reason"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func writeDenied(w http.ResponseWriter, dec Decision) {
	status := dec.Status
	if status == 0 {
		status = http.StatusForbidden
	}
	body := deniedBody{Error: http.StatusText(status), Reason: dec.Reason}
	if dec.RetryAfter > 0 {
		secs := int(math.Ceil(dec.RetryAfter.Seconds()))
		body.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
