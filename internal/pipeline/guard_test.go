package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fantasyguard/internal/audit"
	"fantasyguard/internal/config"
	"fantasyguard/internal/detection"
	"fantasyguard/internal/model"
	"fantasyguard/internal/ratelimit"
)

var noon = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSessions struct {
	mu         sync.Mutex
	principals []string
}

func (f *fakeSessions) TerminateSessions(_ context.Context, principalID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.principals = append(f.principals, principalID)
	return nil
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []model.Alert
}

func (f *fakeAlerter) Alert(_ context.Context, a model.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}

type harness struct {
	guard    *Guard
	limiter  *ratelimit.Limiter
	audit    *audit.Correlator
	sessions *fakeSessions
	alerter  *fakeAlerter
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	clock := func() time.Time { return noon }
	limiter := ratelimit.New(cfg.RateLimit, nil, ratelimit.WithClock(clock))
	detector := detection.New(cfg.Detection, limiter, nil, detection.WithClock(clock))
	correlator := audit.New(cfg.Audit, nil, audit.WithClock(clock), audit.WithBlocker(limiter))
	h := &harness{limiter: limiter, audit: correlator, sessions: &fakeSessions{}, alerter: &fakeAlerter{}}
	h.guard = New(cfg.Pipeline, limiter, detector, correlator, nil,
		WithClock(clock),
		WithSessionTerminator(h.sessions),
		WithAlerter(h.alerter),
	)
	return h
}

func benign(ip, path string) Request {
	return Request{
		SourceIP:  ip,
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) Firefox/124.0",
		Method:    "GET",
		Path:      path,
	}
}

func TestResolveRuleLongestPrefix(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, "auth:login", h.guard.ResolveRule("/api/auth/login"))
	assert.Equal(t, "auth:register", h.guard.ResolveRule("/api/auth/register?ref=x"))
	assert.Equal(t, "auth:session", h.guard.ResolveRule("/api/auth/logout"))
	assert.Equal(t, "auth:session", h.guard.ResolveRule("/api/auth/session"))
	assert.Equal(t, "api:sensitive", h.guard.ResolveRule("/api/admin/users"))
	assert.Equal(t, "api:general", h.guard.ResolveRule("/api/leagues/42"))
	assert.Equal(t, "", h.guard.ResolveRule("/healthz"))
}

func TestLoginThrottling(t *testing.T) {
	h := newHarness(t, nil)
	req := benign("203.0.113.10", "/api/auth/login")
	req.Method = "POST"
	for i := 4; i >= 0; i-- {
		dec := h.guard.Evaluate(context.Background(), req)
		require.True(t, dec.Allowed)
		assert.Equal(t, "auth:login", dec.Rule)
		assert.Equal(t, i, dec.Remaining)
		assert.Equal(t, 5, dec.Limit)
	}
	dec := h.guard.Evaluate(context.Background(), req)
	assert.False(t, dec.Allowed)
	assert.Equal(t, http.StatusTooManyRequests, dec.Status)
	assert.Equal(t, ratelimit.ReasonRateLimited, dec.Reason)
	assert.Positive(t, dec.RetryAfter)
	require.Len(t, dec.EventIDs, 1)

	ev, err := h.audit.Event(dec.EventIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.EventRateLimitExceeded, ev.EventType)
	assert.Equal(t, "auth:login", ev.Details.Context["rule"])

	stats := h.guard.Stats()
	assert.Equal(t, int64(6), stats.Total)
	assert.Equal(t, int64(1), stats.Blocked)
}

func TestInjectionIsBlockedAndSourceBanned(t *testing.T) {
	h := newHarness(t, nil)
	req := benign("198.51.100.23", "/api/auth/login")
	req.Method = "POST"
	req.Headers = map[string]string{"Content-Type": "application/json"}
	req.Body = []byte(`{"username":"admin' OR 1=1 --","password":"x"}`)

	dec := h.guard.Evaluate(context.Background(), req)
	assert.False(t, dec.Allowed)
	assert.Equal(t, http.StatusForbidden, dec.Status)
	assert.Equal(t, ReasonThreat, dec.Reason)
	require.NotNil(t, dec.Assessment)
	assert.GreaterOrEqual(t, dec.RiskScore, 0.24-1e-9)

	events := h.audit.Events(audit.EventFilter{Types: []model.EventType{model.EventSuspiciousActivity}})
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Details.Description, "sql_injection")

	// the injection_attempt pattern placed the source on the block list
	assert.True(t, h.limiter.IsBlocked("198.51.100.23"))
	next := h.guard.Evaluate(context.Background(), benign("198.51.100.23", "/api/leagues"))
	assert.False(t, next.Allowed)
	assert.Equal(t, ratelimit.ReasonManualBlock, next.Reason)
	assert.Equal(t, http.StatusForbidden, next.Status)
}

func TestVolumeAnomalyTemporarilyBlocksSource(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		r := cfg.RateLimit.Rules["api:general"]
		r.MaxRequests = 1000
		cfg.RateLimit.Rules["api:general"] = r
	})
	req := benign("192.0.2.55", "/api/players")
	var dec Decision
	for i := 0; i < 101; i++ {
		dec = h.guard.Evaluate(context.Background(), req)
	}
	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonTemporaryBlock, dec.Reason)
	assert.Equal(t, 15*time.Minute, dec.RetryAfter)
	assert.True(t, h.limiter.IsBlocked("192.0.2.55"))
}

func TestNewLocationRequiresChallenge(t *testing.T) {
	h := newHarness(t, nil)
	req := benign("203.0.113.70", "/api/leagues")
	req.PrincipalID = "user-1"
	req.Location = "US"
	require.True(t, h.guard.Evaluate(context.Background(), req).Allowed)

	req.Location = "BR"
	dec := h.guard.Evaluate(context.Background(), req)
	assert.True(t, dec.Allowed)
	assert.True(t, dec.ChallengeRequired)
	assert.Equal(t, int64(1), h.guard.Stats().Challenged)
	assert.Equal(t, int64(1), h.guard.Stats().Suspicious)
}

func TestViolatorIsTreatedAsBlockedSource(t *testing.T) {
	h := newHarness(t, nil)
	login := benign("203.0.113.99", "/api/auth/login")
	for i := 0; i < 6; i++ {
		h.guard.Evaluate(context.Background(), login)
	}

	req := benign("203.0.113.99", "/api/leagues")
	req.PrincipalID = "user-5"
	dec := h.guard.Evaluate(context.Background(), req)
	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonThreat, dec.Reason)
	assert.Equal(t, 1.0, dec.RiskScore)
	assert.True(t, dec.Assessment.RequiresManualReview)

	assert.Equal(t, []string{"user-5"}, h.sessions.principals)
	require.Len(t, h.alerter.alerts, 1)
	assert.Equal(t, model.SeverityCritical, h.alerter.alerts[0].Severity)
	assert.Len(t, h.audit.Events(audit.EventFilter{Types: []model.EventType{model.EventSessionTerminated}}), 1)
	assert.Len(t, h.audit.Events(audit.EventFilter{Types: []model.EventType{model.EventIntrusionDetected}}), 1)
}

func TestSessionLookupsDoNotSpendLoginQuota(t *testing.T) {
	h := newHarness(t, nil)
	req := benign("203.0.113.120", "/api/auth/session")
	req.PrincipalID = "user-1"
	for i := 0; i < 6; i++ {
		dec := h.guard.Evaluate(context.Background(), req)
		require.True(t, dec.Allowed, "session lookup %d", i+1)
		assert.Equal(t, "auth:session", dec.Rule)
	}
	_, spent := h.limiter.Entry("203.0.113.120", "auth:login")
	assert.False(t, spent)

	req.Path = "/api/leagues"
	dec := h.guard.Evaluate(context.Background(), req)
	assert.True(t, dec.Allowed)
	assert.Less(t, dec.RiskScore, 1.0)
	assert.Empty(t, h.sessions.principals)
	assert.False(t, h.limiter.IsBlocked("203.0.113.120"))
}

func TestEvaluateFailsClosed(t *testing.T) {
	cfg := config.DefaultConfig()
	limiter := ratelimit.New(cfg.RateLimit, nil)
	g := New(cfg.Pipeline, limiter, nil, nil, nil)
	dec := g.Evaluate(context.Background(), benign("10.0.0.1", "/api/leagues"))
	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonInternalError, dec.Reason)
	assert.Equal(t, http.StatusForbidden, dec.Status)
	assert.Equal(t, int64(1), g.Stats().Blocked)
}

func TestMiddlewareAllowsAndRestoresBody(t *testing.T) {
	h := newHarness(t, nil)
	var gotBody string
	var gotDecision bool
	handler := h.guard.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		_, gotDecision = DecisionFrom(r.Context())
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/leagues", strings.NewReader(`{"name":"Sunday League"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "198.51.100.4, 10.0.0.1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"name":"Sunday League"}`, gotBody)
	assert.True(t, gotDecision)
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))

	_, ok := h.limiter.Entry("198.51.100.4", "api:general")
	assert.True(t, ok, "forwarded address is the rate-limit identifier")
}

func TestMiddlewareRefundsPrimaryRuleUnderPenalty(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		general := cfg.RateLimit.Rules["api:general"]
		general.SkipSuccessful = true
		cfg.RateLimit.Rules["api:general"] = general
		cfg.Detection.Thresholds.Moderate = 0
		cfg.Detection.Thresholds.Log = 0
	})
	handler := h.guard.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dec, ok := DecisionFrom(r.Context())
		require.True(t, ok)
		assert.Equal(t, "threat:moderate", dec.Rule)
		assert.Equal(t, "api:general", dec.PrimaryRule)
	}))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/leagues", nil)
		req.RemoteAddr = "192.0.2.140:4000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "30", rec.Header().Get("X-RateLimit-Limit"))
	}

	primary, ok := h.limiter.Entry("192.0.2.140", "api:general")
	require.True(t, ok)
	assert.Zero(t, primary.Count)
	penalty, ok := h.limiter.Entry("192.0.2.140", "threat:moderate")
	require.True(t, ok)
	assert.Equal(t, 3, penalty.Count)
}

func TestMiddlewareDeniesWithRetryAfter(t *testing.T) {
	h := newHarness(t, nil)
	reached := 0
	handler := h.guard.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached++
	}))

	var rec *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = "192.0.2.8:51234"
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}
	assert.Equal(t, 5, reached)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))

	var body deniedBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ratelimit.ReasonRateLimited, body.Reason)
	assert.Equal(t, 900, body.RetryAfter)
}

func TestMiddlewareUsesContextPrincipal(t *testing.T) {
	h := newHarness(t, nil)
	handler := h.guard.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	var rec *httptest.ResponseRecorder
	for i, country := range []string{"US", "BR"} {
		req := httptest.NewRequest(http.MethodGet, "/api/leagues", nil)
		req.RemoteAddr = fmt.Sprintf("10.1.1.%d:4000", i+1)
		req.Header.Set("X-Geo-Country", country)
		req = req.WithContext(WithPrincipal(req.Context(), "user-42", "sess-1"))
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "required", rec.Header().Get("X-Auth-Challenge"))
	assert.Equal(t, int64(1), h.guard.Stats().Suspicious)
	assert.Equal(t, int64(1), h.guard.Stats().Challenged)
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		remote  string
		trust   bool
		want    string
	}{
		{"remote", nil, "192.0.2.1:1234", true, "192.0.2.1"},
		{"forwarded", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, "10.0.0.1:80", true, "203.0.113.5"},
		{"real ip", map[string]string{"X-Real-IP": "203.0.113.6"}, "10.0.0.1:80", true, "203.0.113.6"},
		{"untrusted", map[string]string{"X-Forwarded-For": "203.0.113.5"}, "10.0.0.1:80", false, "10.0.0.1"},
		{"no port", nil, "192.0.2.9", false, "192.0.2.9"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, ClientIP(r, tc.trust))
		})
	}
}

func TestConcurrentEvaluate(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		r := cfg.RateLimit.Rules["api:general"]
		r.MaxRequests = 10000
		cfg.RateLimit.Rules["api:general"] = r
	})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				h.guard.Evaluate(context.Background(), benign(fmt.Sprintf("10.2.%d.1", i), "/api/leagues"))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(400), h.guard.Stats().Total)
	entry, ok := h.limiter.Entry("10.2.7.1", "api:general")
	require.True(t, ok)
	assert.Equal(t, 20, entry.Count)
}
