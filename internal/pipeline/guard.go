// Package pipeline runs every inbound request through the rate limiter,
// the threat detector and the audit correlator, and carries out the
// response plan the detector recommends.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fantasyguard/internal/audit"
	"fantasyguard/internal/config"
	"fantasyguard/internal/detection"
	"fantasyguard/internal/metrics"
	"fantasyguard/internal/model"
	"fantasyguard/internal/ratelimit"
)

const (
	ReasonThreat         = "threat_detected"
	ReasonTemporaryBlock = "temporarily_blocked"
	ReasonInternalError  = "internal_error"
)

// Recorder is the audit surface the guard writes to.
type Recorder interface {
	Record(in audit.EventInput) string
}

// SessionTerminator is owned by the authentication subsystem.
type SessionTerminator interface {
	TerminateSessions(ctx context.Context, principalID, reason string) error
}

type Request struct {
	RuleKey     string
	PrincipalID string
	SessionID   string
	SourceIP    string
	UserAgent   string
	Method      string
	Path        string
	Headers     map[string]string
	Body        []byte
	Location    string
	Timestamp   time.Time
}

type Decision struct {
	Allowed           bool                    `json:"allowed"`
	Status            int                     `json:"status"`
	Reason            string                  `json:"reason,omitempty"`
	Rule              string                  `json:"rule"`
	PrimaryRule       string                  `json:"primary_rule"`
	RetryAfter        time.Duration           `json:"retry_after,omitempty"`
	Limit             int                     `json:"limit"`
	Remaining         int                     `json:"remaining"`
	ResetTime         time.Time               `json:"reset_time"`
	RiskScore         float64                 `json:"risk_score"`
	Assessment        *model.ThreatAssessment `json:"assessment,omitempty"`
	ChallengeRequired bool                    `json:"challenge_required"`
	EventIDs          []string                `json:"event_ids,omitempty"`
}

type Stats struct {
	Total      int64 `json:"total"`
	Blocked    int64 `json:"blocked"`
	Suspicious int64 `json:"suspicious"`
	Challenged int64 `json:"challenged"`
}

type Guard struct {
	logger   *slog.Logger
	cfg      atomic.Value
	limiter  *ratelimit.Limiter
	detector *detection.Detector
	recorder Recorder
	sessions SessionTerminator
	alerter  audit.Alerter
	resolver PrincipalResolver
	now      func() time.Time

	total      atomic.Int64
	blocked    atomic.Int64
	suspicious atomic.Int64
	challenged atomic.Int64
}

type Option func(*Guard)

func WithSessionTerminator(s SessionTerminator) Option {
	return func(g *Guard) { g.sessions = s }
}

func WithAlerter(a audit.Alerter) Option {
	return func(g *Guard) { g.alerter = a }
}

func WithPrincipalResolver(r PrincipalResolver) Option {
	return func(g *Guard) { g.resolver = r }
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func New(cfg config.PipelineConfig, limiter *ratelimit.Limiter, detector *detection.Detector, recorder Recorder, logger *slog.Logger, opts ...Option) *Guard {
	g := &Guard{
		logger:   logger,
		limiter:  limiter,
		detector: detector,
		recorder: recorder,
		resolver: ContextPrincipal,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	g.UpdateConfig(cfg)
	return g
}

func (g *Guard) UpdateConfig(cfg config.PipelineConfig) {
	routes := append([]config.RouteConfig(nil), cfg.Routes...)
	sort.SliceStable(routes, func(i, j int) bool { return len(routes[i].Prefix) > len(routes[j].Prefix) })
	cfg.Routes = routes
	g.cfg.Store(&cfg)
}

func (g *Guard) config() *config.PipelineConfig {
	if v := g.cfg.Load(); v != nil {
		return v.(*config.PipelineConfig)
	}
	def := config.DefaultConfig().Pipeline
	return &def
}

// ResolveRule maps a request path to a rate-limit rule by longest prefix.
// An empty result lets the limiter apply its default rule.
func (g *Guard) ResolveRule(path string) string {
	for _, r := range g.config().Routes {
		if strings.HasPrefix(path, r.Prefix) {
			return r.Rule
		}
	}
	return ""
}

// Evaluate decides whether req may proceed. Unexpected faults deny the
// request with ReasonInternalError.
func (g *Guard) Evaluate(ctx context.Context, req Request) (dec Decision) {
	defer func() {
		if r := recover(); r != nil {
			if g.logger != nil {
				g.logger.Error("guard evaluation failed, denying request",
					"source_ip", req.SourceIP,
					"path", req.Path,
					"err", fmt.Sprint(r),
				)
			}
			dec = Decision{Allowed: false, Status: http.StatusForbidden, Reason: ReasonInternalError}
			g.blocked.Add(1)
			metrics.RequestsBlocked.WithLabelValues(ReasonInternalError).Inc()
		}
	}()
	g.total.Add(1)
	metrics.RequestsTotal.Inc()
	cfg := g.config()
	if req.Timestamp.IsZero() {
		req.Timestamp = g.now()
	}
	if req.RuleKey == "" {
		req.RuleKey = g.ResolveRule(req.Path)
	}
	md := ratelimit.Metadata{UserAgent: req.UserAgent, Path: req.Path, Country: req.Location}

	res := g.limiter.Check(req.SourceIP, req.RuleKey, md)
	primary := res.Rule
	metrics.RateLimitDecisions.WithLabelValues(res.Rule, outcome(res.Allowed)).Inc()
	if res.Allowed && cfg.GlobalRule != "" && res.Rule != cfg.GlobalRule {
		if global := g.limiter.Check(req.SourceIP, cfg.GlobalRule, md); !global.Allowed {
			metrics.RateLimitDecisions.WithLabelValues(global.Rule, outcome(false)).Inc()
			res = global
		}
	}
	dec = Decision{
		Allowed:     res.Allowed,
		Rule:        res.Rule,
		PrimaryRule: primary,
		Limit:       res.Limit,
		Remaining:   res.Remaining,
		ResetTime:   res.ResetTime,
		RiskScore:   res.RiskScore,
	}
	if !res.Allowed {
		dec.Status = http.StatusTooManyRequests
		if res.Reason == ratelimit.ReasonManualBlock {
			dec.Status = http.StatusForbidden
		}
		dec.Reason = res.Reason
		dec.RetryAfter = res.RetryAfter
		dec.EventIDs = append(dec.EventIDs, g.record(audit.EventInput{
			Type:        model.EventRateLimitExceeded,
			PrincipalID: req.PrincipalID,
			SessionID:   req.SessionID,
			Source:      model.EventSource{IP: req.SourceIP, UserAgent: req.UserAgent, Location: req.Location},
			Target:      &model.EventTarget{Resource: req.Path, Action: req.Method},
			Details: model.EventDetails{
				Description: fmt.Sprintf("request denied by rule %s (%s)", res.Rule, res.Reason),
				RiskScore:   res.RiskScore,
				Context:     map[string]string{"rule": res.Rule, "reason": res.Reason, "retry_after": res.RetryAfter.String()},
			},
			Timestamp: req.Timestamp,
		}))
		g.deny(dec.Reason)
		return dec
	}

	a := g.detector.Analyze(model.RequestContext{
		PrincipalID: req.PrincipalID,
		SessionID:   req.SessionID,
		SourceIP:    req.SourceIP,
		UserAgent:   req.UserAgent,
		Path:        req.Path,
		Method:      req.Method,
		Body:        req.Body,
		Headers:     req.Headers,
		Location:    req.Location,
		Timestamp:   req.Timestamp,
	})
	metrics.RiskScore.Observe(a.RiskScore)
	for _, ind := range a.Indicators {
		metrics.ThreatIndicators.WithLabelValues(string(ind.Type), string(ind.Severity)).Inc()
	}
	dec.RiskScore = a.RiskScore
	dec.Assessment = &a
	dec.Status = http.StatusOK
	if len(a.AutomaticActions) == 0 {
		return dec
	}

	g.suspicious.Add(1)
	metrics.RequestsSuspicious.Inc()
	eventID := g.record(threatEvent(cfg, req, a))
	dec.EventIDs = append(dec.EventIDs, eventID)
	g.execute(ctx, cfg, req, md, a, eventID, &dec)
	if !dec.Allowed {
		g.deny(dec.Reason)
	}
	return dec
}

func (g *Guard) execute(ctx context.Context, cfg *config.PipelineConfig, req Request, md ratelimit.Metadata, a model.ThreatAssessment, eventID string, dec *Decision) {
	for _, act := range a.AutomaticActions {
		switch act {
		case model.ActionBlock:
			g.refuse(dec, http.StatusForbidden, ReasonThreat, 0)
		case model.ActionTemporaryBlock:
			g.limiter.BlockIdentifier(req.SourceIP, cfg.TemporaryBlock, "volume_anomaly")
			g.refuse(dec, http.StatusForbidden, ReasonTemporaryBlock, cfg.TemporaryBlock)
		case model.ActionTerminateSessions:
			g.terminate(ctx, req, a)
		case model.ActionAlert:
			g.alert(ctx, req, a, eventID)
		case model.ActionRequireChallenge:
			if !dec.ChallengeRequired {
				dec.ChallengeRequired = true
				g.challenged.Add(1)
				metrics.ChallengesIssued.Inc()
			}
		case model.ActionAggressiveLimit, model.ActionModerateLimit:
			rule := cfg.ModerateRule
			if act == model.ActionAggressiveLimit {
				rule = cfg.AggressiveRule
			}
			if rule == "" {
				continue
			}
			res := g.limiter.Check(req.SourceIP, rule, md)
			metrics.RateLimitDecisions.WithLabelValues(res.Rule, outcome(res.Allowed)).Inc()
			if !res.Allowed {
				g.refuse(dec, http.StatusTooManyRequests, res.Reason, res.RetryAfter)
			} else if res.Remaining < dec.Remaining {
				dec.Rule, dec.Limit, dec.Remaining, dec.ResetTime = res.Rule, res.Limit, res.Remaining, res.ResetTime
			}
		case model.ActionLog:
			if g.logger != nil {
				g.logger.Info("suspicious request",
					"source_ip", req.SourceIP,
					"principal_id", req.PrincipalID,
					"method", req.Method,
					"path", req.Path,
					"risk_score", a.RiskScore,
					"event_id", eventID,
				)
			}
		}
	}
}

// refuse denies the request; the first reason wins.
func (g *Guard) refuse(dec *Decision, status int, reason string, retryAfter time.Duration) {
	if !dec.Allowed {
		return
	}
	dec.Allowed = false
	dec.Status = status
	dec.Reason = reason
	dec.RetryAfter = retryAfter
}

func (g *Guard) deny(reason string) {
	g.blocked.Add(1)
	metrics.RequestsBlocked.WithLabelValues(reason).Inc()
}

func (g *Guard) terminate(ctx context.Context, req Request, a model.ThreatAssessment) {
	if req.PrincipalID == "" {
		return
	}
	reason := fmt.Sprintf("risk score %.2f", a.RiskScore)
	if g.sessions != nil {
		if err := g.sessions.TerminateSessions(ctx, req.PrincipalID, reason); err != nil {
			if g.logger != nil {
				g.logger.Warn("session termination failed", "principal_id", req.PrincipalID, "error", err)
			}
			return
		}
	}
	g.record(audit.EventInput{
		Type:        model.EventSessionTerminated,
		PrincipalID: req.PrincipalID,
		SessionID:   req.SessionID,
		Source:      model.EventSource{IP: req.SourceIP, UserAgent: req.UserAgent, Location: req.Location},
		Details:     model.EventDetails{Description: "all sessions terminated: " + reason, RiskScore: a.RiskScore},
		Timestamp:   req.Timestamp,
	})
}

func (g *Guard) alert(ctx context.Context, req Request, a model.ThreatAssessment, eventID string) {
	if g.alerter == nil {
		return
	}
	sev := a.MaxSeverity()
	if !sev.AtLeast(model.SeverityHigh) {
		sev = model.SeverityHigh
	}
	err := g.alerter.Alert(ctx, model.Alert{
		ID:          uuid.NewString(),
		Timestamp:   g.now(),
		Severity:    sev,
		AlertType:   "threat_assessment",
		Message:     fmt.Sprintf("risk score %.2f for %s %s", a.RiskScore, req.Method, req.Path),
		PrincipalID: req.PrincipalID,
		SourceIP:    req.SourceIP,
		EventID:     eventID,
		Score:       a.RiskScore,
		Context:     map[string]string{"recommendations": strings.Join(a.Recommendations, "; ")},
	})
	if err != nil {
		metrics.AlertsSent.WithLabelValues("error").Inc()
		if g.logger != nil {
			g.logger.Warn("alert delivery failed", "source_ip", req.SourceIP, "error", err)
		}
		return
	}
	metrics.AlertsSent.WithLabelValues("ok").Inc()
}

func (g *Guard) record(in audit.EventInput) string {
	if g.recorder == nil {
		return ""
	}
	return g.recorder.Record(in)
}

func (g *Guard) Stats() Stats {
	return Stats{
		Total:      g.total.Load(),
		Blocked:    g.blocked.Load(),
		Suspicious: g.suspicious.Load(),
		Challenged: g.challenged.Load(),
	}
}

func threatEvent(cfg *config.PipelineConfig, req Request, a model.ThreatAssessment) audit.EventInput {
	typ := model.EventSuspiciousActivity
	if a.RiskScore >= cfg.HighRiskEventAt {
		typ = model.EventIntrusionDetected
	}
	evidence := make([]string, 0, len(a.Indicators))
	for _, ind := range a.Indicators {
		evidence = append(evidence, ind.Evidence)
	}
	actions := make([]string, 0, len(a.AutomaticActions))
	for _, act := range a.AutomaticActions {
		actions = append(actions, string(act))
	}
	return audit.EventInput{
		Type:        typ,
		PrincipalID: req.PrincipalID,
		SessionID:   req.SessionID,
		Source:      model.EventSource{IP: req.SourceIP, UserAgent: req.UserAgent, Location: req.Location},
		Target:      &model.EventTarget{Resource: req.Path, Action: req.Method},
		Details: model.EventDetails{
			Description: strings.Join(evidence, "; "),
			RiskScore:   a.RiskScore,
			Context: map[string]string{
				"actions":       strings.Join(actions, ","),
				"manual_review": fmt.Sprint(a.RequiresManualReview),
			},
		},
		Timestamp: req.Timestamp,
	}
}

func outcome(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}
