package detection

import (
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"fantasyguard/internal/config"
	"fantasyguard/internal/model"
	"fantasyguard/internal/store"
)

// BlockList answers whether a source is currently blocked.
type BlockList interface {
	IsBlocked(identifier string) bool
}

type Stats struct {
	Profiles       int `json:"profiles"`
	VolumeCounters int `json:"volume_counters"`
}

type Detector struct {
	logger   *slog.Logger
	cfg      atomic.Value
	blocks   BlockList
	profiles *store.Sharded[Profile]
	volume   *volumeTracker
	now      func() time.Time
}

type Option func(*Detector)

func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

func New(cfg config.DetectionConfig, blocks BlockList, logger *slog.Logger, opts ...Option) *Detector {
	d := &Detector{
		logger:   logger,
		blocks:   blocks,
		profiles: store.NewSharded[Profile](0),
		volume:   newVolumeTracker(cfg.VolumeWindow),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	d.UpdateConfig(cfg)
	return d
}

func (d *Detector) UpdateConfig(cfg config.DetectionConfig) {
	d.cfg.Store(&cfg)
}

func (d *Detector) config() *config.DetectionConfig {
	if v := d.cfg.Load(); v != nil {
		return v.(*config.DetectionConfig)
	}
	def := config.DefaultConfig().Detection
	return &def
}

// Analyze scores one request. Each step contributes weight×min(1, Σ indicator
// scores) and the total is capped at 1.
func (d *Detector) Analyze(rc model.RequestContext) model.ThreatAssessment {
	cfg := d.config()
	now := rc.Timestamp
	if now.IsZero() {
		now = d.now()
	}
	now = now.UTC()

	if d.blocks != nil && d.blocks.IsBlocked(rc.SourceIP) {
		a := model.ThreatAssessment{
			RiskScore: 1.0,
			Indicators: []model.ThreatIndicator{{
				Type:      model.IndicatorPattern,
				Severity:  model.SeverityCritical,
				Score:     1.0,
				Evidence:  "source address is on the block list: " + rc.SourceIP,
				Timestamp: now,
			}},
		}
		d.plan(cfg, &a)
		return a
	}

	var indicators []model.ThreatIndicator
	score := 0.0

	pattern := d.patternIndicators(cfg, rc, now)
	score += cfg.Weights.Pattern * sumScores(pattern)
	indicators = append(indicators, pattern...)

	if rc.PrincipalID != "" {
		behavioral := d.behavioralIndicators(cfg, rc, now)
		score += cfg.Weights.Behavioral * sumScores(behavioral)
		indicators = append(indicators, behavioral...)
	}

	volume := d.volumeIndicators(cfg, rc, now)
	score += cfg.Weights.Volume * sumScores(volume)
	indicators = append(indicators, volume...)

	if score > 1 {
		score = 1
	}
	a := model.ThreatAssessment{RiskScore: score, Indicators: indicators}
	d.plan(cfg, &a)
	if len(indicators) > 0 && d.logger != nil {
		d.logger.Debug("threat indicators",
			"source_ip", rc.SourceIP,
			"principal_id", rc.PrincipalID,
			"path", rc.Path,
			"indicators", len(indicators),
			"risk_score", a.RiskScore,
		)
	}
	return a
}

func (d *Detector) patternIndicators(cfg *config.DetectionConfig, rc model.RequestContext, now time.Time) []model.ThreatIndicator {
	var out []model.ThreatIndicator
	haystack := buildHaystack(rc)
	for _, fam := range signatureFamilies {
		if frag, ok := fam.match(haystack); ok {
			out = append(out, model.ThreatIndicator{
				Type:      model.IndicatorPattern,
				Severity:  fam.severity,
				Score:     fam.score,
				Evidence:  fmt.Sprintf("%s signature matched: %q", fam.name, truncate(frag, 64)),
				Timestamp: now,
			})
		}
	}
	if ua := strings.ToLower(rc.UserAgent); ua != "" {
		for _, bad := range cfg.BadUserAgents {
			if bad != "" && strings.Contains(ua, strings.ToLower(bad)) {
				out = append(out, model.ThreatIndicator{
					Type:      model.IndicatorPattern,
					Severity:  model.SeverityMedium,
					Score:     0.5,
					Evidence:  "known malicious user agent: " + bad,
					Timestamp: now,
				})
				break
			}
		}
	}
	if len(rc.Body) > 0 && isJSONContent(rc.Headers) && !json.Valid(rc.Body) {
		out = append(out, model.ThreatIndicator{
			Type:      model.IndicatorPattern,
			Severity:  model.SeverityMedium,
			Score:     0.5,
			Evidence:  "malformed_body: request body is not valid JSON",
			Timestamp: now,
		})
	}
	return out
}

func (d *Detector) behavioralIndicators(cfg *config.DetectionConfig, rc model.RequestContext, now time.Time) []model.ThreatIndicator {
	var out []model.ThreatIndicator
	act := Activity{
		Timestamp: now,
		IP:        rc.SourceIP,
		UserAgent: rc.UserAgent,
		Location:  rc.Location,
		Method:    rc.Method,
		Path:      stripQuery(rc.Path),
	}
	d.profiles.Update(rc.PrincipalID, func() Profile {
		return newProfile(rc.PrincipalID, now)
	}, func(p *Profile) {
		if p.Observations > 0 {
			if !p.hourKnown(now.Hour(), cfg.HourTolerance) {
				out = append(out, indicator(model.IndicatorTemporal, model.SeverityLow, 0.2,
					fmt.Sprintf("activity at unusual hour %02d:00 UTC", now.Hour()), now))
				p.RiskFactors["unusual_hour"]++
			}
			if rc.SourceIP != "" && !contains(p.KnownAddresses, rc.SourceIP) {
				out = append(out, indicator(model.IndicatorBehavioral, model.SeverityMedium, 0.4,
					"new source address "+rc.SourceIP, now))
				p.RiskFactors["new_address"]++
			}
			if rc.Location != "" && !contains(p.KnownLocations, rc.Location) {
				out = append(out, indicator(model.IndicatorGeographic, model.SeverityHigh, 0.7,
					"new location "+rc.Location, now))
				p.RiskFactors["new_location"]++
			}
			if rc.UserAgent != "" && !contains(p.KnownUserAgents, rc.UserAgent) {
				out = append(out, indicator(model.IndicatorBehavioral, model.SeverityLow, 0.3,
					"new user agent "+truncate(rc.UserAgent, 80), now))
				p.RiskFactors["new_user_agent"]++
			}
		}
		p.observe(act, cfg.Profile)
	})
	return out
}

func (d *Detector) volumeIndicators(cfg *config.DetectionConfig, rc model.RequestContext, now time.Time) []model.ThreatIndicator {
	key := rc.SourceIP + "|" + strings.ToUpper(rc.Method) + "|" + stripQuery(rc.Path)
	n := d.volume.hit(key, now, cfg.VolumeWindow)
	switch {
	case n > cfg.VolumeHigh:
		return []model.ThreatIndicator{indicator(model.IndicatorVolume, model.SeverityHigh, 0.8,
			fmt.Sprintf("%d requests to %s %s within %s", n, rc.Method, stripQuery(rc.Path), cfg.VolumeWindow), now)}
	case n > cfg.VolumeMedium:
		return []model.ThreatIndicator{indicator(model.IndicatorVolume, model.SeverityMedium, 0.5,
			fmt.Sprintf("%d requests to %s %s within %s", n, rc.Method, stripQuery(rc.Path), cfg.VolumeWindow), now)}
	}
	return nil
}

func (d *Detector) plan(cfg *config.DetectionConfig, a *model.ThreatAssessment) {
	t := cfg.Thresholds
	add := func(act model.Action, rec string) {
		if !a.Has(act) {
			a.AutomaticActions = append(a.AutomaticActions, act)
			a.Recommendations = append(a.Recommendations, rec)
		}
	}
	switch {
	case a.RiskScore >= t.Block:
		add(model.ActionBlock, "block the request immediately")
		add(model.ActionTerminateSessions, "terminate all sessions for the principal")
		add(model.ActionAlert, "alert the security team")
	case a.RiskScore >= t.Challenge:
		add(model.ActionRequireChallenge, "require an additional authentication challenge")
		add(model.ActionAggressiveLimit, "apply aggressive rate limiting")
		add(model.ActionAlert, "alert the security team")
	case a.RiskScore >= t.Moderate:
		add(model.ActionModerateLimit, "apply moderate rate limiting")
		add(model.ActionLog, "log for review")
	case a.RiskScore >= t.Log:
		add(model.ActionLog, "log for review")
	}
	for _, ind := range a.Indicators {
		if !ind.Severity.AtLeast(model.SeverityHigh) {
			continue
		}
		switch ind.Type {
		case model.IndicatorPattern:
			add(model.ActionBlock, "block request carrying a high-severity signature")
		case model.IndicatorVolume:
			add(model.ActionTemporaryBlock, "temporarily block the source address")
		case model.IndicatorGeographic:
			add(model.ActionRequireChallenge, "challenge login from an unfamiliar location")
		}
	}
	a.RequiresManualReview = a.RiskScore > cfg.ManualReviewScore || a.MaxSeverity() == model.SeverityCritical
}

// Profile returns a snapshot of the principal's behavioral baseline.
func (d *Detector) Profile(principalID string) (Profile, bool) {
	var out Profile
	ok := d.profiles.View(principalID, func(p *Profile) { out = p.clone() })
	return out, ok
}

// PruneProfiles drops activity records older than the retention period.
// Profiles themselves are kept.
func (d *Detector) PruneProfiles() int {
	cutoff := d.now().Add(-d.config().Profile.ActivityRetention)
	pruned := 0
	d.profiles.Sweep(func(_ string, p *Profile) bool {
		pruned += p.pruneActivity(cutoff)
		return false
	})
	return pruned
}

// SweepVolume drops idle volume counters.
func (d *Detector) SweepVolume() int {
	return d.volume.sweep(d.now())
}

func (d *Detector) Stats() Stats {
	return Stats{Profiles: d.profiles.Len(), VolumeCounters: d.volume.len()}
}

func (d *Detector) Reset() {
	d.profiles.Clear()
	d.volume.windows.Clear()
}

func indicator(typ model.IndicatorType, sev model.Severity, score float64, evidence string, now time.Time) model.ThreatIndicator {
	return model.ThreatIndicator{Type: typ, Severity: sev, Score: score, Evidence: evidence, Timestamp: now}
}

func sumScores(list []model.ThreatIndicator) float64 {
	s := 0.0
	for _, ind := range list {
		s += ind.Score
	}
	if s > 1 {
		s = 1
	}
	return s
}

// buildHaystack joins the decoded path, the raw body and the headers in a
// stable order so signatures see everything the request carries.
func buildHaystack(rc model.RequestContext) string {
	var b strings.Builder
	b.WriteString(rc.Path)
	if decoded, err := url.QueryUnescape(rc.Path); err == nil && decoded != rc.Path {
		b.WriteByte('\n')
		b.WriteString(decoded)
	}
	if len(rc.Body) > 0 {
		b.WriteByte('\n')
		b.Write(rc.Body)
	}
	if len(rc.Headers) > 0 {
		keys := make([]string, 0, len(rc.Headers))
		for k := range rc.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteByte('\n')
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(rc.Headers[k])
		}
	}
	return b.String()
}

func isJSONContent(headers map[string]string) bool {
	for k, v := range headers {
		if strings.EqualFold(k, "Content-Type") {
			return strings.Contains(strings.ToLower(v), "json")
		}
	}
	return false
}

func stripQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
