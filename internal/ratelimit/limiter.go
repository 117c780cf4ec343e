package ratelimit

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"fantasyguard/internal/config"
	"fantasyguard/internal/store"
)

const (
	maxBackoffMultiplier = 16
	manualViolationCount = 999
)

type Rule struct {
	Name           string
	Window         time.Duration
	MaxRequests    int
	BlockDuration  time.Duration
	SkipSuccessful bool
}

type Entry struct {
	Count          int       `json:"count"`
	WindowResetAt  time.Time `json:"window_reset_at"`
	BlockedUntil   time.Time `json:"blocked_until,omitempty"`
	ViolationCount int       `json:"violation_count"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
	Reason         string    `json:"reason,omitempty"`
}

func (e *Entry) blocked(now time.Time) bool {
	return !e.BlockedUntil.IsZero() && now.Before(e.BlockedUntil)
}

// Metadata carries the request attributes the risk score looks at. Extra is
// kept for caller-specific fields the scoring rules do not know about.
type Metadata struct {
	UserAgent string
	Path      string
	Country   string
	Extra     map[string]string
}

type Result struct {
	Allowed    bool          `json:"allowed"`
	Rule       string        `json:"rule"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetTime  time.Time     `json:"reset_time"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	RiskScore  float64       `json:"risk_score"`
	Reason     string        `json:"reason,omitempty"`
}

const (
	ReasonRateLimited = "rate_limited"
	ReasonBlocked     = "blocked"
	ReasonManualBlock = "manual_block"
	ReasonFailOpen    = "fail_open"
)

type Stats struct {
	Entries int `json:"entries"`
	Blocks  int `json:"blocks"`
}

type Limiter struct {
	logger  *slog.Logger
	cfg     atomic.Value
	entries *store.Sharded[Entry]
	blocks  *store.Sharded[Entry]
	now     func() time.Time
}

type Option func(*Limiter)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(cfg config.RateLimitConfig, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		logger:  logger,
		entries: store.NewSharded[Entry](0),
		blocks:  store.NewSharded[Entry](0),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	l.UpdateConfig(cfg)
	return l
}

func (l *Limiter) UpdateConfig(cfg config.RateLimitConfig) {
	l.cfg.Store(&cfg)
}

func (l *Limiter) config() *config.RateLimitConfig {
	if v := l.cfg.Load(); v != nil {
		return v.(*config.RateLimitConfig)
	}
	def := config.DefaultConfig().RateLimit
	return &def
}

// Rule resolves ruleKey, falling back to the default rule for unknown keys.
func (l *Limiter) Rule(ruleKey string) Rule {
	cfg := l.config()
	rc, ok := cfg.Rules[ruleKey]
	if !ok {
		ruleKey = cfg.DefaultRule
		rc, ok = cfg.Rules[ruleKey]
	}
	if !ok {
		def := config.DefaultConfig().RateLimit
		ruleKey = def.DefaultRule
		rc = def.Rules[ruleKey]
	}
	return Rule{
		Name:           ruleKey,
		Window:         rc.Window,
		MaxRequests:    rc.MaxRequests,
		BlockDuration:  rc.BlockDuration,
		SkipSuccessful: rc.SkipSuccessful,
	}
}

// Check counts one request from identifier against ruleKey. Internal faults
// fail open: the request is allowed and the fault is logged.
func (l *Limiter) Check(identifier, ruleKey string, md Metadata) (res Result) {
	var rule Rule
	defer func() {
		if r := recover(); r != nil {
			if l.logger != nil {
				l.logger.Error("rate limit check failed, allowing request",
					"identifier", identifier,
					"rule", ruleKey,
					"err", fmt.Sprint(r),
				)
			}
			res = Result{Allowed: true, Rule: rule.Name, Limit: rule.MaxRequests, Remaining: rule.MaxRequests, Reason: ReasonFailOpen}
		}
	}()
	rule = l.Rule(ruleKey)
	now := l.now()
	cfg := l.config()

	if until, ok := l.manualBlock(identifier, now); ok {
		return Result{
			Allowed:    false,
			Rule:       rule.Name,
			Limit:      rule.MaxRequests,
			Remaining:  0,
			ResetTime:  until,
			RetryAfter: until.Sub(now),
			RiskScore:  1.0,
			Reason:     ReasonManualBlock,
		}
	}

	key := entryKey(rule.Name, identifier)
	l.entries.Update(key, func() Entry {
		return Entry{WindowResetAt: now.Add(rule.Window), FirstSeenAt: now}
	}, func(e *Entry) {
		e.LastSeenAt = now
		res = Result{Rule: rule.Name, Limit: rule.MaxRequests}
		if e.blocked(now) {
			res.Allowed = false
			res.Reason = ReasonBlocked
			res.ResetTime = e.BlockedUntil
			res.RetryAfter = e.BlockedUntil.Sub(now)
			res.RiskScore = riskScore(cfg.Risk, rule, e, md, now)
			return
		}
		if !now.Before(e.WindowResetAt) {
			e.Count = 0
			e.WindowResetAt = advanceWindow(e.WindowResetAt, rule.Window, now)
			e.BlockedUntil = time.Time{}
		}
		e.Count++
		res.ResetTime = e.WindowResetAt
		if e.Count > rule.MaxRequests {
			e.ViolationCount++
			e.BlockedUntil = now.Add(blockDuration(rule.BlockDuration, e.ViolationCount))
			res.Allowed = false
			res.Reason = ReasonRateLimited
			res.RetryAfter = e.BlockedUntil.Sub(now)
			if res.RetryAfter <= 0 {
				res.RetryAfter = e.WindowResetAt.Sub(now)
			} else {
				res.ResetTime = e.BlockedUntil
			}
		} else {
			res.Allowed = true
			res.Remaining = rule.MaxRequests - e.Count
		}
		res.RiskScore = riskScore(cfg.Risk, rule, e, md, now)
	})

	if !res.Allowed && res.Reason == ReasonRateLimited && l.logger != nil {
		l.logger.Warn("rate limit exceeded",
			"identifier", identifier,
			"rule", rule.Name,
			"retry_after", res.RetryAfter.String(),
			"risk_score", res.RiskScore,
		)
	}
	return res
}

// Refund returns one request to identifier's quota for rules that skip
// successful requests. The caller invokes it once the response succeeded.
func (l *Limiter) Refund(identifier, ruleKey string) {
	rule := l.Rule(ruleKey)
	if !rule.SkipSuccessful {
		return
	}
	now := l.now()
	l.entries.View(entryKey(rule.Name, identifier), func(e *Entry) {
		if e.Count > 0 && !e.blocked(now) && now.Before(e.WindowResetAt) {
			e.Count--
		}
	})
}

// BlockIdentifier places identifier on the emergency block list. The
// synthetic entry carries a pinned violation count so it scores as a repeat
// offender for the whole block.
func (l *Limiter) BlockIdentifier(identifier string, duration time.Duration, reason string) {
	if identifier == "" || duration <= 0 {
		return
	}
	now := l.now()
	until := now.Add(duration)
	l.blocks.Update(identifier, func() Entry {
		return Entry{FirstSeenAt: now}
	}, func(e *Entry) {
		e.LastSeenAt = now
		e.ViolationCount = manualViolationCount
		e.WindowResetAt = until
		e.Reason = reason
		if until.After(e.BlockedUntil) {
			e.BlockedUntil = until
		}
	})
	if l.logger != nil {
		l.logger.Warn("identifier blocked",
			"identifier", identifier,
			"duration", duration.String(),
			"reason", reason,
		)
	}
}

// Unblock clears the emergency block and any rule blocks for identifier.
func (l *Limiter) Unblock(identifier string) {
	l.blocks.Delete(identifier)
	for name := range l.config().Rules {
		l.entries.View(entryKey(name, identifier), func(e *Entry) {
			e.BlockedUntil = time.Time{}
			e.Count = 0
		})
	}
}

// IsBlocked reports whether identifier is on the emergency block list or
// blocked under any configured rule.
func (l *Limiter) IsBlocked(identifier string) bool {
	if identifier == "" {
		return false
	}
	now := l.now()
	if _, ok := l.manualBlock(identifier, now); ok {
		return true
	}
	for name := range l.config().Rules {
		blocked := false
		l.entries.View(entryKey(name, identifier), func(e *Entry) {
			blocked = e.blocked(now)
		})
		if blocked {
			return true
		}
	}
	return false
}

// Blocks lists the identifiers currently on the emergency block list.
func (l *Limiter) Blocks() map[string]Entry {
	now := l.now()
	out := make(map[string]Entry)
	l.blocks.Sweep(func(key string, e *Entry) bool {
		if e.blocked(now) {
			out[key] = *e
		}
		return false
	})
	return out
}

func (l *Limiter) Entry(identifier, ruleKey string) (Entry, bool) {
	var out Entry
	ok := l.entries.View(entryKey(l.Rule(ruleKey).Name, identifier), func(e *Entry) { out = *e })
	return out, ok
}

// SweepEntries deletes entries whose window has elapsed and which are not blocked.
func (l *Limiter) SweepEntries() int {
	now := l.now()
	return l.entries.Sweep(func(_ string, e *Entry) bool {
		return !now.Before(e.WindowResetAt) && !e.blocked(now)
	})
}

// SweepBlocks deletes expired emergency blocks.
func (l *Limiter) SweepBlocks() int {
	now := l.now()
	return l.blocks.Sweep(func(_ string, e *Entry) bool {
		return !e.blocked(now)
	})
}

func (l *Limiter) Stats() Stats {
	return Stats{Entries: l.entries.Len(), Blocks: l.blocks.Len()}
}

func (l *Limiter) Reset() {
	l.entries.Clear()
	l.blocks.Clear()
}

func (l *Limiter) manualBlock(identifier string, now time.Time) (time.Time, bool) {
	var until time.Time
	var blocked bool
	l.blocks.View(identifier, func(e *Entry) {
		if e.blocked(now) {
			until = e.BlockedUntil
			blocked = true
		}
	})
	return until, blocked
}

func entryKey(rule, identifier string) string {
	return rule + ":" + identifier
}

// advanceWindow moves resetAt forward in whole windows until it is after now.
func advanceWindow(resetAt time.Time, window time.Duration, now time.Time) time.Time {
	if window <= 0 {
		return now
	}
	if resetAt.IsZero() || now.Sub(resetAt) > 1000*window {
		return now.Add(window)
	}
	for !resetAt.After(now) {
		resetAt = resetAt.Add(window)
	}
	return resetAt
}

func blockDuration(base time.Duration, violations int) time.Duration {
	if violations < 1 {
		violations = 1
	}
	mult := maxBackoffMultiplier
	if violations-1 < 4 {
		mult = 1 << (violations - 1)
	}
	return base * time.Duration(mult)
}

func riskScore(cfg config.LimiterRiskConfig, rule Rule, e *Entry, md Metadata, now time.Time) float64 {
	score := 0.0

	windowStart := e.WindowResetAt.Add(-rule.Window)
	elapsed := now.Sub(windowStart).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	rate := float64(e.Count) / elapsed
	switch {
	case rate > 10:
		score += 0.3
	case rate > 5:
		score += 0.2
	case rate > 2:
		score += 0.1
	}

	switch {
	case e.ViolationCount > 5:
		score += 0.4
	case e.ViolationCount > 2:
		score += 0.2
	case e.ViolationCount > 0:
		score += 0.1
	}

	if md.UserAgent != "" && containsAny(strings.ToLower(md.UserAgent), cfg.BadUserAgents) {
		score += cfg.BadUserAgentScore
	}
	if md.Path != "" && containsAny(strings.ToLower(md.Path), cfg.SensitivePaths) {
		score += cfg.SensitivePathScore
	}
	if md.Country != "" {
		for _, c := range cfg.HighRiskCountries {
			if strings.EqualFold(c, md.Country) {
				score += cfg.CountryScore
				break
			}
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(s, strings.ToLower(n)) {
			return true
		}
	}
	return false
}
