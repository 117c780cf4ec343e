package audit

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"fantasyguard/internal/config"
	"fantasyguard/internal/model"
)

type PatternAction string

const (
	PatternLog      PatternAction = "log"
	PatternAlert    PatternAction = "alert"
	PatternBlock    PatternAction = "block"
	PatternEscalate PatternAction = "escalate"
)

// matcher evaluates pattern conditions against event fields. Regular
// expressions are compiled once and kept in a bounded cache; expressions
// that fail to compile are cached as nil and never match.
type matcher struct {
	logger  *slog.Logger
	regexps *lru.Cache[string, *regexp.Regexp]
}

func newMatcher(size int, logger *slog.Logger) *matcher {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, *regexp.Regexp](size)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &matcher{logger: logger, regexps: cache}
}

func (m *matcher) matches(p config.PatternConfig, ev *model.SecurityEvent) bool {
	if len(p.Conditions) == 0 {
		return false
	}
	for _, c := range p.Conditions {
		if !m.holds(c, ev) {
			return false
		}
	}
	return true
}

func (m *matcher) holds(c config.ConditionConfig, ev *model.SecurityEvent) bool {
	v, ok := fieldValue(ev, c.Field)
	if !ok {
		return false
	}
	switch c.Operator {
	case "equals":
		return v == c.Value
	case "contains":
		return strings.Contains(strings.ToLower(v), strings.ToLower(c.Value))
	case "regex":
		re := m.compiled(c.Value)
		return re != nil && re.MatchString(v)
	case "gt", "lt":
		got, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return false
		}
		want, err := strconv.ParseFloat(c.Value, 64)
		if err != nil {
			return false
		}
		if c.Operator == "gt" {
			return got > want
		}
		return got < want
	}
	return false
}

func (m *matcher) compiled(expr string) *regexp.Regexp {
	if re, ok := m.regexps.Get(expr); ok {
		return re
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("invalid pattern expression", "expr", expr, "error", err)
		}
		re = nil
	}
	m.regexps.Add(expr, re)
	return re
}

// fieldValue resolves a dotted path such as "source.ip" or
// "details.metadata.record_count" to its string form.
func fieldValue(ev *model.SecurityEvent, path string) (string, bool) {
	head, rest, _ := strings.Cut(path, ".")
	switch head {
	case "id":
		return ev.ID, true
	case "event_type":
		return string(ev.EventType), true
	case "severity":
		return string(ev.Severity), true
	case "principal_id":
		return ev.PrincipalID, ev.PrincipalID != ""
	case "session_id":
		return ev.SessionID, ev.SessionID != ""
	case "source":
		switch rest {
		case "ip":
			return ev.Source.IP, ev.Source.IP != ""
		case "user_agent":
			return ev.Source.UserAgent, ev.Source.UserAgent != ""
		case "location":
			return ev.Source.Location, ev.Source.Location != ""
		}
	case "target":
		if ev.Target == nil {
			return "", false
		}
		switch rest {
		case "resource":
			return ev.Target.Resource, true
		case "action":
			return ev.Target.Action, true
		}
	case "details":
		sub, key, _ := strings.Cut(rest, ".")
		switch sub {
		case "description":
			return ev.Details.Description, true
		case "risk_score":
			return strconv.FormatFloat(ev.Details.RiskScore, 'f', -1, 64), true
		case "context":
			v, ok := ev.Details.Context[key]
			return v, ok
		case "metadata":
			v, ok := ev.Details.Metadata[key]
			return v, ok
		}
	case "correlation":
		if rest == "threat_category" {
			return ev.Correlation.ThreatCategory, ev.Correlation.ThreatCategory != ""
		}
	}
	return "", false
}
