package model

import "time"

type IndicatorType string

const (
	IndicatorBehavioral IndicatorType = "behavioral"
	IndicatorPattern    IndicatorType = "pattern"
	IndicatorVolume     IndicatorType = "volume"
	IndicatorGeographic IndicatorType = "geographic"
	IndicatorTemporal   IndicatorType = "temporal"
)

type ThreatIndicator struct {
	Type      IndicatorType `json:"type"`
	Severity  Severity      `json:"severity"`
	Score     float64       `json:"score"`
	Evidence  string        `json:"evidence"`
	Timestamp time.Time     `json:"timestamp"`
}

// Action is a side effect the caller should carry out for a request.
type Action string

const (
	ActionBlock             Action = "block_request"
	ActionTemporaryBlock    Action = "temporary_block_source"
	ActionTerminateSessions Action = "terminate_sessions"
	ActionAlert             Action = "alert"
	ActionRequireChallenge  Action = "require_challenge"
	ActionAggressiveLimit   Action = "aggressive_rate_limit"
	ActionModerateLimit     Action = "moderate_rate_limit"
	ActionLog               Action = "log"
)

type ThreatAssessment struct {
	RiskScore            float64           `json:"risk_score"`
	Indicators           []ThreatIndicator `json:"indicators"`
	Recommendations      []string          `json:"recommendations"`
	AutomaticActions     []Action          `json:"automatic_actions"`
	RequiresManualReview bool              `json:"requires_manual_review"`
}

func (a ThreatAssessment) Has(action Action) bool {
	for _, act := range a.AutomaticActions {
		if act == action {
			return true
		}
	}
	return false
}

// MaxSeverity returns the highest indicator severity, or "" with no indicators.
func (a ThreatAssessment) MaxSeverity() Severity {
	var out Severity
	for _, ind := range a.Indicators {
		out = MaxSeverity(out, ind.Severity)
	}
	return out
}

// RequestContext is everything the detector sees about one inbound request.
type RequestContext struct {
	PrincipalID string
	SessionID   string
	SourceIP    string
	UserAgent   string
	Path        string
	Method      string
	Body        []byte
	Headers     map[string]string
	Location    string
	Timestamp   time.Time
}
