package model

import "time"

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	return severityRank[s]
}

func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(s)
	_, ok := severityRank[sev]
	return sev, ok
}

type EventType string

const (
	EventLoginSuccess        EventType = "login_success"
	EventLoginFailure        EventType = "login_failure"
	EventLoginBlocked        EventType = "login_blocked"
	EventLogout              EventType = "logout"
	EventBruteForceAttempt   EventType = "brute_force_attempt"
	EventAccessGranted       EventType = "access_granted"
	EventAccessDenied        EventType = "access_denied"
	EventUnauthorizedAccess  EventType = "unauthorized_access"
	EventPrivilegeEscalation EventType = "privilege_escalation"
	EventRateLimitExceeded   EventType = "rate_limit_exceeded"
	EventSuspiciousActivity  EventType = "suspicious_activity"
	EventIntrusionDetected   EventType = "intrusion_detected"
	EventAccountLockout      EventType = "account_lockout"
	EventMFASuccess          EventType = "mfa_success"
	EventMFAFailure          EventType = "mfa_failure"
	EventPasswordChange      EventType = "password_change"
	EventAdminChange         EventType = "admin_change"
	EventDataExport          EventType = "data_export"
	EventSessionTerminated   EventType = "session_terminated"
)

var knownEventTypes = map[EventType]struct{}{
	EventLoginSuccess:        {},
	EventLoginFailure:        {},
	EventLoginBlocked:        {},
	EventLogout:              {},
	EventBruteForceAttempt:   {},
	EventAccessGranted:       {},
	EventAccessDenied:        {},
	EventUnauthorizedAccess:  {},
	EventPrivilegeEscalation: {},
	EventRateLimitExceeded:   {},
	EventSuspiciousActivity:  {},
	EventIntrusionDetected:   {},
	EventAccountLockout:      {},
	EventMFASuccess:          {},
	EventMFAFailure:          {},
	EventPasswordChange:      {},
	EventAdminChange:         {},
	EventDataExport:          {},
	EventSessionTerminated:   {},
}

func (t EventType) Valid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

type EventSource struct {
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent,omitempty"`
	Location  string `json:"location,omitempty"`
}

type EventTarget struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

type EventDetails struct {
	Description string            `json:"description"`
	RiskScore   float64           `json:"risk_score"`
	Context     map[string]string `json:"context,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type Correlation struct {
	IncidentID     string   `json:"incident_id,omitempty"`
	RelatedEvents  []string `json:"related_events,omitempty"`
	ThreatCategory string   `json:"threat_category,omitempty"`
}

type Compliance struct {
	PII               bool `json:"pii"`
	Financial         bool `json:"financial"`
	RequiresRetention bool `json:"requires_retention"`
}

type SecurityEvent struct {
	ID          string       `json:"id"`
	Timestamp   time.Time    `json:"timestamp"`
	EventType   EventType    `json:"event_type"`
	Severity    Severity     `json:"severity"`
	PrincipalID string       `json:"principal_id,omitempty"`
	SessionID   string       `json:"session_id,omitempty"`
	Source      EventSource  `json:"source"`
	Target      *EventTarget `json:"target,omitempty"`
	Details     EventDetails `json:"details"`
	Correlation Correlation  `json:"correlation"`
	Compliance  Compliance   `json:"compliance"`
}

// Clone returns a deep copy so callers cannot mutate stored events.
func (e SecurityEvent) Clone() SecurityEvent {
	out := e
	if e.Target != nil {
		t := *e.Target
		out.Target = &t
	}
	out.Details.Context = cloneStrings(e.Details.Context)
	out.Details.Metadata = cloneStrings(e.Details.Metadata)
	if e.Correlation.RelatedEvents != nil {
		out.Correlation.RelatedEvents = append([]string(nil), e.Correlation.RelatedEvents...)
	}
	return out
}

type IncidentStatus string

const (
	IncidentOpen          IncidentStatus = "open"
	IncidentInvestigating IncidentStatus = "investigating"
	IncidentResolved      IncidentStatus = "resolved"
	IncidentFalsePositive IncidentStatus = "false_positive"
)

// Active reports whether new events may still be attached.
func (s IncidentStatus) Active() bool {
	return s == IncidentOpen || s == IncidentInvestigating
}

type IncidentResponse struct {
	ActionsTaken []string `json:"actions_taken"`
	Notes        []string `json:"notes"`
}

type SecurityIncident struct {
	ID                 string           `json:"id"`
	Title              string           `json:"title"`
	Description        string           `json:"description"`
	Severity           Severity         `json:"severity"`
	Status             IncidentStatus   `json:"status"`
	EventIDs           []string         `json:"event_ids"`
	FirstSeen          time.Time        `json:"first_seen"`
	LastSeen           time.Time        `json:"last_seen"`
	AffectedPrincipals []string         `json:"affected_principals"`
	ThreatCategory     string           `json:"threat_category"`
	Response           IncidentResponse `json:"response"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

func (i SecurityIncident) Clone() SecurityIncident {
	out := i
	out.EventIDs = append([]string(nil), i.EventIDs...)
	out.AffectedPrincipals = append([]string(nil), i.AffectedPrincipals...)
	out.Response.ActionsTaken = append([]string(nil), i.Response.ActionsTaken...)
	out.Response.Notes = append([]string(nil), i.Response.Notes...)
	return out
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
