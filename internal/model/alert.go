package model

import "time"

// Alert is handed to the notification subsystem.
type Alert struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	Severity    Severity          `json:"severity"`
	AlertType   string            `json:"alert_type"`
	Message     string            `json:"message"`
	PrincipalID string            `json:"principal_id,omitempty"`
	SourceIP    string            `json:"source_ip,omitempty"`
	EventID     string            `json:"event_id,omitempty"`
	IncidentID  string            `json:"incident_id,omitempty"`
	Score       float64           `json:"score"`
	Context     map[string]string `json:"context,omitempty"`
}
