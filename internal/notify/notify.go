// Package notify delivers alerts and session-termination requests to the
// subsystems that own them.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"fantasyguard/internal/model"
)

type Alerter interface {
	Alert(ctx context.Context, a model.Alert) error
}

// Log writes alerts and termination requests to the structured log. It is
// the fallback when no broker is configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Alert(_ context.Context, a model.Alert) error {
	if l.logger == nil {
		return nil
	}
	l.logger.Warn("security alert",
		"alert_id", a.ID,
		"alert_type", a.AlertType,
		"severity", a.Severity,
		"message", a.Message,
		"principal_id", a.PrincipalID,
		"source_ip", a.SourceIP,
		"event_id", a.EventID,
		"incident_id", a.IncidentID,
		"score", a.Score,
	)
	return nil
}

func (l *Log) TerminateSessions(_ context.Context, principalID, reason string) error {
	if l.logger != nil {
		l.logger.Warn("session termination requested", "principal_id", principalID, "reason", reason)
	}
	return nil
}

// Multi fans an alert out to every registered alerter and joins the errors.
type Multi []Alerter

func (m Multi) Alert(ctx context.Context, a model.Alert) error {
	var errs []error
	for _, al := range m {
		if err := al.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
