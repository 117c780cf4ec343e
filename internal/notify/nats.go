package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"fantasyguard/internal/config"
	"fantasyguard/internal/model"
)

type publisher interface {
	Publish(subject string, data []byte) error
}

// SessionTermination is the message the authentication subsystem consumes.
type SessionTermination struct {
	PrincipalID string    `json:"principal_id"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// NATS publishes alerts and session-termination requests on configured
// subjects.
type NATS struct {
	conn           publisher
	nc             *nats.Conn
	alertSubject   string
	sessionSubject string
	logger         *slog.Logger
}

func ConnectNATS(cfg config.NATSConfig, logger *slog.Logger) (*NATS, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("fantasyguard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if logger != nil && err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if logger != nil {
				logger.Info("nats reconnected", "url", c.ConnectedUrl())
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	n := newNATS(nc, cfg, logger)
	n.nc = nc
	return n, nil
}

func newNATS(conn publisher, cfg config.NATSConfig, logger *slog.Logger) *NATS {
	return &NATS{
		conn:           conn,
		alertSubject:   cfg.AlertSubject,
		sessionSubject: cfg.SessionSubject,
		logger:         logger,
	}
}

func (n *NATS) Alert(_ context.Context, a model.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	subject := n.alertSubject + "." + string(a.Severity)
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

func (n *NATS) TerminateSessions(_ context.Context, principalID, reason string) error {
	data, err := json.Marshal(SessionTermination{
		PrincipalID: principalID,
		Reason:      reason,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.sessionSubject, data); err != nil {
		return fmt.Errorf("publish session termination: %w", err)
	}
	if n.logger != nil {
		n.logger.Info("session termination requested", "principal_id", principalID, "subject", n.sessionSubject)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (n *NATS) Close() error {
	if n.nc == nil {
		return nil
	}
	return n.nc.Drain()
}
