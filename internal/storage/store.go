// Package storage archives security events and incidents in SQL databases.
// The in-memory correlator remains the source of truth; the archive keeps
// history beyond the retention window.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"fantasyguard/internal/config"
	"fantasyguard/internal/model"
)

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

type Store interface {
	Init(ctx context.Context) error
	Close() error
	WriteEvent(ctx context.Context, ev model.SecurityEvent) error
	WriteIncident(ctx context.Context, inc model.SecurityIncident) error
	EventsSince(ctx context.Context, since time.Time, limit int) ([]model.SecurityEvent, error)
	Incident(ctx context.Context, id string) (model.SecurityIncident, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

// dialect captures what differs between the supported databases.
type dialect struct {
	schema     []string
	numbered   bool
	encodeTime func(time.Time) any
}

type baseStore struct {
	db *sql.DB
	d  dialect
}

func (b *baseStore) Init(ctx context.Context) error {
	for _, stmt := range b.d.schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// rebind rewrites ? placeholders to $n for drivers that need numbered ones.
func (b *baseStore) rebind(query string) string {
	if !b.d.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

func (b *baseStore) WriteEvent(ctx context.Context, ev model.SecurityEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO security_events (id, ts, event_type, severity, principal_id, source_ip, incident_id, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET severity = excluded.severity, incident_id = excluded.incident_id, payload = excluded.payload`),
		ev.ID,
		b.d.encodeTime(ev.Timestamp),
		string(ev.EventType),
		string(ev.Severity),
		ev.PrincipalID,
		ev.Source.IP,
		ev.Correlation.IncidentID,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("write event %s: %w", ev.ID, err)
	}
	return nil
}

func (b *baseStore) WriteIncident(ctx context.Context, inc model.SecurityIncident) error {
	payload, err := json.Marshal(inc)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO security_incidents (id, first_seen, updated_at, severity, status, category, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET updated_at = excluded.updated_at, severity = excluded.severity,
			status = excluded.status, payload = excluded.payload`),
		inc.ID,
		b.d.encodeTime(inc.FirstSeen),
		b.d.encodeTime(inc.UpdatedAt),
		string(inc.Severity),
		string(inc.Status),
		inc.ThreatCategory,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("write incident %s: %w", inc.ID, err)
	}
	return nil
}

// EventsSince returns archived events at or after since, oldest first.
func (b *baseStore) EventsSince(ctx context.Context, since time.Time, limit int) ([]model.SecurityEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(
		`SELECT payload FROM security_events WHERE ts >= ? ORDER BY ts ASC LIMIT ?`),
		b.d.encodeTime(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SecurityEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev model.SecurityEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("decode archived event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (b *baseStore) Incident(ctx context.Context, id string) (model.SecurityIncident, error) {
	var payload string
	err := b.db.QueryRowContext(ctx, b.rebind(`SELECT payload FROM security_incidents WHERE id = ?`), id).Scan(&payload)
	if err != nil {
		return model.SecurityIncident{}, err
	}
	var inc model.SecurityIncident
	if err := json.Unmarshal([]byte(payload), &inc); err != nil {
		return model.SecurityIncident{}, fmt.Errorf("decode archived incident: %w", err)
	}
	return inc, nil
}
