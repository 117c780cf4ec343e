package storage

import (
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS security_events (
			id TEXT PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			principal_id TEXT,
			source_ip TEXT,
			incident_id TEXT,
			payload JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_security_events_ts ON security_events(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_security_events_principal ON security_events(principal_id, ts)`,
		`CREATE TABLE IF NOT EXISTS security_incidents (
			id TEXT PRIMARY KEY,
			first_seen TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			category TEXT,
			payload JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_security_incidents_status ON security_incidents(status)`,
	},
	numbered:   true,
	encodeTime: func(t time.Time) any { return t.UTC() },
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/fantasyguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &baseStore{db: db, d: postgresDialect}, nil
}
