package storage

import (
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteTime is fixed width so text comparison orders chronologically.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

var sqliteDialect = dialect{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS security_events (
			id TEXT PRIMARY KEY,
			ts TEXT NOT NULL,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			principal_id TEXT,
			source_ip TEXT,
			incident_id TEXT,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_security_events_ts ON security_events(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_security_events_principal ON security_events(principal_id, ts)`,
		`CREATE TABLE IF NOT EXISTS security_incidents (
			id TEXT PRIMARY KEY,
			first_seen TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			category TEXT,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_security_incidents_status ON security_incidents(status)`,
	},
	encodeTime: func(t time.Time) any { return t.UTC().Format(sqliteTime) },
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:fantasyguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers; one connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	return &baseStore{db: db, d: sqliteDialect}, nil
}
