package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fantasyguard/internal/config"
	"fantasyguard/internal/model"
)

func newMemoryStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestNewStoreDrivers(t *testing.T) {
	s, err := NewStore(config.StorageConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = NewStore(config.StorageConfig{Enabled: true, Driver: "mongo"})
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestRebind(t *testing.T) {
	pg := &baseStore{d: postgresDialect}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))
	lite := &baseStore{d: sqliteDialect}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}

func TestEventUpsertKeepsLatestCorrelation(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ev := model.SecurityEvent{
		ID:          "ev-1",
		Timestamp:   base,
		EventType:   model.EventLoginFailure,
		Severity:    model.SeverityMedium,
		PrincipalID: "user-1",
		Source:      model.EventSource{IP: "203.0.113.7"},
		Details:     model.EventDetails{Description: "bad password", RiskScore: 0.3},
	}
	require.NoError(t, s.WriteEvent(ctx, ev))
	ev.Correlation.IncidentID = "inc-1"
	ev.Severity = model.SeverityHigh
	require.NoError(t, s.WriteEvent(ctx, ev))

	older := ev
	older.ID = "ev-0"
	older.Timestamp = base.Add(-time.Hour)
	require.NoError(t, s.WriteEvent(ctx, older))

	got, err := s.EventsSince(ctx, base.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "inc-1", got[0].Correlation.IncidentID)
	assert.Equal(t, model.SeverityHigh, got[0].Severity)
	assert.True(t, base.Equal(got[0].Timestamp))

	all, err := s.EventsSince(ctx, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "ev-0", all[0].ID)
}

func TestIncidentUpsert(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	inc := model.SecurityIncident{
		ID:             "inc-1",
		Title:          "credential_attack: brute_force_attempt involving user-1",
		Severity:       model.SeverityHigh,
		Status:         model.IncidentOpen,
		EventIDs:       []string{"ev-1"},
		FirstSeen:      now,
		LastSeen:       now,
		ThreatCategory: "credential_attack",
		UpdatedAt:      now,
	}
	require.NoError(t, s.WriteIncident(ctx, inc))
	inc.Status = model.IncidentResolved
	inc.Response.Notes = []string{"password reset"}
	inc.UpdatedAt = now.Add(time.Hour)
	require.NoError(t, s.WriteIncident(ctx, inc))

	got, err := s.Incident(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, model.IncidentResolved, got.Status)
	assert.Equal(t, []string{"password reset"}, got.Response.Notes)

	_, err = s.Incident(ctx, "missing")
	assert.Error(t, err)
}
