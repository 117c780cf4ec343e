package alerts

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fantasyguard/internal/model"
)

func alertAt(i int, sev model.Severity) model.Alert {
	return model.Alert{
		ID:        fmt.Sprintf("a%d", i),
		Timestamp: time.Date(2026, 3, 1, 12, i, 0, 0, time.UTC),
		Severity:  sev,
	}
}

func TestRingKeepsNewest(t *testing.T) {
	s := NewStore(3)
	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Alert(context.Background(), alertAt(i, model.SeverityHigh)))
	}
	assert.Equal(t, 3, s.Len())
	got := s.List(0, "")
	require.Len(t, got, 3)
	assert.Equal(t, "a5", got[0].ID)
	assert.Equal(t, "a3", got[2].ID)

	assert.Len(t, s.List(2, ""), 2)
}

func TestListFiltersBySeverity(t *testing.T) {
	s := NewStore(10)
	s.Add(alertAt(1, model.SeverityMedium))
	s.Add(alertAt(2, model.SeverityCritical))
	s.Add(alertAt(3, model.SeverityHigh))

	got := s.List(0, model.SeverityHigh)
	require.Len(t, got, 2)
	assert.Equal(t, "a3", got[0].ID)
	assert.Equal(t, "a2", got[1].ID)
}

func TestSinceAndClear(t *testing.T) {
	s := NewStore(10)
	for i := 1; i <= 4; i++ {
		s.Add(alertAt(i, model.SeverityHigh))
	}
	got := s.Since(time.Date(2026, 3, 1, 12, 3, 0, 0, time.UTC))
	require.Len(t, got, 2)
	assert.Equal(t, "a4", got[0].ID)

	s.Clear()
	assert.Zero(t, s.Len())
	assert.Empty(t, s.List(0, ""))
}
