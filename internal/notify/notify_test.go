package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fantasyguard/internal/config"
	"fantasyguard/internal/model"
)

type message struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	msgs []message
	err  error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, message{subject: subject, data: data})
	return nil
}

func testNATSConfig() config.NATSConfig {
	return config.DefaultConfig().Notify.NATS
}

func TestNATSAlertSubjectCarriesSeverity(t *testing.T) {
	pub := &fakePublisher{}
	n := newNATS(pub, testNATSConfig(), nil)
	require.NoError(t, n.Alert(context.Background(), model.Alert{ID: "a1", Severity: model.SeverityCritical, AlertType: "pattern:privilege_escalation"}))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "security.alerts.critical", pub.msgs[0].subject)
	var got model.Alert
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &got))
	assert.Equal(t, "a1", got.ID)
}

func TestNATSSessionTermination(t *testing.T) {
	pub := &fakePublisher{}
	n := newNATS(pub, testNATSConfig(), nil)
	require.NoError(t, n.TerminateSessions(context.Background(), "user-1", "risk score 1.00"))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "auth.sessions.terminate", pub.msgs[0].subject)
	var got SessionTermination
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &got))
	assert.Equal(t, "user-1", got.PrincipalID)
	assert.False(t, got.RequestedAt.IsZero())
}

func TestNATSPublishErrorIsWrapped(t *testing.T) {
	boom := errors.New("connection closed")
	n := newNATS(&fakePublisher{err: boom}, testNATSConfig(), nil)
	assert.ErrorIs(t, n.Alert(context.Background(), model.Alert{}), boom)
	assert.ErrorIs(t, n.TerminateSessions(context.Background(), "u", "r"), boom)
}

type failingAlerter struct{ err error }

func (f failingAlerter) Alert(context.Context, model.Alert) error { return f.err }

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	m := Multi{NewLog(nil), failingAlerter{err: boom}, failingAlerter{}}
	assert.ErrorIs(t, m.Alert(context.Background(), model.Alert{}), boom)
	assert.NoError(t, Multi{NewLog(nil)}.Alert(context.Background(), model.Alert{}))
}
