package export

import (
	"context"
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fantasyguard/internal/model"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestWriteEventKeysByPrincipalThenAddress(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{w: w}
	ctx := context.Background()

	require.NoError(t, sink.WriteEvent(ctx, model.SecurityEvent{ID: "e1", PrincipalID: "user-1", Source: model.EventSource{IP: "192.0.2.1"}}))
	require.NoError(t, sink.WriteEvent(ctx, model.SecurityEvent{ID: "e2", Source: model.EventSource{IP: "192.0.2.1"}}))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "user-1", string(w.msgs[0].Key))
	assert.Equal(t, "192.0.2.1", string(w.msgs[1].Key))
	assert.Equal(t, kindEvent, string(w.msgs[0].Headers[0].Value))

	var ev model.SecurityEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, "e1", ev.ID)
}

func TestWriteIncident(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{w: w}
	require.NoError(t, sink.WriteIncident(context.Background(), model.SecurityIncident{ID: "inc-1", Status: model.IncidentOpen}))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "inc-1", string(w.msgs[0].Key))
	assert.Equal(t, kindIncident, string(w.msgs[0].Headers[0].Value))

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestWriteErrorWrapped(t *testing.T) {
	boom := errors.New("leader not available")
	sink := &KafkaSink{w: &fakeWriter{err: boom}}
	assert.ErrorIs(t, sink.WriteEvent(context.Background(), model.SecurityEvent{}), boom)
}
