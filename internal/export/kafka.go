// Package export publishes recorded security events and incident snapshots
// to Kafka for external log aggregation.
package export

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"fantasyguard/internal/config"
	"fantasyguard/internal/model"
)

const (
	kindHeader   = "kind"
	kindEvent    = "security_event"
	kindIncident = "security_incident"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink implements the audit sink contract on top of a kafka-go writer.
// Events are keyed by principal (or source address) so one principal's
// history lands on one partition.
type KafkaSink struct {
	w messageWriter
}

func NewKafkaSink(cfg config.KafkaConfig) *KafkaSink {
	return &KafkaSink{w: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}}
}

func (k *KafkaSink) WriteEvent(ctx context.Context, ev model.SecurityEvent) error {
	key := ev.PrincipalID
	if key == "" {
		key = ev.Source.IP
	}
	return k.publish(ctx, kindEvent, key, ev)
}

func (k *KafkaSink) WriteIncident(ctx context.Context, inc model.SecurityIncident) error {
	return k.publish(ctx, kindIncident, inc.ID, inc)
}

func (k *KafkaSink) publish(ctx context.Context, kind, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	err = k.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Headers: []kafka.Header{{Key: kindHeader, Value: []byte(kind)}},
	})
	if err != nil {
		return fmt.Errorf("kafka export %s: %w", kind, err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	return k.w.Close()
}
