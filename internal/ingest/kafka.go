package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"fantasyguard/internal/config"
)

// KafkaConsumer reads security events from a topic shared with the other
// platform subsystems and queues them on the ingestor.
type KafkaConsumer struct {
	cfg      config.KafkaConfig
	ingestor *Ingestor
	logger   *slog.Logger
}

func NewKafkaConsumer(cfg config.KafkaConfig, ingestor *Ingestor, logger *slog.Logger) *KafkaConsumer {
	return &KafkaConsumer{cfg: cfg, ingestor: ingestor, logger: logger}
}

func (k *KafkaConsumer) Serve(ctx context.Context) error {
	if k.logger != nil {
		k.logger.Info("kafka ingest enabled", "brokers", k.cfg.Brokers, "topic", k.cfg.Topic, "group_id", k.cfg.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.cfg.Brokers,
		Topic:    k.cfg.Topic,
		GroupID:  k.cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	defer reader.Close()
	backoff := 200 * time.Millisecond
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if k.logger != nil {
				k.logger.Warn("kafka read error", "error", err)
			}
			if !BackoffSleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, 10*time.Second)
			continue
		}
		backoff = 200 * time.Millisecond
		k.ingestor.Enqueue(ctx, "kafka", m.Value)
	}
}

func (k *KafkaConsumer) String() string {
	return "kafka-ingest"
}
