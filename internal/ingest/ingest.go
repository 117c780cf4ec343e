// Package ingest accepts security events produced by other platform
// subsystems (authentication, MFA, administration) and records them in the
// audit correlator.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"fantasyguard/internal/audit"
	"fantasyguard/internal/metrics"
)

type Recorder interface {
	Record(in audit.EventInput) string
}

type envelope struct {
	source string
	input  audit.EventInput
}

// BatchResult summarises one decoded submission.
type BatchResult struct {
	Accepted int      `json:"accepted"`
	Failed   int      `json:"failed"`
	IDs      []string `json:"ids,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// Ingestor validates payloads and hands them to the recorder. Synchronous
// callers use RecordBatch; streaming sources use Enqueue and rely on Serve
// to drain the queue.
type Ingestor struct {
	recorder Recorder
	queue    chan envelope
	logger   *slog.Logger
}

func New(buffer int, recorder Recorder, logger *slog.Logger) *Ingestor {
	if buffer <= 0 {
		buffer = 10000
	}
	return &Ingestor{
		recorder: recorder,
		queue:    make(chan envelope, buffer),
		logger:   logger,
	}
}

// RecordBatch decodes data, validates each payload and records the valid
// ones immediately.
func (i *Ingestor) RecordBatch(source string, data []byte) (BatchResult, error) {
	payloads, err := Decode(data)
	if err != nil {
		metrics.IngestedEvents.WithLabelValues(source, "malformed").Inc()
		return BatchResult{}, err
	}
	var res BatchResult
	for _, p := range payloads {
		in, err := i.convert(p)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err.Error())
			metrics.IngestedEvents.WithLabelValues(source, "invalid").Inc()
			continue
		}
		res.IDs = append(res.IDs, i.recorder.Record(in))
		res.Accepted++
		metrics.IngestedEvents.WithLabelValues(source, "accepted").Inc()
	}
	return res, nil
}

// Enqueue decodes data and queues valid payloads without blocking. It
// returns how many were queued.
func (i *Ingestor) Enqueue(ctx context.Context, source string, data []byte) int {
	payloads, err := Decode(data)
	if err != nil {
		metrics.IngestedEvents.WithLabelValues(source, "malformed").Inc()
		if i.logger != nil {
			i.logger.Warn("decode ingested event", "source", source, "error", err)
		}
		return 0
	}
	queued := 0
	for _, p := range payloads {
		in, err := i.convert(p)
		if err != nil {
			metrics.IngestedEvents.WithLabelValues(source, "invalid").Inc()
			if i.logger != nil {
				i.logger.Warn("invalid ingested event", "source", source, "error", err)
			}
			continue
		}
		if sendNonBlocking(ctx, i.queue, envelope{source: source, input: in}, i.logger) {
			queued++
			continue
		}
		metrics.IngestedEvents.WithLabelValues(source, "dropped").Inc()
	}
	return queued
}

func (i *Ingestor) convert(p EventPayload) (audit.EventInput, error) {
	p.normalize()
	if err := validatePayload(p); err != nil {
		return audit.EventInput{}, err
	}
	return p.toInput()
}

func (i *Ingestor) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-i.queue:
			i.recorder.Record(env.input)
			metrics.IngestedEvents.WithLabelValues(env.source, "accepted").Inc()
		}
	}
}

func (i *Ingestor) String() string {
	return "event-ingestor"
}

// Pending reports how many queued events have not been recorded yet.
func (i *Ingestor) Pending() int {
	return len(i.queue)
}

func sendNonBlocking(ctx context.Context, out chan<- envelope, env envelope, logger *slog.Logger) bool {
	select {
	case out <- env:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("ingest queue full, dropping event", "source", env.source, "event_type", env.input.Type)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
