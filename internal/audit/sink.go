package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"fantasyguard/internal/metrics"
	"fantasyguard/internal/model"
)

// Sink receives recorded events and incident snapshots off the request
// path, e.g. for archival or export to log aggregation.
type Sink interface {
	WriteEvent(ctx context.Context, ev model.SecurityEvent) error
	WriteIncident(ctx context.Context, inc model.SecurityIncident) error
}

type record struct {
	event    *model.SecurityEvent
	incident *model.SecurityIncident
}

// Dispatcher fans records out to the registered sinks. It implements
// suture.Service; Serve drains the queue until the context ends.
type Dispatcher struct {
	logger  *slog.Logger
	queue   chan record
	mu      sync.RWMutex
	sinks   map[string]Sink
	dropped atomic.Int64
}

func NewDispatcher(buffer int, logger *slog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 4096
	}
	return &Dispatcher{
		logger: logger,
		queue:  make(chan record, buffer),
		sinks:  make(map[string]Sink),
	}
}

func (d *Dispatcher) AddSink(name string, s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks[name] = s
}

func (d *Dispatcher) hasSinks() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sinks) > 0
}

// enqueue never blocks; a full queue drops the record.
func (d *Dispatcher) enqueue(r record) bool {
	if !d.hasSinks() {
		return false
	}
	select {
	case d.queue <- r:
		return true
	default:
		d.dropped.Add(1)
		metrics.SinkDropped.Inc()
		if d.logger != nil {
			d.logger.Warn("sink queue full, dropping record")
		}
		return false
	}
}

func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-d.queue:
			d.deliver(ctx, r)
		}
	}
}

func (d *Dispatcher) String() string {
	return "audit-dispatcher"
}

func (d *Dispatcher) deliver(ctx context.Context, r record) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for name, s := range d.sinks {
		var err error
		if r.event != nil {
			err = s.WriteEvent(ctx, *r.event)
		}
		if err == nil && r.incident != nil {
			err = s.WriteIncident(ctx, *r.incident)
		}
		if err != nil {
			metrics.SinkErrors.WithLabelValues(name).Inc()
			if d.logger != nil {
				d.logger.Warn("sink write failed", "sink", name, "error", err)
			}
		}
	}
}
