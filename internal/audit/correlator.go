// Package audit records security events, evaluates threat patterns against
// them and correlates related events into incidents.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fantasyguard/internal/config"
	"fantasyguard/internal/metrics"
	"fantasyguard/internal/model"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid incident status transition")
	ErrEmptyNote         = errors.New("note must not be empty")
)

const maxRelatedRefs = 50

// Blocker places a source on the emergency block list.
type Blocker interface {
	BlockIdentifier(identifier string, duration time.Duration, reason string)
}

// Alerter delivers alerts to the notification subsystem.
type Alerter interface {
	Alert(ctx context.Context, a model.Alert) error
}

// EventInput is what callers supply to Record. A zero Timestamp means now.
type EventInput struct {
	Type        model.EventType
	PrincipalID string
	SessionID   string
	Source      model.EventSource
	Target      *model.EventTarget
	Details     model.EventDetails
	Compliance  model.Compliance
	Timestamp   time.Time
}

type IncidentFilter struct {
	Statuses    []model.IncidentStatus
	MinSeverity model.Severity
	PrincipalID string
	Limit       int
}

type Stats struct {
	Events        int   `json:"events"`
	Incidents     int   `json:"incidents"`
	OpenIncidents int   `json:"open_incidents"`
	Cooldowns     int   `json:"cooldowns"`
	SinkDropped   int64 `json:"sink_dropped"`
}

type Correlator struct {
	logger     *slog.Logger
	cfg        atomic.Value
	matcher    *matcher
	cooldown   *Cooldown
	blocker    Blocker
	alerter    Alerter
	dispatcher *Dispatcher
	now        func() time.Time

	mu            sync.RWMutex
	events        *eventLog
	incidents     map[string]*model.SecurityIncident
	incidentOrder []string
}

type Option func(*Correlator)

func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

func WithBlocker(b Blocker) Option {
	return func(c *Correlator) { c.blocker = b }
}

func WithAlerter(a Alerter) Option {
	return func(c *Correlator) { c.alerter = a }
}

func WithDispatcher(d *Dispatcher) Option {
	return func(c *Correlator) { c.dispatcher = d }
}

func New(cfg config.AuditConfig, logger *slog.Logger, opts ...Option) *Correlator {
	c := &Correlator{
		logger:    logger,
		matcher:   newMatcher(cfg.RegexCacheSize, logger),
		cooldown:  NewCooldown(),
		events:    newEventLog(),
		incidents: make(map[string]*model.SecurityIncident),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dispatcher == nil {
		c.dispatcher = NewDispatcher(cfg.SinkBuffer, logger)
	}
	c.UpdateConfig(cfg)
	return c
}

func (c *Correlator) UpdateConfig(cfg config.AuditConfig) {
	c.cfg.Store(&cfg)
}

func (c *Correlator) config() *config.AuditConfig {
	if v := c.cfg.Load(); v != nil {
		return v.(*config.AuditConfig)
	}
	def := config.DefaultConfig().Audit
	return &def
}

func (c *Correlator) Dispatcher() *Dispatcher {
	return c.dispatcher
}

// Record stores the event, runs pattern actions and correlation, and
// returns the new event id. It never fails; internal faults are logged.
func (c *Correlator) Record(in EventInput) (id string) {
	id = uuid.NewString()
	defer func() {
		if r := recover(); r != nil && c.logger != nil {
			c.logger.Error("audit record failed", "event_id", id, "event_type", in.Type, "panic", r)
		}
	}()
	cfg := c.config()
	ts := in.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}
	ev := model.SecurityEvent{
		ID:          id,
		Timestamp:   ts.UTC(),
		EventType:   in.Type,
		Severity:    severityFor(in.Type, in.Details.RiskScore),
		PrincipalID: in.PrincipalID,
		SessionID:   in.SessionID,
		Source:      in.Source,
		Target:      in.Target,
		Details:     in.Details,
		Correlation: model.Correlation{ThreatCategory: categoryFor(in.Type)},
		Compliance:  in.Compliance,
	}
	ev = ev.Clone()

	matched := c.matchPatterns(cfg, &ev)
	escalate := false
	for _, p := range matched {
		if PatternAction(p.Action) == PatternEscalate {
			escalate = true
		}
	}

	res := c.store(cfg, &ev, escalate, describeActions(cfg, matched, &ev))
	snapshot := res.event
	incSnap := res.incident

	c.runActions(cfg, snapshot, incSnap, matched)

	metrics.EventsRecorded.WithLabelValues(string(snapshot.EventType), string(snapshot.Severity)).Inc()
	if res.opened {
		metrics.IncidentsOpened.WithLabelValues(incSnap.ThreatCategory).Inc()
		if c.logger != nil {
			c.logger.Warn("incident opened",
				"incident_id", incSnap.ID,
				"severity", incSnap.Severity,
				"category", incSnap.ThreatCategory,
				"events", len(incSnap.EventIDs),
			)
		}
	}
	c.logEvent(snapshot)
	c.dispatcher.enqueue(record{event: &snapshot, incident: incSnap})
	for i := range res.absorbed {
		c.dispatcher.enqueue(record{event: &res.absorbed[i]})
	}
	return id
}

func (c *Correlator) matchPatterns(cfg *config.AuditConfig, ev *model.SecurityEvent) []config.PatternConfig {
	var out []config.PatternConfig
	for _, p := range cfg.Patterns {
		if !c.matcher.matches(p, ev) {
			continue
		}
		if !c.cooldown.AllowKey(cooldownKey(p.Name, ev.PrincipalID, ev.Source.IP), p.Cooldown, ev.Timestamp) {
			metrics.PatternMatches.WithLabelValues(p.Name, "cooldown").Inc()
			continue
		}
		metrics.PatternMatches.WithLabelValues(p.Name, "fired").Inc()
		out = append(out, p)
	}
	return out
}

// stored is what one Record changed, copied out from under the lock.
type stored struct {
	event    model.SecurityEvent
	incident *model.SecurityIncident
	opened   bool
	absorbed []model.SecurityEvent
}

func (c *Correlator) store(cfg *config.AuditConfig, ev *model.SecurityEvent, escalate bool, actions []string) stored {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events.add(ev)
	inc, opened, absorbed := c.correlate(cfg, ev, escalate, actions)
	out := stored{event: ev.Clone(), opened: opened}
	if inc != nil {
		s := inc.Clone()
		out.incident = &s
	}
	for _, a := range absorbed {
		out.absorbed = append(out.absorbed, a.Clone())
	}
	return out
}

// relatedTo returns events related to ev inside the correlation window,
// newest first, and the newest active incident among them. Callers hold
// c.mu.
func (c *Correlator) relatedTo(cfg *config.AuditConfig, ev *model.SecurityEvent) ([]*model.SecurityEvent, *model.SecurityIncident, int) {
	window := cfg.CorrelationWindow
	related, visited := c.events.related(ev, ev.Timestamp.Add(-window), ev.Timestamp.Add(window), maxRelatedRefs,
		func(other *model.SecurityEvent) bool { return c.activeIncident(other) != nil })
	for _, other := range related {
		if inc := c.activeIncident(other); inc != nil {
			return related, inc, visited
		}
	}
	return related, nil, visited
}

func (c *Correlator) activeIncident(ev *model.SecurityEvent) *model.SecurityIncident {
	if ev.Correlation.IncidentID == "" {
		return nil
	}
	if inc, ok := c.incidents[ev.Correlation.IncidentID]; ok && inc.Status.Active() {
		return inc
	}
	return nil
}

// correlate links ev to an active incident or opens a new one, which takes
// in the related events not yet in any incident. Callers hold c.mu.
func (c *Correlator) correlate(cfg *config.AuditConfig, ev *model.SecurityEvent, escalate bool, actions []string) (*model.SecurityIncident, bool, []*model.SecurityEvent) {
	related, target, _ := c.relatedTo(cfg, ev)
	for _, other := range related {
		if len(ev.Correlation.RelatedEvents) >= maxRelatedRefs {
			break
		}
		ev.Correlation.RelatedEvents = append(ev.Correlation.RelatedEvents, other.ID)
	}

	if target != nil {
		c.attach(target, ev, escalate, actions)
		return target, false, nil
	}
	if !opensIncident(cfg, ev, len(related), escalate) {
		return nil, false, nil
	}

	inc := &model.SecurityIncident{
		ID:             uuid.NewString(),
		Status:         model.IncidentOpen,
		Severity:       ev.Severity,
		FirstSeen:      ev.Timestamp,
		LastSeen:       ev.Timestamp,
		ThreatCategory: ev.Correlation.ThreatCategory,
	}
	var absorbed []*model.SecurityEvent
	for i := len(related) - 1; i >= 0; i-- {
		if related[i].Correlation.IncidentID == "" {
			c.attach(inc, related[i], false, nil)
			absorbed = append(absorbed, related[i])
		}
	}
	c.attach(inc, ev, escalate, actions)
	inc.Title = incidentTitle(ev)
	inc.Description = incidentDescription(ev, len(related))
	c.incidents[inc.ID] = inc
	c.incidentOrder = append(c.incidentOrder, inc.ID)
	return inc, true, absorbed
}

func (c *Correlator) attach(inc *model.SecurityIncident, ev *model.SecurityEvent, escalate bool, actions []string) {
	inc.EventIDs = append(inc.EventIDs, ev.ID)
	if ev.Timestamp.Before(inc.FirstSeen) {
		inc.FirstSeen = ev.Timestamp
	}
	if ev.Timestamp.After(inc.LastSeen) {
		inc.LastSeen = ev.Timestamp
	}
	if ev.PrincipalID != "" && !containsString(inc.AffectedPrincipals, ev.PrincipalID) {
		inc.AffectedPrincipals = append(inc.AffectedPrincipals, ev.PrincipalID)
	}
	inc.Severity = model.MaxSeverity(inc.Severity, ev.Severity)
	if escalate {
		inc.Severity = model.SeverityCritical
	}
	inc.Response.ActionsTaken = append(inc.Response.ActionsTaken, actions...)
	inc.UpdatedAt = c.now()
	ev.Correlation.IncidentID = inc.ID
}

func opensIncident(cfg *config.AuditConfig, ev *model.SecurityEvent, related int, escalate bool) bool {
	if escalate || ev.Severity.AtLeast(model.SeverityHigh) {
		return true
	}
	if cfg.MinRelated > 0 && related >= cfg.MinRelated {
		return true
	}
	for _, t := range cfg.IncidentEventTypes {
		if model.EventType(t) == ev.EventType {
			return true
		}
	}
	return false
}

func incidentTitle(ev *model.SecurityEvent) string {
	subject := ev.PrincipalID
	if subject == "" {
		subject = ev.Source.IP
	}
	if subject == "" {
		return fmt.Sprintf("%s: %s", ev.Correlation.ThreatCategory, ev.EventType)
	}
	return fmt.Sprintf("%s: %s involving %s", ev.Correlation.ThreatCategory, ev.EventType, subject)
}

func incidentDescription(ev *model.SecurityEvent, related int) string {
	desc := fmt.Sprintf("opened by %s event %s with %d related events", ev.EventType, ev.ID, related)
	if ev.Details.Description != "" {
		desc += ": " + ev.Details.Description
	}
	return desc
}

func describeActions(cfg *config.AuditConfig, matched []config.PatternConfig, ev *model.SecurityEvent) []string {
	out := make([]string, 0, len(matched))
	for _, p := range matched {
		switch PatternAction(p.Action) {
		case PatternBlock:
			if ev.Source.IP != "" {
				out = append(out, fmt.Sprintf("pattern %s: blocked %s for %s", p.Name, ev.Source.IP, cfg.BlockDuration))
				continue
			}
			out = append(out, fmt.Sprintf("pattern %s: block skipped, no source address", p.Name))
		case PatternAlert:
			out = append(out, fmt.Sprintf("pattern %s: alert sent", p.Name))
		case PatternEscalate:
			out = append(out, fmt.Sprintf("pattern %s: escalated", p.Name))
		default:
			out = append(out, fmt.Sprintf("pattern %s: logged", p.Name))
		}
	}
	return out
}

func (c *Correlator) runActions(cfg *config.AuditConfig, ev model.SecurityEvent, inc *model.SecurityIncident, matched []config.PatternConfig) {
	for _, p := range matched {
		sev, ok := model.ParseSeverity(p.Severity)
		if !ok {
			sev = ev.Severity
		}
		if c.logger != nil {
			c.logger.Warn("threat pattern matched",
				"pattern", p.Name,
				"action", p.Action,
				"severity", sev,
				"event_id", ev.ID,
				"principal_id", ev.PrincipalID,
				"source_ip", ev.Source.IP,
			)
		}
		switch PatternAction(p.Action) {
		case PatternBlock:
			if c.blocker != nil && ev.Source.IP != "" {
				c.blocker.BlockIdentifier(ev.Source.IP, cfg.BlockDuration, "pattern:"+p.Name)
			}
		case PatternAlert, PatternEscalate:
			a := model.Alert{
				ID:          uuid.NewString(),
				Timestamp:   c.now(),
				Severity:    sev,
				AlertType:   "pattern:" + p.Name,
				Message:     fmt.Sprintf("threat pattern %s matched %s event", p.Name, ev.EventType),
				PrincipalID: ev.PrincipalID,
				SourceIP:    ev.Source.IP,
				EventID:     ev.ID,
				Score:       ev.Details.RiskScore,
			}
			if PatternAction(p.Action) == PatternEscalate {
				a.Severity = model.SeverityCritical
			}
			if inc != nil {
				a.IncidentID = inc.ID
			}
			c.alert(a)
		}
	}
}

func (c *Correlator) alert(a model.Alert) {
	if c.alerter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.alerter.Alert(ctx, a); err != nil {
		metrics.AlertsSent.WithLabelValues("error").Inc()
		if c.logger != nil {
			c.logger.Warn("alert delivery failed", "alert_type", a.AlertType, "error", err)
		}
		return
	}
	metrics.AlertsSent.WithLabelValues("ok").Inc()
}

func (c *Correlator) logEvent(ev model.SecurityEvent) {
	if c.logger == nil {
		return
	}
	level := slog.LevelInfo
	if ev.Severity.AtLeast(model.SeverityHigh) {
		level = slog.LevelWarn
	}
	c.logger.Log(context.Background(), level, "security event",
		"event_id", ev.ID,
		"event_type", ev.EventType,
		"severity", ev.Severity,
		"principal_id", ev.PrincipalID,
		"session_id", ev.SessionID,
		"source_ip", ev.Source.IP,
		"risk_score", ev.Details.RiskScore,
		"incident_id", ev.Correlation.IncidentID,
		"category", ev.Correlation.ThreatCategory,
	)
}

func (c *Correlator) Events(f EventFilter) []model.SecurityEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.events.list(f)
}

func (c *Correlator) Event(id string) (model.SecurityEvent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ev, ok := c.events.get(id)
	if !ok {
		return model.SecurityEvent{}, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return ev.Clone(), nil
}

// Incidents returns matching incidents, most recently opened first.
func (c *Correlator) Incidents(f IncidentFilter) []model.SecurityIncident {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.SecurityIncident, 0)
	for i := len(c.incidentOrder) - 1; i >= 0; i-- {
		inc := c.incidents[c.incidentOrder[i]]
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, inc.Status) {
			continue
		}
		if f.MinSeverity != "" && !inc.Severity.AtLeast(f.MinSeverity) {
			continue
		}
		if f.PrincipalID != "" && !containsString(inc.AffectedPrincipals, f.PrincipalID) {
			continue
		}
		out = append(out, inc.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

func (c *Correlator) Incident(id string) (model.SecurityIncident, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inc, ok := c.incidents[id]
	if !ok {
		return model.SecurityIncident{}, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	return inc.Clone(), nil
}

var transitions = map[model.IncidentStatus][]model.IncidentStatus{
	model.IncidentOpen:          {model.IncidentInvestigating, model.IncidentFalsePositive},
	model.IncidentInvestigating: {model.IncidentResolved, model.IncidentFalsePositive},
}

// UpdateIncidentStatus advances an incident along
// open → investigating → resolved|false_positive. Open incidents may also
// be closed directly as false positives.
func (c *Correlator) UpdateIncidentStatus(id string, status model.IncidentStatus, note string) (model.SecurityIncident, error) {
	c.mu.Lock()
	inc, ok := c.incidents[id]
	if !ok {
		c.mu.Unlock()
		return model.SecurityIncident{}, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	if !containsStatus(transitions[inc.Status], status) {
		from := inc.Status
		c.mu.Unlock()
		return model.SecurityIncident{}, fmt.Errorf("%s -> %s: %w", from, status, ErrInvalidTransition)
	}
	from := inc.Status
	inc.Status = status
	inc.Response.ActionsTaken = append(inc.Response.ActionsTaken, fmt.Sprintf("status %s -> %s", from, status))
	if note != "" {
		inc.Response.Notes = append(inc.Response.Notes, note)
	}
	inc.UpdatedAt = c.now()
	out := inc.Clone()
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Info("incident status changed", "incident_id", id, "from", from, "to", status)
	}
	c.dispatcher.enqueue(record{incident: &out})
	return out, nil
}

func (c *Correlator) AddIncidentNote(id, note string) (model.SecurityIncident, error) {
	if note == "" {
		return model.SecurityIncident{}, ErrEmptyNote
	}
	c.mu.Lock()
	inc, ok := c.incidents[id]
	if !ok {
		c.mu.Unlock()
		return model.SecurityIncident{}, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	inc.Response.Notes = append(inc.Response.Notes, note)
	inc.UpdatedAt = c.now()
	out := inc.Clone()
	c.mu.Unlock()

	c.dispatcher.enqueue(record{incident: &out})
	return out, nil
}

// PruneEvents drops events past the retention period. Incidents keep the
// ids of pruned events.
func (c *Correlator) PruneEvents() int {
	cutoff := c.now().Add(-c.config().Retention)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events.prune(cutoff)
}

// SweepCooldowns forgets pattern cooldowns older than the longest
// configured cooldown.
func (c *Correlator) SweepCooldowns() int {
	var longest time.Duration
	for _, p := range c.config().Patterns {
		if p.Cooldown > longest {
			longest = p.Cooldown
		}
	}
	return c.cooldown.Sweep(c.now(), longest)
}

func (c *Correlator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	open := 0
	for _, inc := range c.incidents {
		if inc.Status.Active() {
			open++
		}
	}
	return Stats{
		Events:        c.events.len(),
		Incidents:     len(c.incidents),
		OpenIncidents: open,
		Cooldowns:     c.cooldown.Len(),
		SinkDropped:   c.dispatcher.Dropped(),
	}
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsStatus(list []model.IncidentStatus, s model.IncidentStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
