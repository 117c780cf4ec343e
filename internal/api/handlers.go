package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"fantasyguard/internal/audit"
	"fantasyguard/internal/detection"
	"fantasyguard/internal/model"
	"fantasyguard/internal/pipeline"
	"fantasyguard/internal/ratelimit"
	"fantasyguard/internal/scheduler"
)

const maxRequestBody = 1 << 20

type statusResponse struct {
	Status     string          `json:"status"`
	Time       string          `json:"time"`
	Version    string          `json:"version"`
	Uptime     string          `json:"uptime"`
	ConfigPath string          `json:"config_path"`
	Components componentStatus `json:"components"`
}

type componentStatus struct {
	Storage     bool `json:"storage"`
	KafkaIngest bool `json:"kafka_ingest"`
	KafkaExport bool `json:"kafka_export"`
	NATS        bool `json:"nats"`
}

type statsResponse struct {
	Pipeline    pipeline.Stats         `json:"pipeline"`
	RateLimit   ratelimit.Stats        `json:"rate_limit"`
	Detection   detection.Stats        `json:"detection"`
	Audit       audit.Stats            `json:"audit"`
	Maintenance []scheduler.TaskStatus `json:"maintenance,omitempty"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=investigating resolved false_positive"`
	Note   string `json:"note" validate:"max=4096"`
}

type noteRequest struct {
	Note string `json:"note" validate:"required,max=4096"`
}

type blockRequest struct {
	Identifier string `json:"identifier" validate:"required,max=256"`
	Duration   string `json:"duration" validate:"required"`
	Reason     string `json:"reason" validate:"max=256"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Status:  "ok",
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		Version: s.version,
		Uptime:  time.Since(s.started).Truncate(time.Second).String(),
	}
	if s.deps.Config != nil {
		cfg := s.deps.Config.Get()
		resp.ConfigPath = s.deps.Config.Path()
		resp.Components = componentStatus{
			Storage:     cfg.Storage.Enabled,
			KafkaIngest: cfg.Ingest.Kafka.Enabled,
			KafkaExport: cfg.Export.Kafka.Enabled,
			NATS:        cfg.Notify.NATS.Enabled,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	var resp statsResponse
	if s.deps.Guard != nil {
		resp.Pipeline = s.deps.Guard.Stats()
	}
	if s.deps.Limiter != nil {
		resp.RateLimit = s.deps.Limiter.Stats()
	}
	if s.deps.Detector != nil {
		resp.Detection = s.deps.Detector.Stats()
	}
	if s.deps.Correlator != nil {
		resp.Audit = s.deps.Correlator.Stats()
	}
	if s.deps.Scheduler != nil {
		resp.Maintenance = s.deps.Scheduler.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.EventFilter{
		PrincipalID: q.Get("principal"),
		SourceIP:    q.Get("ip"),
	}
	for _, t := range splitList(q.Get("type")) {
		f.Types = append(f.Types, model.EventType(t))
	}
	for _, v := range splitList(q.Get("severity")) {
		sev, ok := model.ParseSeverity(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown severity "+v)
			return
		}
		f.Severities = append(f.Severities, sev)
	}
	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, "since: "+err.Error())
		return
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		writeError(w, http.StatusBadRequest, "until: "+err.Error())
		return
	}
	if f.Limit, err = parseLimit(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list := s.deps.Correlator.Events(f)
	writeJSON(w, http.StatusOK, map[string]any{"events": list, "count": len(list)})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.deps.Correlator.Event(chi.URLParam(r, "id"))
	if err != nil {
		writeAuditError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.IncidentFilter{PrincipalID: q.Get("principal")}
	for _, v := range splitList(q.Get("status")) {
		f.Statuses = append(f.Statuses, model.IncidentStatus(v))
	}
	if v := q.Get("severity"); v != "" {
		sev, ok := model.ParseSeverity(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown severity "+v)
			return
		}
		f.MinSeverity = sev
	}
	var err error
	if f.Limit, err = parseLimit(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list := s.deps.Correlator.Incidents(f)
	writeJSON(w, http.StatusOK, map[string]any{"incidents": list, "count": len(list)})
}

func (s *Server) handleIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.deps.Correlator.Incident(chi.URLParam(r, "id"))
	if err != nil {
		writeAuditError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleIncidentStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !s.decode(w, r, &req) {
		return
	}
	inc, err := s.deps.Correlator.UpdateIncidentStatus(chi.URLParam(r, "id"), model.IncidentStatus(req.Status), strings.TrimSpace(req.Note))
	if err != nil {
		writeAuditError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleIncidentNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if !s.decode(w, r, &req) {
		return
	}
	inc, err := s.deps.Correlator.AddIncidentNote(chi.URLParam(r, "id"), strings.TrimSpace(req.Note))
	if err != nil {
		writeAuditError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		writeJSON(w, http.StatusOK, map[string]any{"alerts": []model.Alert{}, "count": 0})
		return
	}
	q := r.URL.Query()
	if v := q.Get("since"); v != "" {
		ts, err := parseTime(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since: "+err.Error())
			return
		}
		list := s.deps.Alerts.Since(ts)
		writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
		return
	}
	var minSeverity model.Severity
	if v := q.Get("severity"); v != "" {
		sev, ok := model.ParseSeverity(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown severity "+v)
			return
		}
		minSeverity = sev
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list := s.deps.Alerts.List(limit, minSeverity)
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
}

func (s *Server) handleBlocks(w http.ResponseWriter, _ *http.Request) {
	blocks := s.deps.Limiter.Blocks()
	writeJSON(w, http.StatusOK, map[string]any{"blocks": blocks, "count": len(blocks)})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if !s.decode(w, r, &req) {
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil || d <= 0 {
		writeError(w, http.StatusBadRequest, "duration must be a positive Go duration such as 15m")
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "operator"
	}
	s.deps.Limiter.BlockIdentifier(req.Identifier, d, reason)
	if s.logger != nil {
		s.logger.Warn("identifier blocked by operator", "identifier", req.Identifier, "duration", d, "reason", reason)
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"identifier":    req.Identifier,
		"blocked_until": time.Now().UTC().Add(d).Format(time.RFC3339),
		"reason":        reason,
	})
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "identifier")
	s.deps.Limiter.Unblock(id)
	if s.logger != nil {
		s.logger.Info("identifier unblocked by operator", "identifier", id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	p, ok := s.deps.Detector.Profile(chi.URLParam(r, "principal"))
	if !ok {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleMaintenance(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Scheduler == nil {
		writeJSON(w, http.StatusOK, map[string]any{"tasks": []scheduler.TaskStatus{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.deps.Scheduler.Status()})
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	name := chi.URLParam(r, "task")
	removed, err := s.deps.Scheduler.RunNow(r.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownTask):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"task": name, "removed": removed})
	}
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeAuditError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, audit.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, audit.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, audit.ErrEmptyNote):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
