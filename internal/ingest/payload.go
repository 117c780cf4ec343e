package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"fantasyguard/internal/audit"
	"fantasyguard/internal/model"
)

var ErrEmptyPayload = errors.New("empty payload")

// EventPayload is the wire form of an externally produced security event.
type EventPayload struct {
	EventType   string           `json:"event_type" validate:"required,event_type"`
	PrincipalID string           `json:"principal_id" validate:"omitempty,max=256"`
	SessionID   string           `json:"session_id" validate:"omitempty,max=256"`
	Timestamp   string           `json:"timestamp"`
	Source      SourcePayload    `json:"source"`
	Target      *TargetPayload   `json:"target"`
	Details     DetailsPayload   `json:"details"`
	Compliance  model.Compliance `json:"compliance"`
}

type SourcePayload struct {
	IP        string `json:"ip" validate:"required,ip"`
	UserAgent string `json:"user_agent" validate:"omitempty,max=1024"`
	Location  string `json:"location" validate:"omitempty,max=64"`
}

type TargetPayload struct {
	Resource string `json:"resource" validate:"required,max=512"`
	Action   string `json:"action" validate:"required,max=128"`
}

type DetailsPayload struct {
	Description string            `json:"description" validate:"max=4096"`
	RiskScore   float64           `json:"risk_score" validate:"min=0,max=1"`
	Context     map[string]string `json:"context"`
	Metadata    map[string]string `json:"metadata"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func payloadValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
			return model.EventType(fl.Field().String()).Valid()
		})
	})
	return validate
}

func validatePayload(p EventPayload) error {
	err := payloadValidator().Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Decode accepts a single JSON object or an array of objects.
func Decode(data []byte) ([]EventPayload, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, ErrEmptyPayload
	}
	if trimmed[0] == '[' {
		var list []EventPayload
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("decode event list: %w", err)
		}
		return list, nil
	}
	var p EventPayload
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return []EventPayload{p}, nil
}

func (p *EventPayload) normalize() {
	p.EventType = strings.ToLower(strings.TrimSpace(p.EventType))
	p.PrincipalID = strings.TrimSpace(p.PrincipalID)
	p.SessionID = strings.TrimSpace(p.SessionID)
	p.Source.IP = strings.TrimSpace(p.Source.IP)
	p.Source.UserAgent = strings.TrimSpace(p.Source.UserAgent)
	p.Source.Location = strings.ToUpper(strings.TrimSpace(p.Source.Location))
}

func (p EventPayload) toInput() (audit.EventInput, error) {
	in := audit.EventInput{
		Type:        model.EventType(p.EventType),
		PrincipalID: p.PrincipalID,
		SessionID:   p.SessionID,
		Source: model.EventSource{
			IP:        p.Source.IP,
			UserAgent: p.Source.UserAgent,
			Location:  p.Source.Location,
		},
		Details: model.EventDetails{
			Description: p.Details.Description,
			RiskScore:   p.Details.RiskScore,
			Context:     p.Details.Context,
			Metadata:    p.Details.Metadata,
		},
		Compliance: p.Compliance,
	}
	if p.Target != nil {
		in.Target = &model.EventTarget{Resource: p.Target.Resource, Action: p.Target.Action}
	}
	if p.Timestamp != "" {
		ts, err := ParseTimestamp(p.Timestamp)
		if err != nil {
			return audit.EventInput{}, err
		}
		in.Timestamp = ts
	}
	return in, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
}

// ParseTimestamp accepts RFC 3339 variants and unix seconds or
// milliseconds. Zoneless layouts are read as UTC.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if len(value) >= 13 {
		return time.UnixMilli(n).UTC(), nil
	}
	return time.Unix(n, 0).UTC(), nil
}
