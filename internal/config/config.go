package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	RateLimit   RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	Detection   DetectionConfig   `json:"detection" yaml:"detection"`
	Audit       AuditConfig       `json:"audit" yaml:"audit"`
	Pipeline    PipelineConfig    `json:"pipeline" yaml:"pipeline"`
	Maintenance MaintenanceConfig `json:"maintenance" yaml:"maintenance"`
	API         APIConfig         `json:"api" yaml:"api"`
	Proxy       ProxyConfig       `json:"proxy" yaml:"proxy"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Ingest      IngestConfig      `json:"ingest" yaml:"ingest"`
	Export      ExportConfig      `json:"export" yaml:"export"`
	Notify      NotifyConfig      `json:"notify" yaml:"notify"`
}

type RateLimitConfig struct {
	DefaultRule string                `json:"default_rule" yaml:"default_rule"`
	Rules       map[string]RuleConfig `json:"rules" yaml:"rules"`
	Risk        LimiterRiskConfig     `json:"risk" yaml:"risk"`
}

type RuleConfig struct {
	Window         time.Duration `json:"window" yaml:"window"`
	MaxRequests    int           `json:"max_requests" yaml:"max_requests"`
	BlockDuration  time.Duration `json:"block_duration" yaml:"block_duration"`
	SkipSuccessful bool          `json:"skip_successful" yaml:"skip_successful"`
}

// LimiterRiskConfig holds the policy constants of the limiter's risk score.
type LimiterRiskConfig struct {
	BadUserAgents      []string `json:"bad_user_agents" yaml:"bad_user_agents"`
	SensitivePaths     []string `json:"sensitive_paths" yaml:"sensitive_paths"`
	HighRiskCountries  []string `json:"high_risk_countries" yaml:"high_risk_countries"`
	BadUserAgentScore  float64  `json:"bad_user_agent_score" yaml:"bad_user_agent_score"`
	SensitivePathScore float64  `json:"sensitive_path_score" yaml:"sensitive_path_score"`
	CountryScore       float64  `json:"country_score" yaml:"country_score"`
}

type DetectionConfig struct {
	Weights           StepWeights       `json:"weights" yaml:"weights"`
	Thresholds        ResponseThreshold `json:"thresholds" yaml:"thresholds"`
	ManualReviewScore float64           `json:"manual_review_score" yaml:"manual_review_score"`
	VolumeWindow      time.Duration     `json:"volume_window" yaml:"volume_window"`
	VolumeHigh        int               `json:"volume_high" yaml:"volume_high"`
	VolumeMedium      int               `json:"volume_medium" yaml:"volume_medium"`
	HourTolerance     int               `json:"hour_tolerance" yaml:"hour_tolerance"`
	Profile           ProfileLimits     `json:"profile" yaml:"profile"`
	BadUserAgents     []string          `json:"bad_user_agents" yaml:"bad_user_agents"`
}

type StepWeights struct {
	Pattern    float64 `json:"pattern" yaml:"pattern"`
	Behavioral float64 `json:"behavioral" yaml:"behavioral"`
	Volume     float64 `json:"volume" yaml:"volume"`
}

type ResponseThreshold struct {
	Block     float64 `json:"block" yaml:"block"`
	Challenge float64 `json:"challenge" yaml:"challenge"`
	Moderate  float64 `json:"moderate" yaml:"moderate"`
	Log       float64 `json:"log" yaml:"log"`
}

type ProfileLimits struct {
	Hours             int           `json:"hours" yaml:"hours"`
	Addresses         int           `json:"addresses" yaml:"addresses"`
	UserAgents        int           `json:"user_agents" yaml:"user_agents"`
	Locations         int           `json:"locations" yaml:"locations"`
	Activity          int           `json:"activity" yaml:"activity"`
	ActivityRetention time.Duration `json:"activity_retention" yaml:"activity_retention"`
}

type AuditConfig struct {
	CorrelationWindow  time.Duration   `json:"correlation_window" yaml:"correlation_window"`
	Retention          time.Duration   `json:"retention" yaml:"retention"`
	MinRelated         int             `json:"min_related" yaml:"min_related"`
	BlockDuration      time.Duration   `json:"block_duration" yaml:"block_duration"`
	RegexCacheSize     int             `json:"regex_cache_size" yaml:"regex_cache_size"`
	SinkBuffer         int             `json:"sink_buffer" yaml:"sink_buffer"`
	Patterns           []PatternConfig `json:"patterns" yaml:"patterns"`
	IncidentEventTypes []string        `json:"incident_event_types" yaml:"incident_event_types"`
}

type PatternConfig struct {
	Name       string            `json:"name" yaml:"name"`
	Conditions []ConditionConfig `json:"conditions" yaml:"conditions"`
	Severity   string            `json:"severity" yaml:"severity"`
	Action     string            `json:"action" yaml:"action"`
	Cooldown   time.Duration     `json:"cooldown" yaml:"cooldown"`
}

type ConditionConfig struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    string `json:"value" yaml:"value"`
}

type PipelineConfig struct {
	TemporaryBlock  time.Duration `json:"temporary_block" yaml:"temporary_block"`
	LocationHeader  string        `json:"location_header" yaml:"location_header"`
	TrustForwarded  bool          `json:"trust_forwarded" yaml:"trust_forwarded"`
	MaxBodyBytes    int64         `json:"max_body_bytes" yaml:"max_body_bytes"`
	Routes          []RouteConfig `json:"routes" yaml:"routes"`
	ModerateRule    string        `json:"moderate_rule" yaml:"moderate_rule"`
	AggressiveRule  string        `json:"aggressive_rule" yaml:"aggressive_rule"`
	GlobalRule      string        `json:"global_rule" yaml:"global_rule"`
	HighRiskEventAt float64       `json:"high_risk_event_at" yaml:"high_risk_event_at"`
}

// RouteConfig maps a path prefix to a rate-limit rule; longest prefix wins.
type RouteConfig struct {
	Prefix string `json:"prefix" yaml:"prefix"`
	Rule   string `json:"rule" yaml:"rule"`
}

type MaintenanceConfig struct {
	RateLimitSweep time.Duration `json:"rate_limit_sweep" yaml:"rate_limit_sweep"`
	BlockSweep     time.Duration `json:"block_sweep" yaml:"block_sweep"`
	ProfilePrune   time.Duration `json:"profile_prune" yaml:"profile_prune"`
	VolumeSweep    time.Duration `json:"volume_sweep" yaml:"volume_sweep"`
	EventPrune     time.Duration `json:"event_prune" yaml:"event_prune"`
}

type APIConfig struct {
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	Addr              string `json:"addr" yaml:"addr"`
	RequestsPerMinute int    `json:"requests_per_minute" yaml:"requests_per_minute"`
}

// ProxyConfig runs the guard in front of an upstream service as a reverse
// proxy. Embedding applications use the middleware directly instead.
type ProxyConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Upstream string `json:"upstream" yaml:"upstream"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type IngestConfig struct {
	ChannelBuffer int         `json:"channel_buffer" yaml:"channel_buffer"`
	Kafka         KafkaConfig `json:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type ExportConfig struct {
	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`
}

type NotifyConfig struct {
	NATS NATSConfig `json:"nats" yaml:"nats"`
}

type NATSConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	URL            string `json:"url" yaml:"url"`
	AlertSubject   string `json:"alert_subject" yaml:"alert_subject"`
	SessionSubject string `json:"session_subject" yaml:"session_subject"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		RateLimit: RateLimitConfig{
			DefaultRule: "api:general",
			Rules:       defaultRules(),
			Risk: LimiterRiskConfig{
				BadUserAgents:      []string{"sqlmap", "nikto", "nmap", "masscan", "zgrab", "dirbuster", "gobuster", "python-requests", "curl/", "wget/"},
				SensitivePaths:     []string{"/admin", "/auth", "/api/admin", "/api/users", "/.env", "/config", "/wp-admin"},
				HighRiskCountries:  []string{"KP", "IR", "SY", "CU"},
				BadUserAgentScore:  0.3,
				SensitivePathScore: 0.2,
				CountryScore:       0.2,
			},
		},
		Detection: DetectionConfig{
			Weights:           StepWeights{Pattern: 0.3, Behavioral: 0.4, Volume: 0.3},
			Thresholds:        ResponseThreshold{Block: 0.9, Challenge: 0.7, Moderate: 0.5, Log: 0.3},
			ManualReviewScore: 0.8,
			VolumeWindow:      time.Minute,
			VolumeHigh:        100,
			VolumeMedium:      50,
			HourTolerance:     2,
			Profile: ProfileLimits{
				Hours:             24,
				Addresses:         10,
				UserAgents:        5,
				Locations:         10,
				Activity:          100,
				ActivityRetention: 7 * 24 * time.Hour,
			},
			BadUserAgents: []string{"sqlmap", "nikto", "nmap", "masscan", "zgrab", "dirbuster", "gobuster", "havij", "acunetix"},
		},
		Audit: AuditConfig{
			CorrelationWindow:  5 * time.Minute,
			Retention:          7 * 24 * time.Hour,
			MinRelated:         3,
			BlockDuration:      time.Hour,
			RegexCacheSize:     256,
			SinkBuffer:         4096,
			Patterns:           defaultPatterns(),
			IncidentEventTypes: []string{"brute_force_attempt", "intrusion_detected", "privilege_escalation"},
		},
		Pipeline: PipelineConfig{
			TemporaryBlock:  15 * time.Minute,
			LocationHeader:  "X-Geo-Country",
			TrustForwarded:  true,
			MaxBodyBytes:    1 << 20,
			Routes:          defaultRoutes(),
			ModerateRule:    "threat:moderate",
			AggressiveRule:  "threat:aggressive",
			GlobalRule:      "global",
			HighRiskEventAt: 0.7,
		},
		Maintenance: MaintenanceConfig{
			RateLimitSweep: 5 * time.Minute,
			BlockSweep:     time.Hour,
			ProfilePrune:   15 * time.Minute,
			VolumeSweep:    time.Minute,
			EventPrune:     time.Hour,
		},
		API:     APIConfig{Enabled: true, Addr: ":8081", RequestsPerMinute: 600},
		Proxy:   ProxyConfig{Enabled: false, Addr: ":8080"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:fantasyguard.db?_pragma=busy_timeout(5000)"},
		Ingest:  IngestConfig{ChannelBuffer: 10000},
		Export:  ExportConfig{Kafka: KafkaConfig{Enabled: false, Topic: "security-events"}},
		Notify: NotifyConfig{NATS: NATSConfig{
			Enabled:        false,
			URL:            "nats://127.0.0.1:4222",
			AlertSubject:   "security.alerts",
			SessionSubject: "auth.sessions.terminate",
		}},
	}
}

func defaultRules() map[string]RuleConfig {
	return map[string]RuleConfig{
		"auth:login":          {Window: 15 * time.Minute, MaxRequests: 5, BlockDuration: 15 * time.Minute},
		"auth:register":       {Window: time.Hour, MaxRequests: 3, BlockDuration: time.Hour},
		"auth:password-reset": {Window: time.Hour, MaxRequests: 3, BlockDuration: time.Hour},
		"auth:mfa":            {Window: 5 * time.Minute, MaxRequests: 5, BlockDuration: 15 * time.Minute},
		"auth:session":        {Window: time.Minute, MaxRequests: 60, BlockDuration: 5 * time.Minute},
		"api:general":         {Window: time.Minute, MaxRequests: 100, BlockDuration: time.Minute},
		"api:sensitive":       {Window: time.Minute, MaxRequests: 20, BlockDuration: 5 * time.Minute},
		"global":              {Window: time.Minute, MaxRequests: 1000, BlockDuration: 5 * time.Minute},
		"threat:moderate":     {Window: time.Minute, MaxRequests: 30, BlockDuration: 5 * time.Minute},
		"threat:aggressive":   {Window: time.Minute, MaxRequests: 10, BlockDuration: 15 * time.Minute},
	}
}

func defaultRoutes() []RouteConfig {
	return []RouteConfig{
		{Prefix: "/api/auth/login", Rule: "auth:login"},
		{Prefix: "/api/auth/register", Rule: "auth:register"},
		{Prefix: "/api/auth/password-reset", Rule: "auth:password-reset"},
		{Prefix: "/api/auth/mfa", Rule: "auth:mfa"},
		{Prefix: "/api/auth", Rule: "auth:session"},
		{Prefix: "/api/admin", Rule: "api:sensitive"},
		{Prefix: "/api/users", Rule: "api:sensitive"},
		{Prefix: "/api", Rule: "api:general"},
	}
}

func defaultPatterns() []PatternConfig {
	return []PatternConfig{
		{
			Name: "high_risk_login",
			Conditions: []ConditionConfig{
				{Field: "event_type", Operator: "equals", Value: "login_success"},
				{Field: "details.risk_score", Operator: "gt", Value: "0.7"},
			},
			Severity: "high",
			Action:   "alert",
			Cooldown: 15 * time.Minute,
		},
		{
			Name: "credential_stuffing",
			Conditions: []ConditionConfig{
				{Field: "event_type", Operator: "regex", Value: "^(login_failure|login_blocked)$"},
				{Field: "details.risk_score", Operator: "gt", Value: "0.5"},
			},
			Severity: "high",
			Action:   "block",
			Cooldown: 30 * time.Minute,
		},
		{
			Name: "injection_attempt",
			Conditions: []ConditionConfig{
				{Field: "event_type", Operator: "equals", Value: "suspicious_activity"},
				{Field: "details.description", Operator: "contains", Value: "injection"},
			},
			Severity: "critical",
			Action:   "block",
			Cooldown: time.Hour,
		},
		{
			Name: "privilege_escalation",
			Conditions: []ConditionConfig{
				{Field: "event_type", Operator: "equals", Value: "privilege_escalation"},
			},
			Severity: "critical",
			Action:   "escalate",
			Cooldown: 5 * time.Minute,
		},
		{
			Name: "repeated_throttling",
			Conditions: []ConditionConfig{
				{Field: "event_type", Operator: "equals", Value: "rate_limit_exceeded"},
			},
			Severity: "medium",
			Action:   "log",
			Cooldown: 5 * time.Minute,
		},
		{
			Name: "bulk_data_export",
			Conditions: []ConditionConfig{
				{Field: "event_type", Operator: "equals", Value: "data_export"},
				{Field: "details.metadata.record_count", Operator: "gt", Value: "10000"},
			},
			Severity: "high",
			Action:   "alert",
			Cooldown: time.Hour,
		},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse decodes a YAML or JSON document over the defaults.
func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if len(cfg.RateLimit.Rules) == 0 {
		cfg.RateLimit.Rules = defaultRules()
	}
	if cfg.RateLimit.DefaultRule == "" {
		cfg.RateLimit.DefaultRule = def.RateLimit.DefaultRule
	}
	if cfg.Detection.VolumeWindow <= 0 {
		cfg.Detection.VolumeWindow = def.Detection.VolumeWindow
	}
	if cfg.Detection.Profile.Hours <= 0 {
		cfg.Detection.Profile.Hours = def.Detection.Profile.Hours
	}
	if cfg.Detection.Profile.Addresses <= 0 {
		cfg.Detection.Profile.Addresses = def.Detection.Profile.Addresses
	}
	if cfg.Detection.Profile.UserAgents <= 0 {
		cfg.Detection.Profile.UserAgents = def.Detection.Profile.UserAgents
	}
	if cfg.Detection.Profile.Locations <= 0 {
		cfg.Detection.Profile.Locations = def.Detection.Profile.Locations
	}
	if cfg.Detection.Profile.Activity <= 0 {
		cfg.Detection.Profile.Activity = def.Detection.Profile.Activity
	}
	if cfg.Detection.Profile.ActivityRetention <= 0 {
		cfg.Detection.Profile.ActivityRetention = def.Detection.Profile.ActivityRetention
	}
	if cfg.Audit.CorrelationWindow <= 0 {
		cfg.Audit.CorrelationWindow = def.Audit.CorrelationWindow
	}
	if cfg.Audit.Retention <= 0 {
		cfg.Audit.Retention = def.Audit.Retention
	}
	if cfg.Audit.MinRelated <= 0 {
		cfg.Audit.MinRelated = def.Audit.MinRelated
	}
	if cfg.Audit.RegexCacheSize <= 0 {
		cfg.Audit.RegexCacheSize = def.Audit.RegexCacheSize
	}
	if cfg.Audit.SinkBuffer <= 0 {
		cfg.Audit.SinkBuffer = def.Audit.SinkBuffer
	}
	if cfg.Pipeline.MaxBodyBytes <= 0 {
		cfg.Pipeline.MaxBodyBytes = def.Pipeline.MaxBodyBytes
	}
	if cfg.Pipeline.TemporaryBlock <= 0 {
		cfg.Pipeline.TemporaryBlock = def.Pipeline.TemporaryBlock
	}
	if cfg.Maintenance.RateLimitSweep <= 0 {
		cfg.Maintenance.RateLimitSweep = def.Maintenance.RateLimitSweep
	}
	if cfg.Maintenance.BlockSweep <= 0 {
		cfg.Maintenance.BlockSweep = def.Maintenance.BlockSweep
	}
	if cfg.Maintenance.ProfilePrune <= 0 {
		cfg.Maintenance.ProfilePrune = def.Maintenance.ProfilePrune
	}
	if cfg.Maintenance.VolumeSweep <= 0 {
		cfg.Maintenance.VolumeSweep = def.Maintenance.VolumeSweep
	}
	if cfg.Maintenance.EventPrune <= 0 {
		cfg.Maintenance.EventPrune = def.Maintenance.EventPrune
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
}

var (
	validActions   = map[string]struct{}{"log": {}, "alert": {}, "block": {}, "escalate": {}}
	validOperators = map[string]struct{}{"equals": {}, "contains": {}, "regex": {}, "gt": {}, "lt": {}}
)

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Proxy.Enabled && (cfg.Proxy.Addr == "" || cfg.Proxy.Upstream == "") {
		return errors.New("proxy.addr and proxy.upstream required when proxy.enabled is true")
	}
	if _, ok := cfg.RateLimit.Rules[cfg.RateLimit.DefaultRule]; !ok {
		return fmt.Errorf("rate_limit.default_rule %q is not a configured rule", cfg.RateLimit.DefaultRule)
	}
	for name, rule := range cfg.RateLimit.Rules {
		if rule.Window <= 0 {
			return fmt.Errorf("rate_limit.rules.%s.window must be > 0", name)
		}
		if rule.MaxRequests <= 0 {
			return fmt.Errorf("rate_limit.rules.%s.max_requests must be > 0", name)
		}
		if rule.BlockDuration < 0 {
			return fmt.Errorf("rate_limit.rules.%s.block_duration must be >= 0", name)
		}
	}
	for _, route := range cfg.Pipeline.Routes {
		if _, ok := cfg.RateLimit.Rules[route.Rule]; !ok {
			return fmt.Errorf("pipeline.routes: prefix %q references unknown rule %q", route.Prefix, route.Rule)
		}
	}
	w := cfg.Detection.Weights
	if w.Pattern < 0 || w.Behavioral < 0 || w.Volume < 0 {
		return errors.New("detection.weights must be >= 0")
	}
	if cfg.Detection.VolumeMedium > cfg.Detection.VolumeHigh {
		return errors.New("detection.volume_medium must not exceed detection.volume_high")
	}
	t := cfg.Detection.Thresholds
	if !(t.Log <= t.Moderate && t.Moderate <= t.Challenge && t.Challenge <= t.Block) {
		return errors.New("detection.thresholds must be ordered log <= moderate <= challenge <= block")
	}
	for _, p := range cfg.Audit.Patterns {
		if p.Name == "" {
			return errors.New("audit.patterns: name required")
		}
		if len(p.Conditions) == 0 {
			return fmt.Errorf("audit.patterns.%s: at least one condition required", p.Name)
		}
		if _, ok := validActions[p.Action]; !ok {
			return fmt.Errorf("audit.patterns.%s: unknown action %q", p.Name, p.Action)
		}
		for _, c := range p.Conditions {
			if _, ok := validOperators[c.Operator]; !ok {
				return fmt.Errorf("audit.patterns.%s: unknown operator %q", p.Name, c.Operator)
			}
		}
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Export.Kafka.Enabled {
		if len(cfg.Export.Kafka.Brokers) == 0 || cfg.Export.Kafka.Topic == "" {
			return errors.New("export.kafka requires brokers and topic")
		}
	}
	if cfg.Notify.NATS.Enabled && cfg.Notify.NATS.URL == "" {
		return errors.New("notify.nats.url required when notify.nats.enabled is true")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager serves a fixed config without a backing file.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
