package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models taskbridge.yml: the read-only rule set the whole pipeline
// runs on. It is loaded once per process and never mutated.
type Config struct {
	Instance  string                `yaml:"instance"`
	Scoring   ScoringConfig         `yaml:"scoring"`
	Outbox    OutboxConfig          `yaml:"outbox"`
	Scheduler SchedulerConfig       `yaml:"scheduler"`
	Clients   map[string]Client     `yaml:"clients"`
	TaskTypes map[string]TaskType   `yaml:"task_types"`
	Backends  []BackendConfig       `yaml:"backends"`
	Advisor   AdvisorConfig         `yaml:"advisor"`
	Server    ServerConfig          `yaml:"server"`
	Defaults  DefaultsConfig        `yaml:"defaults"`
}

type ScoringConfig struct {
	Mode                string    `yaml:"mode"` // baseline or ensemble
	Weights             Weights   `yaml:"weights"`
	UrgencyHorizonHours float64   `yaml:"urgency_horizon_hours"`
	EffortCapHours      float64   `yaml:"effort_cap_hours"`
	FreshnessTauHours   float64   `yaml:"freshness_tau_hours"`
	EnsembleWeights     []float64 `yaml:"ensemble_weights"`
}

type Weights struct {
	Urgency    float64 `yaml:"urgency"`
	Importance float64 `yaml:"importance"`
	Effort     float64 `yaml:"effort"`
	Freshness  float64 `yaml:"freshness"`
	SLA        float64 `yaml:"sla"`
	Progress   float64 `yaml:"progress"`
}

type OutboxConfig struct {
	BatchSize           int     `yaml:"batch_size"`
	MaxRetries          int     `yaml:"max_retries"`
	BackoffBaseMS       int     `yaml:"backoff_base_ms"`
	BackoffCapMS        int     `yaml:"backoff_cap_ms"`
	Jitter              float64 `yaml:"jitter"`
	InflightLeaseSecs   int     `yaml:"inflight_lease_seconds"`
	Workers             int     `yaml:"workers"`
	RetentionDays       int     `yaml:"retention_days"`
}

type SchedulerConfig struct {
	OutboxTickMS        int    `yaml:"outbox_tick_ms"`
	RescoreCron         string `yaml:"rescore_cron"`
	NudgeCron           string `yaml:"nudge_cron"`
	RebalanceCron       string `yaml:"rebalance_cron"`
	PruneCron           string `yaml:"prune_cron"`
	DigestCron          string `yaml:"digest_cron"`
	StaleThresholdHours float64 `yaml:"stale_threshold_hours"`
	AgingBoostPerDay    float64 `yaml:"aging_boost_per_day"`
	RebalanceHours      float64 `yaml:"rebalance_hours"`
	LedgerTTLDays       int     `yaml:"ledger_ttl_days"`
}

type Client struct {
	SLAHours             float64 `yaml:"sla_hours"`
	DailyCapacityHours   float64 `yaml:"daily_capacity_hours"`
	ImportanceBias       float64 `yaml:"importance_bias"`
	TargetShare          float64 `yaml:"target_share"`
	UrgencyThreshold     float64 `yaml:"urgency_threshold"`
	ComplexityPreference float64 `yaml:"complexity_preference"`
}

type TaskType struct {
	DefaultEffortHours float64  `yaml:"default_effort_hours"`
	DefaultImportance  int      `yaml:"default_importance"`
	Labels             []string `yaml:"labels"`
	Checklist          []string `yaml:"checklist_template"`
	Subtasks           []string `yaml:"subtasks_template"`
	Keywords           []string `yaml:"classify_keywords"`
}

type BackendConfig struct {
	Name          string            `yaml:"name"`
	Kind          string            `yaml:"kind"` // http or memory
	BaseURL       string            `yaml:"base_url"`
	Token         string            `yaml:"token"`
	WebhookSecret string            `yaml:"webhook_secret"`
	Signature     SignatureConfig   `yaml:"signature"`
	Rate          RateConfig        `yaml:"rate"`
	PriorityMap   map[int]int       `yaml:"priority_map"`
	Endpoints     map[string]string `yaml:"endpoints"`
	TimeoutMS     int               `yaml:"timeout_ms"`
	ListTimeoutMS int               `yaml:"list_timeout_ms"`
}

type SignatureConfig struct {
	Scheme          string `yaml:"scheme"` // hmac-sha256-hex, hmac-sha1-hex, hmac-sha256-base64
	Header          string `yaml:"header"`
	WithTimestamp   bool   `yaml:"with_timestamp"`
	TimestampHeader string `yaml:"timestamp_header"`
}

type RateConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type AdvisorConfig struct {
	Enabled         bool     `yaml:"enabled"`
	URL             string   `yaml:"url"`
	Token           string   `yaml:"token"`
	TimeoutMS       int      `yaml:"timeout_ms"`
	BreakerFailures int      `yaml:"breaker_failures"`
	BreakerCooldownS int     `yaml:"breaker_cooldown_s"`
	Allow           []string `yaml:"allow"`
}

type ServerConfig struct {
	JWTSecret string   `yaml:"jwt_secret"`
	APIKeys   []string `yaml:"api_keys"`
}

type DefaultsConfig struct {
	Backend string `yaml:"backend"` // backend new tasks are pushed to
	Notify  string `yaml:"notify"`  // backend nudges and digests go to
}

const (
	SchemeHMACSHA256Hex    = "hmac-sha256-hex"
	SchemeHMACSHA1Hex      = "hmac-sha1-hex"
	SchemeHMACSHA256Base64 = "hmac-sha256-base64"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with tb config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskbridge.yml")
}

func (c *Config) applyDefaults() {
	if c.Instance == "" {
		c.Instance = "default"
	}
	if c.Scoring.Mode == "" {
		c.Scoring.Mode = "baseline"
	}
	if c.Scoring.UrgencyHorizonHours == 0 {
		c.Scoring.UrgencyHorizonHours = 336
	}
	if c.Scoring.EffortCapHours == 0 {
		c.Scoring.EffortCapHours = 8
	}
	if c.Scoring.FreshnessTauHours == 0 {
		c.Scoring.FreshnessTauHours = 72
	}
	if c.Scoring.Weights == (Weights{}) {
		c.Scoring.Weights = Weights{Urgency: 0.30, Importance: 0.25, Effort: 0.15, Freshness: 0.10, SLA: 0.15, Progress: 0.05}
	}
	if len(c.Scoring.EnsembleWeights) == 0 {
		c.Scoring.EnsembleWeights = []float64{0.40, 0.35, 0.25}
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 10
	}
	if c.Outbox.MaxRetries == 0 {
		c.Outbox.MaxRetries = 5
	}
	if c.Outbox.BackoffBaseMS == 0 {
		c.Outbox.BackoffBaseMS = 1000
	}
	if c.Outbox.BackoffCapMS == 0 {
		c.Outbox.BackoffCapMS = 60000
	}
	if c.Outbox.Jitter == 0 {
		c.Outbox.Jitter = 0.2
	}
	if c.Outbox.InflightLeaseSecs == 0 {
		c.Outbox.InflightLeaseSecs = 60
	}
	if c.Outbox.Workers == 0 {
		c.Outbox.Workers = 2
	}
	if c.Outbox.RetentionDays == 0 {
		c.Outbox.RetentionDays = 7
	}
	if c.Scheduler.OutboxTickMS == 0 {
		c.Scheduler.OutboxTickMS = 2000
	}
	if c.Scheduler.RescoreCron == "" {
		c.Scheduler.RescoreCron = "*/5 * * * *"
	}
	if c.Scheduler.NudgeCron == "" {
		c.Scheduler.NudgeCron = "7 * * * *"
	}
	if c.Scheduler.PruneCron == "" {
		c.Scheduler.PruneCron = "23 3 * * *"
	}
	if c.Scheduler.DigestCron == "" {
		c.Scheduler.DigestCron = "0 8 * * 1"
	}
	if c.Scheduler.StaleThresholdHours == 0 {
		c.Scheduler.StaleThresholdHours = 72
	}
	if c.Scheduler.AgingBoostPerDay == 0 {
		c.Scheduler.AgingBoostPerDay = 2
	}
	if c.Scheduler.RebalanceHours == 0 {
		c.Scheduler.RebalanceHours = 5
	}
	if c.Scheduler.LedgerTTLDays == 0 {
		c.Scheduler.LedgerTTLDays = 30
	}
	if c.Advisor.TimeoutMS == 0 {
		c.Advisor.TimeoutMS = 20000
	}
	if c.Advisor.BreakerFailures == 0 {
		c.Advisor.BreakerFailures = 5
	}
	if c.Advisor.BreakerCooldownS == 0 {
		c.Advisor.BreakerCooldownS = 60
	}
	if len(c.Advisor.Allow) == 0 {
		c.Advisor.Allow = []string{"labels", "subtasks", "checklist", "score", "hold"}
	}
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.Kind == "" {
			b.Kind = "http"
		}
		if b.TimeoutMS == 0 {
			b.TimeoutMS = 30000
		}
		if b.ListTimeoutMS == 0 {
			b.ListTimeoutMS = 60000
		}
		if b.Rate.RPS == 0 {
			b.Rate.RPS = 5
		}
		if b.Rate.Burst == 0 {
			b.Rate.Burst = 10
		}
		if b.Signature.Scheme == "" {
			b.Signature.Scheme = SchemeHMACSHA256Hex
		}
		if b.Signature.Header == "" {
			b.Signature.Header = "X-Signature"
		}
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Instance == "" {
		return fmt.Errorf("config.instance is required")
	}
	if c.Scoring.Mode != "baseline" && c.Scoring.Mode != "ensemble" {
		return fmt.Errorf("scoring.mode must be baseline or ensemble")
	}
	if len(c.Scoring.EnsembleWeights) != 3 {
		return fmt.Errorf("scoring.ensemble_weights must have 3 entries")
	}
	if c.Outbox.MaxRetries > 10 {
		return fmt.Errorf("outbox.max_retries must be <= 10")
	}
	if c.Outbox.Jitter < 0 || c.Outbox.Jitter >= 1 {
		return fmt.Errorf("outbox.jitter must be in [0,1)")
	}
	if len(c.TaskTypes) == 0 {
		return fmt.Errorf("config.task_types is required")
	}
	if _, ok := c.TaskTypes["general"]; !ok {
		return fmt.Errorf("config.task_types must include general (the classifier fallback)")
	}
	for name, tt := range c.TaskTypes {
		if name == "" {
			return fmt.Errorf("config.task_types contains empty type name")
		}
		if tt.DefaultImportance < 1 || tt.DefaultImportance > 5 {
			return fmt.Errorf("task type %s default_importance must be in [1,5]", name)
		}
		if tt.DefaultEffortHours <= 0 {
			return fmt.Errorf("task type %s default_effort_hours must be > 0", name)
		}
	}
	for name, cl := range c.Clients {
		if name != strings.ToLower(strings.TrimSpace(name)) {
			return fmt.Errorf("client tag %q must be lowercase and trimmed", name)
		}
		if cl.SLAHours <= 0 {
			return fmt.Errorf("client %s sla_hours must be > 0", name)
		}
		if cl.DailyCapacityHours < 0 {
			return fmt.Errorf("client %s daily_capacity_hours must be >= 0", name)
		}
	}
	seen := map[string]bool{}
	for _, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend name is required")
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate backend %s", b.Name)
		}
		seen[b.Name] = true
		if b.Kind != "http" && b.Kind != "memory" {
			return fmt.Errorf("backend %s kind must be http or memory", b.Name)
		}
		if b.Kind == "http" && b.BaseURL == "" {
			return fmt.Errorf("backend %s base_url is required", b.Name)
		}
		switch b.Signature.Scheme {
		case SchemeHMACSHA256Hex, SchemeHMACSHA1Hex, SchemeHMACSHA256Base64:
		default:
			return fmt.Errorf("backend %s has unknown signature scheme %s", b.Name, b.Signature.Scheme)
		}
	}
	if c.Defaults.Backend != "" && !seen[c.Defaults.Backend] {
		return fmt.Errorf("defaults.backend %s is not a configured backend", c.Defaults.Backend)
	}
	if c.Defaults.Notify != "" && !seen[c.Defaults.Notify] {
		return fmt.Errorf("defaults.notify %s is not a configured backend", c.Defaults.Notify)
	}
	if c.Advisor.Enabled && c.Advisor.URL == "" {
		return fmt.Errorf("advisor.url is required when advisor.enabled")
	}
	return nil
}

// ClientFor returns the config for a client tag, falling back to "unknown".
func (c *Config) ClientFor(tag string) Client {
	if cl, ok := c.Clients[tag]; ok {
		return cl
	}
	if cl, ok := c.Clients["unknown"]; ok {
		return cl
	}
	return Client{SLAHours: 72, DailyCapacityHours: 2, ImportanceBias: 1.0, TargetShare: 0.2, UrgencyThreshold: 0.7, ComplexityPreference: 0.5}
}

// TypeFor returns the config for a task type, falling back to "general".
func (c *Config) TypeFor(name string) TaskType {
	if tt, ok := c.TaskTypes[name]; ok {
		return tt
	}
	return c.TaskTypes["general"]
}

// TypeNames returns the configured type names sorted, general last, so the
// classifier walks them deterministically.
func (c *Config) TypeNames() []string {
	names := make([]string, 0, len(c.TaskTypes))
	for name := range c.TaskTypes {
		if name == "general" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return append(names, "general")
}

// BackendByName returns the backend config, ok=false if absent.
func (c *Config) BackendByName(name string) (BackendConfig, bool) {
	for _, b := range c.Backends {
		if b.Name == name {
			return b, true
		}
	}
	return BackendConfig{}, false
}

// AdvisorTimeout returns the advisor call timeout.
func (c *Config) AdvisorTimeout() time.Duration {
	return time.Duration(c.Advisor.TimeoutMS) * time.Millisecond
}

// Default returns the default Config struct for an instance.
func Default(instance string) *Config {
	cfg, err := FromYAML([]byte(fmt.Sprintf(defaultTemplate, instance)))
	if err != nil {
		panic(fmt.Sprintf("default config template invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(instance string) string {
	return fmt.Sprintf(defaultTemplate, instance)
}

const defaultTemplate = `instance: %s

scoring:
  mode: baseline
  weights:
    urgency: 0.30
    importance: 0.25
    effort: 0.15
    freshness: 0.10
    sla: 0.15
    progress: 0.05
  urgency_horizon_hours: 336
  effort_cap_hours: 8
  freshness_tau_hours: 72
  ensemble_weights: [0.40, 0.35, 0.25]

outbox:
  batch_size: 10
  max_retries: 5
  backoff_base_ms: 1000
  backoff_cap_ms: 60000
  jitter: 0.2
  inflight_lease_seconds: 60
  workers: 2
  retention_days: 7

scheduler:
  outbox_tick_ms: 2000
  rescore_cron: "*/5 * * * *"
  nudge_cron: "7 * * * *"
  prune_cron: "23 3 * * *"
  digest_cron: "0 8 * * 1"
  stale_threshold_hours: 72
  aging_boost_per_day: 2
  rebalance_hours: 5
  ledger_ttl_days: 30

clients:
  unknown:
    sla_hours: 72
    daily_capacity_hours: 2
    importance_bias: 1.0
    target_share: 0.2
    urgency_threshold: 0.7
    complexity_preference: 0.5

task_types:
  bugfix:
    default_effort_hours: 2
    default_importance: 4
    labels: [bug, triaged]
    checklist_template:
      - "Reproduce the issue"
      - "Identify root cause"
      - "Write regression test"
      - "Verify fix for {client}"
    subtasks_template:
      - "Investigate: {title}"
      - "Fix and test"
    classify_keywords: [fix, error, fail, bug, "500", broken, crash]
  report:
    default_effort_hours: 3
    default_importance: 3
    labels: [report, triaged]
    checklist_template:
      - "Confirm data sources"
      - "Draft report for {client}"
      - "Review numbers"
    subtasks_template:
      - "Gather data: {title}"
      - "Write up findings"
    classify_keywords: [report, analysis, dashboard, metrics, data]
  onboarding:
    default_effort_hours: 4
    default_importance: 3
    labels: [onboarding, triaged]
    checklist_template:
      - "Collect access requirements"
      - "Provision accounts for {client}"
      - "Confirm access works"
    subtasks_template:
      - "Prepare environment: {title}"
      - "Walk through setup"
    classify_keywords: [setup, onboard, access, provision, install, configure]
  general:
    default_effort_hours: 2
    default_importance: 3
    labels: [triaged]
    checklist_template:
      - "Clarify scope with {client}"
      - "Do the work"
    subtasks_template: []
    classify_keywords: []

backends: []

advisor:
  enabled: false
  timeout_ms: 20000
  breaker_failures: 5
  breaker_cooldown_s: 60
  allow: [labels, subtasks, checklist, score, hold]

defaults:
  backend: ""
  notify: ""
`
