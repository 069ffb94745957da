package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"stagegate/internal/domain"
	"stagegate/internal/risk"
	"stagegate/internal/sla"
)

// Config models stagegate.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	Kinds         map[domain.CaseKind]KindConfig `yaml:"kinds"`
	Holidays      []string                       `yaml:"holidays"`
	Risk          RiskConfig                     `yaml:"risk"`
	Notifications NotificationsConfig            `yaml:"notifications"`
	Locks         LocksConfig                    `yaml:"locks"`
	Reopen        ReopenConfig                   `yaml:"reopen"`
	RBAC          struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
}

// KindConfig is the ordered stage list and SLA policy of one case kind.
type KindConfig struct {
	DayMode        domain.DayMode `yaml:"day_mode"`
	DefaultSLADays int            `yaml:"default_sla_days"`
	Stages         []StageConfig  `yaml:"stages"`
	Notification   KindNotice     `yaml:"notification"`
}

type StageConfig struct {
	Name    string `yaml:"name"`
	SLADays int    `yaml:"sla_days"`
	// Authorities lists the roles allowed to decide the stage; empty means anyone.
	Authorities []string `yaml:"authorities"`
}

type KindNotice struct {
	Recipients []string `yaml:"recipients"`
	Subject    string   `yaml:"subject"`
	Locale     string   `yaml:"locale"`
}

type RiskConfig struct {
	Active   string        `yaml:"active"`
	Matrices []risk.Matrix `yaml:"matrices"`
}

type NotificationsConfig struct {
	Gateway       string        `yaml:"gateway"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	RetryBatch    int           `yaml:"retry_batch"`
	// MaxAttempts stops retrying a marker after this many failed dispatches.
	MaxAttempts int `yaml:"max_attempts"`
	Webhook       struct {
		URL    string `yaml:"url"`
		Secret string `yaml:"secret"`
	} `yaml:"webhook"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
}

type LocksConfig struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
}

// ReopenConfig lists the roles allowed to reopen a Rejected or Closed case.
// Empty means nobody may.
type ReopenConfig struct {
	Roles []string `yaml:"roles"`
}

type RBACRole struct {
	Description string `yaml:"description"`
}

const (
	GatewayLog     = "log"
	GatewayWebhook = "webhook"
	GatewayKafka   = "kafka"

	LockLocal = "local"
	LockRedis = "redis"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run sg init or sg config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if len(c.Kinds) == 0 {
		return fmt.Errorf("config.kinds is required")
	}
	for kind, kc := range c.Kinds {
		if _, err := domain.ParseCaseKind(string(kind)); err != nil {
			return fmt.Errorf("config.kinds: %w", err)
		}
		if len(kc.Stages) == 0 {
			return fmt.Errorf("kind %s has no stages", kind)
		}
		switch kc.DayMode {
		case "", domain.DayModeCalendar, domain.DayModeBusiness:
		default:
			return fmt.Errorf("kind %s has unknown day_mode %q", kind, kc.DayMode)
		}
		if kc.DefaultSLADays < 0 {
			return fmt.Errorf("kind %s default_sla_days must not be negative", kind)
		}
		seen := map[string]bool{}
		for _, st := range kc.Stages {
			if st.Name == "" {
				return fmt.Errorf("kind %s has a stage without name", kind)
			}
			if seen[st.Name] {
				return fmt.Errorf("kind %s lists stage %s twice", kind, st.Name)
			}
			seen[st.Name] = true
			if st.SLADays < 0 {
				return fmt.Errorf("stage %s.%s sla_days must not be negative", kind, st.Name)
			}
			for _, role := range st.Authorities {
				if role == "" {
					return fmt.Errorf("stage %s.%s has empty authority", kind, st.Name)
				}
				if len(c.RBAC.Roles) > 0 {
					if _, ok := c.RBAC.Roles[role]; !ok {
						return fmt.Errorf("stage %s.%s references unknown role %s", kind, st.Name, role)
					}
				}
			}
		}
	}
	for _, h := range c.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return fmt.Errorf("holiday %q must be YYYY-MM-DD", h)
		}
	}
	if len(c.Risk.Matrices) > 0 {
		if _, err := c.RiskRegistry(); err != nil {
			return err
		}
	}
	switch c.Notifications.Gateway {
	case "", GatewayLog:
	case GatewayWebhook:
		if c.Notifications.Webhook.URL == "" {
			return fmt.Errorf("notifications.webhook.url is required for the webhook gateway")
		}
	case GatewayKafka:
		if len(c.Notifications.Kafka.Brokers) == 0 || c.Notifications.Kafka.Topic == "" {
			return fmt.Errorf("notifications.kafka.brokers and topic are required for the kafka gateway")
		}
	default:
		return fmt.Errorf("unknown notifications.gateway %q", c.Notifications.Gateway)
	}
	if c.Notifications.MaxAttempts < 0 {
		return fmt.Errorf("notifications.max_attempts must not be negative")
	}
	switch c.Locks.Backend {
	case "", LockLocal, LockRedis:
	default:
		return fmt.Errorf("unknown locks.backend %q", c.Locks.Backend)
	}
	for _, role := range c.Reopen.Roles {
		if role == "" {
			return fmt.Errorf("reopen.roles contains empty role")
		}
	}
	for roleID := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
	}
	return nil
}

// Kind returns the configuration for kind.
func (c *Config) Kind(kind domain.CaseKind) (KindConfig, bool) {
	kc, ok := c.Kinds[kind]
	return kc, ok
}

// StageNames returns the ordered stage list of kind.
func (k KindConfig) StageNames() []string {
	out := make([]string, len(k.Stages))
	for i, s := range k.Stages {
		out[i] = s.Name
	}
	return out
}

// Stage finds a stage by name.
func (k KindConfig) Stage(name string) (StageConfig, bool) {
	for _, s := range k.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageConfig{}, false
}

// RiskRegistry builds the versioned risk matrices. Without configured
// matrices the built-in table is used.
func (c *Config) RiskRegistry() (*risk.Registry, error) {
	if len(c.Risk.Matrices) == 0 {
		return risk.DefaultRegistry(), nil
	}
	active := c.Risk.Active
	if active == "" {
		active = c.Risk.Matrices[len(c.Risk.Matrices)-1].Version
	}
	return risk.NewRegistry(active, c.Risk.Matrices...)
}

// Clock builds the SLA clock for all configured kinds.
func (c *Config) Clock() sla.Clock {
	holidays := make(map[string]bool, len(c.Holidays))
	for _, h := range c.Holidays {
		holidays[h] = true
	}
	clock := sla.Clock{
		Policies: make(map[domain.CaseKind]sla.Policy, len(c.Kinds)),
		Fallback: sla.Policy{Mode: domain.DayModeCalendar, DefaultDays: DefaultSLADays, Holidays: holidays},
	}
	for kind, kc := range c.Kinds {
		p := sla.Policy{
			Mode:        kc.DayMode,
			DefaultDays: kc.DefaultSLADays,
			StageDays:   map[string]int{},
			Holidays:    holidays,
		}
		if p.Mode == "" {
			p.Mode = domain.DayModeCalendar
		}
		if p.DefaultDays == 0 {
			p.DefaultDays = DefaultSLADays
		}
		for _, st := range kc.Stages {
			if st.SLADays > 0 {
				p.StageDays[st.Name] = st.SLADays
			}
		}
		clock.Policies[kind] = p
	}
	return clock
}

// DefaultSLADays applies to stages without sla_days.
const DefaultSLADays = 5

// NotifyTimeout returns the gateway call bound.
func (c *Config) NotifyTimeout() time.Duration {
	if c.Notifications.Timeout <= 0 {
		return 5 * time.Second
	}
	return c.Notifications.Timeout
}

func (c *Config) RetryInterval() time.Duration {
	if c.Notifications.RetryInterval <= 0 {
		return 30 * time.Second
	}
	return c.Notifications.RetryInterval
}

// DefaultMaxNotifyAttempts applies when notifications.max_attempts is unset.
const DefaultMaxNotifyAttempts = 10

func (c *Config) MaxNotifyAttempts() int {
	if c.Notifications.MaxAttempts <= 0 {
		return DefaultMaxNotifyAttempts
	}
	return c.Notifications.MaxAttempts
}

func (c *Config) LockTTL() time.Duration {
	if c.Locks.TTL <= 0 {
		return 30 * time.Second
	}
	return c.Locks.TTL
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stagegate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
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

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
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

const defaultTemplate = `project:
  id: %s

kinds:
  deviation:
    day_mode: calendar
    default_sla_days: 5
    stages:
      - name: Financial
        sla_days: 3
      - name: Documentation
        sla_days: 5
    notification:
      recipients: [compliance@example.com]
      subject: "Desvio {{.Reference}} aprovado"
      locale: pt-BR

  occurrence:
    day_mode: business
    default_sla_days: 2
    stages:
      - name: Safety
        sla_days: 1
      - name: Superintendence
        sla_days: 2
    notification:
      recipients: [safety@example.com]
      locale: pt-BR

  contract:
    day_mode: business
    default_sla_days: 5
    stages:
      - name: Financial
      - name: AdministrativeMatrix
      - name: Documentation
      - name: Superintendence
        sla_days: 3
    notification:
      recipients: [contracts@example.com]
      locale: pt-BR

  requisition:
    day_mode: calendar
    default_sla_days: 3
    stages:
      - name: Manager
        sla_days: 2
      - name: HumanResources
      - name: Financial
    notification:
      recipients: [hr@example.com]
      locale: en

holidays: []

risk:
  active: "2024.1"
  matrices:
    - version: "2024.1"
      bands:
        - {max_score: 2, category: Trivial}
        - {max_score: 5, category: Tolerable}
        - {max_score: 10, category: Moderate}
        - {max_score: 15, category: Substantial}
        - {max_score: 25, category: Intolerable}

notifications:
  gateway: log
  timeout: 5s
  retry_interval: 30s
  retry_batch: 50
  max_attempts: 10

locks:
  backend: local
  ttl: 30s

reopen:
  roles: []

rbac:
  roles:
    compliance-officer:
      description: May reopen terminal cases
    quality-reviewer:
      description: Reviews deviation and occurrence stages
`
