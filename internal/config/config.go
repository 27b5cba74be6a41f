package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Permissions checked by the engine and the API.
const (
	PermDesignCreate    = "design.create"
	PermDesignReview    = "design.review"
	PermDesignResubmit  = "design.resubmit"
	PermProductWrite    = "product.write"
	PermProductPublish  = "product.publish"
	PermProductsRecheck = "products.reconcile"
	PermStatsRead       = "stats.read"
	PermEventsRead      = "events.read"
	PermAPIKeyCreate    = "apikey.create"
)

var knownPermissions = map[string]bool{
	PermDesignCreate:    true,
	PermDesignReview:    true,
	PermDesignResubmit:  true,
	PermProductWrite:    true,
	PermProductPublish:  true,
	PermProductsRecheck: true,
	PermStatsRead:       true,
	PermEventsRead:      true,
	PermAPIKeyCreate:    true,
	"*":                 true,
}

// Config models atelier.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr" validate:"required"`
		BasePath string `yaml:"base_path" validate:"required,startswith=/"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		JWTIssuer              string `yaml:"jwt_issuer"`
		TokenTTLSeconds        int    `yaml:"token_ttl_seconds" validate:"gte=0"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
		DevLogin               bool   `yaml:"dev_login"`
	} `yaml:"auth"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles" validate:"required,dive,keys,required,endkeys"`
	} `yaml:"rbac"`
	Reconciler struct {
		Enabled         bool `yaml:"enabled"`
		IntervalSeconds int  `yaml:"interval_seconds" validate:"gte=0"`
	} `yaml:"reconciler"`
	Webhooks []Webhook `yaml:"webhooks" validate:"dive"`
	Kafka    struct {
		Enabled bool     `yaml:"enabled"`
		Brokers []string `yaml:"brokers" validate:"dive,hostname_port"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		Exporter    string  `yaml:"exporter" validate:"omitempty,oneof=stdout none"`
		ServiceName string  `yaml:"service_name"`
		SampleRate  float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
	} `yaml:"tracing"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions" validate:"dive,required"`
}

type Webhook struct {
	ID     string   `yaml:"id" validate:"required"`
	URL    string   `yaml:"url" validate:"required,url"`
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, role := range []string{"admin", "vendor"} {
		if _, ok := c.RBAC.Roles[role]; !ok {
			return fmt.Errorf("config.rbac.roles must include %s", role)
		}
	}
	for roleID, role := range c.RBAC.Roles {
		for _, perm := range role.Permissions {
			if !knownPermissions[perm] {
				return fmt.Errorf("role %s has unknown permission %s", roleID, perm)
			}
		}
	}
	if c.Reconciler.Enabled && c.Reconciler.IntervalSeconds <= 0 {
		return fmt.Errorf("config.reconciler.interval_seconds must be positive when enabled")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("config.kafka.brokers is required when kafka is enabled")
		}
		if strings.TrimSpace(c.Kafka.Topic) == "" {
			return fmt.Errorf("config.kafka.topic is required when kafka is enabled")
		}
	}
	seen := map[string]bool{}
	for _, h := range c.Webhooks {
		if seen[h.ID] {
			return fmt.Errorf("duplicate webhook id %s", h.ID)
		}
		seen[h.ID] = true
	}
	return nil
}

// Permissions returns the union of permissions granted by roles. Unknown
// roles grant nothing.
func (c *Config) Permissions(roles []string) map[string]bool {
	out := map[string]bool{}
	for _, r := range roles {
		role, ok := c.RBAC.Roles[r]
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			out[p] = true
		}
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "atelier.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0

auth:
  jwt_secret: ""
  jwt_issuer: atelier
  token_ttl_seconds: 3600
  allow_legacy_actor_header: false
  dev_login: false

rbac:
  roles:
    admin:
      description: "Reviews designs and runs reconciliation"
      permissions:
        - design.review
        - products.reconcile
        - stats.read
        - events.read
        - apikey.create
    vendor:
      description: "Submits designs and manages own products"
      permissions:
        - design.create
        - design.resubmit
        - product.write
        - product.publish

reconciler:
  enabled: false
  interval_seconds: 300

webhooks: []

kafka:
  enabled: false
  brokers: []
  topic: atelier.events

tracing:
  enabled: false
  exporter: stdout
  service_name: atelier
  sample_rate: 1
`
