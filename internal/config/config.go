package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models solaros.yml: queue defaults per task type, dispatcher and
// relay tuning, and the integrations catalog checked by sync-config-status.
type Config struct {
	Pipeline struct {
		Queue struct {
			Defaults map[string]TaskDefaults `yaml:"defaults"`
		} `yaml:"queue"`
		AerialCheck struct {
			FinancingTypes []string `yaml:"financing_types"`
		} `yaml:"aerial_check"`
		Dispatcher struct {
			PollMillis  int `yaml:"poll_ms"`
			BatchSize   int `yaml:"batch_size"`
			MaxAttempts int `yaml:"max_attempts"`
		} `yaml:"dispatcher"`
	} `yaml:"pipeline"`
	Relay struct {
		IntervalMinutes  int     `yaml:"interval_minutes"`
		BatchSize        int     `yaml:"batch_size"`
		TimeoutSeconds   int     `yaml:"timeout_seconds"`
		BodyCaptureBytes int     `yaml:"body_capture_bytes"`
		RatePerSecond    float64 `yaml:"rate_per_second"`
	} `yaml:"relay"`
	Integrations struct {
		Catalog map[string]Integration `yaml:"catalog"`
	} `yaml:"integrations"`
}

type TaskDefaults struct {
	Priority   int `yaml:"priority"`
	MaxRetries int `yaml:"max_retries"`
}

// Integration lists the env keys an external vendor needs. Keys in Secret
// are masked before being written anywhere user-visible.
type Integration struct {
	Required []string `yaml:"required"`
	Secret   []string `yaml:"secret"`
}

var taskTypes = []string{"cad_generate", "permit_submit", "schedule_match", "funding_submit", "credit_audit", "survey_process"}

// TaskDefaultsFor returns queue defaults for a task type, falling back to
// medium priority with three retries for unconfigured types.
func (c *Config) TaskDefaultsFor(taskType string) TaskDefaults {
	if d, ok := c.Pipeline.Queue.Defaults[taskType]; ok {
		return d
	}
	return TaskDefaults{Priority: 3, MaxRetries: 3}
}

// AerialCheckRequired reports whether a financing type needs the bankability
// aerial-imagery decision task.
func (c *Config) AerialCheckRequired(financingType string) bool {
	for _, t := range c.Pipeline.AerialCheck.FinancingTypes {
		if t == financingType {
			return true
		}
	}
	return false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Pipeline.Queue.Defaults == nil {
		return fmt.Errorf("config.pipeline.queue.defaults is required")
	}
	for taskType, d := range c.Pipeline.Queue.Defaults {
		known := false
		for _, t := range taskTypes {
			if t == taskType {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("queue defaults reference unknown task type %s", taskType)
		}
		if d.Priority < 1 || d.Priority > 5 {
			return fmt.Errorf("task type %s priority must be 1-5, got %d", taskType, d.Priority)
		}
		if d.MaxRetries < 0 {
			return fmt.Errorf("task type %s max_retries must be >= 0", taskType)
		}
	}
	for _, ft := range c.Pipeline.AerialCheck.FinancingTypes {
		if ft == "" {
			return fmt.Errorf("config.pipeline.aerial_check has empty financing type")
		}
	}
	if c.Relay.TimeoutSeconds < 0 || c.Relay.BatchSize < 0 || c.Relay.IntervalMinutes < 0 {
		return fmt.Errorf("config.relay values must be >= 0")
	}
	for name, integ := range c.Integrations.Catalog {
		if name == "" {
			return fmt.Errorf("config.integrations.catalog contains empty name")
		}
		if len(integ.Required) == 0 {
			return fmt.Errorf("integration %s has no required keys", name)
		}
		for _, key := range integ.Required {
			if key == "" {
				return fmt.Errorf("integration %s has empty required key", name)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "solaros.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with sol config import --file <path>", path)
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
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

const defaultTemplate = `pipeline:
  queue:
    defaults:
      cad_generate:
        priority: 2
        max_retries: 3
      permit_submit:
        priority: 2
        max_retries: 3
      schedule_match:
        priority: 2
        max_retries: 3
      funding_submit:
        priority: 2
        max_retries: 3
      credit_audit:
        priority: 3
        max_retries: 2
      survey_process:
        priority: 3
        max_retries: 1

  aerial_check:
    financing_types: [ppa, lease]

  dispatcher:
    poll_ms: 500
    batch_size: 100
    max_attempts: 5

relay:
  interval_minutes: 5
  batch_size: 20
  timeout_seconds: 30
  body_capture_bytes: 2000
  rate_per_second: 5

integrations:
  catalog:
    sendgrid:
      required: [SENDGRID_API_KEY, SENDGRID_FROM_EMAIL]
      secret: [SENDGRID_API_KEY]
    stripe:
      required: [STRIPE_SECRET_KEY, STRIPE_WEBHOOK_SECRET]
      secret: [STRIPE_SECRET_KEY, STRIPE_WEBHOOK_SECRET]
    twilio:
      required: [TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER]
      secret: [TWILIO_AUTH_TOKEN]
    google_places:
      required: [GOOGLE_PLACES_API_KEY]
      secret: [GOOGLE_PLACES_API_KEY]
    google_solar:
      required: [GOOGLE_SOLAR_API_KEY]
      secret: [GOOGLE_SOLAR_API_KEY]
    openei:
      required: [OPENEI_API_KEY]
      secret: [OPENEI_API_KEY]
    subhub:
      required: [SUBHUB_API_URL, SUBHUB_API_KEY]
      secret: [SUBHUB_API_KEY]
`
