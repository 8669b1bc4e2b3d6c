package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mnemoslab/mnemos/pkg/errors"
)

// Duration wraps time.Duration so YAML accepts both "30s" style strings
// and plain nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw interface{}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, errors.InvalidInput, "invalid duration")
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	case int64:
		*d = Duration(v)
	case float64:
		*d = Duration(int64(v))
	default:
		return errors.New(errors.InvalidInput, "duration must be a string or integer")
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the complete configuration for the mnemos agent core.
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server,omitempty" validate:"omitempty"`

	// Store configuration
	Store StoreConfig `yaml:"store,omitempty" validate:"omitempty"`

	// Orchestrator configuration
	Orchestrator OrchestratorConfig `yaml:"orchestrator,omitempty" validate:"omitempty"`

	// Strategy selector configuration
	Selector SelectorConfig `yaml:"selector,omitempty" validate:"omitempty"`

	// Reflection engine configuration
	Reflection ReflectionConfig `yaml:"reflection,omitempty" validate:"omitempty"`

	// External collaborator configuration
	Collaborator CollaboratorConfig `yaml:"collaborator,omitempty" validate:"omitempty"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging,omitempty" validate:"omitempty"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`
}

// StoreConfig holds memory store settings.
type StoreConfig struct {
	// Path to the sqlite database file; ":memory:" for ephemeral stores.
	Path string `yaml:"path" validate:"required"`

	// Dimensions of the embedding vectors.
	EmbeddingDims int `yaml:"embedding_dims" validate:"min=8"`

	// SeedPath optionally points at a YAML file of initial knowledge
	// entries loaded into an empty store on startup.
	SeedPath string `yaml:"seed_path,omitempty"`
}

// OrchestratorConfig holds task execution settings.
type OrchestratorConfig struct {
	// MaxConcurrent controls maximum parallel task execution.
	MaxConcurrent int `yaml:"max_concurrent" validate:"min=1"`

	// MaxAttempts bounds retries of transient failures per task.
	MaxAttempts int `yaml:"max_attempts" validate:"min=1"`

	// RetryBackoff is the delay before the first retry.
	RetryBackoff Duration `yaml:"retry_backoff" validate:"min=0"`

	// BackoffMultiplier grows the delay between retry attempts.
	BackoffMultiplier float64 `yaml:"backoff_multiplier" validate:"min=1"`

	// TaskTimeout is the per-attempt wall-clock limit; exceeding it is
	// treated as a transient failure.
	TaskTimeout Duration `yaml:"task_timeout" validate:"min=0"`

	// ReflectEvery schedules an automatic reflect task once this many
	// new experiences have accumulated since the last reflection.
	ReflectEvery int `yaml:"reflect_every" validate:"min=1"`
}

// SelectorConfig holds strategy ranking knobs. The decay function and
// exploration floor are deliberately configuration, not constants.
type SelectorConfig struct {
	// DecayHalfLife is the age at which a strategy's recency weight
	// halves.
	DecayHalfLife Duration `yaml:"decay_half_life" validate:"min=0"`

	// MinAttempts is the exploration floor: strategies tried fewer
	// times than this are boosted so they still get selected.
	MinAttempts int `yaml:"min_attempts" validate:"min=0"`

	// ExplorationScore is the score assigned to under-tried strategies.
	ExplorationScore float64 `yaml:"exploration_score" validate:"min=0,max=1"`

	// TopN is the default number of candidates returned.
	TopN int `yaml:"top_n" validate:"min=1"`
}

// ReflectionConfig holds insight extraction knobs.
type ReflectionConfig struct {
	// MinPatternFailures is the minimum number of failures sharing a
	// signature in one batch before a knowledge item is emitted.
	MinPatternFailures int `yaml:"min_pattern_failures" validate:"min=1"`

	// RecentWindow is how many recent experiences feed the rolling
	// success rate reported by agent status.
	RecentWindow int `yaml:"recent_window" validate:"min=1"`
}

// CollaboratorConfig selects and configures the external solving and
// exploration collaborators.
type CollaboratorConfig struct {
	// Provider is the collaborator backend ("anthropic" or "stub").
	Provider string `yaml:"provider" validate:"omitempty,oneof=anthropic stub"`

	// ModelID, e.g. claude-sonnet-4-5.
	ModelID string `yaml:"model_id"`

	// APIKey for the provider; falls back to ANTHROPIC_API_KEY.
	APIKey string `yaml:"api_key,omitempty"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR FATAL"`
	File  string `yaml:"file,omitempty"`
}

// Default returns a Config with documented defaults for every knob.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		Store: StoreConfig{
			Path:          "data/mnemos.db",
			EmbeddingDims: 128,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrent:     4,
			MaxAttempts:       3,
			RetryBackoff:      Duration(time.Second),
			BackoffMultiplier: 2.0,
			TaskTimeout:       Duration(60 * time.Second),
			ReflectEvery:      5,
		},
		Selector: SelectorConfig{
			DecayHalfLife:    Duration(24 * time.Hour),
			MinAttempts:      3,
			ExplorationScore: 0.5,
			TopN:             3,
		},
		Reflection: ReflectionConfig{
			MinPatternFailures: 2,
			RecentWindow:       20,
		},
		Collaborator: CollaboratorConfig{
			Provider: "stub",
			ModelID:  "claude-sonnet-4-5",
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

// Load builds a config from defaults overlaid with the first YAML file
// found among paths, then applies environment overrides and validates.
func Load(paths ...string) (*Config, error) {
	cfg := Default()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.WithFields(
				errors.Wrap(err, errors.Unknown, "failed to read config file"),
				errors.Fields{"path": path},
			)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WithFields(
				errors.Wrap(err, errors.InvalidInput, "failed to parse config YAML"),
				errors.Fields{"path": path},
			)
		}
		break
	}

	if cfg.Collaborator.APIKey == "" {
		cfg.Collaborator.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config against its struct tags.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, errors.InvalidInput, "invalid configuration")
	}
	return nil
}
