// Package config performs the layered configuration load: code defaults,
// overlaid by an optional config file, overlaid by environment variables.
// The result is a validated struct handed to the controller; validation
// failures abort session creation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the validated configuration surface.
type Config struct {
	TokenBudget    int           `mapstructure:"token_budget"`
	MaxSteps       int           `mapstructure:"max_steps"`
	MaxDuration    time.Duration `mapstructure:"-"`
	MaxDurationMs  int           `mapstructure:"max_duration_ms"`
	MaxBadAttempts int           `mapstructure:"max_bad_attempts"`
	FailureLimit   int           `mapstructure:"failure_limit"`
	StepTimeoutMs  int           `mapstructure:"step_timeout_ms"`

	LLMProvider    string `mapstructure:"llm_provider"`
	LLMBaseURL     string `mapstructure:"llm_base_url"`
	LLMModel       string `mapstructure:"llm_model"`
	OpenAIAPIKey   string `mapstructure:"openai_api_key"`
	SearchProvider string `mapstructure:"search_provider"`
	SerperAPIKey   string `mapstructure:"serper_api_key"`
	BraveAPIKey    string `mapstructure:"brave_api_key"`

	// ModelOverrides maps a tool name (agent, evaluator, rewriter,
	// analyzer) to a model identifier.
	ModelOverrides map[string]string `mapstructure:"model_overrides"`

	MetricsPort int    `mapstructure:"metrics_port"`
	ListenAddr  string `mapstructure:"listen_addr"`
	LogLevel    string `mapstructure:"log_level"`
}

// Load builds the config from defaults, the file named by CONFIG_PATH (if
// any), and the environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("token_budget", 1_000_000)
	v.SetDefault("max_steps", 40)
	v.SetDefault("max_duration_ms", 300_000)
	v.SetDefault("max_bad_attempts", 2)
	v.SetDefault("failure_limit", 5)
	v.SetDefault("step_timeout_ms", 60_000)
	v.SetDefault("llm_provider", "openai")
	v.SetDefault("llm_base_url", "https://api.openai.com/v1")
	v.SetDefault("llm_model", "gpt-4o")
	v.SetDefault("openai_api_key", "")
	v.SetDefault("search_provider", "serper")
	v.SetDefault("serper_api_key", "")
	v.SetDefault("brave_api_key", "")
	v.SetDefault("metrics_port", 9090)
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")

	if path := v.GetString("config_path"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("deepresearch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if path := v.GetString("config_path"); path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; a malformed one is not.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			if v.ConfigFileUsed() != "" {
				return nil, fmt.Errorf("read config %s: %w", v.ConfigFileUsed(), err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.MaxDuration = time.Duration(cfg.MaxDurationMs) * time.Millisecond

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the configuration invariants.
func (c *Config) Validate() error {
	if c.TokenBudget <= 0 {
		return fmt.Errorf("config: token_budget must be positive, got %d", c.TokenBudget)
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("config: max_steps must be positive, got %d", c.MaxSteps)
	}
	if c.MaxDurationMs <= 0 {
		return fmt.Errorf("config: max_duration_ms must be positive, got %d", c.MaxDurationMs)
	}
	if c.MaxBadAttempts <= 0 {
		return fmt.Errorf("config: max_bad_attempts must be positive, got %d", c.MaxBadAttempts)
	}
	if c.FailureLimit <= 0 {
		return fmt.Errorf("config: failure_limit must be positive, got %d", c.FailureLimit)
	}
	switch c.LLMProvider {
	case "openai":
	default:
		return fmt.Errorf("config: unknown llm_provider %q", c.LLMProvider)
	}
	switch c.SearchProvider {
	case "serper", "brave":
	default:
		return fmt.Errorf("config: unknown search_provider %q", c.SearchProvider)
	}
	return nil
}

// ModelFor resolves the model for a tool, falling back to the default.
func (c *Config) ModelFor(tool string) string {
	if m, ok := c.ModelOverrides[tool]; ok && m != "" {
		return m
	}
	return c.LLMModel
}
