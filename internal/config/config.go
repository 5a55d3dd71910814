// Package config loads the layered application configuration:
// config/default.toml, overridden by config/user.toml, overridden by
// AI_MANAGER_-prefixed environment variables.
//
// Grounded on tab-fuku's internal/config.Load (viper.New +
// v.MergeConfig + v.Unmarshal) for the Go mechanics, and on
// original_source/crates/core/src/config.rs for the exact layering
// order and key names — that file builds a Rust config::Config from
// File(default) + File(user) + Environment::with_prefix("AI_MANAGER")
// .separator("__"), which this package reproduces with viper.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// DefaultConfigPath and UserConfigPath match the original source's
// DEFAULT_CONFIG_FILE / USER_CONFIG_FILE constants.
const (
	DefaultConfigPath = "config/default.toml"
	UserConfigPath    = "config/user.toml"
	EnvPrefix         = "AI_MANAGER"
)

// Config is the fully merged application configuration.
type Config struct {
	LLM              LLMConfig              `mapstructure:"llm"`
	Database         DatabaseConfig         `mapstructure:"database"`
	ExternalServices ExternalServicesConfig `mapstructure:"external_services"`
	UI               UIConfig               `mapstructure:"ui"`
	Logging          LoggingConfig          `mapstructure:"logging"`
	Bus              BusConfig              `mapstructure:"bus"`
	Supervisor       SupervisorConfig       `mapstructure:"supervisor"`
}

// LLMConfig configures the llm collaborator.
// Models maps a model name to the provider that serves it (e.g.
// "llama3" -> "ollama"), matching llm.MultiClient.AddModel's argument
// order.
type LLMConfig struct {
	DefaultProvider       string                  `mapstructure:"default_provider"`
	DefaultModel          string                  `mapstructure:"default_model"`
	OllamaURL             string                  `mapstructure:"ollama_url"`
	APIKeys               map[string]string       `mapstructure:"api_keys"`
	Models                map[string]string       `mapstructure:"models"`
	Pricing               map[string]PricingEntry `mapstructure:"pricing"`
	MaxTokens             int                     `mapstructure:"max_tokens"`
	Temperature           float64                 `mapstructure:"temperature"`
	RequestTimeoutSeconds int                     `mapstructure:"request_timeout_seconds"`
}

// PricingEntry holds a model's per-million-token USD pricing, used by
// internal/usage.ComputeCost. Models absent from the pricing table are
// treated as free, which is correct for local Ollama models.
type PricingEntry struct {
	InputPerMillion  float64 `mapstructure:"input_per_million"`
	OutputPerMillion float64 `mapstructure:"output_per_million"`
}

// DatabaseConfig configures the persistence collaborator.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ExternalServicesConfig configures the email and calendar collaborators.
type ExternalServicesConfig struct {
	Email    EmailConfig    `mapstructure:"email"`
	Calendar CalendarConfig `mapstructure:"calendar"`
}

// EmailConfig holds a single IMAP account's settings. Account is the
// short name the email and opstate packages use to key per-account
// state (high-water marks, log fields).
type EmailConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Account      string `mapstructure:"account"`
	IMAPHost     string `mapstructure:"imap_host"`
	IMAPPort     int    `mapstructure:"imap_port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	PollInterval int    `mapstructure:"poll_interval_seconds"`
}

// CalendarConfig holds CalDAV account settings.
type CalendarConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Calendar string `mapstructure:"calendar"`
}

// UIConfig configures the WebSocket UI gateway.
type UIConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// BusConfig overrides the event bus's default capacities.
type BusConfig struct {
	MessageQueueCapacity     int `mapstructure:"message_queue_capacity"`
	BroadcastChannelCapacity int `mapstructure:"broadcast_channel_capacity"`
}

// SupervisorConfig overrides the restart backoff policy and health
// check cadence.
type SupervisorConfig struct {
	MaxRestartAttempts         int     `mapstructure:"max_restart_attempts"`
	RestartDelaySeconds        float64 `mapstructure:"restart_delay_seconds"`
	BackoffMultiplier          float64 `mapstructure:"backoff_multiplier"`
	MaxRestartDelaySeconds     float64 `mapstructure:"max_restart_delay_seconds"`
	HealthCheckIntervalSeconds int     `mapstructure:"health_check_interval_seconds"`
}

// Default returns the configuration's zero-override baseline, matching
// original_source/crates/shared/src/constants.rs.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			DefaultProvider:       "ollama",
			DefaultModel:          "llama3",
			OllamaURL:             "http://localhost:11434",
			Models:                map[string]string{},
			APIKeys:               map[string]string{},
			Pricing:               map[string]PricingEntry{},
			MaxTokens:             2000,
			Temperature:           0.7,
			RequestTimeoutSeconds: 60,
		},
		Database: DatabaseConfig{Path: "data/ai_manager.db"},
		UI:       UIConfig{ListenAddr: "127.0.0.1:8787"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Bus: BusConfig{
			MessageQueueCapacity:     1000,
			BroadcastChannelCapacity: 100,
		},
		Supervisor: SupervisorConfig{
			MaxRestartAttempts:         5,
			RestartDelaySeconds:        2,
			BackoffMultiplier:          1.5,
			MaxRestartDelaySeconds:     60,
			HealthCheckIntervalSeconds: 30,
		},
	}
}

// Load builds the layered configuration: defaults, then
// config/default.toml if present, then config/user.toml if present,
// then AI_MANAGER_ environment variables (double underscore as the
// nested-key separator, e.g. AI_MANAGER_LLM__DEFAULT_PROVIDER).
// Missing config files are not an error — only malformed ones are; a
// missing default.toml is logged at warn level, a missing user.toml at
// info level.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v, Default())

	if _, err := os.Stat(DefaultConfigPath); os.IsNotExist(err) {
		slog.Warn("config file not found, using built-in defaults", "path", DefaultConfigPath)
	}
	if _, err := os.Stat(UserConfigPath); os.IsNotExist(err) {
		slog.Info("optional config file not found", "path", UserConfigPath)
	}

	if err := mergeFile(v, DefaultConfigPath); err != nil {
		return nil, err
	}
	if err := mergeFile(v, UserConfigPath); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults registers every leaf of d into v via SetDefault so that
// AutomaticEnv picks up AI_MANAGER_-prefixed overrides even for keys no
// config file defines — viper's automatic environment binding only
// resolves keys that already exist somewhere in its config map, so a
// default built purely as a Go struct literal (as Default does) is
// otherwise invisible to it. Mirrors
// original_source/crates/core/src/config.rs's use of the Rust config
// crate's Environment source, which always scans the process
// environment regardless of what the layered file sources define.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("llm.default_provider", d.LLM.DefaultProvider)
	v.SetDefault("llm.default_model", d.LLM.DefaultModel)
	v.SetDefault("llm.ollama_url", d.LLM.OllamaURL)
	v.SetDefault("llm.api_keys", d.LLM.APIKeys)
	v.SetDefault("llm.models", d.LLM.Models)
	v.SetDefault("llm.pricing", d.LLM.Pricing)
	v.SetDefault("llm.max_tokens", d.LLM.MaxTokens)
	v.SetDefault("llm.temperature", d.LLM.Temperature)
	v.SetDefault("llm.request_timeout_seconds", d.LLM.RequestTimeoutSeconds)

	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("external_services.email.enabled", d.ExternalServices.Email.Enabled)
	v.SetDefault("external_services.email.account", d.ExternalServices.Email.Account)
	v.SetDefault("external_services.email.imap_host", d.ExternalServices.Email.IMAPHost)
	v.SetDefault("external_services.email.imap_port", d.ExternalServices.Email.IMAPPort)
	v.SetDefault("external_services.email.username", d.ExternalServices.Email.Username)
	v.SetDefault("external_services.email.password", d.ExternalServices.Email.Password)
	v.SetDefault("external_services.email.poll_interval_seconds", d.ExternalServices.Email.PollInterval)

	v.SetDefault("external_services.calendar.enabled", d.ExternalServices.Calendar.Enabled)
	v.SetDefault("external_services.calendar.url", d.ExternalServices.Calendar.URL)
	v.SetDefault("external_services.calendar.username", d.ExternalServices.Calendar.Username)
	v.SetDefault("external_services.calendar.password", d.ExternalServices.Calendar.Password)
	v.SetDefault("external_services.calendar.calendar", d.ExternalServices.Calendar.Calendar)

	v.SetDefault("ui.listen_addr", d.UI.ListenAddr)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("bus.message_queue_capacity", d.Bus.MessageQueueCapacity)
	v.SetDefault("bus.broadcast_channel_capacity", d.Bus.BroadcastChannelCapacity)

	v.SetDefault("supervisor.max_restart_attempts", d.Supervisor.MaxRestartAttempts)
	v.SetDefault("supervisor.restart_delay_seconds", d.Supervisor.RestartDelaySeconds)
	v.SetDefault("supervisor.backoff_multiplier", d.Supervisor.BackoffMultiplier)
	v.SetDefault("supervisor.max_restart_delay_seconds", d.Supervisor.MaxRestartDelaySeconds)
	v.SetDefault("supervisor.health_check_interval_seconds", d.Supervisor.HealthCheckIntervalSeconds)
}

// mergeFile layers path's contents onto v's existing configuration if
// the file exists, leaving v untouched when it does not.
func mergeFile(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := v.MergeConfig(strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Validate enforces the one required key the original ConfigManager
// checks: llm.default_provider must be set.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.LLM.DefaultProvider) == "" {
		return fmt.Errorf("llm.default_provider must be set")
	}
	return nil
}

// LLMAPIKey returns the API key configured for provider, if any.
func (c *Config) LLMAPIKey(provider string) (string, bool) {
	key, ok := c.LLM.APIKeys[provider]
	return key, ok
}
