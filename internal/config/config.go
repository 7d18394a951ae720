// Package config provides configuration management for the identity resolution service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/leedenison/portfoliodb/internal/logging"
	"github.com/leedenison/portfoliodb/internal/models"
)

// Config holds all application configuration.
type Config struct {
	Store      StoreConfig                  `mapstructure:"store"`
	Resolution ResolutionConfig             `mapstructure:"resolution"`
	Retry      RetryConfig                  `mapstructure:"retry"`
	Sweep      SweepConfig                  `mapstructure:"sweep"`
	Logging    logging.LogConfig            `mapstructure:"logging"`
	Metrics    MetricsConfig                `mapstructure:"metrics"`
	Precedence []models.PrecedenceEntry     `mapstructure:"precedence"`
	Resolvers  map[string]map[string]string `mapstructure:"-"` // Loaded from credentials.toml
}

// StoreConfig holds identity store configuration.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// ResolutionConfig holds resolution engine configuration.
type ResolutionConfig struct {
	Workers       int           `mapstructure:"workers"`        // descriptors resolved in parallel
	MaxParallel   int           `mapstructure:"max_parallel"`   // concurrent resolver calls per descriptor
	PluginTimeout time.Duration `mapstructure:"plugin_timeout"` // per resolver call
	// AttemptTimeout bounds one resolution attempt shared by concurrent callers.
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	// BreakerFailures trips a resolver's circuit after this many consecutive transient failures.
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

// RetryConfig holds backoff configuration for unresolved descriptors.
type RetryConfig struct {
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
	Jitter    float64       `mapstructure:"jitter"` // fraction of the delay, 0 disables
	// MaxRetries is the number of failed attempts after which a descriptor is
	// presented as unresolvable and no longer retried.
	MaxRetries int `mapstructure:"max_retries"`
}

// SweepConfig holds periodic sweep configuration.
type SweepConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	BatchSize  int           `mapstructure:"batch_size"`
}

// MetricsConfig holds Prometheus exporter configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/portfoliodb"
	}
	return filepath.Join(home, ".config", "portfoliodb")
}

// Default returns the configuration used when no file overrides a setting.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Path: filepath.Join(DefaultConfigDir(), "portfoliodb.db")},
		Resolution: ResolutionConfig{
			Workers:         8,
			MaxParallel:     4,
			PluginTimeout:   10 * time.Second,
			AttemptTimeout:  2 * time.Minute,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Retry: RetryConfig{
			BaseDelay:  time.Minute,
			MaxDelay:   24 * time.Hour,
			Jitter:     0.2,
			MaxRetries: 20,
		},
		Sweep: SweepConfig{
			Interval:   15 * time.Minute,
			StaleAfter: 30 * 24 * time.Hour,
			BatchSize:  500,
		},
		Logging:   logging.DefaultLogConfig(),
		Metrics:   MetricsConfig{Listen: ":9464"},
		Resolvers: map[string]map[string]string{},
	}
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// .env is optional; the process environment wins.
	_ = godotenv.Load(filepath.Join(configDir, ".env"))

	cfg := Default()

	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func newViper(configDir, name string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	return v
}

func loadConfigFile(configDir, name string, target *Config) error {
	v := newViper(configDir, name)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateConfig(configDir, name)
		}
		return err
	}

	return v.Unmarshal(target)
}

func loadCredentials(configDir string, cfg *Config) error {
	v := newViper(configDir, "credentials")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Resolvers without credentials simply stay unconfigured.
			return nil
		}
		return err
	}

	var creds struct {
		Resolvers map[string]map[string]string `mapstructure:"resolvers"`
	}
	if err := v.Unmarshal(&creds); err != nil {
		return err
	}
	for name, opts := range creds.Resolvers {
		cfg.Resolvers[name] = opts
	}
	return nil
}

func setOption(cfg *Config, resolver, option, value string) {
	if cfg.Resolvers[resolver] == nil {
		cfg.Resolvers[resolver] = map[string]string{}
	}
	cfg.Resolvers[resolver][option] = value
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORTFOLIODB_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("PORTFOLIODB_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Resolver credentials
	if v := os.Getenv("OPENFIGI_API_KEY"); v != "" {
		setOption(cfg, "openfigi", "api_key", v)
	}
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		setOption(cfg, "kite", "api_key", v)
	}
	if v := os.Getenv("KITE_ACCESS_TOKEN"); v != "" {
		setOption(cfg, "kite", "access_token", v)
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must be set")
	}
	if c.Resolution.Workers <= 0 {
		return fmt.Errorf("resolution.workers must be positive")
	}
	if c.Resolution.MaxParallel <= 0 {
		return fmt.Errorf("resolution.max_parallel must be positive")
	}
	if c.Resolution.PluginTimeout <= 0 {
		return fmt.Errorf("resolution.plugin_timeout must be positive")
	}
	if c.Resolution.AttemptTimeout < c.Resolution.PluginTimeout {
		return fmt.Errorf("resolution.attempt_timeout must be at least plugin_timeout")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("retry.jitter must be in [0, 1)")
	}
	if c.Retry.MaxRetries <= 0 {
		return fmt.Errorf("retry.max_retries must be positive")
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep.interval must be positive")
	}
	return ValidatePrecedence(c.Precedence)
}

// ValidatePrecedence checks entries name distinct resolvers with distinct ranks.
func ValidatePrecedence(entries []models.PrecedenceEntry) error {
	names := make(map[string]bool, len(entries))
	ranks := make(map[int]string, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			return fmt.Errorf("precedence entry without a name")
		}
		if names[e.Name] {
			return fmt.Errorf("resolver %q listed twice in precedence", e.Name)
		}
		names[e.Name] = true
		if other, ok := ranks[e.Rank]; ok {
			return fmt.Errorf("resolvers %q and %q share rank %d", other, e.Name, e.Rank)
		}
		ranks[e.Rank] = e.Name
	}
	return nil
}

// SortedPrecedence returns a copy of the entries ordered by rank.
func SortedPrecedence(entries []models.PrecedenceEntry) []models.PrecedenceEntry {
	out := append([]models.PrecedenceEntry(nil), entries...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}
