// Package config provides configuration management for the advisor.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"smartarb-advisor/internal/models"
)

// Config holds all application configuration.
type Config struct {
	Scheduler     SchedulerConfig    `mapstructure:"scheduler" json:"scheduler" yaml:"scheduler"`
	Emergency     EmergencyConfig    `mapstructure:"emergency" json:"emergency" yaml:"emergency"`
	Report        ReportConfig       `mapstructure:"report" json:"report" yaml:"report"`
	Advisory      AdvisoryConfig     `mapstructure:"advisory" json:"advisory" yaml:"advisory"`
	AutoApply     AutoApplyConfig    `mapstructure:"auto_apply" json:"auto_apply" yaml:"auto_apply"`
	Validator     ValidatorConfig    `mapstructure:"validator" json:"validator" yaml:"validator"`
	Engine        EngineConfig       `mapstructure:"engine" json:"engine" yaml:"engine"`
	API           APIConfig          `mapstructure:"api" json:"api" yaml:"api"`
	Store         StoreConfig        `mapstructure:"store" json:"store" yaml:"store"`
	Security      SecurityConfig     `mapstructure:"security" json:"security" yaml:"security"`
	Notifications NotificationConfig `mapstructure:"notifications" json:"notifications" yaml:"notifications"`
	Logging       LoggingConfig      `mapstructure:"logging" json:"logging" yaml:"logging"`
	Credentials   Credentials        `mapstructure:"-" json:"-" yaml:"-"` // Loaded separately
}

// SchedulerConfig holds the timer and queue settings.
type SchedulerConfig struct {
	Schedule        string        `mapstructure:"schedule" json:"schedule" yaml:"schedule"`
	MaxPollInterval time.Duration `mapstructure:"max_poll_interval" json:"max_poll_interval" yaml:"max_poll_interval"`
	MinPollInterval time.Duration `mapstructure:"min_poll_interval" json:"min_poll_interval" yaml:"min_poll_interval"`
	ErrorBackoff    time.Duration `mapstructure:"error_backoff" json:"error_backoff" yaml:"error_backoff"`
	QueueCapacity   int           `mapstructure:"queue_capacity" json:"queue_capacity" yaml:"queue_capacity"`
	DequeuePoll     time.Duration `mapstructure:"dequeue_poll" json:"dequeue_poll" yaml:"dequeue_poll"`
	StateRetention  int           `mapstructure:"state_retention" json:"state_retention" yaml:"state_retention"`
}

// EmergencyConfig holds the emergency trigger thresholds.
type EmergencyConfig struct {
	LowSuccessRatePct     float64 `mapstructure:"low_success_rate_pct" json:"low_success_rate_pct" yaml:"low_success_rate_pct"`
	HighDrawdownAbs       float64 `mapstructure:"high_drawdown_abs" json:"high_drawdown_abs" yaml:"high_drawdown_abs"`
	MaxExecutionLatencyMs float64 `mapstructure:"max_execution_latency_ms" json:"max_execution_latency_ms" yaml:"max_execution_latency_ms"`
	FailedTradeStreak     int     `mapstructure:"failed_trade_streak" json:"failed_trade_streak" yaml:"failed_trade_streak"`
	EnqueueOnUnknown      bool    `mapstructure:"enqueue_on_unknown" json:"enqueue_on_unknown" yaml:"enqueue_on_unknown"`
}

// Thresholds converts the section into the monitor's threshold set.
func (e EmergencyConfig) Thresholds() models.EmergencyThresholds {
	return models.EmergencyThresholds{
		LowSuccessRatePct:     e.LowSuccessRatePct,
		HighDrawdownAbs:       e.HighDrawdownAbs,
		MaxExecutionLatencyMs: e.MaxExecutionLatencyMs,
		FailedTradeStreak:     e.FailedTradeStreak,
	}
}

// ReportConfig holds report window settings.
type ReportConfig struct {
	Window          time.Duration `mapstructure:"window" json:"window" yaml:"window"`
	EmergencyWindow time.Duration `mapstructure:"emergency_window" json:"emergency_window" yaml:"emergency_window"`
}

// AdvisoryConfig holds advisory service settings.
type AdvisoryConfig struct {
	Model             string        `mapstructure:"model" json:"model" yaml:"model"`
	BaseURL           string        `mapstructure:"base_url" json:"base_url" yaml:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
	MaxTokens         int           `mapstructure:"max_tokens" json:"max_tokens" yaml:"max_tokens"`
	Temperature       float64       `mapstructure:"temperature" json:"temperature" yaml:"temperature"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" json:"requests_per_minute" yaml:"requests_per_minute"`
}

// AutoApplyConfig controls automatic application of config changes.
type AutoApplyConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
}

// ValidatorConfig holds recommendation validation settings.
type ValidatorConfig struct {
	TrustedRoot    string `mapstructure:"trusted_root" json:"trusted_root" yaml:"trusted_root"`
	MaxCodeChanges int    `mapstructure:"max_code_changes" json:"max_code_changes" yaml:"max_code_changes"`
}

// EngineConfig holds the trading engine API settings.
type EngineConfig struct {
	BaseURL string        `mapstructure:"base_url" json:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
}

// APIConfig holds the control API settings.
type APIConfig struct {
	Listen  string `mapstructure:"listen" json:"listen" yaml:"listen"`
	BaseURL string `mapstructure:"base_url" json:"base_url" yaml:"base_url"`
}

// StoreConfig holds the SQLite database settings.
type StoreConfig struct {
	Path string `mapstructure:"path" json:"path" yaml:"path"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	ReadOnlyMode bool   `mapstructure:"read_only_mode" json:"read_only_mode" yaml:"read_only_mode"`
	AuditEnabled bool   `mapstructure:"audit_enabled" json:"audit_enabled" yaml:"audit_enabled"`
	AuditPath    string `mapstructure:"audit_path" json:"audit_path" yaml:"audit_path"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled  bool           `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Webhook  WebhookConfig  `mapstructure:"webhook" json:"webhook" yaml:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram" json:"telegram" yaml:"telegram"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" json:"url" yaml:"url"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	BotToken string `mapstructure:"bot_token" json:"-" yaml:"-"`
	ChatID   string `mapstructure:"chat_id" json:"chat_id" yaml:"chat_id"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level" json:"level" yaml:"level"`
	Console    bool   `mapstructure:"console" json:"console" yaml:"console"`
	File       string `mapstructure:"file" json:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
}

// Credentials holds API credentials.
type Credentials struct {
	Advisory AdvisoryCredentials `mapstructure:"advisory"`
	Engine   EngineCredentials   `mapstructure:"engine"`
}

// AdvisoryCredentials holds the advisory service API key.
type AdvisoryCredentials struct {
	APIKey string `mapstructure:"api_key"`
}

// EngineCredentials holds the trading engine API token.
type EngineCredentials struct {
	APIToken string `mapstructure:"api_token"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/smartarb-advisor"
	}
	return filepath.Join(home, ".config", "smartarb-advisor")
}

// Path returns the main config file path inside configDir.
func Path(configDir string) string {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	return filepath.Join(configDir, "config.toml")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
// Missing files are created from templates and then read.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	loadDotEnv(configDir)

	cfg := &Config{}

	v, err := newViper(configDir, "config")
	if err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration populated only from defaults.
func Default() *Config {
	v := viper.New()
	setDefaults(v, DefaultConfigDir())
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func newViper(configDir, name string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		if err := createTemplateConfig(configDir); err != nil {
			return nil, err
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("scheduler.schedule", "0 */6 * * *")
	v.SetDefault("scheduler.max_poll_interval", 5*time.Minute)
	v.SetDefault("scheduler.min_poll_interval", time.Second)
	v.SetDefault("scheduler.error_backoff", 60*time.Second)
	v.SetDefault("scheduler.queue_capacity", 256)
	v.SetDefault("scheduler.dequeue_poll", time.Second)
	v.SetDefault("scheduler.state_retention", 500)

	v.SetDefault("emergency.low_success_rate_pct", 60.0)
	v.SetDefault("emergency.high_drawdown_abs", 100.0)
	v.SetDefault("emergency.max_execution_latency_ms", 5000.0)
	v.SetDefault("emergency.failed_trade_streak", 5)
	v.SetDefault("emergency.enqueue_on_unknown", true)

	v.SetDefault("report.window", 24*time.Hour)
	v.SetDefault("report.emergency_window", time.Hour)

	v.SetDefault("advisory.model", "gpt-4o")
	v.SetDefault("advisory.base_url", "")
	v.SetDefault("advisory.timeout", 60*time.Second)
	v.SetDefault("advisory.max_tokens", 4096)
	v.SetDefault("advisory.temperature", 0.2)
	v.SetDefault("advisory.requests_per_minute", 6)

	v.SetDefault("auto_apply.enabled", false)

	v.SetDefault("validator.trusted_root", "src/")
	v.SetDefault("validator.max_code_changes", 5)

	v.SetDefault("engine.base_url", "http://127.0.0.1:8000")
	v.SetDefault("engine.timeout", 10*time.Second)

	v.SetDefault("api.listen", ":8090")
	v.SetDefault("api.base_url", "http://127.0.0.1:8090")

	v.SetDefault("store.path", filepath.Join(configDir, "advisor.db"))

	v.SetDefault("security.read_only_mode", false)
	v.SetDefault("security.audit_enabled", true)
	v.SetDefault("security.audit_path", filepath.Join(configDir, "logs", "audit.log"))

	v.SetDefault("notifications.enabled", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", filepath.Join(configDir, "logs", "advisor.log"))
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age_days", 30)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

// loadDotEnv loads .env files from the config dir and the working directory.
// Already-set environment variables win.
func loadDotEnv(configDir string) {
	for _, path := range []string{filepath.Join(configDir, ".env"), ".env"} {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Credentials.Advisory.APIKey = v
	}
	// ADVISORY_API_KEY takes precedence over OPENAI_API_KEY.
	if v := os.Getenv("ADVISORY_API_KEY"); v != "" {
		cfg.Credentials.Advisory.APIKey = v
	}
	if v := os.Getenv("ENGINE_API_TOKEN"); v != "" {
		cfg.Credentials.Engine.APIToken = v
	}
	if v := os.Getenv("ENGINE_BASE_URL"); v != "" {
		cfg.Engine.BaseURL = v
	}
	if v := os.Getenv("AUTO_APPLY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AutoApply.Enabled = b
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if _, err := cron.ParseStandard(c.Scheduler.Schedule); err != nil {
		return fmt.Errorf("scheduler.schedule %q: %w", c.Scheduler.Schedule, err)
	}
	if c.Scheduler.QueueCapacity <= 0 {
		return fmt.Errorf("scheduler.queue_capacity must be positive")
	}
	if c.Scheduler.MinPollInterval <= 0 || c.Scheduler.MaxPollInterval < c.Scheduler.MinPollInterval {
		return fmt.Errorf("scheduler poll intervals must satisfy 0 < min_poll_interval <= max_poll_interval")
	}
	if c.Scheduler.DequeuePoll <= 0 {
		return fmt.Errorf("scheduler.dequeue_poll must be positive")
	}

	if err := c.Emergency.Thresholds().Validate(); err != nil {
		return fmt.Errorf("emergency: %w", err)
	}

	if c.Report.Window <= 0 || c.Report.EmergencyWindow <= 0 {
		return fmt.Errorf("report windows must be positive")
	}

	if c.Advisory.Timeout <= 0 {
		return fmt.Errorf("advisory.timeout must be positive")
	}
	if c.Advisory.RequestsPerMinute < 0 {
		return fmt.Errorf("advisory.requests_per_minute must be non-negative")
	}
	if c.Advisory.Temperature < 0 || c.Advisory.Temperature > 2 {
		return fmt.Errorf("advisory.temperature must be between 0 and 2")
	}

	if c.Validator.TrustedRoot == "" {
		return fmt.Errorf("validator.trusted_root must not be empty")
	}
	if c.Validator.MaxCodeChanges <= 0 {
		return fmt.Errorf("validator.max_code_changes must be positive")
	}

	if c.Notifications.Webhook.Enabled && c.Notifications.Webhook.URL == "" {
		return fmt.Errorf("notifications.webhook.url is required when the webhook is enabled")
	}
	if c.Notifications.Telegram.Enabled && (c.Notifications.Telegram.BotToken == "" || c.Notifications.Telegram.ChatID == "") {
		return fmt.Errorf("notifications.telegram needs bot_token and chat_id when enabled")
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

// HasAdvisoryKey reports whether an advisory API key is configured.
func (c *Config) HasAdvisoryKey() bool {
	return c.Credentials.Advisory.APIKey != ""
}
