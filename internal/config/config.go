// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the application.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Browser    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	Automation AutomationConfig `mapstructure:"automation" yaml:"automation"`
	Retry      RetryConfig      `mapstructure:"retry" yaml:"retry"`
	Persist    PersistConfig    `mapstructure:"persist" yaml:"persist"`
	CLI        CLIConfig        `mapstructure:"cli" yaml:"cli"`
	Session    SessionConfig    `mapstructure:"session" yaml:"session"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the browser instance driven by the automation.
type BrowserConfig struct {
	Headless      bool           `mapstructure:"headless" yaml:"headless"`
	Viewport      map[string]int `mapstructure:"viewport" yaml:"viewport"`
	UserAgent     string         `mapstructure:"user_agent" yaml:"user_agent"`
	Args          []string       `mapstructure:"args" yaml:"args"`
	LaunchTimeout time.Duration  `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	TypingDelay   time.Duration  `mapstructure:"typing_delay" yaml:"typing_delay"`
	ScreenshotDir string         `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
	Debug         bool           `mapstructure:"debug" yaml:"debug"`
}

// AutomationConfig drives the provisioning flow itself.
type AutomationConfig struct {
	TargetURL         string        `mapstructure:"target_url" yaml:"target_url"`
	AccountName       string        `mapstructure:"account_name" yaml:"account_name"`
	Vaults            []string      `mapstructure:"vaults" yaml:"vaults"`
	MaxWizardSteps    int           `mapstructure:"max_wizard_steps" yaml:"max_wizard_steps"`
	Autonomous        bool          `mapstructure:"autonomous" yaml:"autonomous"`
	AuthGracePeriod   time.Duration `mapstructure:"auth_grace_period" yaml:"auth_grace_period"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	AuthPatterns      []string      `mapstructure:"auth_patterns" yaml:"auth_patterns"`
}

// RetryConfig caps the retry behavior of transient orchestration steps.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	MaxDelay   time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// PersistConfig controls where and how the extracted token is written.
type PersistConfig struct {
	ProfilePath string `mapstructure:"profile_path" yaml:"profile_path"`
	EnvVar      string `mapstructure:"env_var" yaml:"env_var"`
}

// CLIConfig configures interaction with the vendor command line tool.
type CLIConfig struct {
	Binary  string        `mapstructure:"binary" yaml:"binary"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SessionConfig controls session state and checkpoint persistence.
type SessionConfig struct {
	StateFile     string `mapstructure:"state_file" yaml:"state_file"`
	CheckpointDir string `mapstructure:"checkpoint_dir" yaml:"checkpoint_dir"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "opforge")
	v.SetDefault("logger.log_file", "opforge.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.viewport", map[string]int{"width": 1280, "height": 800})
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.typing_delay", "50ms")
	v.SetDefault("browser.screenshot_dir", "")
	v.SetDefault("browser.debug", false)

	// -- Automation --
	v.SetDefault("automation.target_url", "https://my.1password.com/developer-tools/infrastructure-secrets/serviceaccount/")
	v.SetDefault("automation.account_name", "automation-service-account")
	v.SetDefault("automation.max_wizard_steps", 5)
	v.SetDefault("automation.autonomous", false)
	v.SetDefault("automation.auth_grace_period", "60s")
	v.SetDefault("automation.navigation_timeout", "90s")
	v.SetDefault("automation.auth_patterns", []string{
		"session", "auth", "token", "user_id", "logged_in", "access_token", "refresh_token",
	})

	// -- Retry --
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.max_delay", "30s")

	// -- Persist --
	v.SetDefault("persist.profile_path", "~/.zshrc")
	v.SetDefault("persist.env_var", "OP_SERVICE_ACCOUNT_TOKEN")

	// -- CLI --
	v.SetDefault("cli.binary", "op")
	v.SetDefault("cli.timeout", "15s")

	// -- Session --
	v.SetDefault("session.state_file", "")
	v.SetDefault("session.checkpoint_dir", "~/.opforge/checkpoints")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Automation.TargetURL == "" {
		return fmt.Errorf("automation.target_url is a required configuration field")
	}
	if c.Automation.MaxWizardSteps <= 0 {
		return fmt.Errorf("automation.max_wizard_steps must be a positive integer")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Persist.EnvVar == "" {
		return fmt.Errorf("persist.env_var is a required configuration field")
	}
	if c.Persist.ProfilePath == "" {
		return fmt.Errorf("persist.profile_path is a required configuration field")
	}
	if c.Browser.LaunchTimeout <= 0 {
		return fmt.Errorf("browser.launch_timeout must be a positive duration")
	}
	return nil
}

// ViewportWidth returns the configured viewport width with a sane fallback.
func (b BrowserConfig) ViewportWidth() int {
	if w, ok := b.Viewport["width"]; ok && w > 0 {
		return w
	}
	return 1280
}

// ViewportHeight returns the configured viewport height with a sane fallback.
func (b BrowserConfig) ViewportHeight() int {
	if h, ok := b.Viewport["height"]; ok && h > 0 {
		return h
	}
	return 800
}
