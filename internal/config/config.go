// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Proxy    ProxyConfig    `mapstructure:"proxy" yaml:"proxy"`
	Wizard   WizardConfig   `mapstructure:"wizard" yaml:"wizard"`
	OTP      OTPConfig      `mapstructure:"otp" yaml:"otp"`
	Crawl    CrawlConfig    `mapstructure:"crawl" yaml:"crawl"`
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
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
}

// DatabaseConfig holds the account store connection details.
type DatabaseConfig struct {
	URL         string `mapstructure:"url" yaml:"url"`
	MaxConns    int32  `mapstructure:"max_conns" yaml:"max_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

// EngineConfig controls how many account runs execute at once.
type EngineConfig struct {
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
	RunTimeout  time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
}

// BrowserConfig holds settings for the headless browser instances.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ExecPath          string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	Timezone          string        `mapstructure:"timezone" yaml:"timezone"`
	Locale            string        `mapstructure:"locale" yaml:"locale"`
	Typing            TypingConfig  `mapstructure:"typing" yaml:"typing"`
}

// ProxyConfig describes the upstream proxy pool every account draws its egress identity from.
type ProxyConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Host     string `mapstructure:"host" yaml:"host"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"-"`
	PortMin  int    `mapstructure:"port_min" yaml:"port_min"`
	PortMax  int    `mapstructure:"port_max" yaml:"port_max"`
}

// WizardConfig tunes the registration wizard run.
type WizardConfig struct {
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url"`
	SignupPath        string        `mapstructure:"signup_path" yaml:"signup_path"`
	ResumePath        string        `mapstructure:"resume_path" yaml:"resume_path"`
	TargetStage       string        `mapstructure:"target_stage" yaml:"target_stage"`
	StageTimeout      time.Duration `mapstructure:"stage_timeout" yaml:"stage_timeout"`
	AdvanceTimeout    time.Duration `mapstructure:"advance_timeout" yaml:"advance_timeout"`
	LocateTimeout     time.Duration `mapstructure:"locate_timeout" yaml:"locate_timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	ChallengeCooldown time.Duration `mapstructure:"challenge_cooldown" yaml:"challenge_cooldown"`
	ReuseSession      bool          `mapstructure:"reuse_session" yaml:"reuse_session"`
	StrictFill        bool          `mapstructure:"strict_fill" yaml:"strict_fill"`
	BirthDateLayout   string        `mapstructure:"birth_date_layout" yaml:"birth_date_layout"`
	ArtifactDir       string        `mapstructure:"artifact_dir" yaml:"artifact_dir"`
}

// OTPConfig configures the SMS verification provider.
type OTPConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey         string        `mapstructure:"api_key" yaml:"-"`
	Provider       string        `mapstructure:"provider" yaml:"provider"`
	Service        string        `mapstructure:"service" yaml:"service"`
	DefaultRegion  string        `mapstructure:"default_region" yaml:"default_region"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec" yaml:"requests_per_sec"`
}

// CrawlConfig configures the listing crawl.
type CrawlConfig struct {
	StartURL          string        `mapstructure:"start_url" yaml:"start_url"`
	MaxPages          int           `mapstructure:"max_pages" yaml:"max_pages"`
	Output            string        `mapstructure:"output" yaml:"output"`
	ContainerSelector string        `mapstructure:"container_selector" yaml:"container_selector"`
	ContainerTimeout  time.Duration `mapstructure:"container_timeout" yaml:"container_timeout"`
	JitterMin         time.Duration `mapstructure:"jitter_min" yaml:"jitter_min"`
	JitterMax         time.Duration `mapstructure:"jitter_max" yaml:"jitter_max"`
	ExtractRetries    int           `mapstructure:"extract_retries" yaml:"extract_retries"`
	AdvanceRetries    int           `mapstructure:"advance_retries" yaml:"advance_retries"`
	BackoffBase       time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	// Defaults always decode; a failure here would be a programming error in SetDefaults.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "profilepilot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Database --
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.auto_migrate", false)

	// -- Engine --
	v.SetDefault("engine.concurrency", 2)
	v.SetDefault("engine.run_timeout", "20m")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.viewport_width", 1366)
	v.SetDefault("browser.viewport_height", 768)
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.action_timeout", "10s")
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	v.SetDefault("browser.timezone", "America/New_York")
	v.SetDefault("browser.locale", "en-US")
	setTypingDefaults(v)

	// -- Proxy --
	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.port_min", 10000)
	v.SetDefault("proxy.port_max", 10999)

	// -- Wizard --
	v.SetDefault("wizard.base_url", "https://www.upwork.com")
	v.SetDefault("wizard.signup_path", "/nx/signup/?dest=home")
	v.SetDefault("wizard.resume_path", "/nx/create-profile/")
	v.SetDefault("wizard.target_stage", "done")
	v.SetDefault("wizard.stage_timeout", "3m")
	v.SetDefault("wizard.advance_timeout", "20s")
	v.SetDefault("wizard.locate_timeout", "15s")
	v.SetDefault("wizard.max_attempts", 3)
	v.SetDefault("wizard.challenge_cooldown", "24h")
	v.SetDefault("wizard.reuse_session", true)
	v.SetDefault("wizard.strict_fill", false)
	v.SetDefault("wizard.birth_date_layout", "01/02/2006")
	v.SetDefault("wizard.artifact_dir", "./artifacts")

	// -- OTP --
	v.SetDefault("otp.enabled", false)
	v.SetDefault("otp.base_url", "https://api.smspool.net")
	v.SetDefault("otp.provider", "smspool")
	v.SetDefault("otp.service", "upwork")
	v.SetDefault("otp.default_region", "US")
	v.SetDefault("otp.poll_interval", "5s")
	v.SetDefault("otp.timeout", "3m")
	v.SetDefault("otp.requests_per_sec", 2.0)

	// -- Crawl --
	v.SetDefault("crawl.start_url", "https://www.upwork.com/nx/find-work/best-matches")
	v.SetDefault("crawl.max_pages", 5)
	v.SetDefault("crawl.output", "./jobs.ndjson")
	v.SetDefault("crawl.container_selector", `[data-test="job-tile-list"]`)
	v.SetDefault("crawl.container_timeout", "30s")
	v.SetDefault("crawl.jitter_min", "800ms")
	v.SetDefault("crawl.jitter_max", "2500ms")
	v.SetDefault("crawl.extract_retries", 3)
	v.SetDefault("crawl.advance_retries", 3)
	v.SetDefault("crawl.backoff_base", "2s")
}

// LoadDotEnv loads a .env file into the process environment when one exists.
// Variables already present in the environment win.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("error loading %s: %w", path, err)
	}
	return nil
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets come from the environment only.
	_ = v.BindEnv("database.url", "PROFILEPILOT_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("proxy.password", "PROFILEPILOT_PROXY_PASSWORD")
	_ = v.BindEnv("otp.api_key", "PROFILEPILOT_OTP_API_KEY")

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
	if c.Engine.Concurrency <= 0 {
		return fmt.Errorf("engine.concurrency must be a positive integer")
	}
	if c.Wizard.MaxAttempts <= 0 {
		return fmt.Errorf("wizard.max_attempts must be a positive integer")
	}
	if c.Wizard.BaseURL == "" {
		return fmt.Errorf("wizard.base_url is required")
	}
	if err := c.Browser.Typing.Validate(); err != nil {
		return fmt.Errorf("browser.typing configuration invalid: %w", err)
	}
	if err := c.Proxy.Validate(); err != nil {
		return fmt.Errorf("proxy configuration invalid: %w", err)
	}
	if err := c.OTP.Validate(); err != nil {
		return fmt.Errorf("otp configuration invalid: %w", err)
	}
	if c.Crawl.MaxPages <= 0 {
		return fmt.Errorf("crawl.max_pages must be a positive integer")
	}
	return nil
}

// Validate checks the proxy pool settings.
func (p *ProxyConfig) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.Host == "" {
		return fmt.Errorf("host is required when the proxy is enabled")
	}
	if p.PortMin <= 0 || p.PortMax > 65535 || p.PortMin > p.PortMax {
		return fmt.Errorf("port range [%d, %d] is invalid", p.PortMin, p.PortMax)
	}
	return nil
}

// Validate checks the OTP provider settings.
func (o *OTPConfig) Validate() error {
	if !o.Enabled {
		return nil
	}
	if o.BaseURL == "" {
		return fmt.Errorf("base_url is required when otp is enabled")
	}
	if o.APIKey == "" {
		return fmt.Errorf("api key is required but not found. Ensure PROFILEPILOT_OTP_API_KEY is set")
	}
	if o.PollInterval <= 0 || o.Timeout <= 0 {
		return fmt.Errorf("poll_interval and timeout must be positive durations")
	}
	return nil
}
