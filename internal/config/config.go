// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Store() StoreConfig
	Browser() BrowserConfig
	Coordinator() CoordinatorConfig
	Quiescence() QuiescenceConfig
	Decision() DecisionConfig
	Observer() ObserverConfig
	Auth() AuthConfig

	// Setters used by CLI flags.
	SetBrowserHeadless(bool)
	SetStoreBackend(string)
	SetDecisionBaseURL(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	StoreCfg       StoreConfig       `mapstructure:"store" yaml:"store"`
	BrowserCfg     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	CoordinatorCfg CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`
	QuiescenceCfg  QuiescenceConfig  `mapstructure:"quiescence" yaml:"quiescence"`
	DecisionCfg    DecisionConfig    `mapstructure:"decision" yaml:"decision"`
	ObserverCfg    ObserverConfig    `mapstructure:"observer" yaml:"observer"`
	AuthCfg        AuthConfig        `mapstructure:"auth" yaml:"auth"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig           { return c.LoggerCfg }
func (c *Config) Store() StoreConfig             { return c.StoreCfg }
func (c *Config) Browser() BrowserConfig         { return c.BrowserCfg }
func (c *Config) Coordinator() CoordinatorConfig { return c.CoordinatorCfg }
func (c *Config) Quiescence() QuiescenceConfig   { return c.QuiescenceCfg }
func (c *Config) Decision() DecisionConfig       { return c.DecisionCfg }
func (c *Config) Observer() ObserverConfig       { return c.ObserverCfg }
func (c *Config) Auth() AuthConfig               { return c.AuthCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)   { c.BrowserCfg.Headless = b }
func (c *Config) SetStoreBackend(s string)    { c.StoreCfg.Backend = s }
func (c *Config) SetDecisionBaseURL(u string) { c.DecisionCfg.BaseURL = u }

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

// Store backends.
const (
	StoreBackendFile     = "file"
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

// StoreConfig selects and configures the durable run state store.
type StoreConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Dir is the directory holding one JSON file per record (file backend).
	Dir string `mapstructure:"dir" yaml:"dir"`
	// DatabaseURL is the PostgreSQL connection string (postgres backend).
	DatabaseURL string `mapstructure:"database_url" yaml:"-"`
}

// BrowserConfig holds settings for the controlled Chrome instance.
type BrowserConfig struct {
	Headless bool `mapstructure:"headless" yaml:"headless"`
	// RemoteURL attaches to an already running browser's DevTools websocket instead of launching one.
	RemoteURL         string         `mapstructure:"remote_url" yaml:"remote_url"`
	ExecPath          string         `mapstructure:"exec_path" yaml:"exec_path"`
	UserDataDir       string         `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          map[string]int `mapstructure:"viewport" yaml:"viewport"`
	HomeURL           string         `mapstructure:"home_url" yaml:"home_url"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration  `mapstructure:"action_timeout" yaml:"action_timeout"`
}

// CoordinatorConfig tunes step dispatch.
type CoordinatorConfig struct {
	DispatchAttempts int           `mapstructure:"dispatch_attempts" yaml:"dispatch_attempts"`
	DispatchDelay    time.Duration `mapstructure:"dispatch_delay" yaml:"dispatch_delay"`
	BlankTabWait     time.Duration `mapstructure:"blank_tab_wait" yaml:"blank_tab_wait"`
}

// QuiescenceConfig tunes the network idle heuristic.
type QuiescenceConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	IdleThreshold time.Duration `mapstructure:"idle_threshold" yaml:"idle_threshold"`
	HardCeiling   time.Duration `mapstructure:"hard_ceiling" yaml:"hard_ceiling"`
	SettleBuffer  time.Duration `mapstructure:"settle_buffer" yaml:"settle_buffer"`
}

// DecisionConfig configures the remote decision, enrichment and status services.
type DecisionConfig struct {
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst     int           `mapstructure:"burst" yaml:"burst"`
	UserAgent string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// ObserverConfig configures the run progress observer.
type ObserverConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// ListenAddr enables the websocket event feed when set.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// AuthConfig configures how the signed-in identity is obtained.
type AuthConfig struct {
	// Token is an identity token (JWT) carrying email, name and picture claims.
	Token string `mapstructure:"token" yaml:"-"`
	// Secret verifies the token signature (HMAC) when set; otherwise claims are read unverified.
	Secret string `mapstructure:"secret" yaml:"-"`
	// Email is used when no token is configured.
	Email string `mapstructure:"email" yaml:"email"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
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
	v.SetDefault("logger.service_name", "opero")
	v.SetDefault("logger.log_file", "opero.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Store --
	v.SetDefault("store.backend", StoreBackendFile)
	v.SetDefault("store.dir", "~/.opero/state")

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.home_url", "https://www.google.com")
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.action_timeout", "5s")
	v.SetDefault("browser.viewport", map[string]int{"width": 1366, "height": 900})

	// -- Coordinator --
	v.SetDefault("coordinator.dispatch_attempts", 5)
	v.SetDefault("coordinator.dispatch_delay", "1500ms")
	v.SetDefault("coordinator.blank_tab_wait", "2s")

	// -- Quiescence --
	v.SetDefault("quiescence.poll_interval", "100ms")
	v.SetDefault("quiescence.idle_threshold", "500ms")
	v.SetDefault("quiescence.hard_ceiling", "10s")
	v.SetDefault("quiescence.settle_buffer", "1s")

	// -- Decision --
	v.SetDefault("decision.base_url", "http://localhost:8000")
	v.SetDefault("decision.timeout", "120s")
	v.SetDefault("decision.rate_limit", 2.0)
	v.SetDefault("decision.burst", 2)
	v.SetDefault("decision.user_agent", "opero-agent")

	// -- Observer --
	v.SetDefault("observer.poll_interval", "500ms")
	v.SetDefault("observer.listen_addr", "")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets are only ever read from the environment.
	_ = v.BindEnv("store.database_url", "OPERO_DATABASE_URL")
	_ = v.BindEnv("auth.token", "OPERO_AUTH_TOKEN")
	_ = v.BindEnv("auth.secret", "OPERO_AUTH_SECRET")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.StoreCfg.Backend == StoreBackendPostgres && cfg.StoreCfg.DatabaseURL == "" {
		cfg.StoreCfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch strings.ToLower(c.StoreCfg.Backend) {
	case StoreBackendFile:
		if c.StoreCfg.Dir == "" {
			return fmt.Errorf("store.dir is required for the file backend")
		}
	case StoreBackendPostgres:
		if c.StoreCfg.DatabaseURL == "" {
			return fmt.Errorf("store.database_url is required for the postgres backend (set OPERO_DATABASE_URL)")
		}
	case StoreBackendMemory:
	default:
		return fmt.Errorf("store.backend must be one of file, postgres, memory (got %q)", c.StoreCfg.Backend)
	}
	if err := c.CoordinatorCfg.Validate(); err != nil {
		return fmt.Errorf("coordinator configuration invalid: %w", err)
	}
	if err := c.QuiescenceCfg.Validate(); err != nil {
		return fmt.Errorf("quiescence configuration invalid: %w", err)
	}
	if c.DecisionCfg.BaseURL == "" {
		return fmt.Errorf("decision.base_url is a required configuration field")
	}
	if c.DecisionCfg.RateLimit < 0 {
		return fmt.Errorf("decision.rate_limit must not be negative")
	}
	if c.ObserverCfg.PollInterval <= 0 {
		return fmt.Errorf("observer.poll_interval must be a positive duration")
	}
	return nil
}

// Validate checks the dispatch settings.
func (c *CoordinatorConfig) Validate() error {
	if c.DispatchAttempts <= 0 {
		return fmt.Errorf("dispatch_attempts must be a positive integer")
	}
	if c.DispatchDelay < 0 {
		return fmt.Errorf("dispatch_delay must not be negative")
	}
	return nil
}

// Validate checks the quiescence timings.
func (q *QuiescenceConfig) Validate() error {
	if q.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be a positive duration")
	}
	if q.IdleThreshold < 0 || q.SettleBuffer < 0 {
		return fmt.Errorf("idle_threshold and settle_buffer must not be negative")
	}
	if q.HardCeiling < q.IdleThreshold {
		return fmt.Errorf("hard_ceiling must be at least idle_threshold")
	}
	return nil
}
