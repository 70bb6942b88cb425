// Package config provides configuration management for sabrfetch using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ClientNameWebMusic is the default client identifier sent in ClientInfo
// (field 16 of the ClientInfo submessage, itself field 1 of
// streamer_context), matching the web music frontend.
const ClientNameWebMusic = 67

// Default configuration values.
const (
	defaultHTTPConnectTimeout    = 30 * time.Second
	defaultHTTPReadTimeout       = 60 * time.Second
	defaultHTTPWriteTimeout      = 30 * time.Second
	defaultRetryAttempts         = 3
	defaultRetryDelay            = 1 * time.Second
	defaultRetryMaxDelay         = 30 * time.Second
	defaultCircuitBreakerThresh  = 5
	defaultCircuitBreakerTimeout = 30 * time.Second
	defaultMaxRequests           = 300
	defaultMaxStalledRequests    = 5
)

// Config holds all configuration for the application.
type Config struct {
	Client  ClientConfig  `mapstructure:"client"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ClientConfig holds the session-global host settings every fetch echoes
// back to the server in ClientInfo and the request headers.
type ClientConfig struct {
	VisitorData   string `mapstructure:"visitor_data"`
	ClientName    int32  `mapstructure:"client_name"`
	ClientVersion string `mapstructure:"client_version"`
	UserAgent     string `mapstructure:"user_agent"`
	HL            string `mapstructure:"hl"`
	GL            string `mapstructure:"gl"`
	Cookie        string `mapstructure:"cookie"`
	Proxy         string `mapstructure:"proxy"`
}

// HTTPConfig holds the resilient HTTP transport's timeouts and retry policy.
type HTTPConfig struct {
	ConnectTimeout          Duration `mapstructure:"connect_timeout"`
	ReadTimeout             Duration `mapstructure:"read_timeout"`
	WriteTimeout            Duration `mapstructure:"write_timeout"`
	RetryAttempts           int      `mapstructure:"retry_attempts"`
	RetryDelay              Duration `mapstructure:"retry_delay"`
	RetryMaxDelay           Duration `mapstructure:"retry_max_delay"`
	CircuitBreakerThreshold int      `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   Duration `mapstructure:"circuit_breaker_timeout"`
}

// FetchConfig holds the session driver's loop limits.
type FetchConfig struct {
	MaxRequests        int `mapstructure:"max_requests"`
	MaxStalledRequests int `mapstructure:"max_stalled_requests"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with SABRFETCH_ and use underscores for nesting.
// Example: SABRFETCH_CLIENT_CLIENT_NAME=67.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/sabrfetch")
		v.AddConfigPath("$HOME/.sabrfetch")
	}

	v.SetEnvPrefix("SABRFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Client defaults
	v.SetDefault("client.client_name", ClientNameWebMusic)
	v.SetDefault("client.user_agent", "Mozilla/5.0 (X11; Linux x86_64) sabrfetch/1.0")

	// HTTP defaults
	v.SetDefault("http.connect_timeout", defaultHTTPConnectTimeout.String())
	v.SetDefault("http.read_timeout", defaultHTTPReadTimeout.String())
	v.SetDefault("http.write_timeout", defaultHTTPWriteTimeout.String())
	v.SetDefault("http.retry_attempts", defaultRetryAttempts)
	v.SetDefault("http.retry_delay", defaultRetryDelay.String())
	v.SetDefault("http.retry_max_delay", defaultRetryMaxDelay.String())
	v.SetDefault("http.circuit_breaker_threshold", defaultCircuitBreakerThresh)
	v.SetDefault("http.circuit_breaker_timeout", defaultCircuitBreakerTimeout.String())

	// Fetch defaults
	v.SetDefault("fetch.max_requests", defaultMaxRequests)
	v.SetDefault("fetch.max_stalled_requests", defaultMaxStalledRequests)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Client.ClientName < 0 {
		return fmt.Errorf("client.client_name must be non-negative")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Fetch.MaxRequests < 1 {
		return fmt.Errorf("fetch.max_requests must be at least 1")
	}
	if c.Fetch.MaxStalledRequests < 1 {
		return fmt.Errorf("fetch.max_stalled_requests must be at least 1")
	}

	return nil
}
