// Package config provides configuration for notechat.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. NOTECHAT_HTTP_PORT.
const EnvPrefix = "NOTECHAT"

// Keys, shared by environment variables, config files and CLI flags.
const (
	KeyHTTPPort       = "http_port"
	KeyDatabaseDriver = "database_driver"
	KeyDatabaseURL    = "database_url"
	KeyStatePath      = "state_path"
	KeyFlushInterval  = "flush_interval"
	KeyWriteTimeout   = "write_timeout"
	KeyDefaultTitle   = "default_title"
	KeyLanguage       = "language"
	KeyRunnerMode     = "runner_mode"
	KeyOllamaURL      = "ollama_url"
	KeyOpenAIBaseURL  = "openai_base_url"
	KeyOpenAIAPIKey   = "openai_api_key"
	KeySendPolicyFile = "send_policy_file"
	KeyRecoverOnStart = "recover_on_start"
	KeyLogLevel       = "log_level"
	KeyLogPretty      = "log_pretty"
)

// Config holds the notechat configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Storage
	DatabaseDriver string
	DatabaseURL    string
	StatePath      string

	// Sessions
	FlushInterval time.Duration
	WriteTimeout  time.Duration
	DefaultTitle  string
	Language      string

	// Model runner
	RunnerMode    string
	OllamaURL     string
	OpenAIBaseURL string
	OpenAIAPIKey  string

	// Policy and recovery
	SendPolicyFile string
	RecoverOnStart bool

	// Logging
	LogLevel  string
	LogPretty bool
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyHTTPPort, 8080)
	v.SetDefault(KeyDatabaseDriver, "sqlite3")
	v.SetDefault(KeyDatabaseURL, "file:notechat.db?cache=shared&mode=rwc")
	v.SetDefault(KeyStatePath, "notechat-state.bolt")
	v.SetDefault(KeyFlushInterval, 110*time.Millisecond)
	v.SetDefault(KeyWriteTimeout, 5*time.Second)
	v.SetDefault(KeyDefaultTitle, "New Chat")
	v.SetDefault(KeyLanguage, "en")
	v.SetDefault(KeyRunnerMode, "mock")
	v.SetDefault(KeyOllamaURL, "http://localhost:11434")
	v.SetDefault(KeyOpenAIBaseURL, "")
	v.SetDefault(KeyOpenAIAPIKey, "")
	v.SetDefault(KeySendPolicyFile, "")
	v.SetDefault(KeyRecoverOnStart, true)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogPretty, false)
	return v
}

// Load reads configuration from v, and from configFile when it is not empty.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		HTTPPort:       v.GetInt(KeyHTTPPort),
		DatabaseDriver: v.GetString(KeyDatabaseDriver),
		DatabaseURL:    v.GetString(KeyDatabaseURL),
		StatePath:      v.GetString(KeyStatePath),
		FlushInterval:  v.GetDuration(KeyFlushInterval),
		WriteTimeout:   v.GetDuration(KeyWriteTimeout),
		DefaultTitle:   v.GetString(KeyDefaultTitle),
		Language:       v.GetString(KeyLanguage),
		RunnerMode:     strings.ToLower(v.GetString(KeyRunnerMode)),
		OllamaURL:      v.GetString(KeyOllamaURL),
		OpenAIBaseURL:  v.GetString(KeyOpenAIBaseURL),
		OpenAIAPIKey:   v.GetString(KeyOpenAIAPIKey),
		SendPolicyFile: v.GetString(KeySendPolicyFile),
		RecoverOnStart: v.GetBool(KeyRecoverOnStart),
		LogLevel:       v.GetString(KeyLogLevel),
		LogPretty:      v.GetBool(KeyLogPretty),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid %s %d", KeyHTTPPort, c.HTTPPort)
	}
	switch c.DatabaseDriver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("unsupported %s %q", KeyDatabaseDriver, c.DatabaseDriver)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("%s must be positive", KeyFlushInterval)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyWriteTimeout)
	}
	switch c.RunnerMode {
	case "mock", "ollama", "openai":
	default:
		return fmt.Errorf("unsupported %s %q", KeyRunnerMode, c.RunnerMode)
	}
	return nil
}
