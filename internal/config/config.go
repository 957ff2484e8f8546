// Package config loads segloader configuration from a file, SEGLOADER_
// environment variables and defaults.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultGoalBufferLength      = 30.0
	defaultCheckBufferDelay      = 500 * time.Millisecond
	defaultRequestTimeout        = 10 * time.Second
	defaultHTTPTimeout           = 10 * time.Second
	defaultRetryAttempts         = 3
	defaultRetryDelay            = 100 * time.Millisecond
	defaultMaxPlaylistBytes      = 10 * 1024 * 1024
	defaultLiveReloadMinInterval = time.Second
	defaultBlacklistDuration     = 5 * time.Minute
)

// Config holds the fully processed application configuration.
type Config struct {
	Loader   LoaderConfig   `mapstructure:"loader"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Playback PlaybackConfig `mapstructure:"playback"`

	// Keys are raw '<key-uri>=<hex key>' entries.
	Keys []string `mapstructure:"keys"`
	// StaticKeys is Keys decoded, keyed by resolved key URI.
	StaticKeys map[string][]byte `mapstructure:"-"`
}

// LoaderConfig tunes the segment loader.
type LoaderConfig struct {
	GoalBufferLength    float64       `mapstructure:"goal_buffer_length"`
	CheckBufferDelay    time.Duration `mapstructure:"check_buffer_delay"`
	InitialBandwidth    float64       `mapstructure:"initial_bandwidth"`
	CacheEncryptionKeys bool          `mapstructure:"cache_encryption_keys"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	BlacklistDuration   time.Duration `mapstructure:"blacklist_duration"`
}

// HTTPConfig tunes manifest and segment requests.
type HTTPConfig struct {
	UserAgent        string        `mapstructure:"user_agent"`
	Timeout          time.Duration `mapstructure:"timeout"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	MaxPlaylistBytes int64         `mapstructure:"max_playlist_bytes"`
}

// LoggingConfig selects the log level and handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig configures the HTTP surface. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// PlaybackConfig drives the simulated playhead.
type PlaybackConfig struct {
	StartPosition float64 `mapstructure:"start_position"`
	PlaybackRate  float64 `mapstructure:"playback_rate"`
	// Duration stops playback after the given time. Zero plays to the end.
	Duration              time.Duration `mapstructure:"duration"`
	LiveReloadMinInterval time.Duration `mapstructure:"live_reload_min_interval"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and use
// underscores for nesting, e.g. SEGLOADER_LOADER_GOAL_BUFFER_LENGTH=60.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("segloader")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.segloader")
	}

	v.SetEnvPrefix("SEGLOADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.process(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration with every option at its default value.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("invalid default config: %v", err))
	}
	cfg.StaticKeys = make(map[string][]byte)
	return &cfg
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("loader.goal_buffer_length", defaultGoalBufferLength)
	v.SetDefault("loader.check_buffer_delay", defaultCheckBufferDelay)
	v.SetDefault("loader.initial_bandwidth", 0)
	v.SetDefault("loader.cache_encryption_keys", false)
	v.SetDefault("loader.request_timeout", defaultRequestTimeout)
	v.SetDefault("loader.blacklist_duration", defaultBlacklistDuration)

	v.SetDefault("http.user_agent", "segloader")
	v.SetDefault("http.timeout", defaultHTTPTimeout)
	v.SetDefault("http.retry_attempts", defaultRetryAttempts)
	v.SetDefault("http.retry_delay", defaultRetryDelay)
	v.SetDefault("http.max_playlist_bytes", defaultMaxPlaylistBytes)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.listen", "")

	v.SetDefault("playback.start_position", 0)
	v.SetDefault("playback.playback_rate", 1)
	v.SetDefault("playback.duration", 0)
	v.SetDefault("playback.live_reload_min_interval", defaultLiveReloadMinInterval)

	v.SetDefault("keys", []string{})
}

// process decodes the raw key entries into StaticKeys.
func (c *Config) process() error {
	c.StaticKeys = make(map[string][]byte, len(c.Keys))
	for _, entry := range c.Keys {
		// URIs may contain '=', the key follows the last one.
		i := strings.LastIndex(entry, "=")
		if i <= 0 {
			return fmt.Errorf("invalid key format: expected '<uri>=<hex>', got '%s'", entry)
		}
		uri, keyHex := entry[:i], entry[i+1:]
		keyBytes, err := hex.DecodeString(keyHex)
		if err != nil {
			return fmt.Errorf("failed to decode hex key for '%s': %w", uri, err)
		}
		c.StaticKeys[uri] = keyBytes
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Loader.GoalBufferLength <= 0 {
		return errors.New("loader.goal_buffer_length must be positive")
	}
	if c.Loader.CheckBufferDelay <= 0 {
		return errors.New("loader.check_buffer_delay must be positive")
	}
	if c.Loader.InitialBandwidth < 0 {
		return errors.New("loader.initial_bandwidth must not be negative")
	}
	if c.Loader.RequestTimeout < 0 {
		return errors.New("loader.request_timeout must not be negative")
	}
	if c.HTTP.RetryAttempts < 1 {
		return errors.New("http.retry_attempts must be at least 1")
	}
	if c.Playback.PlaybackRate <= 0 {
		return errors.New("playback.playback_rate must be positive")
	}
	if c.Playback.StartPosition < 0 {
		return errors.New("playback.start_position must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	for uri, k := range c.StaticKeys {
		if len(k) != 16 {
			return fmt.Errorf("key for '%s' must be 16 bytes, got %d", uri, len(k))
		}
	}
	return nil
}
