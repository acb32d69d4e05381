package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.speakjerr/config.toml.
type Config struct {
	DefaultProfile string   `toml:"default_profile"`
	API            API      `toml:"api"`
	Realtime       Realtime `toml:"realtime"`
	Stories        Stories  `toml:"stories"`
	Log            Log      `toml:"log"`
}

// API configures the REST backend.
type API struct {
	BaseURL       string   `toml:"base_url"`
	RESTSuffix    string   `toml:"rest_suffix"`
	Timeout       Duration `toml:"timeout"`
	UploadTimeout Duration `toml:"upload_timeout"`
}

// Realtime configures the socket connection and the timers it drives.
type Realtime struct {
	Path              string   `toml:"path"`
	ReconnectAttempts int      `toml:"reconnect_attempts"`
	ReconnectDelay    Duration `toml:"reconnect_delay"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	TypingIdle        Duration `toml:"typing_idle"`
	TypingExpiry      Duration `toml:"typing_expiry"`
}

// Stories configures the status feed.
type Stories struct {
	// TTL expires statuses locally. Zero leaves expiry to the backend.
	TTL Duration `toml:"ttl"`
}

// Log configures the daemon logger.
type Log struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration encoded as a string such as "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.API.BaseURL == "" {
		c.API.BaseURL = "http://localhost:5000/api"
	}
	if c.API.RESTSuffix == "" {
		c.API.RESTSuffix = "/api"
	}
	if c.API.Timeout.Duration <= 0 {
		c.API.Timeout.Duration = 10 * time.Second
	}
	if c.API.UploadTimeout.Duration <= 0 {
		c.API.UploadTimeout.Duration = 120 * time.Second
	}
	if c.Realtime.Path == "" {
		c.Realtime.Path = "/ws"
	}
	if c.Realtime.ReconnectAttempts <= 0 {
		c.Realtime.ReconnectAttempts = 5
	}
	if c.Realtime.ReconnectDelay.Duration <= 0 {
		c.Realtime.ReconnectDelay.Duration = time.Second
	}
	if c.Realtime.HeartbeatInterval.Duration <= 0 {
		c.Realtime.HeartbeatInterval.Duration = 25 * time.Second
	}
	if c.Realtime.TypingIdle.Duration <= 0 {
		c.Realtime.TypingIdle.Duration = 2 * time.Second
	}
	if c.Realtime.TypingExpiry.Duration <= 0 {
		c.Realtime.TypingExpiry.Duration = 5 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Load reads config from the given path and fills in defaults. Returns nil and
// an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
