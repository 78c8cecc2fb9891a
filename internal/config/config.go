package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config represents the global ~/.tandem/config.toml.
type Config struct {
	DefaultSession string              `toml:"default_session"`
	API            APIConfig           `toml:"api"`
	Realtime       RealtimeConfig      `toml:"realtime"`
	Conversations  ConversationsConfig `toml:"conversations"`
	Outbox         OutboxConfig        `toml:"outbox"`
}

// APIConfig locates the REST backend.
type APIConfig struct {
	BaseURL string   `toml:"base_url" validate:"required,url"`
	Timeout Duration `toml:"timeout" validate:"gt=0"`
}

// RealtimeConfig controls the STOMP-over-WebSocket channel.
type RealtimeConfig struct {
	URL            string   `toml:"url" validate:"required,url"`
	ReconnectDelay Duration `toml:"reconnect_delay" validate:"gt=0"`
	Heartbeat      Duration `toml:"heartbeat" validate:"gt=0"`
	DialTimeout    Duration `toml:"dial_timeout" validate:"gt=0"`
}

// ConversationsConfig tunes the in-memory projection.
type ConversationsConfig struct {
	WindowSize    int      `toml:"window_size" validate:"gte=1,lte=200"`
	TypingTimeout Duration `toml:"typing_timeout" validate:"gt=0"`
	EchoWindow    Duration `toml:"echo_window" validate:"gt=0"`
}

// OutboxConfig tunes the outbound sender loop.
type OutboxConfig struct {
	PollInterval Duration `toml:"poll_interval" validate:"gt=0"`
}

// Duration is a time.Duration written as a string ("3s") in TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "http://localhost:8080/api",
			Timeout: Duration(60 * time.Second),
		},
		Realtime: RealtimeConfig{
			URL:            "ws://localhost:8080/ws/websocket",
			ReconnectDelay: Duration(3 * time.Second),
			Heartbeat:      Duration(4 * time.Second),
			DialTimeout:    Duration(10 * time.Second),
		},
		Conversations: ConversationsConfig{
			WindowSize:    5,
			TypingTimeout: Duration(3 * time.Second),
			EchoWindow:    Duration(2 * time.Minute),
		},
		Outbox: OutboxConfig{
			PollInterval: Duration(500 * time.Millisecond),
		},
	}
}

// Load reads config from the given path on top of the defaults. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
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

// env variable names recognized by ApplyEnv.
const (
	EnvAPIURL         = "TANDEM_API_URL"
	EnvAPITimeout     = "TANDEM_API_TIMEOUT"
	EnvWSURL          = "TANDEM_WS_URL"
	EnvReconnectDelay = "TANDEM_RECONNECT_DELAY"
	EnvHeartbeat      = "TANDEM_HEARTBEAT"
	EnvWindowSize     = "TANDEM_WINDOW_SIZE"
	EnvTypingTimeout  = "TANDEM_TYPING_TIMEOUT"
)

// ApplyEnv overlays TANDEM_* variables. Values come from envFile (a dotenv
// file, optional) and the process environment; the process wins.
func (c *Config) ApplyEnv(envFile string) error {
	vars := map[string]string{}
	if envFile != "" {
		fileVars, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read %s: %w", envFile, err)
		}
		for k, v := range fileVars {
			vars[k] = v
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := vars[key]
		return v, ok
	}

	if v, ok := lookup(EnvAPIURL); ok {
		c.API.BaseURL = v
	}
	if v, ok := lookup(EnvWSURL); ok {
		c.Realtime.URL = v
	}
	durations := []struct {
		key string
		dst *Duration
	}{
		{EnvAPITimeout, &c.API.Timeout},
		{EnvReconnectDelay, &c.Realtime.ReconnectDelay},
		{EnvHeartbeat, &c.Realtime.Heartbeat},
		{EnvTypingTimeout, &c.Conversations.TypingTimeout},
	}
	for _, d := range durations {
		if v, ok := lookup(d.key); ok {
			if err := d.dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s: %w", d.key, err)
			}
		}
	}
	if v, ok := lookup(EnvWindowSize); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWindowSize, err)
		}
		c.Conversations.WindowSize = n
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
