package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds engine settings loaded from chatsync.toml.
type Config struct {
	APIBaseURL string `toml:"api_base_url"`
	WSURL      string `toml:"ws_url"`

	PageSize             int `toml:"page_size"`
	ConversationPageSize int `toml:"conversation_page_size"`

	// TypingWindowMS is how long after a typing signal a user is still
	// shown as typing. The product contract allows 3-5 seconds.
	TypingWindowMS   int `toml:"typing_window_ms"`
	TypingThrottleMS int `toml:"typing_throttle_ms"`

	SubscribeMaxAttempts int `toml:"subscribe_max_attempts"`
	SubscribeBackoffMS   int `toml:"subscribe_backoff_ms"`

	LogFile string `toml:"log_file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		APIBaseURL:           "http://localhost:8080/api",
		WSURL:                "ws://localhost:8080/ws",
		PageSize:             50,
		ConversationPageSize: 30,
		TypingWindowMS:       4000,
		TypingThrottleMS:     3000,
		SubscribeMaxAttempts: 5,
		SubscribeBackoffMS:   1000,
	}
}

// Load reads config from the given path, applying defaults for missing keys.
// Returns an error if the file does not exist.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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

// TypingWindow returns the typing expiry window as a duration.
func (c *Config) TypingWindow() time.Duration {
	return time.Duration(c.TypingWindowMS) * time.Millisecond
}

// TypingThrottle returns the minimum gap between outbound typing signals.
func (c *Config) TypingThrottle() time.Duration {
	return time.Duration(c.TypingThrottleMS) * time.Millisecond
}

// SubscribeBackoff returns the base delay for subscribe retries.
func (c *Config) SubscribeBackoff() time.Duration {
	return time.Duration(c.SubscribeBackoffMS) * time.Millisecond
}
