package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ghostclick/internal/browser"
)

// DefaultPath is where the config file lives relative to the workspace.
const DefaultPath = ".ghostclick/config.yaml"

// Config holds all ghostclick configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Browser  browser.Config `yaml:"browser"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Playback PlaybackConfig `yaml:"playback"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// StoreConfig configures the durable key-value store.
type StoreConfig struct {
	// DatabasePath is the sqlite file. ":memory:" keeps everything in RAM.
	DatabasePath string `yaml:"database_path"`
}

// BridgeConfig configures the event relay.
type BridgeConfig struct {
	Listen       string `yaml:"listen"`        // websocket relay address for panels and the CLI
	RelayTimeout string `yaml:"relay_timeout"` // per-message relay bound
	MailboxSize  int    `yaml:"mailbox_size"`  // buffered messages per context
}

// PlaybackConfig configures playback timing.
type PlaybackConfig struct {
	StepTimeout   string `yaml:"step_timeout"`
	HighlightHold string `yaml:"highlight_hold"`
	ScrollSettle  string `yaml:"scroll_settle"`
	SubmitDelay   string `yaml:"submit_delay"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			DatabasePath: ".ghostclick/ghostclick.db",
		},
		Browser: browser.DefaultConfig(),
		Bridge: BridgeConfig{
			Listen:       "127.0.0.1:7317",
			RelayTimeout: "5s",
			MailboxSize:  256,
		},
		Playback: PlaybackConfig{
			StepTimeout:   "30s",
			HighlightHold: "300ms",
			ScrollSettle:  "200ms",
			SubmitDelay:   "100ms",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("GHOSTCLICK_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if url := os.Getenv("GHOSTCLICK_DEBUGGER_URL"); url != "" {
		c.Browser.DebuggerURL = url
	}
	if addr := os.Getenv("GHOSTCLICK_LISTEN"); addr != "" {
		c.Bridge.Listen = addr
	}
	if level := os.Getenv("GHOSTCLICK_LOG_LEVEL"); level != "" {
		c.Logging.Level = strings.ToLower(level)
	}
	if v := os.Getenv("GHOSTCLICK_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Browser.Headless = b
		}
	}
}

// ValidLevels lists the accepted log levels.
var ValidLevels = []string{"debug", "info", "warn", "error"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Store.DatabasePath == "" {
		return fmt.Errorf("store.database_path must be set (or GHOSTCLICK_DB)")
	}
	if c.Bridge.MailboxSize < 0 {
		return fmt.Errorf("bridge.mailbox_size must not be negative: %d", c.Bridge.MailboxSize)
	}

	validLevel := false
	for _, l := range ValidLevels {
		if c.Logging.Level == l {
			validLevel = true
			break
		}
	}
	if !validLevel {
		return fmt.Errorf("invalid log level: %s (valid: %v)", c.Logging.Level, ValidLevels)
	}

	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s (valid: console, json)", c.Logging.Format)
	}

	for name, v := range map[string]string{
		"bridge.relay_timeout":    c.Bridge.RelayTimeout,
		"playback.step_timeout":   c.Playback.StepTimeout,
		"playback.highlight_hold": c.Playback.HighlightHold,
		"playback.scroll_settle":  c.Playback.ScrollSettle,
		"playback.submit_delay":   c.Playback.SubmitDelay,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

func duration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// GetRelayTimeout returns the relay timeout as a duration.
func (c *Config) GetRelayTimeout() time.Duration {
	return duration(c.Bridge.RelayTimeout, 5*time.Second)
}

// GetStepTimeout returns the per-step acknowledgement timeout.
func (c *Config) GetStepTimeout() time.Duration {
	return duration(c.Playback.StepTimeout, 30*time.Second)
}

// GetHighlightHold returns how long a target stays highlighted.
func (c *Config) GetHighlightHold() time.Duration {
	return duration(c.Playback.HighlightHold, 300*time.Millisecond)
}

// GetScrollSettle returns the pause after scrolling a target into view.
func (c *Config) GetScrollSettle() time.Duration {
	return duration(c.Playback.ScrollSettle, 200*time.Millisecond)
}

// GetSubmitDelay returns the pause before submitting a form on Enter.
func (c *Config) GetSubmitDelay() time.Duration {
	return duration(c.Playback.SubmitDelay, 100*time.Millisecond)
}
