// Package config loads the slotwatch configuration from a YAML file with
// sane defaults for every field, so an empty file (or no file at all) yields
// a runnable configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration.
type Config struct {
	// Server settings.
	Server ServerConfig `yaml:"server"`

	// Database is the path to the SQLite record store.
	Database string `yaml:"database"`

	// Portal settings for the target appointment site.
	Portal PortalConfig `yaml:"portal"`

	// Browser settings.
	Browser BrowserConfig `yaml:"browser"`

	// Monitor loop defaults (overridable per run via the start request).
	Monitor MonitorConfig `yaml:"monitor"`

	// Captcha solver settings.
	Captcha CaptchaConfig `yaml:"captcha"`

	// Notify settings for email dispatch.
	Notify NotifyConfig `yaml:"notify"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// PortalConfig locates the target portal and its navigation budget.
type PortalConfig struct {
	BaseURL     string        `yaml:"base_url"`
	LoginPath   string        `yaml:"login_path"`
	SearchPath  string        `yaml:"search_path"`
	NavTimeout  time.Duration `yaml:"nav_timeout"`
	StepTimeout time.Duration `yaml:"step_timeout"`
}

// BrowserConfig configures Chrome lifecycle and stealth behaviour.
type BrowserConfig struct {
	// RemoteURL is the WebSocket URL of an external Chrome. Empty = launch local.
	RemoteURL string `yaml:"remote_url"`
	Headless  bool   `yaml:"headless"`
	// BlockResources lists resource types never needed for the booking flow
	// (images are exempted implicitly: challenge tiles must load).
	BlockResources []string      `yaml:"block_resources"`
	RecycleAfter   time.Duration `yaml:"recycle_after"`
}

// MonitorConfig holds the monitor loop defaults.
type MonitorConfig struct {
	Interval         time.Duration `yaml:"interval"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffCap       time.Duration `yaml:"backoff_cap"`
	ChallengeRetries int           `yaml:"challenge_retries"`
	// MinAttemptGap is the floor between consecutive portal sessions,
	// enforced regardless of interval or backoff.
	MinAttemptGap time.Duration `yaml:"min_attempt_gap"`
}

// CaptchaConfig tunes the challenge solver.
type CaptchaConfig struct {
	// Threshold is the minimum confidence for a top-ranked tile to count
	// as a match. Range 0..1.
	Threshold float64 `yaml:"threshold"`
}

// NotifyConfig configures email notification dispatch.
type NotifyConfig struct {
	Enabled      bool   `yaml:"enabled"`
	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPUser     string `yaml:"smtp_user"`
	SMTPPassword string `yaml:"smtp_password"`
	From         string `yaml:"from"`
	To           string `yaml:"to"`
	OnSlotsFound bool   `yaml:"on_slots_found"`
	OnBooking    bool   `yaml:"on_booking"`
	OnErrors     bool   `yaml:"on_errors"`
}

func (c *Config) defaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8001"
	}
	if c.Database == "" {
		c.Database = "data/slotwatch.db"
	}
	if c.Portal.LoginPath == "" {
		c.Portal.LoginPath = "/account/login"
	}
	if c.Portal.SearchPath == "" {
		c.Portal.SearchPath = "/appointment/slots"
	}
	if c.Portal.NavTimeout <= 0 {
		c.Portal.NavTimeout = 30 * time.Second
	}
	if c.Portal.StepTimeout <= 0 {
		c.Portal.StepTimeout = 15 * time.Second
	}
	if c.Browser.RecycleAfter <= 0 {
		c.Browser.RecycleAfter = 4 * time.Hour
	}
	if c.Browser.BlockResources == nil {
		c.Browser.BlockResources = []string{"fonts", "media"}
	}
	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = 2 * time.Minute
	}
	if c.Monitor.BackoffBase <= 0 {
		c.Monitor.BackoffBase = 30 * time.Second
	}
	if c.Monitor.BackoffCap <= 0 {
		c.Monitor.BackoffCap = 15 * time.Minute
	}
	if c.Monitor.ChallengeRetries <= 0 {
		c.Monitor.ChallengeRetries = 3
	}
	if c.Monitor.MinAttemptGap <= 0 {
		c.Monitor.MinAttemptGap = 10 * time.Second
	}
	if c.Captcha.Threshold <= 0 {
		c.Captcha.Threshold = 0.62
	}
	if c.Notify.SMTPPort <= 0 {
		c.Notify.SMTPPort = 587
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.defaults()
	// Notification classes default to on; the Enabled master switch stays off
	// until an SMTP host is configured.
	c.Notify.OnSlotsFound = true
	c.Notify.OnBooking = true
	c.Notify.OnErrors = true
	return c
}

// Load reads a YAML config file and applies defaults. A missing file is not
// an error: the defaults are returned.
func Load(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.defaults()
	return c, nil
}
