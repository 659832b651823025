// Package config loads the scraper's settings.
//
// Values come from three layers, later layers winning: built-in defaults,
// an optional YAML file, and the environment. Credentials and the theatre id
// have no default; a missing one is a startup error that names the
// environment variable to set.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all scraper configuration.
type Config struct {
	// TheatreID identifies the theatre whose schedule and users are scraped
	TheatreID string `envconfig:"THEATRE_ID" yaml:"theatre_id"`

	// Email and Password are the operator's SchedgeUp credentials. The
	// password is only read from the environment.
	Email    string `envconfig:"SCHEDGEUP_EMAIL" yaml:"email"`
	Password string `envconfig:"SCHEDGEUP_PASS" yaml:"-"`

	// BaseURL is the root of the SchedgeUp site
	BaseURL string `envconfig:"SCHEDGEUP_BASE_URL" yaml:"base_url"`

	// TimeZone is the IANA zone schedule dates are interpreted in
	TimeZone string `envconfig:"SCHEDGEUP_TIMEZONE" yaml:"timezone"`

	Browser    BrowserConfig    `yaml:"browser"`
	Navigation NavigationConfig `yaml:"navigation"`
	Logging    LogConfig        `yaml:"logging"`
}

// BrowserConfig holds browser process and page settings.
type BrowserConfig struct {
	Headless bool `envconfig:"SCHEDGEUP_HEADLESS" yaml:"headless"`

	// BlockURLs are glob patterns of request URLs to abort, on top of
	// images, fonts and stylesheets
	BlockURLs []string `envconfig:"SCHEDGEUP_BLOCK_URLS" yaml:"block_urls"`

	ViewportWidth  int `envconfig:"SCHEDGEUP_VIEWPORT_WIDTH" yaml:"viewport_width"`
	ViewportHeight int `envconfig:"SCHEDGEUP_VIEWPORT_HEIGHT" yaml:"viewport_height"`
}

// NavigationConfig holds navigation and recovery settings.
type NavigationConfig struct {
	// Timeout bounds a single navigation attempt
	Timeout time.Duration `envconfig:"SCHEDGEUP_NAV_TIMEOUT" yaml:"timeout"`

	// Rate is the maximum number of navigation attempts per second; zero
	// disables the limit
	Rate float64 `envconfig:"SCHEDGEUP_NAV_RATE" yaml:"rate"`

	// FirstBackoff and SecondBackoff are the waits before the second and
	// third attempt of a navigation
	FirstBackoff  time.Duration `envconfig:"SCHEDGEUP_NAV_FIRST_BACKOFF" yaml:"first_backoff"`
	SecondBackoff time.Duration `envconfig:"SCHEDGEUP_NAV_SECOND_BACKOFF" yaml:"second_backoff"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `envconfig:"SCHEDGEUP_LOG_LEVEL" yaml:"level"`
}

// ErrMissing is wrapped by validation errors for required values.
var ErrMissing = errors.New("required configuration value missing")

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BaseURL:  "https://www.schedgeup.com",
		TimeZone: "Local",
		Browser: BrowserConfig{
			Headless:       true,
			ViewportWidth:  640,
			ViewportHeight: 480,
		},
		Navigation: NavigationConfig{
			Timeout:       60 * time.Second,
			Rate:          2,
			FirstBackoff:  2 * time.Second,
			SecondBackoff: 5 * time.Second,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	required := []struct {
		env   string
		value string
	}{
		{"THEATRE_ID", c.TheatreID},
		{"SCHEDGEUP_EMAIL", c.Email},
		{"SCHEDGEUP_PASS", c.Password},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%w: set %s", ErrMissing, r.env)
		}
	}

	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("invalid base url %q: must start with http:// or https://", c.BaseURL)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Navigation.Timeout <= 0 {
		return fmt.Errorf("navigation timeout must be positive, got %s", c.Navigation.Timeout)
	}
	if c.Navigation.Rate < 0 {
		return fmt.Errorf("navigation rate must not be negative, got %v", c.Navigation.Rate)
	}
	if c.Navigation.FirstBackoff < 0 || c.Navigation.SecondBackoff < 0 {
		return fmt.Errorf("navigation backoffs must not be negative")
	}
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		return fmt.Errorf("viewport must be positive, got %dx%d", c.Browser.ViewportWidth, c.Browser.ViewportHeight)
	}
	return nil
}

// Location resolves TimeZone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

// SiteURL joins path onto the base URL.
func (c *Config) SiteURL(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}
