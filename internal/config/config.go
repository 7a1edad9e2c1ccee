// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	Eligibility EligibilityConfig
	Legacy      WidgetConfig
	Cloud       WidgetConfig
	Reconnect   ReconnectConfig
	Inactivity  InactivityConfig

	// TranscriptRetention is how long ended-chat transcripts are kept
	// before the sweep worker removes them.
	TranscriptRetention time.Duration
}

// EligibilityConfig points at the membership eligibility service.
type EligibilityConfig struct {
	BaseURL string
	Timeout time.Duration
}

// WidgetConfig carries the endpoints of one chat widget variant. Legacy
// uses the script/bootstrap/command/message endpoints; cloud uses the
// deployment endpoint. Both need an events feed.
type WidgetConfig struct {
	ScriptURL     string
	BootstrapURL  string
	CommandURL    string
	MessageURL    string
	DeploymentURL string
	EventsURL     string
	Timeout       time.Duration
}

// ReconnectConfig bounds widget reinitialization after transport loss.
type ReconnectConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// InactivityConfig controls the idle-session monitor.
type InactivityConfig struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/gateway.db"),
		Eligibility: EligibilityConfig{
			BaseURL: getEnv("ELIGIBILITY_BASE_URL", ""),
			Timeout: getEnvDuration("ELIGIBILITY_TIMEOUT", 10*time.Second),
		},
		Legacy: WidgetConfig{
			ScriptURL:    getEnv("LEGACY_SCRIPT_URL", ""),
			BootstrapURL: getEnv("LEGACY_BOOTSTRAP_URL", ""),
			CommandURL:   getEnv("LEGACY_COMMAND_URL", ""),
			MessageURL:   getEnv("LEGACY_MESSAGE_URL", ""),
			EventsURL:    getEnv("LEGACY_EVENTS_URL", ""),
			Timeout:      getEnvDuration("LEGACY_TIMEOUT", 15*time.Second),
		},
		Cloud: WidgetConfig{
			DeploymentURL: getEnv("CLOUD_DEPLOYMENT_URL", ""),
			EventsURL:     getEnv("CLOUD_EVENTS_URL", ""),
			Timeout:       getEnvDuration("CLOUD_TIMEOUT", 15*time.Second),
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   getEnvDuration("RECONNECT_BASE_DELAY", 2*time.Second),
			MaxDelay:    getEnvDuration("RECONNECT_MAX_DELAY", 30*time.Second),
			MaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
		},
		Inactivity: InactivityConfig{
			Timeout:      getEnvDuration("INACTIVITY_TIMEOUT", 10*time.Minute),
			PollInterval: getEnvDuration("INACTIVITY_POLL_INTERVAL", time.Minute),
		},
		TranscriptRetention: getEnvDuration("TRANSCRIPT_RETENTION", 30*24*time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Eligibility.BaseURL == "" {
		return fmt.Errorf("ELIGIBILITY_BASE_URL cannot be empty")
	}
	if c.Eligibility.Timeout <= 0 {
		return fmt.Errorf("ELIGIBILITY_TIMEOUT must be > 0")
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect delays must satisfy 0 < base <= max")
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be > 0")
	}
	if c.Inactivity.Timeout <= 0 || c.Inactivity.PollInterval <= 0 {
		return fmt.Errorf("inactivity timeout and poll interval must be > 0")
	}
	if c.TranscriptRetention <= 0 {
		return fmt.Errorf("TRANSCRIPT_RETENTION must be > 0")
	}
	// At least one widget variant must be reachable. Legacy needs the full
	// command surface; cloud only needs its deployment endpoint.
	legacyOK := c.Legacy.ScriptURL != "" && c.Legacy.BootstrapURL != "" &&
		c.Legacy.CommandURL != "" && c.Legacy.EventsURL != ""
	cloudOK := c.Cloud.DeploymentURL != "" && c.Cloud.EventsURL != ""
	if !legacyOK && !cloudOK {
		return fmt.Errorf("no widget variant configured: set the LEGACY_* or CLOUD_* endpoint URLs")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
