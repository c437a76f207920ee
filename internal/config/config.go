// Package config provides configuration management for the mail transfer agent.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"
)

// ListenerMode defines the operational role of a listener.
type ListenerMode string

const (
	// ModeRelay is MTA-to-MTA relay, typically port 25.
	ModeRelay ListenerMode = "relay"
	// ModeSubmission is authenticated message submission, typically port 587.
	ModeSubmission ListenerMode = "submission"
)

// FileConfig is the top-level wrapper for the configuration file.
type FileConfig struct {
	Mtad Config `toml:"mtad"`
}

// Config holds the complete MTA configuration.
type Config struct {
	Hostname  string           `toml:"hostname"`
	Domain    string           `toml:"domain"`
	LogLevel  string           `toml:"log_level"`
	Listeners []ListenerConfig `toml:"listeners"`
	TLS       TLSConfig        `toml:"tls"`
	Auth      AuthConfig       `toml:"auth"`
	Limits    LimitsConfig     `toml:"limits"`
	Timeouts  TimeoutsConfig   `toml:"timeouts"`
	Queue     QueueConfig      `toml:"queue"`
	Delivery  DeliveryConfig   `toml:"delivery"`
	Policy    PolicyConfig     `toml:"policy"`
	Metrics   MetricsConfig    `toml:"metrics"`
}

// ListenerConfig defines settings for a single listener.
type ListenerConfig struct {
	Address string       `toml:"address"`
	Mode    ListenerMode `toml:"mode"`
}

// TLSConfig holds TLS certificate and version settings.
type TLSConfig struct {
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
	// MinVersion is the minimum accepted TLS version ("1.2" or "1.3").
	MinVersion string `toml:"min_version"`
	// RequiredOnSubmission refuses AUTH on submission listeners until
	// STARTTLS has completed. Defaults to true.
	RequiredOnSubmission *bool `toml:"required_on_submission"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	// RequiredOnSubmission rejects MAIL on submission listeners from
	// unauthenticated sessions. Defaults to true.
	RequiredOnSubmission *bool  `toml:"required_on_submission"`
	UsersFile            string `toml:"users_file"`
	MaxFailures          int    `toml:"max_failures"`
	LockoutDuration      string `toml:"lockout_duration"`
}

// LimitsConfig defines resource limits for the server.
type LimitsConfig struct {
	MaxMessageSize     int64 `toml:"max_message_size"`
	MaxRecipients      int   `toml:"max_recipients"`
	MaxErrors          int   `toml:"max_errors"`
	MaxUnknownCommands int   `toml:"max_unknown_commands"`
}

// TimeoutsConfig defines timeout durations as duration strings.
type TimeoutsConfig struct {
	Session string `toml:"session"`
	Connect string `toml:"connect"`
	Data    string `toml:"data"`
}

// QueueConfig holds queue store and retry settings.
type QueueConfig struct {
	// Store selects the backing store: "memory" or "postgres".
	Store string `toml:"store"`
	// DSN is the PostgreSQL connection string when Store is "postgres".
	DSN string `toml:"dsn"`
	// SpoolDir holds message bodies as blob files keyed by queue id.
	SpoolDir string `toml:"spool_dir"`
	// RetrySchedule is the backoff ladder as duration strings.
	RetrySchedule []string `toml:"retry_schedule"`
	MaxAge        string   `toml:"max_age"`
	CleanupAge    string   `toml:"cleanup_age"`
}

// DeliveryConfig holds outbound delivery settings.
type DeliveryConfig struct {
	Workers                  int    `toml:"workers"`
	PollInterval             string `toml:"poll_interval"`
	MaxConnectionsPerDomain  int    `toml:"max_connections_per_domain"`
	MaxMessagesPerConnection int    `toml:"max_messages_per_connection"`
	MXFallbackToA            *bool  `toml:"mx_fallback_to_a"`
	// Port is the remote SMTP port; overridable for tests.
	Port int `toml:"port"`
}

// PolicyConfig holds rate limiting and greylisting settings.
type PolicyConfig struct {
	// Store selects the backing store: "memory" or "redis".
	Store            string `toml:"store"`
	RedisAddr        string `toml:"redis_addr"`
	RateLimitIP      int    `toml:"rate_limit_ip"`
	RateLimitUser    int    `toml:"rate_limit_user"`
	RateLimitDomain  int    `toml:"rate_limit_domain"`
	GreylistEnabled  bool   `toml:"greylist_enabled"`
	GreylistMinDelay string `toml:"greylist_min_delay"`
	GreylistMaxAge   string `toml:"greylist_max_age"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		Domain:   "localhost",
		LogLevel: "info",
		Listeners: []ListenerConfig{
			{Address: ":25", Mode: ModeRelay},
			{Address: ":587", Mode: ModeSubmission},
		},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Auth: AuthConfig{
			UsersFile:       "users.json",
			MaxFailures:     5,
			LockoutDuration: "5m",
		},
		Limits: LimitsConfig{
			MaxMessageSize:     35 * 1024 * 1024,
			MaxRecipients:      100,
			MaxErrors:          3,
			MaxUnknownCommands: 5,
		},
		Timeouts: TimeoutsConfig{
			Session: "5m",
			Connect: "30s",
			Data:    "1m",
		},
		Queue: QueueConfig{
			Store:    "memory",
			SpoolDir: "spool",
			RetrySchedule: []string{
				"5m", "15m", "1h", "4h", "12h", "24h", "48h",
			},
			MaxAge:     "168h",
			CleanupAge: "336h",
		},
		Delivery: DeliveryConfig{
			Workers:                  10,
			PollInterval:             "5s",
			MaxConnectionsPerDomain:  5,
			MaxMessagesPerConnection: 10,
			Port:                     25,
		},
		Policy: PolicyConfig{
			Store:            "memory",
			RateLimitIP:      100,
			RateLimitUser:    200,
			RateLimitDomain:  1000,
			GreylistMinDelay: "5m",
			GreylistMaxAge:   "4h",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9100",
			Path:    "/metrics",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}

	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listener %d: address is required", i)
		}
		if l.Mode != ModeRelay && l.Mode != ModeSubmission {
			return fmt.Errorf("listener %d: invalid mode %q", i, l.Mode)
		}
	}

	if c.Limits.MaxMessageSize <= 0 {
		return errors.New("max_message_size must be positive")
	}

	if c.Limits.MaxRecipients <= 0 {
		return errors.New("max_recipients must be positive")
	}

	for _, d := range []struct {
		name  string
		value string
	}{
		{"timeouts.session", c.Timeouts.Session},
		{"timeouts.connect", c.Timeouts.Connect},
		{"timeouts.data", c.Timeouts.Data},
		{"auth.lockout_duration", c.Auth.LockoutDuration},
		{"queue.max_age", c.Queue.MaxAge},
		{"queue.cleanup_age", c.Queue.CleanupAge},
		{"delivery.poll_interval", c.Delivery.PollInterval},
		{"policy.greylist_min_delay", c.Policy.GreylistMinDelay},
		{"policy.greylist_max_age", c.Policy.GreylistMaxAge},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
	}

	for i, s := range c.Queue.RetrySchedule {
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("invalid queue.retry_schedule[%d]: %w", i, err)
		}
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	switch c.Queue.Store {
	case "", "memory":
	case "postgres":
		if c.Queue.DSN == "" {
			return errors.New("queue.dsn is required for the postgres store")
		}
	default:
		return fmt.Errorf("invalid queue.store %q (valid: memory, postgres)", c.Queue.Store)
	}

	switch c.Policy.Store {
	case "", "memory":
	case "redis":
		if c.Policy.RedisAddr == "" {
			return errors.New("policy.redis_addr is required for the redis store")
		}
	default:
		return fmt.Errorf("invalid policy.store %q (valid: memory, redis)", c.Policy.Store)
	}

	if c.Delivery.Workers <= 0 {
		return errors.New("delivery.workers must be positive")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	return nil
}

// TLSRequired reports whether AUTH requires an active TLS layer on
// submission listeners. Defaults to true.
func (c *TLSConfig) TLSRequired() bool {
	if c.RequiredOnSubmission == nil {
		return true
	}
	return *c.RequiredOnSubmission
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum
// TLS version. Returns tls.VersionTLS12 if not configured.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// AuthRequired reports whether MAIL requires an authenticated session on
// submission listeners. Defaults to true.
func (c *AuthConfig) AuthRequired() bool {
	if c.RequiredOnSubmission == nil {
		return true
	}
	return *c.RequiredOnSubmission
}

// LockoutWindow returns the auth lockout duration. Defaults to 5 minutes.
func (c *AuthConfig) LockoutWindow() time.Duration {
	return parseDuration(c.LockoutDuration, 5*time.Minute)
}

// SessionTimeout returns the per-session read timeout. Defaults to 5 minutes.
func (c *TimeoutsConfig) SessionTimeout() time.Duration {
	return parseDuration(c.Session, 5*time.Minute)
}

// ConnectTimeout returns the outbound connect timeout. Defaults to 30 seconds.
func (c *TimeoutsConfig) ConnectTimeout() time.Duration {
	return parseDuration(c.Connect, 30*time.Second)
}

// DataTimeout returns the outbound data timeout. Defaults to 1 minute.
func (c *TimeoutsConfig) DataTimeout() time.Duration {
	return parseDuration(c.Data, time.Minute)
}

// Schedule returns the retry ladder as durations. Entries were validated by
// Validate; an empty schedule falls back to the default ladder.
func (c *QueueConfig) Schedule() []time.Duration {
	if len(c.RetrySchedule) == 0 {
		return []time.Duration{
			5 * time.Minute, 15 * time.Minute, time.Hour,
			4 * time.Hour, 12 * time.Hour, 24 * time.Hour, 48 * time.Hour,
		}
	}
	out := make([]time.Duration, 0, len(c.RetrySchedule))
	for _, s := range c.RetrySchedule {
		d, err := time.ParseDuration(s)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out
}

// QueueMaxAge returns the maximum queue age. Defaults to 7 days.
func (c *QueueConfig) QueueMaxAge() time.Duration {
	return parseDuration(c.MaxAge, 7*24*time.Hour)
}

// CleanupMaxAge returns the age past which terminal messages are removed.
// Defaults to twice the queue max age.
func (c *QueueConfig) CleanupMaxAge() time.Duration {
	return parseDuration(c.CleanupAge, 2*c.QueueMaxAge())
}

// Interval returns the worker poll interval. Defaults to 5 seconds.
func (c *DeliveryConfig) Interval() time.Duration {
	return parseDuration(c.PollInterval, 5*time.Second)
}

// FallbackToA reports whether delivery synthesizes an MX from the domain's
// A record when no MX records exist. Defaults to true.
func (c *DeliveryConfig) FallbackToA() bool {
	if c.MXFallbackToA == nil {
		return true
	}
	return *c.MXFallbackToA
}

// MinDelay returns the greylist minimum delay. Defaults to 5 minutes.
func (c *PolicyConfig) MinDelay() time.Duration {
	return parseDuration(c.GreylistMinDelay, 5*time.Minute)
}

// MaxTripletAge returns the greylist triplet expiry. Defaults to 4 hours.
func (c *PolicyConfig) MaxTripletAge() time.Duration {
	return parseDuration(c.GreylistMaxAge, 4*time.Hour)
}

var minTLSVersions = map[string]uint16{
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
