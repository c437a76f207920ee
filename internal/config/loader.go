package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath     string
	Hostname       string
	LogLevel       string
	Listen         string
	TLSCert        string
	TLSKey         string
	MaxMessageSize int64
	MaxRecipients  int
	Workers        int
	UsersFile      string
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./mtad.toml", "Path to configuration file")
	flag.StringVar(&f.Hostname, "hostname", "", "Server hostname used in banners and Received headers")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.Listen, "listen", "", "Listen address (replaces all config listeners, relay mode)")
	flag.StringVar(&f.TLSCert, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&f.TLSKey, "tls-key", "", "TLS key file path")
	flag.Int64Var(&f.MaxMessageSize, "max-message-size", 0, "Maximum message size in bytes")
	flag.IntVar(&f.MaxRecipients, "max-recipients", 0, "Maximum recipients per message")
	flag.IntVar(&f.Workers, "workers", 0, "Number of delivery workers")
	flag.StringVar(&f.UsersFile, "users", "", "Path to the users file")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig FileConfig
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	// Merge file config into defaults
	cfg = mergeConfig(cfg, fileConfig.Mtad)

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}

	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	if f.Listen != "" {
		// -listen flag replaces ALL listeners with a single relay listener
		cfg.Listeners = []ListenerConfig{
			{Address: f.Listen, Mode: ModeRelay},
		}
	}

	if f.TLSCert != "" {
		cfg.TLS.CertFile = f.TLSCert
	}

	if f.TLSKey != "" {
		cfg.TLS.KeyFile = f.TLSKey
	}

	if f.MaxMessageSize > 0 {
		cfg.Limits.MaxMessageSize = f.MaxMessageSize
	}

	if f.MaxRecipients > 0 {
		cfg.Limits.MaxRecipients = f.MaxRecipients
	}

	if f.Workers > 0 {
		cfg.Delivery.Workers = f.Workers
	}

	if f.UsersFile != "" {
		cfg.Auth.UsersFile = f.UsersFile
	}

	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// then applies environment and flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	cfg = ApplyEnv(cfg)
	return ApplyFlags(cfg, f), nil
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}

	if src.Domain != "" {
		dst.Domain = src.Domain
	}

	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}

	if len(src.Listeners) > 0 {
		dst.Listeners = src.Listeners
	}

	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}

	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}

	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}

	if src.TLS.RequiredOnSubmission != nil {
		dst.TLS.RequiredOnSubmission = src.TLS.RequiredOnSubmission
	}

	if src.Auth.RequiredOnSubmission != nil {
		dst.Auth.RequiredOnSubmission = src.Auth.RequiredOnSubmission
	}

	if src.Auth.UsersFile != "" {
		dst.Auth.UsersFile = src.Auth.UsersFile
	}

	if src.Auth.MaxFailures > 0 {
		dst.Auth.MaxFailures = src.Auth.MaxFailures
	}

	if src.Auth.LockoutDuration != "" {
		dst.Auth.LockoutDuration = src.Auth.LockoutDuration
	}

	if src.Limits.MaxMessageSize > 0 {
		dst.Limits.MaxMessageSize = src.Limits.MaxMessageSize
	}

	if src.Limits.MaxRecipients > 0 {
		dst.Limits.MaxRecipients = src.Limits.MaxRecipients
	}

	if src.Limits.MaxErrors > 0 {
		dst.Limits.MaxErrors = src.Limits.MaxErrors
	}

	if src.Limits.MaxUnknownCommands > 0 {
		dst.Limits.MaxUnknownCommands = src.Limits.MaxUnknownCommands
	}

	if src.Timeouts.Session != "" {
		dst.Timeouts.Session = src.Timeouts.Session
	}

	if src.Timeouts.Connect != "" {
		dst.Timeouts.Connect = src.Timeouts.Connect
	}

	if src.Timeouts.Data != "" {
		dst.Timeouts.Data = src.Timeouts.Data
	}

	if src.Queue.Store != "" {
		dst.Queue.Store = src.Queue.Store
	}

	if src.Queue.DSN != "" {
		dst.Queue.DSN = src.Queue.DSN
	}

	if src.Queue.SpoolDir != "" {
		dst.Queue.SpoolDir = src.Queue.SpoolDir
	}

	if len(src.Queue.RetrySchedule) > 0 {
		dst.Queue.RetrySchedule = src.Queue.RetrySchedule
	}

	if src.Queue.MaxAge != "" {
		dst.Queue.MaxAge = src.Queue.MaxAge
	}

	if src.Queue.CleanupAge != "" {
		dst.Queue.CleanupAge = src.Queue.CleanupAge
	}

	if src.Delivery.Workers > 0 {
		dst.Delivery.Workers = src.Delivery.Workers
	}

	if src.Delivery.PollInterval != "" {
		dst.Delivery.PollInterval = src.Delivery.PollInterval
	}

	if src.Delivery.MaxConnectionsPerDomain > 0 {
		dst.Delivery.MaxConnectionsPerDomain = src.Delivery.MaxConnectionsPerDomain
	}

	if src.Delivery.MaxMessagesPerConnection > 0 {
		dst.Delivery.MaxMessagesPerConnection = src.Delivery.MaxMessagesPerConnection
	}

	if src.Delivery.MXFallbackToA != nil {
		dst.Delivery.MXFallbackToA = src.Delivery.MXFallbackToA
	}

	if src.Delivery.Port > 0 {
		dst.Delivery.Port = src.Delivery.Port
	}

	if src.Policy.Store != "" {
		dst.Policy.Store = src.Policy.Store
	}

	if src.Policy.RedisAddr != "" {
		dst.Policy.RedisAddr = src.Policy.RedisAddr
	}

	if src.Policy.RateLimitIP > 0 {
		dst.Policy.RateLimitIP = src.Policy.RateLimitIP
	}

	if src.Policy.RateLimitUser > 0 {
		dst.Policy.RateLimitUser = src.Policy.RateLimitUser
	}

	if src.Policy.RateLimitDomain > 0 {
		dst.Policy.RateLimitDomain = src.Policy.RateLimitDomain
	}

	// Greylisting is off by default, so a true in the file always wins
	if src.Policy.GreylistEnabled {
		dst.Policy.GreylistEnabled = true
	}

	if src.Policy.GreylistMinDelay != "" {
		dst.Policy.GreylistMinDelay = src.Policy.GreylistMinDelay
	}

	if src.Policy.GreylistMaxAge != "" {
		dst.Policy.GreylistMaxAge = src.Policy.GreylistMaxAge
	}

	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}

	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}

	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}

	return dst
}
