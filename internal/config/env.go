package config

import "os"

// ApplyEnv applies environment variable overrides to the configuration.
// Environment variables take precedence over TOML config but are overridden
// by command-line flags.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("MTAD_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("MTAD_DOMAIN"); v != "" {
		cfg.Domain = v
	}
	if v := os.Getenv("MTAD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MTAD_TLS_CERT_FILE"); v != "" {
		cfg.TLS.CertFile = v
	}
	if v := os.Getenv("MTAD_TLS_KEY_FILE"); v != "" {
		cfg.TLS.KeyFile = v
	}
	if v := os.Getenv("MTAD_USERS_FILE"); v != "" {
		cfg.Auth.UsersFile = v
	}
	if v := os.Getenv("MTAD_QUEUE_DSN"); v != "" {
		cfg.Queue.Store = "postgres"
		cfg.Queue.DSN = v
	}
	if v := os.Getenv("MTAD_SPOOL_DIR"); v != "" {
		cfg.Queue.SpoolDir = v
	}
	if v := os.Getenv("MTAD_REDIS_ADDR"); v != "" {
		cfg.Policy.Store = "redis"
		cfg.Policy.RedisAddr = v
	}
	return cfg
}
