// Package config loads runtime configuration from the environment and
// the workflow policy document from YAML.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseDriver is "sqlite" or "postgres".
	DatabaseDriver string
	DatabaseURL    string

	RedisURL string

	// AuditMasterKey derives the HMAC keyring for the audit ledger.
	AuditMasterKey string
	// AuditKeyVersion is the active signing key version; older versions
	// stay verifiable after rotation.
	AuditKeyVersion int

	JWTSecret string

	// PolicyPath points at the YAML workflow policy document.
	PolicyPath string

	// ApprovalSLA is how long a pending step may wait before escalation.
	ApprovalSLA time.Duration
	// SweepInterval is how often the SLA sweep runs.
	SweepInterval time.Duration
	// DispatchInterval is how often the outbox dispatcher runs.
	DispatchInterval time.Duration
}

// Load reads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	driver := os.Getenv("DATABASE_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "govern.db"
	}

	policyPath := os.Getenv("POLICY_FILE")
	if policyPath == "" {
		policyPath = "config/policy.yaml"
	}

	return &Config{
		Port:             port,
		LogLevel:         logLevel,
		DatabaseDriver:   driver,
		DatabaseURL:      dbURL,
		RedisURL:         os.Getenv("REDIS_URL"),
		AuditMasterKey:   os.Getenv("AUDIT_MASTER_KEY"),
		AuditKeyVersion:  envInt("AUDIT_KEY_VERSION", 1),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		PolicyPath:       policyPath,
		ApprovalSLA:      envDuration("APPROVAL_SLA", 24*time.Hour),
		SweepInterval:    envDuration("SWEEP_INTERVAL", 15*time.Minute),
		DispatchInterval: envDuration("DISPATCH_INTERVAL", 5*time.Second),
	}
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
