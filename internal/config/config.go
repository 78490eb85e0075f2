// Package config provides server configuration loaded from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// Config holds directived configuration.
type Config struct {
	// COMMS: connect to standalone NATS at COMMSURL.
	COMMSURL      string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName     string `envconfig:"SERVICE_NAME" default:"directive-core"`
	SubjectPrefix string `envconfig:"SUBJECT_PREFIX" default:"avs.device"`

	// Outbound events
	SendQueueSize    int           `envconfig:"SEND_QUEUE_SIZE" default:"64"`
	SendFlushTimeout time.Duration `envconfig:"SEND_FLUSH_TIMEOUT" default:"2s"`

	// Attachments
	AttachmentTTL             time.Duration `envconfig:"ATTACHMENT_TTL" default:"10m"`
	AttachmentReadTimeout     time.Duration `envconfig:"ATTACHMENT_READ_TIMEOUT" default:"5s"`
	AttachmentReclaimInterval time.Duration `envconfig:"ATTACHMENT_RECLAIM_INTERVAL" default:"1m"`

	// System.UserInactivityReport period (0 = never)
	InactivityReportInterval time.Duration `envconfig:"INACTIVITY_REPORT_INTERVAL" default:"1h"`

	// Bootstrap
	BootstrapFile string `envconfig:"DIRECTIVE_BOOTSTRAP_FILE"`

	// Journal database (empty = journal disabled for serve)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// HTTP health endpoint (HTTP_ADDR preferred, e.g. "0.0.0.0:8080")
	HTTPAddr           string        `envconfig:"HTTP_ADDR"`
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	return &c, nil
}

// JournalEnabled reports whether outcomes should be written to Postgres.
func (c *Config) JournalEnabled() bool {
	return c.DatabaseURL != ""
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	if c.HTTPAddr != "" {
		return c.HTTPAddr
	}
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// SlogLevel maps LOG_LEVEL to a slog level; unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidateForServe checks required config when running the directive server.
func (c *Config) ValidateForServe() error {
	if c.COMMSURL == "" {
		return fmt.Errorf("%s - COMMS_URL is required for serve", logPrefix)
	}
	if strings.TrimSpace(c.SubjectPrefix) == "" {
		return fmt.Errorf("%s - SUBJECT_PREFIX must not be empty", logPrefix)
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("%s - SEND_QUEUE_SIZE must be positive", logPrefix)
	}
	if c.AttachmentTTL < 0 {
		return fmt.Errorf("%s - ATTACHMENT_TTL must not be negative", logPrefix)
	}
	if c.AttachmentReadTimeout <= 0 {
		return fmt.Errorf("%s - ATTACHMENT_READ_TIMEOUT must be positive", logPrefix)
	}
	if c.AttachmentReclaimInterval <= 0 {
		return fmt.Errorf("%s - ATTACHMENT_RECLAIM_INTERVAL must be positive", logPrefix)
	}
	if c.InactivityReportInterval < 0 {
		return fmt.Errorf("%s - INACTIVITY_REPORT_INTERVAL must not be negative", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, clear, ensure-db).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}
