// Package config provides typed runtime configuration for the jobmon services.
// Values are resolved through viper with the precedence: command-line flags,
// JOBMON_* environment variables, configuration file, built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the core consumes. It is constructed once at
// startup and passed explicitly; there are no module-level singletons.
type Config struct {
	// DatabaseURI is the postgres DSN, e.g.
	// "host=localhost user=jobmon dbname=jobmon sslmode=disable".
	DatabaseURI string

	// RedisURL enables the read-side status cache when non-empty.
	RedisURL string

	// RabbitURL enables terminal-event publication when non-empty.
	RabbitURL string

	// EventQueueName is the durable queue for task-instance terminal events.
	EventQueueName string

	// Port is the HTTP listen port of the central server.
	Port int

	// HeartbeatInterval is how often live workflow runs and task instances
	// must refresh their next_report_by timestamps.
	HeartbeatInterval time.Duration

	// HeartbeatReportFactor multiplies HeartbeatInterval to produce the
	// next_report_by horizon, tolerating missed beats.
	HeartbeatReportFactor int

	// ReaperInterval is the scan period of the reaper singleton.
	ReaperInterval time.Duration

	// DefaultMaxConcurrentlyRunning caps simultaneously active tasks per
	// workflow when the client does not specify one.
	DefaultMaxConcurrentlyRunning int

	// AuthEnabled switches the HTTP surface from the trusted X-Jobmon-User
	// header to JWT bearer authentication.
	AuthEnabled bool

	// JWTSecret signs and validates bearer tokens when AuthEnabled is set.
	JWTSecret string

	// LogLevel and LogFormat configure the global logger.
	LogLevel  string
	LogFormat string
}

// Defaults used when neither flags, environment, nor file provide a value.
const (
	DefaultPort                   = 8070
	DefaultHeartbeatInterval      = 90 * time.Second
	DefaultHeartbeatReportFactor  = 3
	DefaultReaperInterval         = 60 * time.Second
	DefaultMaxConcurrentlyRunning = 10000
	DefaultEventQueueName         = "jobmon.task_instance.events"
)

// Load resolves the configuration from viper. Callers bind flags before
// invoking Load; the JOBMON_ env prefix is registered here.
func Load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("JOBMON")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", DefaultPort)
	v.SetDefault("heartbeat-interval", DefaultHeartbeatInterval)
	v.SetDefault("heartbeat-report-factor", DefaultHeartbeatReportFactor)
	v.SetDefault("reaper-interval", DefaultReaperInterval)
	v.SetDefault("max-concurrently-running", DefaultMaxConcurrentlyRunning)
	v.SetDefault("event-queue-name", DefaultEventQueueName)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "text")

	cfg := &Config{
		DatabaseURI:                   v.GetString("database-uri"),
		RedisURL:                      v.GetString("redis-url"),
		RabbitURL:                     v.GetString("rabbitmq-url"),
		EventQueueName:                v.GetString("event-queue-name"),
		Port:                          v.GetInt("port"),
		HeartbeatInterval:             v.GetDuration("heartbeat-interval"),
		HeartbeatReportFactor:         v.GetInt("heartbeat-report-factor"),
		ReaperInterval:                v.GetDuration("reaper-interval"),
		DefaultMaxConcurrentlyRunning: v.GetInt("max-concurrently-running"),
		AuthEnabled:                   v.GetBool("auth-enabled"),
		JWTSecret:                     v.GetString("jwt-secret"),
		LogLevel:                      v.GetString("log-level"),
		LogFormat:                     v.GetString("log-format"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the services cannot start with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.HeartbeatReportFactor < 1 {
		return fmt.Errorf("heartbeat report factor must be >= 1, got %d", c.HeartbeatReportFactor)
	}
	if c.ReaperInterval <= 0 {
		return fmt.Errorf("reaper interval must be positive, got %s", c.ReaperInterval)
	}
	if c.DefaultMaxConcurrentlyRunning < 0 {
		return fmt.Errorf("max concurrently running must be >= 0, got %d", c.DefaultMaxConcurrentlyRunning)
	}
	if c.AuthEnabled && c.JWTSecret == "" {
		return fmt.Errorf("auth enabled but no jwt secret configured")
	}
	return nil
}

// ReportBy returns the next_report_by horizon from now for a freshly
// refreshed heartbeat.
func (c *Config) ReportBy(now time.Time) time.Time {
	return now.Add(c.HeartbeatInterval * time.Duration(c.HeartbeatReportFactor))
}
