package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the embedding application's file-backed configuration.
// The scheduling primitives themselves take plain constructor
// parameters; this package only parses and hot-reloads the file the
// demo daemon maps onto those parameters.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Manager ManagerConfig `json:"manager"`

	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
	Pool      PoolConfig      `json:"pool,omitempty"`

	// Storage enables the sqlite audit journal when present.
	Storage *StorageConfig `json:"storage,omitempty"`

	// ScheduleTimezone applies to cron exprs in Schedules ("" = local).
	ScheduleTimezone string `json:"schedule_timezone,omitempty"`

	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console,omitempty"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// ManagerConfig maps onto manager.Config.
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent: 4
//   - default_timeout: "0s" (disabled)
//   - default_max_retries: 0
//   - retention_size: 500
type ManagerConfig struct {
	MaxConcurrent     int    `json:"max_concurrent,omitempty"`
	DefaultTimeout    string `json:"default_timeout,omitempty"`
	DefaultMaxRetries int    `json:"default_max_retries,omitempty"`
	RetentionSize     int    `json:"retention_size,omitempty"`
}

type RateLimitConfig struct {
	Limit  int    `json:"limit,omitempty"`
	Window string `json:"window,omitempty"`
}

type PoolConfig struct {
	Min      int    `json:"min,omitempty"`
	Max      int    `json:"max,omitempty"`
	IdleWait string `json:"idle_wait,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ScheduleConfig declares one recurring submission. Spec accepts a
// cron expression or a plain duration (see schedule.ParseSpec).
type ScheduleConfig struct {
	Name       string `json:"name"`
	Spec       string `json:"spec"`
	Priority   string `json:"priority,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// Validate performs structural checks that don't need runtime context.
func (c *Config) Validate() error {
	if _, err := ParseDurationField("manager.default_timeout", c.Manager.DefaultTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("rate_limit.window", c.RateLimit.Window); err != nil {
		return err
	}
	if _, err := ParseDurationField("pool.idle_wait", c.Pool.IdleWait); err != nil {
		return err
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	if tz := strings.TrimSpace(c.ScheduleTimezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("schedule_timezone: invalid %q: %w", tz, err)
		}
	}
	for i, sc := range c.Schedules {
		if _, err := ParseDurationField("schedules.timeout", sc.Timeout); err != nil {
			return err
		}
		if sc.Name == "" || sc.Spec == "" {
			return fieldError("schedules", i, "name and spec are required")
		}
	}
	return nil
}
