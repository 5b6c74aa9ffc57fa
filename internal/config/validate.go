package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks cross-field constraints that strict decoding cannot express.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	_, err := ResolveDurations(cfg)
	add(err)

	switch strings.ToLower(strings.TrimSpace(cfg.Push.Urgency)) {
	case "", "very-low", "low", "normal", "high":
	default:
		add(fmt.Errorf("push.urgency: unknown value %q", cfg.Push.Urgency))
	}
	if cfg.Push.RatePerSec < 0 {
		add(errors.New("push.rate_per_sec must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "sqlite", "file":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required for driver %q", cfg.Storage.Driver))
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn (or DATABASE_URL) is required for driver postgres"))
		}
	case "memory":
	case "":
		add(errors.New("storage.driver is required"))
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Ledger.Driver)) {
	case "", "store":
	case "redis":
		if strings.TrimSpace(cfg.Ledger.RedisURL) == "" {
			add(errors.New("ledger.redis_url (or REDIS_URL) is required for driver redis"))
		}
	default:
		add(fmt.Errorf("ledger.driver: unknown driver %q", cfg.Ledger.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Schedule.Backend)) {
	case "", "github":
	case "file":
		if strings.TrimSpace(cfg.Schedule.Path) == "" {
			add(errors.New("schedule.path is required for backend file"))
		}
	default:
		add(fmt.Errorf("schedule.backend: unknown backend %q", cfg.Schedule.Backend))
	}
	if cfg.Schedule.MaxMergeAttempts < 0 {
		add(errors.New("schedule.max_merge_attempts must be >= 0"))
	}

	if d := cfg.Discord; d != nil && d.Enabled {
		if d.Token == "" || d.ScheduleChannelID == "" {
			add(errors.New("discord: token and schedule_channel_id are required when enabled"))
		}
	}
	if t := cfg.Telegram; t != nil && t.Enabled {
		if t.Token == "" {
			add(errors.New("telegram.token is required when enabled"))
		}
	}
	if m := cfg.MQTT; m != nil && m.Enabled {
		if strings.TrimSpace(m.Broker) == "" {
			add(errors.New("mqtt.broker is required when enabled"))
		}
		if m.QoS < 0 || m.QoS > 2 {
			add(fmt.Errorf("mqtt.qos must be 0, 1 or 2 (got %d)", m.QoS))
		}
	}

	return errors.Join(errs...)
}
