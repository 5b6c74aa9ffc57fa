package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Durations holds every duration setting of a Config, parsed and defaulted.
type Durations struct {
	PollTimeout  time.Duration // notify.poll_timeout
	PushTTL      time.Duration // push.ttl
	SendTimeout  time.Duration // push.send_timeout
	BusyTimeout  time.Duration // storage.busy_timeout
	FlushDelay   time.Duration // schedule.flush_delay
	CacheTTL     time.Duration // schedule.cache_ttl
	TelegramPoll time.Duration // telegram.poll_timeout
	HTTPRead     time.Duration // http.read_timeout
	HTTPWrite    time.Duration // http.write_timeout
}

// ResolveDurations parses the duration fields of cfg. Empty or zero values
// take their default; every malformed field is reported.
func ResolveDurations(cfg *Config) (Durations, error) {
	var d Durations
	var tgPoll string
	if cfg.Telegram != nil {
		tgPoll = cfg.Telegram.PollTimeout
	}
	fields := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"notify.poll_timeout", cfg.Notify.PollTimeout, DefaultPollTimeout, &d.PollTimeout},
		{"push.ttl", cfg.Push.TTL, DefaultPushTTL, &d.PushTTL},
		{"push.send_timeout", cfg.Push.SendTimeout, DefaultSendTimeout, &d.SendTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout, DefaultBusyTimeout, &d.BusyTimeout},
		{"schedule.flush_delay", cfg.Schedule.FlushDelay, DefaultFlushDelay, &d.FlushDelay},
		{"schedule.cache_ttl", cfg.Schedule.CacheTTL, DefaultCacheTTL, &d.CacheTTL},
		{"telegram.poll_timeout", tgPoll, DefaultTelegramPoll, &d.TelegramPoll},
		{"http.read_timeout", cfg.HTTP.ReadTimeout, DefaultHTTPReadTimeout, &d.HTTPRead},
		{"http.write_timeout", cfg.HTTP.WriteTimeout, DefaultHTTPWriteTimeout, &d.HTTPWrite},
	}
	var errs []error
	for _, f := range fields {
		v, err := parseDuration(f.path, f.raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if v == 0 {
			v = f.def
		}
		*f.dst = v
	}
	return d, errors.Join(errs...)
}

// parseDuration accepts Go duration strings; "" means unset.
func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration (e.g. 5s, 1m): %w", path, raw, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s: %q is negative", path, raw)
	}
	return v, nil
}
