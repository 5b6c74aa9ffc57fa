package config

import (
	"reflect"
	"sort"
	"strings"

	logx "mkhub/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe structured
// attrs for logging. Secrets (tokens, keys, DSNs, passwords) are only reported as *_set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", newCfg.Notify.Enabled),
			logx.String("notify.poll_schedule", strings.TrimSpace(newCfg.Notify.PollSchedule)),
			logx.Bool("notify.retry_all_failed", newCfg.Notify.RetryAllFailed),
		)
	}

	op, np := oldCfg.Push, newCfg.Push
	if op.Subject != np.Subject || op.TTL != np.TTL || op.Urgency != np.Urgency ||
		op.SendTimeout != np.SendTimeout || op.RatePerSec != np.RatePerSec ||
		op.VAPIDPublicKey != np.VAPIDPublicKey || op.VAPIDPrivateKey != np.VAPIDPrivateKey {
		changed = append(changed, "push")
		attrs = append(attrs,
			logx.Bool("push.vapid_set", np.VAPIDPublicKey != "" && np.VAPIDPrivateKey != ""),
			logx.String("push.ttl", np.TTL),
			logx.Int("push.rate_per_sec", np.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Ledger, newCfg.Ledger) {
		changed = append(changed, "ledger")
		attrs = append(attrs,
			logx.String("ledger.driver", newCfg.Ledger.Driver),
			logx.Bool("ledger.redis_url_set", newCfg.Ledger.RedisURL != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.backend", newCfg.Schedule.Backend),
			logx.String("schedule.github_repo", newCfg.Schedule.GitHub.Owner+"/"+newCfg.Schedule.GitHub.Repo),
			logx.Bool("schedule.github_token_set", newCfg.Schedule.GitHub.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Discord, newCfg.Discord) {
		changed = append(changed, "discord")
		attrs = append(attrs, logx.Bool("discord.enabled", newCfg.Discord != nil && newCfg.Discord.Enabled))
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs, logx.Bool("telegram.enabled", newCfg.Telegram != nil && newCfg.Telegram.Enabled))
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.MQTT, newCfg.MQTT) {
		changed = append(changed, "mqtt")
		attrs = append(attrs, logx.Bool("mqtt.enabled", newCfg.MQTT != nil && newCfg.MQTT.Enabled))
	}

	sort.Strings(changed)
	return changed, attrs
}

// HotSections are applied live on reload; any other changed section needs a restart.
var HotSections = map[string]bool{
	"logging":   true,
	"scheduler": true,
	"notify":    true,
	"push":      true,
}

// RestartRequired filters changed down to the sections that cannot be applied live.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !HotSections[s] {
			out = append(out, s)
		}
	}
	return out
}
