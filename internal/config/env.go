package config

import (
	"os"
	"strings"
)

// ApplyEnv fills empty secret and deployment fields from the environment.
// Values present in the file always win. getenv defaults to os.Getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	fill := func(dst *string, key string) {
		if strings.TrimSpace(*dst) != "" {
			return
		}
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	fill(&cfg.Push.VAPIDPublicKey, "VAPID_PUBLIC_KEY")
	fill(&cfg.Push.VAPIDPrivateKey, "VAPID_PRIVATE_KEY")
	fill(&cfg.Push.Subject, "VAPID_SUBJECT")

	fill(&cfg.Schedule.GitHub.Token, "GITHUB_TOKEN")
	fill(&cfg.Schedule.GitHub.Owner, "GITHUB_OWNER")
	fill(&cfg.Schedule.GitHub.Repo, "GITHUB_REPO")
	fill(&cfg.Schedule.GitHub.Branch, "GITHUB_BRANCH")
	fill(&cfg.Schedule.GitHub.FilePath, "GITHUB_FILE_PATH")

	fill(&cfg.Storage.DSN, "DATABASE_URL")
	fill(&cfg.Ledger.RedisURL, "REDIS_URL")
	fill(&cfg.HTTP.AdminJWTSecret, "ADMIN_JWT_SECRET")

	// The schedule bot historically ran from env alone.
	if cfg.Discord == nil && getenv("DISCORD_BOT_TOKEN") != "" && getenv("DISCORD_SCHEDULE_CHANNEL_ID") != "" {
		cfg.Discord = &DiscordConfig{Enabled: true}
	}
	if cfg.Discord != nil {
		fill(&cfg.Discord.Token, "DISCORD_BOT_TOKEN")
		fill(&cfg.Discord.ScheduleChannelID, "DISCORD_SCHEDULE_CHANNEL_ID")
	}
	if cfg.Telegram != nil {
		fill(&cfg.Telegram.Token, "TELEGRAM_TOKEN")
	}
	if cfg.MQTT != nil {
		fill(&cfg.MQTT.Password, "MQTT_PASSWORD")
	}
}
