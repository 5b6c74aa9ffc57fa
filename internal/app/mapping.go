package app

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"mkhub/internal/config"
	"mkhub/internal/eventbus/mqttbridge"
	"mkhub/internal/httpapi"
	"mkhub/internal/ledger"
	"mkhub/internal/notify"
	"mkhub/internal/push"
	"mkhub/internal/schedule"
	"mkhub/internal/storage"
	"mkhub/internal/transport/telegram"
	"mkhub/internal/window"
	logx "mkhub/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    lc.Chat.Enabled,
			MinLevel:   lc.Chat.MinLevel,
			RatePerSec: lc.Chat.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	d, err := config.ResolveDurations(cfg)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: d.BusyTimeout,
	}, nil
}

func mapLedgerConfig(cfg *config.Config) ledger.Config {
	prefix := cfg.Ledger.KeyPrefix
	if prefix == "" {
		prefix = config.DefaultLedgerKeyPrefix
	}
	return ledger.Config{Driver: cfg.Ledger.Driver, RedisURL: cfg.Ledger.RedisURL, KeyPrefix: prefix}
}

func mapPushConfig(cfg *config.Config) (push.Config, error) {
	pc := cfg.Push
	d, err := config.ResolveDurations(cfg)
	if err != nil {
		return push.Config{}, err
	}
	subject := pc.Subject
	if subject == "" {
		subject = config.DefaultSubject
	}
	return push.Config{
		PublicKey:   pc.VAPIDPublicKey,
		PrivateKey:  pc.VAPIDPrivateKey,
		Subject:     subject,
		TTL:         d.PushTTL,
		Urgency:     pc.Urgency,
		SendTimeout: d.SendTimeout,
	}, nil
}

func location(cfg *config.Config) *time.Location {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		return window.DefaultLocation
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return window.DefaultLocation
	}
	return loc
}

func mapNotifyConfig(cfg *config.Config) notify.Config {
	nc := cfg.Notify
	out := notify.Config{
		Location:       location(cfg),
		RetryAllFailed: nc.RetryAllFailed,
		RecentLogs:     nc.RecentLogs,
		Icon:           nc.Icon,
		URL:            nc.URL,
	}
	if out.RecentLogs <= 0 {
		out.RecentLogs = config.DefaultRecentLogs
	}
	if out.Icon == "" {
		out.Icon = config.DefaultIcon
	}
	if out.URL == "" {
		out.URL = config.DefaultURL
	}
	return out
}

type pollSettings struct {
	schedule string
	timeout  time.Duration
}

func mapPollSettings(cfg *config.Config) (pollSettings, error) {
	d, err := config.ResolveDurations(cfg)
	if err != nil {
		return pollSettings{}, err
	}
	spec := strings.TrimSpace(cfg.Notify.PollSchedule)
	if spec == "" {
		spec = config.DefaultPollSchedule
	}
	return pollSettings{schedule: spec, timeout: d.PollTimeout}, nil
}

type scheduleSettings struct {
	flushDelay  time.Duration
	cacheTTL    time.Duration
	maxAttempts int
}

func mapScheduleSettings(cfg *config.Config) (scheduleSettings, error) {
	sc := cfg.Schedule
	d, err := config.ResolveDurations(cfg)
	if err != nil {
		return scheduleSettings{}, err
	}
	attempts := sc.MaxMergeAttempts
	if attempts <= 0 {
		attempts = config.DefaultMaxMergeAttempts
	}
	return scheduleSettings{flushDelay: d.FlushDelay, cacheTTL: d.CacheTTL, maxAttempts: attempts}, nil
}

// openScheduleStore picks the blob backend for the schedule file.
func openScheduleStore(cfg *config.Config, hc *http.Client) (schedule.Store, error) {
	sc := cfg.Schedule
	switch strings.ToLower(strings.TrimSpace(sc.Backend)) {
	case "file":
		return schedule.NewFileStore(sc.Path)
	case "", "github":
		gh := sc.GitHub
		def := func(v, d string) string {
			if strings.TrimSpace(v) == "" {
				return d
			}
			return v
		}
		return schedule.NewGitHubStore(schedule.GitHubConfig{
			Owner:    def(gh.Owner, config.DefaultGitHubOwner),
			Repo:     def(gh.Repo, config.DefaultGitHubRepo),
			Branch:   def(gh.Branch, config.DefaultGitHubBranch),
			FilePath: def(gh.FilePath, config.DefaultGitHubFilePath),
			Token:    gh.Token,
			BaseURL:  gh.BaseURL,
		}, hc)
	default:
		return nil, fmt.Errorf("unknown schedule.backend: %s", sc.Backend)
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	tc := cfg.Telegram
	d, err := config.ResolveDurations(cfg)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:          tc.Token,
		PollTimeout:    d.TelegramPoll,
		ScheduleChatID: tc.ScheduleChatID,
		LogChatID:      tc.LogChatID,
		LogThreadID:    tc.LogThreadID,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.ServerConfig, httpapi.RouterOptions, error) {
	hc := cfg.HTTP
	d, err := config.ResolveDurations(cfg)
	if err != nil {
		return httpapi.ServerConfig{}, httpapi.RouterOptions{}, err
	}
	addr := hc.Addr
	if addr == "" {
		addr = config.DefaultHTTPAddr
	}
	write := d.HTTPWrite
	// pprof/profile streams for 30s by default.
	if hc.Pprof && write < 40*time.Second {
		write = 40 * time.Second
	}
	return httpapi.ServerConfig{Addr: addr, ReadTimeout: d.HTTPRead, WriteTimeout: write},
		httpapi.RouterOptions{CORSOrigins: hc.CORSOrigins, AdminJWTSecret: hc.AdminJWTSecret, Pprof: hc.Pprof},
		nil
}

func mapMQTTConfig(mc *config.MQTTConfig) mqttbridge.Config {
	prefix := mc.TopicPrefix
	if prefix == "" {
		prefix = config.DefaultMQTTTopicPrefix
	}
	qos := mc.QoS
	if qos < 0 || qos > 2 {
		qos = 0
	}
	return mqttbridge.Config{
		Broker:      mc.Broker,
		ClientID:    mc.ClientID,
		Username:    mc.Username,
		Password:    mc.Password,
		TopicPrefix: prefix,
		QoS:         byte(qos),
	}
}

// validate runs before a reloaded config is committed.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapPollSettings(cfg); err != nil {
		return err
	}
	if _, err := mapScheduleSettings(cfg); err != nil {
		return err
	}
	if _, err := mapPushConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	return nil
}
