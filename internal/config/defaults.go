package config

import "time"

// Runtime defaults applied when a field is omitted.
const (
	DefaultTimezone         = "Europe/Paris"
	DefaultPollSchedule     = "* * * * *"
	DefaultPollTimeout      = 50 * time.Second
	DefaultRecentLogs       = 20
	DefaultIcon             = "/favicon.ico"
	DefaultURL              = "/lounge"
	DefaultPushTTL          = 24 * time.Hour
	DefaultSendTimeout      = 10 * time.Second
	DefaultSubject          = "mailto:admin@mk8dx-hub.com"
	DefaultGitHubOwner      = "999none"
	DefaultGitHubRepo       = "mk8dx-hub"
	DefaultGitHubBranch     = "emergent"
	DefaultGitHubFilePath   = "data/sq-schedule.json"
	DefaultFlushDelay       = 5 * time.Second
	DefaultCacheTTL         = time.Minute
	DefaultMaxMergeAttempts = 3
	DefaultHTTPAddr         = "127.0.0.1:8080"
	DefaultHTTPReadTimeout  = 15 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultTelegramPoll     = 10 * time.Second
	DefaultMQTTTopicPrefix  = "mkhub"
	DefaultLedgerKeyPrefix  = "mkhub:ledger:"
	DefaultBusyTimeout      = time.Second
)
