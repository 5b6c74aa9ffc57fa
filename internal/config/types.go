package config

// Config is the on-disk configuration (JSON or YAML). Secrets may be left empty
// and supplied through the environment, see ApplyEnv.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notify    NotifyConfig    `json:"notify"`
	Push      PushConfig      `json:"push"`
	Ledger    LedgerConfig    `json:"ledger"`
	Storage   StorageConfig   `json:"storage"`
	Schedule  ScheduleConfig  `json:"schedule"`
	Discord   *DiscordConfig  `json:"discord,omitempty"`
	Telegram  *TelegramConfig `json:"telegram,omitempty"`
	HTTP      HTTPConfig      `json:"http"`
	MQTT      *MQTTConfig     `json:"mqtt,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat forwards warn+ records to the Telegram log chat.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the cron trigger service.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"` // default: Europe/Paris
}

// NotifyConfig controls window evaluation and dispatch.
//
// Durations are Go duration strings.
type NotifyConfig struct {
	Enabled bool `json:"enabled"`
	// PollSchedule accepts cron ("* * * * *"), a duration ("1m") or HH:MM.
	PollSchedule string `json:"poll_schedule,omitempty"`
	PollTimeout  string `json:"poll_timeout,omitempty"`
	// RetryAllFailed releases a window claim when every delivery failed transiently,
	// so the next poll inside the band may retry.
	RetryAllFailed bool   `json:"retry_all_failed,omitempty"`
	RecentLogs     int    `json:"recent_logs,omitempty"`
	Icon           string `json:"icon,omitempty"`
	URL            string `json:"url,omitempty"`
}

// PushConfig holds Web Push (VAPID) delivery settings.
type PushConfig struct {
	VAPIDPublicKey  string `json:"vapid_public_key,omitempty"`
	VAPIDPrivateKey string `json:"vapid_private_key,omitempty"`
	Subject         string `json:"subject,omitempty"`
	TTL             string `json:"ttl,omitempty"`
	Urgency         string `json:"urgency,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
}

// LedgerConfig selects the dedup ledger backend: "store" (default) or "redis".
type LedgerConfig struct {
	Driver    string `json:"driver,omitempty"`
	RedisURL  string `json:"redis_url,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/mkhub.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ScheduleConfig controls the persisted SQ schedule blob and the ingestion coalescer.
type ScheduleConfig struct {
	Backend          string       `json:"backend"` // "github" | "file"
	Path             string       `json:"path,omitempty"`
	GitHub           GitHubConfig `json:"github"`
	FlushDelay       string       `json:"flush_delay,omitempty"`
	CacheTTL         string       `json:"cache_ttl,omitempty"`
	MaxMergeAttempts int          `json:"max_merge_attempts,omitempty"`
}

type GitHubConfig struct {
	Owner    string `json:"owner,omitempty"`
	Repo     string `json:"repo,omitempty"`
	Branch   string `json:"branch,omitempty"`
	FilePath string `json:"file_path,omitempty"`
	Token    string `json:"token,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
}

type DiscordConfig struct {
	Enabled           bool   `json:"enabled"`
	Token             string `json:"token,omitempty"`
	ScheduleChannelID string `json:"schedule_channel_id,omitempty"`
}

type TelegramConfig struct {
	Enabled        bool   `json:"enabled"`
	Token          string `json:"token,omitempty"`
	ScheduleChatID int64  `json:"schedule_chat_id,omitempty"`
	LogChatID      int64  `json:"log_chat_id,omitempty"`
	LogThreadID    int    `json:"log_thread_id,omitempty"`
	PollTimeout    string `json:"poll_timeout,omitempty"`
}

type HTTPConfig struct {
	Enabled        bool     `json:"enabled"`
	Addr           string   `json:"addr,omitempty"`
	CORSOrigins    []string `json:"cors_origins,omitempty"`
	AdminJWTSecret string   `json:"admin_jwt_secret,omitempty"`
	Pprof          bool     `json:"pprof,omitempty"`
	ReadTimeout    string   `json:"read_timeout,omitempty"`
	WriteTimeout   string   `json:"write_timeout,omitempty"`
}

type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	ClientID    string `json:"client_id,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	TopicPrefix string `json:"topic_prefix,omitempty"`
	QoS         int    `json:"qos,omitempty"`
}
