package storage

// schema is valid for both SQLite and PostgreSQL. Timestamps are unix milliseconds.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id                TEXT PRIMARY KEY,
		endpoint          TEXT NOT NULL UNIQUE,
		p256dh            TEXT NOT NULL,
		auth              TEXT NOT NULL,
		pref_lounge_queue BOOLEAN NOT NULL DEFAULT TRUE,
		pref_sq_queue     BOOLEAN NOT NULL DEFAULT TRUE,
		active            BOOLEAN NOT NULL DEFAULT TRUE,
		created_at        BIGINT NOT NULL,
		updated_at        BIGINT NOT NULL,
		expired_at        BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_active ON subscriptions(active)`,
	`CREATE TABLE IF NOT EXISTS notification_logs (
		id       TEXT PRIMARY KEY,
		log_key  TEXT NOT NULL,
		log_type TEXT NOT NULL,
		ref      TEXT NOT NULL DEFAULT '',
		meta     TEXT,
		sent_at  BIGINT NOT NULL,
		results  TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notification_logs_key_sent ON notification_logs(log_key, sent_at)`,
	`CREATE INDEX IF NOT EXISTS idx_notification_logs_sent ON notification_logs(sent_at)`,
}
