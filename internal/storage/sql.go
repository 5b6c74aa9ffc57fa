package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	logx "mkhub/pkg/logx"
)

// sqlStore serves both SQLite and PostgreSQL. Queries are written with '?'
// placeholders and rebound per driver.
type sqlStore struct {
	db  *sqlx.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}
	return newSQLStore(ctx, db, log)
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 10
	}
	interval := cfg.ConnectInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	var (
		db  *sqlx.DB
		err error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		db, err = sqlx.ConnectContext(ctx, "postgres", dsn)
		if err == nil {
			break
		}
		log.Error("failed to connect to database", logx.Int("attempt", attempt), logx.Duration("retry_in", interval), logx.Err(err))
		if attempt == attempts {
			return nil, fmt.Errorf("could not connect to database after %d attempts: %w", attempts, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
	return newSQLStore(ctx, db, log)
}

func newSQLStore(ctx context.Context, db *sqlx.DB, log logx.Logger) (*sqlStore, error) {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return &sqlStore{db: db, log: log}, nil
}

type subRow struct {
	ID          string        `db:"id"`
	Endpoint    string        `db:"endpoint"`
	P256dh      string        `db:"p256dh"`
	Auth        string        `db:"auth"`
	PrefLounge  bool          `db:"pref_lounge_queue"`
	PrefSQ      bool          `db:"pref_sq_queue"`
	Active      bool          `db:"active"`
	CreatedAt   int64         `db:"created_at"`
	UpdatedAt   int64         `db:"updated_at"`
	ExpiredAtMS sql.NullInt64 `db:"expired_at"`
}

func (r subRow) toSubscription() Subscription {
	sub := Subscription{
		ID:          r.ID,
		Endpoint:    r.Endpoint,
		Keys:        Keys{P256dh: r.P256dh, Auth: r.Auth},
		Preferences: Preferences{LoungeQueue: r.PrefLounge, SQQueue: r.PrefSQ},
		Active:      r.Active,
		CreatedAt:   fromMS(r.CreatedAt),
		UpdatedAt:   fromMS(r.UpdatedAt),
	}
	if r.ExpiredAtMS.Valid {
		t := fromMS(r.ExpiredAtMS.Int64)
		sub.ExpiredAt = &t
	}
	return sub
}

type logRow struct {
	ID      string         `db:"id"`
	Key     string         `db:"log_key"`
	Type    string         `db:"log_type"`
	Ref     string         `db:"ref"`
	Meta    sql.NullString `db:"meta"`
	SentAt  int64          `db:"sent_at"`
	Results sql.NullString `db:"results"`
}

func (r logRow) toLog() NotificationLog {
	l := NotificationLog{ID: r.ID, Key: r.Key, Type: NotificationType(r.Type), Ref: r.Ref, SentAt: fromMS(r.SentAt)}
	if r.Meta.Valid {
		l.Meta = json.RawMessage(r.Meta.String)
	}
	if r.Results.Valid {
		l.Results = json.RawMessage(r.Results.String)
	}
	return l
}

func nullJSON(b json.RawMessage) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

const subColumns = `id, endpoint, p256dh, auth, pref_lounge_queue, pref_sq_queue, active, created_at, updated_at, expired_at`

const logColumns = `id, log_key, log_type, ref, meta, sent_at, results`

func (s *sqlStore) q(query string) string { return s.db.Rebind(query) }

func (s *sqlStore) UpsertSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO subscriptions(`+subColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,NULL)
		ON CONFLICT(endpoint) DO UPDATE SET
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			pref_lounge_queue = excluded.pref_lounge_queue,
			pref_sq_queue = excluded.pref_sq_queue,
			active = excluded.active,
			updated_at = excluded.updated_at,
			expired_at = NULL`),
		sub.ID, sub.Endpoint, sub.Keys.P256dh, sub.Keys.Auth,
		sub.Preferences.LoungeQueue, sub.Preferences.SQQueue, true,
		ms(sub.CreatedAt), ms(sub.UpdatedAt),
	)
	if err != nil {
		return Subscription{}, err
	}
	return s.GetSubscription(ctx, sub.Endpoint)
}

func (s *sqlStore) GetSubscription(ctx context.Context, endpoint string) (Subscription, error) {
	var r subRow
	err := s.db.GetContext(ctx, &r, s.q(`SELECT `+subColumns+` FROM subscriptions WHERE endpoint = ?`), endpoint)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, err
	}
	return r.toSubscription(), nil
}

func (s *sqlStore) UpdatePreferences(ctx context.Context, endpoint string, prefs Preferences, at time.Time) (Subscription, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE subscriptions SET pref_lounge_queue = ?, pref_sq_queue = ?, updated_at = ?
		WHERE endpoint = ?`),
		prefs.LoungeQueue, prefs.SQQueue, ms(at), endpoint,
	)
	if err != nil {
		return Subscription{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Subscription{}, ErrNotFound
	}
	return s.GetSubscription(ctx, endpoint)
}

func (s *sqlStore) DeactivateEndpoint(ctx context.Context, endpoint string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE subscriptions SET active = ?, expired_at = ?, updated_at = ? WHERE endpoint = ?`),
		false, ms(at), ms(at), endpoint,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) DeactivateSubscriptions(ctx context.Context, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`
		UPDATE subscriptions SET active = ?, expired_at = ?, updated_at = ?
		WHERE active = ? AND id IN (?)`, false, ms(at), ms(at), true, ids)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqlStore) ListEligible(ctx context.Context, t NotificationType) ([]Subscription, error) {
	where := "active = ?"
	switch t {
	case TypeLoungeQueue:
		where += " AND pref_lounge_queue = ?"
	case TypeSQQueue:
		where += " AND pref_sq_queue = ?"
	case TypeTest:
	default:
		return nil, fmt.Errorf("unknown notification type %q", t)
	}
	args := []any{true}
	if t != TypeTest {
		args = append(args, true)
	}
	var rows []subRow
	if err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+subColumns+` FROM subscriptions WHERE `+where+` ORDER BY created_at, id`), args...); err != nil {
		return nil, err
	}
	out := make([]Subscription, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toSubscription())
	}
	return out, nil
}

func (s *sqlStore) SubscriptionStats(ctx context.Context) (SubscriptionStats, error) {
	var rows []subRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+subColumns+` FROM subscriptions`); err != nil {
		return SubscriptionStats{}, err
	}
	var st SubscriptionStats
	for _, r := range rows {
		st.Total++
		if !r.Active {
			continue
		}
		st.Active++
		if r.PrefLounge {
			st.LoungeEnabled++
		}
		if r.PrefSQ {
			st.SQEnabled++
		}
	}
	return st, nil
}

func (s *sqlStore) FindLog(ctx context.Context, key string, since time.Time) (NotificationLog, bool, error) {
	var r logRow
	err := s.db.GetContext(ctx, &r, s.q(`
		SELECT `+logColumns+` FROM notification_logs
		WHERE log_key = ? AND sent_at >= ?
		ORDER BY sent_at DESC LIMIT 1`), key, sinceMS(since))
	if errors.Is(err, sql.ErrNoRows) {
		return NotificationLog{}, false, nil
	}
	if err != nil {
		return NotificationLog{}, false, err
	}
	return r.toLog(), true, nil
}

func sinceMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return ms(t)
}

func (s *sqlStore) InsertLog(ctx context.Context, l NotificationLog) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO notification_logs(`+logColumns+`) VALUES(?,?,?,?,?,?,?)`),
		l.ID, l.Key, string(l.Type), l.Ref, nullJSON(l.Meta), ms(l.SentAt), nullJSON(l.Results),
	)
	return err
}

func (s *sqlStore) CompleteLog(ctx context.Context, id string, results json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE notification_logs SET results = ? WHERE id = ?`), nullJSON(results), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) DeleteLog(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM notification_logs WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) RecentLogs(ctx context.Context, limit int) ([]NotificationLog, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []logRow
	if err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+logColumns+` FROM notification_logs ORDER BY sent_at DESC LIMIT ?`), limit); err != nil {
		return nil, err
	}
	out := make([]NotificationLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toLog())
	}
	return out, nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
