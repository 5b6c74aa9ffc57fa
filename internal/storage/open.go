package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	logx "mkhub/pkg/logx"
)

// Store is the persistence API used by the notify, ledger and HTTP layers.
type Store interface {
	// UpsertSubscription inserts sub or, when its endpoint exists, replaces keys
	// and preferences and reactivates it. The stored row (with its original ID
	// and CreatedAt) is returned.
	UpsertSubscription(ctx context.Context, sub Subscription) (Subscription, error)
	GetSubscription(ctx context.Context, endpoint string) (Subscription, error)
	UpdatePreferences(ctx context.Context, endpoint string, prefs Preferences, at time.Time) (Subscription, error)
	DeactivateEndpoint(ctx context.Context, endpoint string, at time.Time) error
	DeactivateSubscriptions(ctx context.Context, ids []string, at time.Time) (int, error)
	ListEligible(ctx context.Context, t NotificationType) ([]Subscription, error)
	SubscriptionStats(ctx context.Context) (SubscriptionStats, error)

	// FindLog returns the newest log for key sent at or after since.
	// A zero since matches any age.
	FindLog(ctx context.Context, key string, since time.Time) (NotificationLog, bool, error)
	InsertLog(ctx context.Context, l NotificationLog) error
	CompleteLog(ctx context.Context, id string, results json.RawMessage) error
	DeleteLog(ctx context.Context, id string) error
	RecentLogs(ctx context.Context, limit int) ([]NotificationLog, error)

	Close() error
}

// Open connects the configured driver.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	var (
		st  Store
		err error
	)
	switch driver {
	case "sqlite", "sqlite3":
		st, err = openSQLite(ctx, cfg, log)
	case "postgres", "postgresql":
		st, err = openPostgres(ctx, cfg, log)
	case "file":
		st, err = openFile(cfg, log)
	case "memory":
		st = NewMemory()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", driver, err)
	}
	log.Info("storage opened")
	return st, nil
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v) }
