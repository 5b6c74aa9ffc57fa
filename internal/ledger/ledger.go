// Package ledger guards every window dispatch: a window identity fires at most
// once within its recency bound.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mkhub/internal/storage"
	logx "mkhub/pkg/logx"
)

var ErrUnknownDriver = errors.New("ledger: unknown driver")

// LoungeRecency bounds the lounge key: the same hour may fire again a day later.
const LoungeRecency = 55 * time.Minute

// Window is one dispatch identity.
type Window struct {
	Key     string
	Type    storage.NotificationType
	Ref     string
	Meta    json.RawMessage
	Recency time.Duration // 0 means the key never expires
}

func LoungeKey(hour int) string { return "lounge_queue_" + strconv.Itoa(hour) }

func SQKey(id string) string { return "sq_queue_" + id }

func LoungeWindow(hour int) Window {
	return Window{Key: LoungeKey(hour), Type: storage.TypeLoungeQueue, Ref: strconv.Itoa(hour), Recency: LoungeRecency}
}

func SQWindow(id string, meta json.RawMessage) Window {
	return Window{Key: SQKey(id), Type: storage.TypeSQQueue, Ref: id, Meta: meta}
}

func (w Window) since(now time.Time) time.Time {
	if w.Recency <= 0 {
		return time.Time{}
	}
	return now.Add(-w.Recency)
}

// Claim is a successful reservation; its log row receives the fan-out result.
type Claim struct {
	LogID  string
	Window Window
	At     time.Time
}

type Ledger interface {
	HasFired(ctx context.Context, w Window, now time.Time) (bool, error)
	// Claim reserves w. ok is false when w already fired within its recency bound.
	Claim(ctx context.Context, w Window, now time.Time) (c Claim, ok bool, err error)
	Complete(ctx context.Context, c Claim, results json.RawMessage) error
	// Release forgets c so the window may fire again.
	Release(ctx context.Context, c Claim) error
	Close() error
}

type Config struct {
	Driver    string // "store" (default) | "redis"
	RedisURL  string
	KeyPrefix string
}

func Open(ctx context.Context, cfg Config, store storage.Store, log logx.Logger) (Ledger, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	base := NewStoreLedger(store)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "store":
		return base, nil
	case "redis":
		return openRedis(ctx, cfg, base, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// StoreLedger keeps the guard in the notification log. Check and insert run
// under one mutex, so it is exact for a single process.
type StoreLedger struct {
	mu    sync.Mutex
	store storage.Store
}

func NewStoreLedger(store storage.Store) *StoreLedger { return &StoreLedger{store: store} }

func (l *StoreLedger) HasFired(ctx context.Context, w Window, now time.Time) (bool, error) {
	_, ok, err := l.store.FindLog(ctx, w.Key, w.since(now))
	return ok, err
}

func (l *StoreLedger) Claim(ctx context.Context, w Window, now time.Time) (Claim, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fired, err := l.HasFired(ctx, w, now)
	if err != nil {
		return Claim{}, false, fmt.Errorf("ledger lookup %s: %w", w.Key, err)
	}
	if fired {
		return Claim{}, false, nil
	}
	c, err := l.insert(ctx, w, now)
	if err != nil {
		return Claim{}, false, err
	}
	return c, true, nil
}

func (l *StoreLedger) insert(ctx context.Context, w Window, now time.Time) (Claim, error) {
	c := Claim{LogID: uuid.NewString(), Window: w, At: now}
	err := l.store.InsertLog(ctx, storage.NotificationLog{
		ID:     c.LogID,
		Key:    w.Key,
		Type:   w.Type,
		Ref:    w.Ref,
		Meta:   w.Meta,
		SentAt: now,
	})
	if err != nil {
		return Claim{}, fmt.Errorf("ledger insert %s: %w", w.Key, err)
	}
	return c, nil
}

func (l *StoreLedger) Complete(ctx context.Context, c Claim, results json.RawMessage) error {
	return l.store.CompleteLog(ctx, c.LogID, results)
}

func (l *StoreLedger) Release(ctx context.Context, c Claim) error {
	err := l.store.DeleteLog(ctx, c.LogID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// Close is a no-op; the store is owned by the caller.
func (l *StoreLedger) Close() error { return nil }
