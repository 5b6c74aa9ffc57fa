package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	logx "mkhub/pkg/logx"
)

// oneShotTTL bounds keys without a recency (SQ ids); the event is long past by then.
const oneShotTTL = 30 * 24 * time.Hour

type redisCmdable interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisLedger claims with SET NX PX, which is atomic across pollers. The log
// row is still written to the store for stats.
type RedisLedger struct {
	rdb    redisCmdable
	closer func() error
	prefix string
	rows   *StoreLedger
	log    logx.Logger
}

func openRedis(ctx context.Context, cfg Config, rows *StoreLedger, log logx.Logger) (*RedisLedger, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("ledger redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ledger redis ping: %w", err)
	}
	log.Info("ledger using redis", logx.String("addr", opts.Addr), logx.Int("db", opts.DB))
	return newRedisLedger(client, client.Close, cfg.KeyPrefix, rows, log), nil
}

func newRedisLedger(rdb redisCmdable, closer func() error, prefix string, rows *StoreLedger, log logx.Logger) *RedisLedger {
	if prefix == "" {
		prefix = "mkhub:ledger:"
	}
	return &RedisLedger{rdb: rdb, closer: closer, prefix: prefix, rows: rows, log: log}
}

func (l *RedisLedger) key(w Window) string { return l.prefix + w.Key }

func ttl(w Window) time.Duration {
	if w.Recency > 0 {
		return w.Recency
	}
	return oneShotTTL
}

func (l *RedisLedger) HasFired(ctx context.Context, w Window, _ time.Time) (bool, error) {
	n, err := l.rdb.Exists(ctx, l.key(w)).Result()
	return n > 0, err
}

func (l *RedisLedger) Claim(ctx context.Context, w Window, now time.Time) (Claim, bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key(w), now.UnixMilli(), ttl(w)).Result()
	if err != nil {
		return Claim{}, false, fmt.Errorf("ledger setnx %s: %w", w.Key, err)
	}
	if !ok {
		return Claim{}, false, nil
	}
	c, err := l.rows.insert(ctx, w, now)
	if err != nil {
		// Without a row the window would fire silently; give the key back.
		if derr := l.rdb.Del(ctx, l.key(w)).Err(); derr != nil {
			l.log.Warn("ledger release after failed insert", logx.String("key", w.Key), logx.Err(derr))
		}
		return Claim{}, false, err
	}
	return c, true, nil
}

func (l *RedisLedger) Complete(ctx context.Context, c Claim, results json.RawMessage) error {
	return l.rows.Complete(ctx, c, results)
}

func (l *RedisLedger) Release(ctx context.Context, c Claim) error {
	if err := l.rdb.Del(ctx, l.key(c.Window)).Err(); err != nil {
		return err
	}
	return l.rows.Release(ctx, c)
}

func (l *RedisLedger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer()
}
