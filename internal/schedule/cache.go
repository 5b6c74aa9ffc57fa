package schedule

import (
	"context"
	"sync"
	"time"

	logx "mkhub/pkg/logx"
)

// Cache is a TTL view of the schedule blob shared by the poller and the HTTP API.
// A failed refresh keeps serving the previous entries.
type Cache struct {
	store Store
	ttl   time.Duration
	log   logx.Logger
	now   func() time.Time

	mu        sync.Mutex
	entries   []Entry
	fetchedAt time.Time
	loaded    bool
}

func NewCache(store Store, ttl time.Duration, log logx.Logger) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{store: store, ttl: ttl, log: log.With(logx.String("comp", "schedule.cache")), now: time.Now}
}

// Get returns the cached entries, reloading them when older than the TTL.
// The second value is the time of the last successful load.
func (c *Cache) Get(ctx context.Context) ([]Entry, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded && c.now().Sub(c.fetchedAt) < c.ttl {
		return c.entries, c.fetchedAt, nil
	}
	snap, err := c.store.Load(ctx)
	if err != nil {
		if c.loaded {
			c.log.Warn("schedule refresh failed, serving stale entries", logx.Err(err))
			return c.entries, c.fetchedAt, nil
		}
		return nil, time.Time{}, err
	}
	c.setLocked(snap.Entries)
	return c.entries, c.fetchedAt, nil
}

// Set replaces the cached entries, e.g. after a merge.
func (c *Cache) Set(entries []Entry) {
	c.mu.Lock()
	c.setLocked(entries)
	c.mu.Unlock()
}

func (c *Cache) setLocked(entries []Entry) {
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	c.entries = cp
	c.fetchedAt = c.now()
	c.loaded = true
}

// Invalidate forces the next Get to reload.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.loaded = false
	c.mu.Unlock()
}

// Upcoming returns cached entries after now.
func (c *Cache) Upcoming(ctx context.Context, now time.Time) ([]Entry, time.Time, error) {
	es, at, err := c.Get(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	return Upcoming(es, now), at, nil
}
