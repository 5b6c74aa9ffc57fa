package schedule

import (
	"context"
	"sync"
	"time"

	logx "mkhub/pkg/logx"
)

// MergeFunc is called after every successful flush with the merged schedule.
type MergeFunc func(res MergeResult, merged []Entry)

// FailFunc is called when a flush gives up; the batch has been re-queued.
type FailFunc func(pending int, err error)

type IngestorOptions struct {
	Delay       time.Duration
	MaxAttempts int
	OnMerged    MergeFunc
	OnFailed    FailFunc
	Logger      logx.Logger
}

// Ingestor accumulates parsed entries and merges them into the store after a
// quiet period. Each Add re-arms the timer so a burst becomes one commit.
type Ingestor struct {
	store Store
	opts  IngestorOptions
	log   logx.Logger

	mu      sync.Mutex
	pending []Entry
	timer   *time.Timer
	closed  bool

	// flushMu serializes merges so a timer flush and Close never race.
	flushMu sync.Mutex
}

func NewIngestor(store Store, opts IngestorOptions) *Ingestor {
	if opts.Delay <= 0 {
		opts.Delay = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ingestor{store: store, opts: opts, log: log.With(logx.String("comp", "schedule.ingest"))}
}

// Add queues entries and (re)arms the flush timer. It is a no-op after Close.
func (i *Ingestor) Add(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	i.pending = append(i.pending, entries...)
	if i.timer != nil {
		i.timer.Stop()
	}
	i.armLocked(i.opts.Delay)
}

func (i *Ingestor) armLocked(d time.Duration) {
	i.timer = time.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_ = i.Flush(ctx)
	})
}

// Pending reports the number of queued entries.
func (i *Ingestor) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}

// Flush merges everything queued so far. On failure the batch goes back in
// front of anything queued meanwhile, a retry is armed, and the error is returned.
func (i *Ingestor) Flush(ctx context.Context) error {
	i.flushMu.Lock()
	defer i.flushMu.Unlock()

	i.mu.Lock()
	batch := i.pending
	i.pending = nil
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
	i.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	res, merged, err := MergeAndSave(ctx, i.store, batch, i.opts.MaxAttempts)
	if err != nil {
		i.mu.Lock()
		i.pending = append(batch, i.pending...)
		n := len(i.pending)
		if !i.closed && i.timer == nil {
			i.armLocked(retryDelay(i.opts.Delay))
		}
		i.mu.Unlock()
		i.log.Error("schedule merge failed, batch re-queued",
			logx.Int("pending", n), logx.Int("attempts", res.Attempts), logx.Err(err))
		if i.opts.OnFailed != nil {
			i.opts.OnFailed(n, err)
		}
		return err
	}
	i.log.Info("schedule merged",
		logx.Int("incoming", res.Incoming), logx.Int("total", res.Total),
		logx.Int("attempts", res.Attempts), logx.String("version", shortVersion(res.Version)))
	if i.opts.OnMerged != nil {
		i.opts.OnMerged(res, merged)
	}
	return nil
}

// Close stops the timer and flushes whatever remains.
func (i *Ingestor) Close(ctx context.Context) error {
	i.mu.Lock()
	i.closed = true
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
	i.mu.Unlock()
	return i.Flush(ctx)
}

func retryDelay(d time.Duration) time.Duration {
	if d < 30*time.Second {
		return 30 * time.Second
	}
	return d
}

func shortVersion(v string) string {
	if len(v) > 7 {
		return v[:7]
	}
	return v
}
