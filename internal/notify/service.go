// Package notify evaluates the queue windows on every poll and fans the matching
// payloads out to eligible subscriptions, at most once per window.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"mkhub/internal/eventbus"
	"mkhub/internal/ledger"
	"mkhub/internal/push"
	"mkhub/internal/schedule"
	"mkhub/internal/storage"
	"mkhub/internal/window"
	logx "mkhub/pkg/logx"
)

// Skip reasons.
const (
	ReasonNoSubscribers = "no_subscribers"
	ReasonAlreadySent   = "already_sent"
)

type Config struct {
	Location *time.Location
	// RetryAllFailed releases the window claim when no recipient was reached,
	// so a later poll inside the band may try again.
	RetryAllFailed bool
	RecentLogs     int
	Icon           string
	URL            string
}

// Dispatcher is the fan-out used by the service. An unconfigured dispatcher
// stops every send before the ledger is touched.
type Dispatcher interface {
	Configured() bool
	Dispatch(ctx context.Context, subs []storage.Subscription, p push.Payload) (push.Result, error)
}

// ScheduleSource yields the current schedule entries.
type ScheduleSource interface {
	Get(ctx context.Context) ([]schedule.Entry, time.Time, error)
}

// Outcome is the result of one window evaluation.
type Outcome struct {
	Type     storage.NotificationType `json:"type"`
	Ref      string                   `json:"ref"`
	SQID     string                   `json:"sqId,omitempty"`
	Sent     bool                     `json:"sent"`
	Skipped  bool                     `json:"skipped,omitempty"`
	Reason   string                   `json:"reason,omitempty"`
	Released bool                     `json:"released,omitempty"`
	Result   *push.Result             `json:"result,omitempty"`
	Error    string                   `json:"error,omitempty"`
}

type CheckResult struct {
	At          time.Time `json:"at"`
	LoungeQueue *Outcome  `json:"loungeQueue"`
	SQQueue     []Outcome `json:"sqQueue"`
}

type Stats struct {
	Subscriptions       storage.SubscriptionStats `json:"subscriptions"`
	RecentNotifications []storage.NotificationLog `json:"recentNotifications"`
}

type Deps struct {
	Registry   *Registry
	Ledger     ledger.Ledger
	Dispatcher Dispatcher
	Schedule   ScheduleSource
	Store      storage.Store
	Bus        eventbus.Bus
	Metrics    *Metrics
	Logger     logx.Logger
}

// Service is safe for concurrent use.
type Service struct {
	mu  sync.Mutex
	cfg Config

	reg     *Registry
	ledger  ledger.Ledger
	disp    Dispatcher
	sched   ScheduleSource
	store   storage.Store
	bus     eventbus.Bus
	metrics *Metrics
	log     logx.Logger
}

func New(cfg Config, d Deps) *Service {
	log := d.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	m := d.Metrics
	if m == nil {
		m = NewMetrics(nil)
	}
	s := &Service{
		reg:     d.Registry,
		ledger:  d.Ledger,
		disp:    d.Dispatcher,
		sched:   d.Schedule,
		store:   d.Store,
		bus:     d.Bus,
		metrics: m,
		log:     log.With(logx.String("comp", "notify")),
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	if cfg.Location == nil {
		cfg.Location = window.DefaultLocation
	}
	if cfg.RecentLogs <= 0 {
		cfg.RecentLogs = 20
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// CheckAndSend runs one poll tick. The lounge and SQ evaluations are
// independent: a failure in one is reported without skipping the other.
func (s *Service) CheckAndSend(ctx context.Context, now time.Time) (CheckResult, error) {
	cfg := s.config()
	res := CheckResult{At: now, SQQueue: []Outcome{}}
	var errs []error

	if window.LoungeQueueOpen(now, cfg.Location) {
		out, err := s.SendLoungeQueue(ctx, now)
		res.LoungeQueue = &out
		if err != nil {
			errs = append(errs, fmt.Errorf("lounge queue: %w", err))
		}
	}

	if s.sched != nil {
		entries, _, err := s.sched.Get(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("load schedule: %w", err))
		}
		for _, e := range entries {
			if !window.SQQueueOpen(now, e.At()) {
				continue
			}
			out, err := s.SendSQQueue(ctx, e, now)
			res.SQQueue = append(res.SQQueue, out)
			if err != nil {
				errs = append(errs, fmt.Errorf("sq %s: %w", e.ID, err))
			}
		}
	}

	err := errors.Join(errs...)
	status := "ok"
	if err != nil {
		status = "error"
		s.log.Warn("poll finished with errors", logx.Err(err))
	}
	s.metrics.polls.WithLabelValues(status).Inc()
	return res, err
}

func (s *Service) SendLoungeQueue(ctx context.Context, now time.Time) (Outcome, error) {
	cfg := s.config()
	info := window.LoungeInfo(now, cfg.Location)
	w := ledger.LoungeWindow(info.CurrentHour)
	return s.fire(ctx, storage.TypeLoungeQueue, w, "", now, func() push.Payload {
		return push.LoungeQueueOpen(info.NextHour, now)
	})
}

type sqMeta struct {
	Format schedule.Format `json:"format"`
	Time   int64           `json:"time"`
}

func (s *Service) SendSQQueue(ctx context.Context, e schedule.Entry, now time.Time) (Outcome, error) {
	cfg := s.config()
	meta, _ := json.Marshal(sqMeta{Format: e.Format, Time: e.Time})
	w := ledger.SQWindow(e.ID, meta)
	return s.fire(ctx, storage.TypeSQQueue, w, e.ID, now, func() push.Payload {
		return push.SQQueueOpen(e, cfg.Location)
	})
}

// SendTest delivers the test payload to one subscription, bypassing preferences and the ledger.
func (s *Service) SendTest(ctx context.Context, sub storage.Subscription) (push.Result, error) {
	if !s.disp.Configured() {
		return push.Result{Expired: []string{}, Errors: []push.Failure{}}, push.ErrNotConfigured
	}
	cfg := s.config()
	now := time.Now()
	p := push.Test(now).WithLinks(cfg.Icon, cfg.URL)
	res, err := s.disp.Dispatch(ctx, []storage.Subscription{sub}, p)
	s.countDeliveries(storage.TypeTest, res)
	if len(res.Expired) > 0 {
		s.expire(ctx, res.Expired, now)
	}
	return res, err
}

func (s *Service) fire(ctx context.Context, t storage.NotificationType, w ledger.Window, sqID string, now time.Time, build func() push.Payload) (Outcome, error) {
	cfg := s.config()
	out := Outcome{Type: t, Ref: w.Ref, SQID: sqID}
	log := s.log.With(logx.String("type", string(t)), logx.String("key", w.Key))

	if !s.disp.Configured() {
		return s.failed(out, "dispatch", push.ErrNotConfigured)
	}

	subs, err := s.reg.ListEligible(ctx, t)
	if err != nil {
		return s.failed(out, "list", err)
	}
	if len(subs) == 0 {
		log.Debug("no eligible subscriptions")
		return s.skipped(out, ReasonNoSubscribers), nil
	}

	claim, ok, err := s.ledger.Claim(ctx, w, now)
	if err != nil {
		return s.failed(out, "claim", err)
	}
	if !ok {
		log.Debug("window already notified")
		return s.skipped(out, ReasonAlreadySent), nil
	}

	start := time.Now()
	res, derr := s.disp.Dispatch(ctx, subs, build().WithLinks(cfg.Icon, cfg.URL))
	s.metrics.fanout.WithLabelValues(string(t)).Observe(time.Since(start).Seconds())
	s.countDeliveries(t, res)
	out.Result = &res

	raw, err := json.Marshal(res)
	if err == nil {
		err = s.ledger.Complete(ctx, claim, raw)
	}
	if err != nil {
		log.Warn("notification log not completed", logx.Err(err))
	}
	if len(res.Expired) > 0 {
		s.expire(ctx, res.Expired, now)
	}

	if cfg.RetryAllFailed && res.AllFailed() {
		if err := s.ledger.Release(ctx, claim); err != nil {
			log.Warn("window release failed", logx.Err(err))
		} else {
			out.Released = true
		}
	}

	out.Sent = res.Success > 0
	fields := []logx.Field{
		logx.Int("total", res.Total), logx.Int("success", res.Success),
		logx.Int("failed", res.Failed), logx.Int("expired", len(res.Expired)),
		logx.Bool("released", out.Released),
	}
	evType, outcome := eventbus.NotifySent, "sent"
	if res.AllFailed() {
		evType, outcome = eventbus.NotifyFailed, "failed"
		log.Warn("notification not delivered to anyone", fields...)
	} else {
		log.Info("notification sent", fields...)
	}
	s.metrics.dispatches.WithLabelValues(string(t), outcome).Inc()
	s.publish(evType, out)
	if derr != nil {
		out.Error = derr.Error()
	}
	return out, derr
}

func (s *Service) skipped(out Outcome, reason string) Outcome {
	out.Skipped = true
	out.Reason = reason
	s.metrics.dispatches.WithLabelValues(string(out.Type), reason).Inc()
	s.publish(eventbus.NotifySkipped, out)
	return out
}

func (s *Service) failed(out Outcome, stage string, err error) (Outcome, error) {
	out.Error = err.Error()
	s.metrics.dispatches.WithLabelValues(string(out.Type), "error").Inc()
	s.publish(eventbus.NotifyFailed, out)
	return out, fmt.Errorf("%s: %w", stage, err)
}

func (s *Service) expire(ctx context.Context, ids []string, now time.Time) {
	n, err := s.reg.Deactivate(ctx, ids, now)
	if err != nil {
		s.log.Warn("expired subscriptions not deactivated", logx.Int("count", len(ids)), logx.Err(err))
		return
	}
	s.metrics.expired.Add(float64(n))
	s.log.Info("expired subscriptions deactivated", logx.Int("count", n))
	s.publish(eventbus.SubscriptionExpired, map[string]any{"ids": ids, "deactivated": n})
}

func (s *Service) countDeliveries(t storage.NotificationType, res push.Result) {
	s.metrics.deliveries.WithLabelValues(string(t), "success").Add(float64(res.Success))
	s.metrics.deliveries.WithLabelValues(string(t), "expired").Add(float64(len(res.Expired)))
	s.metrics.deliveries.WithLabelValues(string(t), "failed").Add(float64(len(res.Errors)))
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

// Stats counts subscriptions and returns the newest notification logs.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	cfg := s.config()
	st, err := s.store.SubscriptionStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	logs, err := s.store.RecentLogs(ctx, cfg.RecentLogs)
	if err != nil {
		return Stats{}, err
	}
	if logs == nil {
		logs = []storage.NotificationLog{}
	}
	return Stats{Subscriptions: st, RecentNotifications: logs}, nil
}

// Poll adapts CheckAndSend to a scheduler job.
func (s *Service) Poll(ctx context.Context) error {
	_, err := s.CheckAndSend(ctx, time.Now())
	return err
}
