package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"mkhub/internal/eventbus"
	"mkhub/internal/ledger"
	"mkhub/internal/push"
	"mkhub/internal/schedule"
	"mkhub/internal/storage"
	"mkhub/internal/window"
	logx "mkhub/pkg/logx"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []push.Payload
	// outcome per subscription id: "ok", "expired" or "fail"
	outcome map[string]string
	off     bool
}

func (f *fakeDispatcher) Configured() bool { return !f.off }

func (f *fakeDispatcher) Dispatch(ctx context.Context, subs []storage.Subscription, p push.Payload) (push.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, p)
	res := push.Result{Total: len(subs), Expired: []string{}, Errors: []push.Failure{}}
	for _, s := range subs {
		switch f.outcome[s.ID] {
		case "expired":
			res.Failed++
			res.Expired = append(res.Expired, s.ID)
		case "fail":
			res.Failed++
			res.Errors = append(res.Errors, push.Failure{ID: s.ID, Endpoint: s.Endpoint, Error: "timeout"})
		default:
			res.Success++
		}
	}
	return res, nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSchedule struct {
	entries []schedule.Entry
	err     error
}

func (f fakeSchedule) Get(context.Context) ([]schedule.Entry, time.Time, error) {
	return f.entries, time.Time{}, f.err
}

type fixture struct {
	store storage.Store
	reg   *Registry
	disp  *fakeDispatcher
	svc   *Service
	m     *Metrics
	bus   *eventbus.MemBus
}

func newFixture(t *testing.T, cfg Config, sched ScheduleSource) *fixture {
	t.Helper()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	reg := NewRegistry(store, logx.Nop())
	disp := &fakeDispatcher{outcome: map[string]string{}}
	m := NewMetrics(prometheus.NewRegistry())
	bus := eventbus.New()
	svc := New(cfg, Deps{
		Registry:   reg,
		Ledger:     ledger.NewStoreLedger(store),
		Dispatcher: disp,
		Schedule:   sched,
		Store:      store,
		Bus:        bus,
		Metrics:    m,
		Logger:     logx.Nop(),
	})
	return &fixture{store: store, reg: reg, disp: disp, svc: svc, m: m, bus: bus}
}

func (f *fixture) subscribe(t *testing.T, name string, prefs storage.Preferences) storage.Subscription {
	t.Helper()
	sub, err := f.reg.Subscribe(context.Background(), "https://push.example/"+name, storage.Keys{P256dh: "p", Auth: "a"}, prefs)
	if err != nil {
		t.Fatal(err)
	}
	return sub
}

func paris(h, m int) time.Time {
	return time.Date(2026, 5, 1, h, m, 0, 0, window.DefaultLocation)
}

func TestLoungeQueueSentOncePerHour(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{}, nil)
	f.subscribe(t, "a", storage.DefaultPreferences)
	f.subscribe(t, "b", storage.Preferences{LoungeQueue: true})
	f.subscribe(t, "c", storage.Preferences{SQQueue: true})

	res, err := f.svc.CheckAndSend(ctx, paris(14, 0))
	if err != nil {
		t.Fatal(err)
	}
	if res.LoungeQueue == nil || !res.LoungeQueue.Sent || res.LoungeQueue.Result.Total != 2 {
		t.Fatalf("lounge = %+v", res.LoungeQueue)
	}
	if got := f.disp.calls[0].Body; got != "La queue pour le Lounge de 15H est ouverte!" {
		t.Fatalf("body = %q", got)
	}

	// The rest of the band is a duplicate.
	for _, m := range []int{0, 1, 2} {
		res, err := f.svc.CheckAndSend(ctx, paris(14, m))
		if err != nil || !res.LoungeQueue.Skipped || res.LoungeQueue.Reason != ReasonAlreadySent {
			t.Fatalf("minute %d: %+v %v", m, res.LoungeQueue, err)
		}
	}
	// Outside the band nothing is evaluated.
	if res, _ := f.svc.CheckAndSend(ctx, paris(14, 3)); res.LoungeQueue != nil {
		t.Fatalf("lounge evaluated at :03: %+v", res.LoungeQueue)
	}
	if f.disp.count() != 1 {
		t.Fatalf("dispatches = %d", f.disp.count())
	}
	if v := testutil.ToFloat64(f.m.dispatches.WithLabelValues("lounge_queue", ReasonAlreadySent)); v != 3 {
		t.Fatalf("already_sent metric = %v", v)
	}
}

func TestUnconfiguredDispatcherKeepsWindowOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{}, nil)
	sub := f.subscribe(t, "a", storage.DefaultPreferences)
	f.disp.off = true

	res, err := f.svc.CheckAndSend(ctx, paris(14, 0))
	if !errors.Is(err, push.ErrNotConfigured) {
		t.Fatalf("err = %v", err)
	}
	if res.LoungeQueue == nil || res.LoungeQueue.Sent || res.LoungeQueue.Result != nil {
		t.Fatalf("lounge = %+v", res.LoungeQueue)
	}
	if logs, _ := f.store.RecentLogs(ctx, 10); len(logs) != 0 {
		t.Fatalf("logs written without a sender: %+v", logs)
	}
	if _, err := f.svc.SendTest(ctx, sub); !errors.Is(err, push.ErrNotConfigured) {
		t.Fatalf("SendTest err = %v", err)
	}
	if f.disp.count() != 0 {
		t.Fatalf("dispatches = %d", f.disp.count())
	}

	// Once a sender is present the same band still fires.
	f.disp.off = false
	res, err = f.svc.CheckAndSend(ctx, paris(14, 1))
	if err != nil || !res.LoungeQueue.Sent {
		t.Fatalf("after configure: %+v %v", res.LoungeQueue, err)
	}
}

func TestNoSubscribersDoesNotClaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{}, nil)
	out, err := f.svc.SendLoungeQueue(ctx, paris(9, 1))
	if err != nil || !out.Skipped || out.Reason != ReasonNoSubscribers {
		t.Fatalf("out = %+v, %v", out, err)
	}
	f.subscribe(t, "a", storage.DefaultPreferences)
	out, _ = f.svc.SendLoungeQueue(ctx, paris(9, 2))
	if !out.Sent {
		t.Fatalf("send after subscribe = %+v", out)
	}
}

func TestSQQueueWindowAndMeta(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	start := paris(21, 0)
	e := schedule.Entry{ID: "4255", Format: schedule.Format4v4, Time: start.UnixMilli()}
	f := newFixture(t, Config{}, fakeSchedule{entries: []schedule.Entry{e}})
	f.subscribe(t, "a", storage.DefaultPreferences)

	// 20:14 is before the queue opens.
	if res, _ := f.svc.CheckAndSend(ctx, paris(20, 14)); len(res.SQQueue) != 0 {
		t.Fatalf("sq evaluated early: %+v", res.SQQueue)
	}
	res, err := f.svc.CheckAndSend(ctx, paris(20, 15))
	if err != nil || len(res.SQQueue) != 1 || !res.SQQueue[0].Sent || res.SQQueue[0].SQID != "4255" {
		t.Fatalf("sq = %+v, %v", res.SQQueue, err)
	}
	res, _ = f.svc.CheckAndSend(ctx, paris(20, 17))
	if len(res.SQQueue) != 1 || res.SQQueue[0].Reason != ReasonAlreadySent {
		t.Fatalf("second = %+v", res.SQQueue)
	}
	l, ok, _ := f.store.FindLog(ctx, "sq_queue_4255", time.Time{})
	if !ok || string(l.Meta) != `{"format":"4v4","time":`+itoa(e.Time)+`}` || len(l.Results) == 0 {
		t.Fatalf("log = %+v", l)
	}
}

func TestExpiredSubscriptionsDeactivated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{}, nil)
	a := f.subscribe(t, "a", storage.DefaultPreferences)
	f.subscribe(t, "b", storage.DefaultPreferences)
	f.disp.outcome[a.ID] = "expired"
	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	out, err := f.svc.SendLoungeQueue(ctx, paris(10, 0))
	if err != nil || !out.Sent {
		t.Fatalf("out = %+v, %v", out, err)
	}
	got, _ := f.store.GetSubscription(ctx, "https://push.example/a")
	if got.Active {
		t.Fatal("expired subscription still active")
	}
	var seen bool
	for len(events) > 0 {
		if ev := <-events; ev.Type == eventbus.SubscriptionExpired {
			seen = true
		}
	}
	if !seen {
		t.Fatal("no subscription.expired event")
	}
}

func TestRetryAllFailedReleasesClaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for _, retry := range []bool{false, true} {
		f := newFixture(t, Config{RetryAllFailed: retry}, nil)
		a := f.subscribe(t, "a", storage.DefaultPreferences)
		f.disp.outcome[a.ID] = "fail"

		out, _ := f.svc.SendLoungeQueue(ctx, paris(18, 0))
		if out.Sent || out.Released != retry {
			t.Fatalf("retry=%v first = %+v", retry, out)
		}
		f.disp.outcome[a.ID] = "ok"
		out, _ = f.svc.SendLoungeQueue(ctx, paris(18, 1))
		if out.Sent != retry {
			t.Fatalf("retry=%v second = %+v", retry, out)
		}
	}
}

func TestScheduleErrorDoesNotBlockLounge(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, fakeSchedule{err: errors.New("github down")})
	f.subscribe(t, "a", storage.DefaultPreferences)
	res, err := f.svc.CheckAndSend(context.Background(), paris(7, 1))
	if err == nil {
		t.Fatal("schedule error swallowed")
	}
	if res.LoungeQueue == nil || !res.LoungeQueue.Sent {
		t.Fatalf("lounge = %+v", res.LoungeQueue)
	}
	if v := testutil.ToFloat64(f.m.polls.WithLabelValues("error")); v != 1 {
		t.Fatalf("poll error metric = %v", v)
	}
}

func TestSendTestAndStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{RecentLogs: 5}, nil)
	a := f.subscribe(t, "a", storage.Preferences{})
	res, err := f.svc.SendTest(ctx, a)
	if err != nil || res.Success != 1 {
		t.Fatalf("test = %+v, %v", res, err)
	}
	if f.disp.calls[0].Type != "test" {
		t.Fatalf("payload = %+v", f.disp.calls[0])
	}

	f.subscribe(t, "b", storage.DefaultPreferences)
	_, _ = f.svc.SendLoungeQueue(ctx, paris(12, 0))
	st, err := f.svc.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := storage.SubscriptionStats{Total: 2, Active: 2, LoungeEnabled: 1, SQEnabled: 1}
	if st.Subscriptions != want || len(st.RecentNotifications) != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
