package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mkhub/internal/storage"
	logx "mkhub/pkg/logx"
)

type fakeSender struct {
	mu       sync.Mutex
	errs     map[string]error
	sent     []string
	inflight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (f *fakeSender) Send(ctx context.Context, sub storage.Subscription, payload []byte) error {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sub.ID)
	return f.errs[sub.ID]
}

func subs(ids ...string) []storage.Subscription {
	out := make([]storage.Subscription, 0, len(ids))
	for _, id := range ids {
		out = append(out, storage.Subscription{ID: id, Endpoint: "https://push.example/" + id})
	}
	return out
}

func TestDispatchClassifiesOutcomes(t *testing.T) {
	t.Parallel()
	s := &fakeSender{errs: map[string]error{
		"A": &DeliveryError{StatusCode: 410},
		"C": errors.New("dial tcp: connection refused"),
		"D": &DeliveryError{StatusCode: 500, Body: "oops"},
	}}
	d := NewDispatcher(s, DispatcherOptions{Logger: logx.Nop()})
	res, err := d.Dispatch(context.Background(), subs("A", "B", "C", "D"), Test(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 4 || res.Success != 1 || res.Failed != 3 {
		t.Fatalf("res = %+v", res)
	}
	if len(res.Expired) != 1 || res.Expired[0] != "A" {
		t.Fatalf("expired = %v", res.Expired)
	}
	if len(res.Errors) != 2 || res.Errors[0].ID != "C" || res.Errors[1].Status != 500 {
		t.Fatalf("errors = %+v", res.Errors)
	}
	if res.AllFailed() {
		t.Fatal("AllFailed with one success")
	}
	// Every recipient got exactly one attempt.
	if len(s.sent) != 4 {
		t.Fatalf("sent = %v", s.sent)
	}
}

func TestDispatchBatchesOfTen(t *testing.T) {
	t.Parallel()
	s := &fakeSender{errs: map[string]error{}, delay: 10 * time.Millisecond}
	d := NewDispatcher(s, DispatcherOptions{})
	ids := make([]string, 25)
	for i := range ids {
		ids[i] = fmt.Sprintf("s%02d", i)
	}
	res, err := d.Dispatch(context.Background(), subs(ids...), Test(time.Now()))
	if err != nil || res.Success != 25 {
		t.Fatalf("res = %+v, %v", res, err)
	}
	if p := s.peak.Load(); p > DefaultBatchSize || p < 2 {
		t.Fatalf("peak concurrency = %d", p)
	}
}

func TestDispatchEmptyAndCanceled(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(&fakeSender{}, DispatcherOptions{})
	res, err := d.Dispatch(context.Background(), nil, Test(time.Now()))
	if err != nil || res.Total != 0 || res.Expired == nil {
		t.Fatalf("empty = %+v, %v", res, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err = d.Dispatch(ctx, subs("a", "b"), Test(time.Now()))
	if !errors.Is(err, context.Canceled) || res.Failed != 2 || !res.AllFailed() {
		t.Fatalf("canceled = %+v, %v", res, err)
	}
}

func TestDispatchWithoutSender(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(nil, DispatcherOptions{})
	if d.Configured() {
		t.Fatal("dispatcher without sender reports configured")
	}
	res, err := d.Dispatch(context.Background(), subs("a"), Test(time.Now()))
	if !errors.Is(err, ErrNotConfigured) || res.Total != 0 {
		t.Fatalf("dispatch = %+v, %v", res, err)
	}
	if !NewDispatcher(&fakeSender{}, DispatcherOptions{}).Configured() {
		t.Fatal("dispatcher with sender reports unconfigured")
	}
}

func TestDispatchRateLimit(t *testing.T) {
	t.Parallel()
	s := &fakeSender{errs: map[string]error{}}
	d := NewDispatcher(s, DispatcherOptions{})
	d.Apply(20)
	start := time.Now()
	if _, err := d.Dispatch(context.Background(), subs("a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l", "m", "n", "o", "p", "q", "r", "s", "t", "u", "v", "w", "x", "y"), Test(start)); err != nil {
		t.Fatal(err)
	}
	// Burst 20, then 5 more at 20/s.
	if time.Since(start) < 150*time.Millisecond {
		t.Fatalf("rate limit not applied: %v", time.Since(start))
	}
}
