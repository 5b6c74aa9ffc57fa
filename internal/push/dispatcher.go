package push

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"mkhub/internal/storage"
	logx "mkhub/pkg/logx"
)

const DefaultBatchSize = 10

type DispatcherOptions struct {
	BatchSize  int
	RatePerSec int // 0 = unlimited
	Logger     logx.Logger
}

// Dispatcher fans one payload out to many subscriptions: batches run one
// after another, recipients inside a batch run in parallel.
//
// It is safe for concurrent use.
type Dispatcher struct {
	sender Sender
	log    logx.Logger

	mu        sync.Mutex
	batchSize int
	limiter   *rate.Limiter
}

func NewDispatcher(sender Sender, opts DispatcherOptions) *Dispatcher {
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{sender: sender, log: log.With(logx.String("comp", "push"))}
	d.apply(opts.BatchSize, opts.RatePerSec)
	return d
}

// Configured reports whether a sender is wired. Without one Dispatch refuses
// to run and returns ErrNotConfigured.
func (d *Dispatcher) Configured() bool { return d.sender != nil }

// Apply swaps the pacing rate; in-flight dispatches keep their limiter.
func (d *Dispatcher) Apply(ratePerSec int) {
	d.mu.Lock()
	bs := d.batchSize
	d.mu.Unlock()
	d.apply(bs, ratePerSec)
}

func (d *Dispatcher) apply(batchSize, ratePerSec int) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	var lim *rate.Limiter
	if ratePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
	}
	d.mu.Lock()
	d.batchSize = batchSize
	d.limiter = lim
	d.mu.Unlock()
}

type delivery struct {
	outcome outcome
	status  int
	err     error
}

// Dispatch sends p to every subscription and returns the aggregate result.
// Per-recipient failures never abort the fan-out; the error is only set when
// ctx ends before every batch has run, or to ErrNotConfigured when no sender
// is wired.
func (d *Dispatcher) Dispatch(ctx context.Context, subs []storage.Subscription, p Payload) (Result, error) {
	if d.sender == nil {
		return Result{Expired: []string{}, Errors: []Failure{}}, ErrNotConfigured
	}
	res := Result{Total: len(subs), Expired: []string{}, Errors: []Failure{}}
	if len(subs) == 0 {
		return res, nil
	}
	body, err := json.Marshal(p)
	if err != nil {
		for _, s := range subs {
			res.Failed++
			res.Errors = append(res.Errors, Failure{ID: s.ID, Endpoint: s.Endpoint, Error: err.Error()})
		}
		return res, nil
	}

	d.mu.Lock()
	batchSize := d.batchSize
	lim := d.limiter
	d.mu.Unlock()

	start := time.Now()
	out := make([]delivery, len(subs))
	for lo := 0; lo < len(subs); lo += batchSize {
		if err := ctx.Err(); err != nil {
			for i := lo; i < len(subs); i++ {
				out[i] = delivery{outcome: outcomeFailed, err: err}
			}
			d.collect(&res, subs, out)
			return res, err
		}
		hi := min(lo+batchSize, len(subs))
		var g errgroup.Group
		for i := lo; i < hi; i++ {
			g.Go(func() error {
				out[i] = d.deliver(ctx, lim, subs[i], body)
				return nil
			})
		}
		_ = g.Wait()
	}
	d.collect(&res, subs, out)

	fields := []logx.Field{
		logx.String("tag", p.Tag),
		logx.Int("total", res.Total),
		logx.Int("success", res.Success),
		logx.Int("failed", res.Failed),
		logx.Int("expired", len(res.Expired)),
		logx.Duration("dur", time.Since(start)),
	}
	if len(res.Errors) > 0 {
		d.log.Warn("push fan-out finished with failures", fields...)
	} else {
		d.log.Info("push fan-out finished", fields...)
	}
	return res, nil
}

func (d *Dispatcher) deliver(ctx context.Context, lim *rate.Limiter, sub storage.Subscription, body []byte) delivery {
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return delivery{outcome: outcomeFailed, err: err}
		}
	}
	err := d.sender.Send(ctx, sub, body)
	oc, status := classify(err)
	if oc == outcomeFailed {
		d.log.Debug("push send failed", logx.String("sub", sub.ID), logx.Int("status", status), logx.Err(err))
	}
	return delivery{outcome: oc, status: status, err: err}
}

func (d *Dispatcher) collect(res *Result, subs []storage.Subscription, out []delivery) {
	for i, dl := range out {
		switch dl.outcome {
		case outcomeSuccess:
			res.Success++
		case outcomeExpired:
			res.Failed++
			res.Expired = append(res.Expired, subs[i].ID)
		default:
			res.Failed++
			msg := "unknown error"
			if dl.err != nil {
				msg = dl.err.Error()
			}
			res.Errors = append(res.Errors, Failure{ID: subs[i].ID, Endpoint: subs[i].Endpoint, Status: dl.status, Error: msg})
		}
	}
}
