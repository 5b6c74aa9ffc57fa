package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"mkhub/internal/config"
	"mkhub/internal/eventbus"
	"mkhub/internal/eventbus/mqttbridge"
	"mkhub/internal/httpapi"
	"mkhub/internal/ingest"
	"mkhub/internal/ledger"
	"mkhub/internal/notify"
	"mkhub/internal/push"
	rtsup "mkhub/internal/runtime/supervisor"
	"mkhub/internal/schedule"
	"mkhub/internal/scheduler"
	"mkhub/internal/storage"
	"mkhub/internal/transport/discord"
	"mkhub/internal/transport/telegram"
	logx "mkhub/pkg/logx"
)

const pollJob = "notify.poll"

// Options tune NewApp for one-shot CLI commands.
type Options struct {
	// Offline builds the notification core only: no chat sources, HTTP or MQTT.
	Offline bool
	Getenv  func(string) string
}

type App struct {
	cfgm *config.ConfigManager

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus
	reg  *prometheus.Registry

	store  storage.Store
	ledger ledger.Ledger
	disp   *push.Dispatcher
	pushOK bool
	cache  *schedule.Cache
	subs   *notify.Registry
	notif  *notify.Service
	sched  *scheduler.Service
	ingest *ingest.Service

	http *httpapi.Server
	mqtt *mqttbridge.Bridge

	sup     *rtsup.Supervisor
	sd      sdNotifier
	started time.Time
}

func NewApp(ctx context.Context, cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	if opts.Getenv != nil {
		cfgm.SetEnv(opts.Getenv)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLoggingConfig(cfg), nil)
	a := &App{
		cfgm: cfgm,
		log:  log.With(logx.String("comp", "app")),
		logs: logs,
		bus:  eventbus.New(),
		reg:  prometheus.NewRegistry(),
		sd:   sdNotifier{log: log.With(logx.String("comp", "systemd"))},
	}
	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := a.build(ctx, cfg, opts); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, opts Options) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(ctx, sc, a.log); err != nil {
		return err
	}
	if a.ledger, err = ledger.Open(ctx, mapLedgerConfig(cfg), a.store, a.log.With(logx.String("comp", "ledger"))); err != nil {
		return err
	}

	hc := &http.Client{Timeout: 30 * time.Second}
	pc, err := mapPushConfig(cfg)
	if err != nil {
		return err
	}
	// A nil sender leaves the dispatcher unconfigured: every send is refused.
	var sender push.Sender
	vapidKey := ""
	switch wp, err := push.NewWebPushSender(pc, hc); {
	case err == nil:
		sender, vapidKey, a.pushOK = wp, wp.PublicKey(), true
	case errors.Is(err, push.ErrNotConfigured):
		a.log.Warn("vapid keys missing; push delivery disabled")
	default:
		return err
	}
	a.disp = push.NewDispatcher(sender, push.DispatcherOptions{
		RatePerSec: cfg.Push.RatePerSec,
		Logger:     a.log.With(logx.String("comp", "push")),
	})

	ss, err := mapScheduleSettings(cfg)
	if err != nil {
		return err
	}
	blob, err := openScheduleStore(cfg, hc)
	if err != nil {
		return err
	}
	a.cache = schedule.NewCache(blob, ss.cacheTTL, a.log.With(logx.String("comp", "schedule")))
	factory := func(session string) *schedule.Ingestor {
		return schedule.NewIngestor(blob, schedule.IngestorOptions{
			Delay:       ss.flushDelay,
			MaxAttempts: ss.maxAttempts,
			OnMerged: func(res schedule.MergeResult, merged []schedule.Entry) {
				a.cache.Set(merged)
				a.bus.Publish(eventbus.Event{Type: eventbus.ScheduleMerged, Data: res})
			},
			OnFailed: func(pending int, err error) {
				// The stored blob may have moved on; reread it on the next poll.
				a.cache.Invalidate()
				a.bus.Publish(eventbus.Event{Type: eventbus.ScheduleConflict, Data: map[string]any{
					"session": session, "pending": pending, "error": err.Error(),
				}})
			},
			Logger: a.log.With(logx.String("comp", "schedule"), logx.String("session", session)),
		})
	}

	a.subs = notify.NewRegistry(a.store, a.log)
	a.notif = notify.New(mapNotifyConfig(cfg), notify.Deps{
		Registry:   a.subs,
		Ledger:     a.ledger,
		Dispatcher: a.disp,
		Schedule:   a.cache,
		Store:      a.store,
		Bus:        a.bus,
		Metrics:    notify.NewMetrics(a.reg),
		Logger:     a.log,
	})
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.log.With(logx.String("comp", "scheduler")))
	a.ingest = ingest.New(schedule.NewParser(), factory, a.reg, a.log)

	if opts.Offline {
		return nil
	}
	if err := a.buildSources(cfg); err != nil {
		return err
	}
	if cfg.HTTP.Enabled {
		srvCfg, ro, err := mapHTTPConfig(cfg)
		if err != nil {
			return err
		}
		router := httpapi.NewRouter(ro, httpapi.Deps{
			Subscriptions: a.subs,
			Notifier:      a.notif,
			Schedule:      a.cache,
			Ingest:        a.ingest,
			Runtime:       func() any { return a.Runtime() },
			VAPIDKey:      vapidKey,
			Location:      location(cfg),
			Registerer:    a.reg,
			Gatherer:      a.reg,
			Logger:        a.log,
		})
		a.http = httpapi.NewServer(srvCfg, router, a.log)
	}
	if cfg.MQTT != nil && cfg.MQTT.Enabled {
		if a.mqtt, err = mqttbridge.New(mapMQTTConfig(cfg.MQTT), a.log); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) buildSources(cfg *config.Config) error {
	if dc := cfg.Discord; dc != nil && dc.Enabled {
		src, err := discord.New(discord.Config{Token: dc.Token, ChannelID: dc.ScheduleChannelID}, a.log)
		if err != nil {
			return fmt.Errorf("discord: %w", err)
		}
		a.ingest.Attach(src, dc.ScheduleChannelID)
	}
	if tc := cfg.Telegram; tc != nil && tc.Enabled {
		tcfg, err := mapTelegramConfig(cfg)
		if err != nil {
			return err
		}
		src, err := telegram.New(tcfg, a.log)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		a.ingest.Attach(src, "")
		if tc.LogChatID != 0 {
			a.logs.SetSender(src)
		}
	}
	return nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		tz = config.DefaultTimezone
	}
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: tz}
}

func (a *App) Logger() logx.Logger       { return a.log }
func (a *App) Notify() *notify.Service    { return a.notif }
func (a *App) Ingest() *ingest.Service    { return a.ingest }
func (a *App) Schedule() *schedule.Cache  { return a.cache }
func (a *App) Registry() *notify.Registry { return a.subs }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// registerPoll installs or removes the notification poll to match cfg.
func (a *App) registerPoll(cfg *config.Config) error {
	if !cfg.Notify.Enabled {
		if a.sched.Remove(pollJob) {
			a.log.Info("notification poll disabled")
		}
		return nil
	}
	if !a.pushOK {
		a.log.Warn("notify.enabled is set but push is not configured; poll not scheduled")
		return nil
	}
	ps, err := mapPollSettings(cfg)
	if err != nil {
		return err
	}
	return a.sched.AddSchedule(pollJob, ps.schedule, ps.timeout, a.notif.Poll)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.started = time.Now()
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	cfg := a.cfgm.Get()
	if err := a.registerPoll(cfg); err != nil {
		return err
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if err := a.ingest.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.http != nil {
		if err := a.http.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("http: %w", err)
		}
	}
	if a.mqtt != nil {
		a.sup.GoRestart("mqtt.bridge", func(c context.Context) error {
			return a.mqtt.Run(c, a.bus)
		}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go("systemd.watchdog", a.sd.watchdog)

	a.sd.ready()
	a.log.Info("app started", logx.Bool("push", a.pushOK), logx.Bool("http", a.http != nil), logx.Bool("mqtt", a.mqtt != nil))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes the hot-reloadable sections into the running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(next))
	a.notif.Apply(mapNotifyConfig(next))
	a.disp.Apply(next.Push.RatePerSec)

	wasEnabled := a.sched.Enabled()
	a.sched.Apply(mapSchedulerConfig(next))
	if err := a.registerPoll(next); err != nil {
		a.log.Warn("invalid poll schedule; keeping previous", logx.Err(err))
	}
	switch {
	case wasEnabled && !next.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !wasEnabled && next.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// RuntimeSnapshot is served on the admin runtime endpoint.
type RuntimeSnapshot struct {
	StartedAt     time.Time          `json:"startedAt"`
	Uptime        string             `json:"uptime"`
	PushEnabled   bool               `json:"pushEnabled"`
	Supervisor    rtsup.Snapshot     `json:"supervisor"`
	Scheduler     scheduler.Snapshot `json:"scheduler"`
	IngestPending map[string]int     `json:"ingestPending"`
	BusDropped    uint64             `json:"busDropped"`
	LogDropped    uint64             `json:"logDropped"`
	MQTT          *MQTTStats         `json:"mqtt,omitempty"`
}

type MQTTStats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

func (a *App) Runtime() RuntimeSnapshot {
	snap := RuntimeSnapshot{
		StartedAt:     a.started,
		PushEnabled:   a.pushOK,
		Scheduler:     a.sched.Snapshot(),
		IngestPending: a.ingest.Pending(),
		BusDropped:    a.bus.Dropped(),
		LogDropped:    a.logs.ChatDropped(),
	}
	if !a.started.IsZero() {
		snap.Uptime = time.Since(a.started).Round(time.Second).String()
	}
	if a.sup != nil {
		snap.Supervisor = a.sup.Snapshot()
	}
	if a.mqtt != nil {
		pub, failed := a.mqtt.Stats()
		snap.MQTT = &MQTTStats{Published: pub, Failed: failed}
	}
	return snap
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()

	// Cancel the run context first so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max <= 0 {
				a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
				return
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	// Ingest flushes pending schedule entries, so it gets the longest timeout.
	step("ingest", 10*time.Second, a.ingest.Stop)
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("http", 3*time.Second, func(c context.Context) error {
		if a.http == nil {
			return nil
		}
		return a.http.Stop(c)
	})
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(context.Context) error { return a.closeStores() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStores() error {
	var errs []error
	if a.ledger != nil {
		errs = append(errs, a.ledger.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// closeResources releases what a never-started app holds.
func (a *App) closeResources() {
	if a.ingest != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = a.ingest.Stop(ctx)
		cancel()
	}
	if err := a.closeStores(); err != nil {
		a.log.Warn("close storage failed", logx.Err(err))
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
