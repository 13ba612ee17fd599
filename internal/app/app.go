package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"notifycore/internal/eventbus"
	"notifycore/internal/httpapi"
	"notifycore/internal/ingest"
	"notifycore/internal/metrics"
	"notifycore/internal/notifier"
	"notifycore/internal/render"
	"notifycore/internal/scheduler"
	"notifycore/internal/storage"
	"notifycore/internal/subscription"
	logx "notifycore/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	channels *channelSet
	subs     *subscription.Registry
	rnd      *render.Renderer
	flags    *scheduler.StaticFlags
	notif    *notifier.Service
	metrics  *metrics.Metrics
	http     *httpapi.Server

	kafka *ingest.Kafka
	amqp  *ingest.AMQP

	// notifCancel ends the notifier's own context. The notifier runs
	// outside the app supervisor so it can drain after intake stops.
	notifCancel context.CancelFunc
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	a := &App{cfgPath: cfgPath, cfgm: cfgm, log: appLog, logs: logSvc, bus: eventbus.New()}
	if err := a.build(cfg, log); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *Config, log logx.Logger) error {
	// Storage (optional)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver), logx.Bool("redis", sc.Redis.Addr != ""))
	}

	a.subs = subscription.New(a.store, log.With(logx.String("comp", "subscriptions")))

	chs, err := buildChannels(cfg, a.subs, log, time.Now)
	if err != nil {
		return err
	}
	a.channels = chs
	if len(chs.enabled) == 0 {
		a.log.Warn("no delivery channels enabled; every notification will fail")
	}

	tpls, err := mapTemplates(cfg)
	if err != nil {
		return err
	}
	if a.rnd, err = render.New(tpls...); err != nil {
		return err
	}
	a.flags = scheduler.NewStaticFlags(cfg.Scheduler.Flags)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	a.notif, err = notifier.New(ncfg, notifier.Deps{
		Store:         a.store,
		Bus:           a.bus,
		Registry:      chs.registry,
		Subscriptions: a.subs,
		Renderer:      a.rnd,
		Flags:         a.flags,
	}, log.With(logx.String("comp", "notifier")))
	if err != nil {
		return err
	}

	a.metrics = metrics.New()
	src := metrics.Sources{
		Stats:            a.notif.GetDeliveryStatistics,
		ScheduledPending: a.notif.Scheduler().Pending,
	}
	var sockets httpapi.Sockets
	if chs.hub != nil {
		src.Connections = chs.hub.Total
		sockets = chs.hub
	}
	a.metrics.RegisterSources(src)

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	a.http = httpapi.New(hcfg, a.notif, sockets, a.metrics, log.With(logx.String("comp", "http")))

	kc, ac, err := mapIngestConfig(cfg)
	if err != nil {
		return err
	}
	if kc != nil {
		if a.kafka, err = ingest.NewKafka(*kc, a.notif.HandleEvent, log.With(logx.String("comp", "ingest.kafka"))); err != nil {
			return err
		}
	}
	if ac != nil {
		if a.amqp, err = ingest.NewAMQP(*ac, a.notif.HandleEvent, log.With(logx.String("comp", "ingest.amqp"))); err != nil {
			return err
		}
	}
	return nil
}

// Notifier exposes the facade, mainly for tests and embedding.
func (a *App) Notifier() *notifier.Service { return a.notif }

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

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return validateConfig(cfg)
	})

	if err := a.notif.Load(ctx); err != nil {
		return err
	}
	nctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.notifCancel = cancel
	a.notif.Start(nctx)

	a.sup.GoRestart("metrics.consume", func(c context.Context) error {
		return a.metrics.Consume(c, a.bus)
	})
	a.sup.Go("http", a.http.Run)
	if a.kafka != nil {
		a.sup.GoRestart("ingest.kafka", a.kafka.Run, WithRestartBackoff(time.Second, 30*time.Second))
	}
	if a.amqp != nil {
		a.sup.GoRestart("ingest.amqp", a.amqp.Run, WithRestartBackoff(time.Second, 30*time.Second))
	}

	// Lifecycle events at debug level; metrics consume the same stream.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				newCfg = latest(sub, newCfg)
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("channels", len(a.channels.enabled)),
		logx.Bool("kafka", a.kafka != nil), logx.Bool("amqp", a.amqp != nil))
	return nil
}

func latest(ch <-chan *Config, cur *Config) *Config {
	for {
		select {
		case newer := <-ch:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// applyConfig applies the hot-reloadable sections. The config manager has
// already logged the change summary and any restart-required sections.
func (a *App) applyConfig(oldCfg, newCfg *Config) {
	sections, _, _ := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	for k, v := range newCfg.Scheduler.Flags {
		a.flags.Set(k, v)
	}

	if tpls, err := mapTemplates(newCfg); err != nil {
		a.log.Warn("invalid templates; keeping previous", logx.Err(err))
	} else {
		for _, t := range tpls {
			if err := a.rnd.Register(t); err != nil {
				a.log.Warn("template rejected", logx.String("name", t.Name), logx.Err(err))
			}
		}
	}

	ncfg, err := mapNotifierConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else if err := a.notif.Apply(ncfg); err != nil {
		a.log.Warn("notifier config rejected; keeping previous", logx.Err(err))
	}

	a.log.Info("config applied", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel intake first (HTTP, ingest, config watch) so nothing new arrives
	// while the notifier drains.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max > 0 {
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
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// fn must honor stepCtx; anything still running is a leak.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("intake", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("ingest", time.Second, func(context.Context) error {
		if a.kafka != nil {
			return a.kafka.Close()
		}
		return nil
	})
	step("notifier", 10*time.Second, func(c context.Context) error {
		a.notif.Stop(c)
		if a.notifCancel != nil {
			a.notifCancel()
		}
		return nil
	})
	step("inapp", time.Second, func(context.Context) error {
		if a.channels.hub != nil {
			a.channels.hub.Close()
		}
		return nil
	})
	step("storage", 2*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
