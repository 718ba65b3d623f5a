package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"attendwatch/internal/alert"
	"attendwatch/internal/classify"
	"attendwatch/internal/config"
	"attendwatch/internal/counters"
	"attendwatch/internal/dashapi"
	"attendwatch/internal/dedup"
	"attendwatch/internal/engine"
	"attendwatch/internal/eventbus"
	"attendwatch/internal/presenter"
	rtsup "attendwatch/internal/runtime/supervisor"
	"attendwatch/internal/stream"
	"attendwatch/internal/uiapi"
	"attendwatch/internal/watchdog"
	logx "attendwatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	api  *dashapi.Client

	stdout  io.Writer
	alerts  *alert.Swap
	sinksMu sync.Mutex
	sinks   sinkSet

	dedup    *dedup.Window
	pres     *presenter.Presenter
	counters *counters.Reconciler
	watchdog *watchdog.Watchdog
	engine   *engine.Engine
	ui       *uiapi.Service
}

type options struct {
	dialer    stream.Dialer
	newDialer func(stream.SocketIOConfig) (stream.Dialer, error)
	stdout    io.Writer
}

type Option func(*options)

// WithDialer replaces the Socket.IO dialer built from stream.url.
func WithDialer(d stream.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithStdout redirects the bell and console alert sinks.
func WithStdout(w io.Writer) Option { return func(o *options) { o.stdout = w } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.stdout == nil {
		o.stdout = os.Stdout
	}
	if o.newDialer == nil {
		o.newDialer = func(c stream.SocketIOConfig) (stream.Dialer, error) { return stream.NewSocketIODialer(c) }
	}

	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	built := false
	defer func() {
		if !built {
			_ = logSvc.Close()
		}
	}()

	sinks, err := buildSinks(cfg, o.stdout)
	if err != nil {
		return nil, err
	}
	defer func() {
		if !built {
			_ = sinks.Close()
		}
	}()
	alerts := &alert.Swap{}
	alerts.Set(sinks.sink)

	// Mirrored log lines go straight to the sinks; their errors are dropped so
	// a failing sink cannot feed back into the log.
	logSvc.SetMirror(func(ctx context.Context, level logx.Level, text string) {
		_ = alerts.Notify(ctx, mirrorAlert(level, text))
	})
	logSvc.Apply(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	apiTimeout, err := config.ParseDurationOrDefault("api.timeout", cfg.API.Timeout, dashapi.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	api, err := dashapi.New(cfg.API.BaseURL, apiTimeout)
	if err != nil {
		return nil, err
	}

	dialer := o.dialer
	if dialer == nil {
		d, err := o.newDialer(stream.SocketIOConfig{
			URL:       cfg.Stream.URL,
			Origin:    cfg.Stream.Origin,
			Namespace: cfg.Stream.Namespace,
		})
		if err != nil {
			return nil, err
		}
		dialer = d
	}

	// validate() already ran every mapping; errors here are not expected.
	dc, _ := mapDedupConfig(cfg)
	pc, _ := mapPresenterConfig(cfg)
	cc, _ := mapCountersConfig(cfg)
	ec, _ := mapEngineConfig(cfg)

	win := dedup.New(dc)
	pres := presenter.New(pc, alerts, log.With(logx.String("comp", "presenter")), bus)
	rec := counters.New(cc, api, log.With(logx.String("comp", "counters")), bus)
	wd := watchdog.New(mapWatchdogConfig(cfg), api, alerts, log.With(logx.String("comp", "watchdog")), bus)

	eng, err := engine.New(ec, engine.Deps{
		Dialer:     dialer,
		Classifier: classify.Classifier{},
		Dedup:      win,
		Presenter:  pres,
		Counters:   rec,
		Watchdog:   wd,
		Sink:       alerts,
		Log:        log.With(logx.String("comp", "engine")),
		Bus:        bus,
	})
	if err != nil {
		return nil, err
	}

	ui := uiapi.NewService(mapUIConfig(cfg), eng, log.With(logx.String("comp", "ui")))

	log.Info("configured",
		logx.String("config", cfgm.Path()),
		logx.String("api", api.BaseURL()),
		logx.String("alerts", strings.Join(sinks.names, ",")))

	built = true
	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		api:      api,
		stdout:   o.stdout,
		alerts:   alerts,
		sinks:    sinks,
		dedup:    win,
		pres:     pres,
		counters: rec,
		watchdog: wd,
		engine:   eng,
		ui:       ui,
	}, nil
}

// validate runs the field checks, then every component mapping so that a
// reload is rejected before it reaches a component.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDedupConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPresenterConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCountersConfig(cfg); err != nil {
		return err
	}
	return nil
}

func (a *App) Engine() *engine.Engine { return a.engine }

// Bus carries component events; see the eventbus topics.
func (a *App) Bus() eventbus.Bus { return a.bus }

// UIAddr is the bound UI listener address, empty while the UI is off.
func (a *App) UIAddr() string { return a.ui.Addr() }

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
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	backoff := rtsup.WithRestartBackoff(time.Second, 30*time.Second)

	// Scheduler loops are restarted on error; a bad schedule is rejected at
	// load time so a restart loop here means the runner itself failed.
	a.sup.GoRestart("counters.run", a.counters.Run, backoff)
	a.sup.GoRestart("watchdog.run", a.watchdog.Run, backoff)
	a.sup.GoRestart("engine.run", a.engine.Run, backoff)
	a.ui.Start(a.sup.Context())

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
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.reload(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// reload applies next in place. ctx is the app lifetime; servers started
// here run until it is canceled. A section that fails to map keeps its
// previous settings; the other sections still apply.
func (a *App) reload(ctx context.Context, prev, next *config.Config) {
	sections := config.ChangedSections(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config applied (no changes)")
		return
	}
	changed := logx.String("changed", strings.Join(sections, ","))
	if config.RestartRequired(prev, next) {
		a.log.Warn("stream target or api changed; restart required for those settings", changed)
	}

	a.logs.Apply(mapLogConfig(next))

	if ec, err := mapEngineConfig(next); err != nil {
		a.log.Warn("invalid stream config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ec)
		a.retryFailedStream(ctx, prev, next)
	}
	if dc, err := mapDedupConfig(next); err != nil {
		a.log.Warn("invalid dedup config; keeping previous", logx.Err(err))
	} else {
		a.dedup.Apply(dc)
	}
	if pc, err := mapPresenterConfig(next); err != nil {
		a.log.Warn("invalid presenter config; keeping previous", logx.Err(err))
	} else {
		a.pres.Apply(pc)
	}
	if cc, err := mapCountersConfig(next); err != nil {
		a.log.Warn("invalid counters config; keeping previous", logx.Err(err))
	} else if err := a.counters.Apply(cc); err != nil {
		a.log.Warn("counters schedule rejected; keeping previous", logx.Err(err))
	}
	if err := a.watchdog.Apply(mapWatchdogConfig(next)); err != nil {
		a.log.Warn("watchdog schedule rejected; keeping previous", logx.Err(err))
	}

	if !sameAlerts(prev, next) {
		if err := a.swapSinks(next); err != nil {
			a.log.Warn("invalid alerts config; keeping previous sinks", logx.Err(err))
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	a.ui.Reconfigure(ctx, stopCtx, mapUIConfig(next))
	cancel()

	a.log.Info("config applied", changed)
}

// retryFailedStream restarts a stream that gave up once its reconnect policy
// changes, so a raised max_attempts takes effect without a restart.
func (a *App) retryFailedStream(ctx context.Context, prev, next *config.Config) {
	if prev == nil || prev.Stream.Reconnect == next.Stream.Reconnect {
		return
	}
	if a.engine.Connection().State != stream.Failed {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := a.engine.Restart(rctx); err != nil {
		a.log.Warn("stream restart after reconnect change failed", logx.Err(err))
		return
	}
	a.log.Info("stream restarted after reconnect policy change")
}

func sameAlerts(a, b *config.Config) bool {
	return a != nil && b != nil && a.Alerts == b.Alerts
}

func (a *App) swapSinks(cfg *config.Config) error {
	set, err := buildSinks(cfg, a.stdout)
	if err != nil {
		return err
	}
	a.alerts.Set(set.sink)
	a.sinksMu.Lock()
	old := a.sinks
	a.sinks = set
	a.sinksMu.Unlock()
	if err := old.Close(); err != nil {
		a.log.Debug("closing previous alert sinks", logx.Err(err))
	}
	a.log.Info("alert sinks updated", logx.String("alerts", strings.Join(set.names, ",")))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// Each step is bounded so one component cannot stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				limit = min(limit, max(time.Until(dl), 0))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	step("engine", 3*time.Second, a.engine.Stop)
	step("ui", time.Second, func(c context.Context) error { a.ui.Stop(c); return nil })
	step("presenter", time.Second, func(context.Context) error { a.pres.Close(); return nil })

	// Supervised goroutines: scheduler loops, config watch/reload, event log.
	step("supervisor", 3*time.Second, a.sup.Wait)

	step("alerts", time.Second, func(context.Context) error {
		a.sinksMu.Lock()
		set := a.sinks
		a.sinks = sinkSet{}
		a.sinksMu.Unlock()
		a.alerts.Set(alert.Nop)
		return set.Close()
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
