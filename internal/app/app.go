// Package app wires configuration, the session lifecycle, the dispatch
// coordinator and the observer endpoint into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"bulkcast/internal/alerts"
	"bulkcast/internal/config"
	"bulkcast/internal/dispatch"
	"bulkcast/internal/eventbus"
	"bulkcast/internal/lifecycle"
	"bulkcast/internal/observer"
	"bulkcast/internal/provider/sim"
	"bulkcast/internal/runtime/supervisor"
	"bulkcast/internal/session"
	"bulkcast/internal/storage"
	"bulkcast/internal/templates"
	logx "bulkcast/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	provider  session.Provider
	lifecycle *lifecycle.Manager
	templates *templates.Service
	dispatch  *dispatch.Coordinator
	registry  *observer.Registry
	server    *observer.Server
	alerts    *alerts.Forwarder
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := Check(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logSvc, root, err := logx.New(mapLogging(cfg))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("logging: %w", err)
	}
	a, err := build(cfg, root)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	return a, nil
}

// build constructs the component graph from a checked config.
func build(cfg *config.Config, root logx.Logger) (*App, error) {
	log := root.Named("app")
	bus := eventbus.New()

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	tpl := templates.New(store, bus, root)
	if err := tpl.Load(context.Background()); err != nil {
		_ = store.Close()
		return nil, err
	}

	provider, err := newProvider(cfg, root)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	lcfg, err := mapLifecycle(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	lc := lifecycle.New(provider, bus, lcfg, root)

	dcfg, err := mapDispatch(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	coord := dispatch.New(dcfg, provider, lc, bus, store, root)

	srvCfg, regCfg, err := mapListen(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	reg := observer.NewRegistry(regCfg, bus, lc, coord, tpl, root)
	srv := observer.NewServer(srvCfg, reg, root)

	a := &App{
		log:       log,
		bus:       bus,
		store:     store,
		provider:  provider,
		lifecycle: lc,
		templates: tpl,
		dispatch:  coord,
		registry:  reg,
		server:    srv,
	}

	acfg, tcfg, enabled, err := mapAlerts(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if enabled {
		tg, err := alerts.NewTelegram(tcfg)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("alerts: %w", err)
		}
		a.alerts = alerts.NewForwarder(acfg, bus, tg, root)
	}
	return a, nil
}

func newProvider(cfg *config.Config, log logx.Logger) (session.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Session.Provider)) {
	case "", "sim":
		scfg, err := mapSim(cfg)
		if err != nil {
			return nil, err
		}
		p, err := sim.New(scfg, log)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown session.provider %q", cfg.Session.Provider)
	}
}

// Addr is the bound observer address, empty before Start.
func (a *App) Addr() string { return a.server.Addr() }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start binds the observer port and launches every component. A bind
// failure is returned before anything else starts.
func (a *App) Start(ctx context.Context) error {
	if err := a.server.Listen(); err != nil {
		return fmt.Errorf("observer listen: %w", err)
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.sup.Go("lifecycle", a.lifecycle.Run)
	a.sup.Go("dispatch", a.dispatch.Run)
	a.sup.Go("observer.server", a.server.Serve)
	if a.alerts != nil {
		a.sup.GoRestart("alerts", a.alerts.Run, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}

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
				a.log.Debug("event", logx.String("type", e.Type), logx.String("source", e.Source))
			}
		}
	})

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log)
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return Check(cfg) })
		a.sup.Go0("config.reload", a.reloadLoop)
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		runWatchdog(c, a.log, func() bool { return a.sup.Context().Err() == nil })
	})
	sdNotify(a.log, daemon.SdNotifyReady)

	a.log.Info("app started", logx.String("addr", a.server.Addr()))
	return nil
}

// reloadLoop applies the live sections of each committed config.
func (a *App) reloadLoop(ctx context.Context) {
	sub, unsubscribe := a.cfgm.Subscribe()
	defer unsubscribe()
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	ch := config.SummarizeChange(prev, next)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := logx.String("changed", strings.Join(ch.Sections, ","))

	if a.logs != nil {
		if err := a.logs.Apply(mapLogging(next)); err != nil {
			a.log.Warn("log sink unavailable; console only", logx.Err(err))
		}
	}
	if dcfg, err := mapDispatch(next); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.dispatch.Apply(dcfg)
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(ch.Restart, ",")))
	}
	a.log.Info("config reloaded", append([]logx.Field{changed}, ch.Attrs...)...)
}

// Stop cancels every component and waits for them with per-step deadlines.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		err := a.closeStore()
		if a.logs != nil {
			_ = a.logs.Close()
		}
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("observer", 3*time.Second, func(c context.Context) error { a.server.Shutdown(c); return nil })
	step("supervisor", 5*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.DeadlineExceeded) {
			a.log.Warn("units still running", logx.Any("units", a.sup.Running()))
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error { return a.closeStore() })

	a.log.Info("stopped", logx.Uint64("dispatches", a.dispatch.Stats().Completed))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	if errors.Is(err, storage.ErrClosed) {
		return nil
	}
	return err
}
