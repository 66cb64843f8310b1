// Package app builds every component from one config file and owns their
// start and stop order.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"postcast/internal/channel"
	"postcast/internal/composer"
	"postcast/internal/config"
	"postcast/internal/control"
	"postcast/internal/delivery"
	"postcast/internal/eventbus"
	"postcast/internal/lock"
	"postcast/internal/publisher"
	rtsup "postcast/internal/runtime/supervisor"
	"postcast/internal/storage"
	"postcast/internal/task/engine"
	"postcast/internal/task/scheduler"
	kit "postcast/internal/transport"
	"postcast/internal/transport/httpapi"
	telegram "postcast/internal/transport/telegram/adapter"
	"postcast/internal/transport/telegram/commands"
	"postcast/internal/transport/telegram/router"
	logx "postcast/pkg/logx"
	"postcast/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    *storage.SQLStore
	locker   lock.Locker
	channel  *channel.Adapter
	delivery *delivery.Service
	control  *control.Service

	engine  *engine.Service
	sched   *scheduler.Service
	scanner *publisher.Scanner // nil when publisher.enabled is false

	http *httpapi.Server

	bot  *telegram.Adapter // nil unless telegram.commands is set
	cmds *router.Manager
	msgs chan kit.Message
}

// New loads the config and builds every component. Nothing runs until
// Start; one-shot CLI commands use the components directly and then Close.
func New(ctx context.Context, cfgm *config.ConfigManager) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	chCfg, err := mapChannelConfig(cfg)
	if err != nil {
		return nil, err
	}

	// The log service needs a sender and the channel adapter needs a logger;
	// the sink is bound once both exist.
	sink := &logSink{}
	logCfg := mapLogConfig(cfg)
	boot := logCfg
	boot.Telegram.Enabled = false
	logSvc, root := logx.New(boot, sink)
	logSvc.SetTelegramTarget(cfg.Telegram.LogChat)
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))

	ch, err := channel.New(chCfg, root.With(logx.String("comp", "channel")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	sink.bind(ch)

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New(), channel: ch}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	sc, _ := mapStorageConfig(cfg)
	if a.store, err = storage.Open(ctx, sc, root.With(logx.String("comp", "storage"))); err != nil {
		return nil, err
	}
	if a.locker, err = lock.Open(ctx, mapLockConfig(cfg)); err != nil {
		return nil, err
	}

	comp := composer.New(mapComposerConfig(cfg))
	a.delivery = delivery.New(a.store, ch, comp, a.locker, a.bus, root.With(logx.String("comp", "delivery")))
	a.control = control.New(a.store, a.delivery, a.bus, root.With(logx.String("comp", "control")))

	engCfg, _ := mapTaskEngineConfig(cfg)
	a.engine = engine.New(engCfg, root.With(logx.String("comp", "taskengine")), a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.engine, root.With(logx.String("comp", "scheduler")), a.bus)

	if cfg.Publisher.IsEnabled() {
		pc, _ := mapPublisherConfig(cfg)
		a.scanner = publisher.New(pc, a.store, a.delivery, a.locker, a.bus, root)
		if err := a.scanner.Register(a.sched); err != nil {
			return nil, fmt.Errorf("register scan: %w", err)
		}
		if !cfg.Scheduler.Enabled {
			log.Warn("publisher enabled but scheduler disabled; posts are only sent on demand")
		}
	}

	hc, _ := mapHTTPConfig(cfg)
	deps := httpapi.Deps{
		Control:   a.control,
		Scheduler: a.sched,
		DB:        a.store,
	}
	if a.scanner != nil {
		deps.Scanner = a.scanner
	}
	a.http = httpapi.NewServer(hc, deps, root)

	if cfg.Telegram.Commands {
		if err := a.buildBot(cfg, root); err != nil {
			return nil, err
		}
	}

	ok = true
	return a, nil
}

func (a *App) buildBot(cfg *config.Config, root logx.Logger) error {
	bc, err := mapBotConfig(cfg)
	if err != nil {
		return err
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		a.log.Warn("telegram.commands enabled without owner_user_ids; every command will be refused")
	}
	if a.bot, err = telegram.New(bc, root); err != nil {
		return fmt.Errorf("telegram commands: %w", err)
	}
	a.cmds = router.New(a.bot, cfg.Telegram.OwnerUserIDs, root)
	deps := commands.Deps{Control: a.control, Location: a.sched.Location}
	if a.scanner != nil {
		deps.Scanner = a.scanner
	}
	a.cmds.Register(commands.Build(deps)...)
	a.msgs = make(chan kit.Message, 64)
	return nil
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Control() *control.Service { return a.control }

func (a *App) Store() *storage.SQLStore { return a.store }

// Scanner is nil when publisher.enabled is false.
func (a *App) Scanner() *publisher.Scanner { return a.scanner }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// HTTPAddr is the bound control API address ("" when not listening).
func (a *App) HTTPAddr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	run := a.sup.Context()

	if a.engine.Enabled() {
		a.engine.Start(run)
	}
	if a.sched.Enabled() {
		a.sched.Start(run)
	}
	a.http.Start(run)

	if a.bot != nil {
		if err := a.bot.Start(run, a.msgs); err != nil {
			return err
		}
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.cmds.DispatchLoop(c, a.msgs)
		})
		a.sup.Go0("commands.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := a.cmds.PublishMenu(mctx); err != nil {
				a.log.Warn("command menu update failed", logx.Err(err))
			}
		})
	}

	events, unsub := eventbus.SubscribePrefix(a.bus, 128, "delivery.", "control.", "publisher.")
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
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go("systemd.watchdog", systemd.Watchdog)

	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("app started",
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("publisher", a.scanner != nil),
		logx.Bool("commands", a.bot != nil),
		logx.String("http", a.http.Addr()),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(stepCtx, max)
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// In-flight deliveries finish inside the engine; their claims are
	// recovered on the next start if the deadline cuts them off.
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	if a.bot != nil {
		step("telegram.commands", 3*time.Second, a.bot.Stop)
	}
	step("supervisor", 2*time.Second, a.sup.Wait)
	a.log.Info("stopped")
	return a.Close()
}

// Close releases storage, the lock backend and log sinks.
func (a *App) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if c, ok := a.locker.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}

// logSink forwards operator log lines to the channel adapter once it exists.
type logSink struct {
	ch atomic.Pointer[channel.Adapter]
}

func (s *logSink) bind(ch *channel.Adapter) { s.ch.Store(ch) }

func (s *logSink) SendLog(ctx context.Context, chat, text string) error {
	ch := s.ch.Load()
	if ch == nil {
		return errors.New("log sink not ready")
	}
	return ch.SendLog(ctx, chat, text)
}
