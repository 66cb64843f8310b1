package app

import (
	"context"
	"strings"

	"postcast/internal/config"
	logx "postcast/pkg/logx"
	"postcast/pkg/systemd"
)

// reloadLoop applies committed config changes. Sections that cannot change
// live are logged as needing a restart and otherwise ignored.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	prev := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.applyConfig(ctx, prev, cfg)
			prev = cfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	if cfg == nil {
		return
	}
	changed, attrs, restart := config.SummarizeConfigChange(prev, cfg)
	if len(changed) == 0 {
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	a.logs.SetTelegramTarget(cfg.Telegram.LogChat)
	a.logs.Apply(mapLogConfig(cfg))

	if a.cmds != nil {
		a.cmds.SetOwners(cfg.Telegram.OwnerUserIDs)
	}

	// Stop the trigger before the engine and start it after, so a tick
	// never lands on a stopped engine.
	sc := mapSchedulerConfig(cfg)
	if a.sched.Enabled() && !sc.Enabled {
		a.sched.Stop(ctx)
	}
	if ec, err := mapTaskEngineConfig(cfg); err == nil {
		wasOn := a.engine.Enabled()
		a.engine.Apply(ctx, ec)
		switch {
		case ec.Enabled && !wasOn:
			a.engine.Start(ctx)
		case !ec.Enabled && wasOn:
			a.engine.Stop(ctx)
		}
	} else {
		a.log.Warn("task_engine reload skipped", logx.Err(err))
	}
	wasOn := a.sched.Enabled()
	a.sched.Apply(sc)
	if sc.Enabled && !wasOn {
		a.sched.Start(ctx)
	}

	if a.scanner != nil {
		pc, err := mapPublisherConfig(cfg)
		if err != nil {
			a.log.Warn("publisher reload skipped", logx.Err(err))
		} else if a.scanner.Apply(pc) {
			if err := a.scanner.Register(a.sched); err != nil {
				a.log.Warn("scan reschedule failed", logx.Err(err))
			}
		}
	}

	if hc, err := mapHTTPConfig(cfg); err == nil {
		a.http.Reconfigure(ctx, hc)
	} else {
		a.log.Warn("http reload skipped", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("sections", strings.Join(changed, ","))}, attrs...)
	if restart {
		a.log.Warn("config reloaded; some changes need a restart", fields...)
		return
	}
	a.log.Info("config reloaded", fields...)
}
