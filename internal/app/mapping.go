package app

import (
	"fmt"
	"strings"
	"time"

	"postcast/internal/channel"
	"postcast/internal/composer"
	"postcast/internal/config"
	"postcast/internal/lock"
	"postcast/internal/publisher"
	"postcast/internal/storage"
	"postcast/internal/task/engine"
	"postcast/internal/task/scheduler"
	"postcast/internal/transport/httpapi"
	telegram "postcast/internal/transport/telegram/adapter"
	logx "postcast/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "sqlite", Path: storage.DefaultSQLitePath}, nil
	}
	sc := cfg.Storage
	driver, err := storage.NormalizeDriver(sc.Driver)
	if err != nil {
		return storage.Config{}, err
	}
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), DSN: strings.TrimSpace(sc.DSN)}
	if driver == "sqlite" {
		if out.Path == "" {
			out.Path = storage.DefaultSQLitePath
		}
		out.BusyTimeout, err = config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
	}
	return out, nil
}

func mapLockConfig(cfg *config.Config) lock.Config {
	if cfg.Lock == nil {
		return lock.Config{Driver: "local"}
	}
	l := cfg.Lock
	return lock.Config{
		Driver:    strings.TrimSpace(l.Driver),
		RedisAddr: strings.TrimSpace(l.RedisAddr),
		Password:  l.Password,
		DB:        l.DB,
		Prefix:    l.Prefix,
	}
}

func mapChannelConfig(cfg *config.Config) (channel.Config, error) {
	t := cfg.Telegram
	timeout, err := config.ParseDurationOrDefault("telegram.send_timeout", t.SendTimeout, channel.DefaultSendTimeout)
	if err != nil {
		return channel.Config{}, err
	}
	rps := t.RatePerSec
	if rps == 0 {
		rps = 1
	}
	origin := cfg.Site.Origin
	if strings.TrimSpace(origin) == "" {
		origin = cfg.Site.BaseURL
	}
	return channel.Config{
		Token:       t.Token,
		APIURL:      t.APIURL,
		DefaultChat: t.DefaultChat,
		SiteOrigin:  origin,
		SendTimeout: timeout,
		RatePerSec:  rps,
	}, nil
}

func mapComposerConfig(cfg *config.Config) composer.Config {
	return composer.Config{
		BaseURL:     cfg.Site.BaseURL,
		ContentPath: cfg.Site.ContentPath,
		ExcerptMax:  cfg.Publisher.ExcerptMax,
		ExcerptMin:  cfg.Publisher.ExcerptMin,
	}
}

func mapPublisherConfig(cfg *config.Config) (publisher.Config, error) {
	p := cfg.Publisher
	ttl, err := config.ParseDurationOrDefault("publisher.claim_ttl", p.ClaimTTL, publisher.DefaultClaimTTL)
	if err != nil {
		return publisher.Config{}, err
	}
	every := strings.TrimSpace(p.ScanEvery)
	if every == "" {
		every = publisher.DefaultSchedule
	}
	if _, err := scheduler.ParseSchedule(every); err != nil {
		return publisher.Config{}, fmt.Errorf("publisher.scan_every: %w", err)
	}
	return publisher.Config{
		Schedule:    every,
		BatchSize:   p.BatchSize,
		Concurrency: p.Concurrency,
		ClaimTTL:    ttl,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	if cfg.HTTP == nil {
		return httpapi.Config{}, nil
	}
	h := cfg.HTTP
	out := httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, time.Minute); err != nil {
		return httpapi.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 2*time.Minute); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

func mapBotConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		APIURL:      cfg.Telegram.APIURL,
		PollTimeout: poll,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// mapTaskEngineConfig fills engine defaults. The engine follows
// scheduler.enabled unless task_engine.enabled says otherwise.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:     cfg.Scheduler.Enabled,
		Workers:     2,
		QueueSize:   256,
		HistorySize: 200,
		RetryMax:    3,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	if te.RetryMax > 0 {
		out.RetryMax = te.RetryMax
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

// validate runs the global checks plus every mapping, so a hot reload that
// would fail to apply is rejected before it is committed.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapChannelConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPublisherConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBotConfig(cfg); err != nil {
		return err
	}
	_, err := mapTaskEngineConfig(cfg)
	return err
}
