package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postcast/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (tokens, DSNs, passwords) are only
// ever reported as "set" flags.
//
// It also reports whether any changed section needs a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 20)
	restart := false

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.APIURL != nt.APIURL || ot.DefaultChat != nt.DefaultChat ||
		ot.SendTimeout != nt.SendTimeout || ot.RatePerSec != nt.RatePerSec || ot.Commands != nt.Commands ||
		ot.PollTimeout != nt.PollTimeout || ot.LogChat != nt.LogChat ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Bool("telegram.default_chat_set", strings.TrimSpace(nt.DefaultChat) != ""),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.log_chat_set", strings.TrimSpace(nt.LogChat) != ""),
		)
		// The log chat and owner list are applied live.
		if ot.Token != nt.Token || ot.APIURL != nt.APIURL || ot.DefaultChat != nt.DefaultChat ||
			ot.SendTimeout != nt.SendTimeout || ot.RatePerSec != nt.RatePerSec || ot.Commands != nt.Commands ||
			ot.PollTimeout != nt.PollTimeout {
			restart = true
		}
	}

	if oldCfg.Site != newCfg.Site {
		changed = append(changed, "site")
		attrs = append(attrs,
			logx.String("site.base_url", newCfg.Site.BaseURL),
			logx.String("site.content_path", newCfg.Site.ContentPath),
		)
		restart = true
	}

	if !reflect.DeepEqual(oldCfg.Publisher, newCfg.Publisher) {
		changed = append(changed, "publisher")
		p := newCfg.Publisher
		attrs = append(attrs,
			logx.Bool("publisher.enabled", p.IsEnabled()),
			logx.String("publisher.scan_every", strings.TrimSpace(p.ScanEvery)),
			logx.Int("publisher.batch_size", p.BatchSize),
			logx.Int("publisher.concurrency", p.Concurrency),
			logx.String("publisher.claim_ttl", strings.TrimSpace(p.ClaimTTL)),
		)
		if p.ExcerptMax != oldCfg.Publisher.ExcerptMax || p.ExcerptMin != oldCfg.Publisher.ExcerptMin ||
			p.IsEnabled() != oldCfg.Publisher.IsEnabled() {
			restart = true
		}
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		te := TaskEngineConfig{}
		if newCfg.TaskEngine != nil {
			te = *newCfg.TaskEngine
		}
		attrs = append(attrs,
			logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
			logx.Int("task_engine.workers", te.Workers),
			logx.Int("task_engine.queue_size", te.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(te.DefaultTimeout)),
			logx.Int("task_engine.retry_max", te.RetryMax),
		)
	}

	var oldS, ns StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		ns = *newCfg.Storage
	}
	if oldS != ns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(ns.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(ns.DSN) != ""),
		)
		restart = true
	}

	var ol, nl LockConfig
	if oldCfg.Lock != nil {
		ol = *oldCfg.Lock
	}
	if newCfg.Lock != nil {
		nl = *newCfg.Lock
	}
	if ol != nl {
		changed = append(changed, "lock")
		attrs = append(attrs,
			logx.String("lock.driver", strings.TrimSpace(nl.Driver)),
			logx.String("lock.redis_addr", strings.TrimSpace(nl.RedisAddr)),
			logx.Bool("lock.password_set", nl.Password != ""),
		)
		restart = true
	}

	var oh, nh HTTPConfig
	if oldCfg.HTTP != nil {
		oh = *oldCfg.HTTP
	}
	if newCfg.HTTP != nil {
		nh = *newCfg.HTTP
	}
	if oh != nh {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(nh.Token) != ""),
			logx.Bool("http.pprof", nh.Pprof),
		)
		restart = true
	}

	sort.Strings(changed)
	return changed, attrs, restart
}
