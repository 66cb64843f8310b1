package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Fallbacks used when the fields are empty. They mirror the channel and
// publisher package defaults.
const (
	fallbackSendTimeout = 15 * time.Second
	fallbackClaimTTL    = 10 * time.Minute
)

// Validate performs global checks that do not need other packages.
// It runs at startup and again before every hot reload is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	for path, raw := range map[string]string{
		"telegram.send_timeout": cfg.Telegram.SendTimeout,
		"telegram.poll_timeout": cfg.Telegram.PollTimeout,
		"publisher.claim_ttl":   cfg.Publisher.ClaimTTL,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	// A claim must outlive its send plus the finalize write, or the scan
	// fails it while the message is still going out.
	sendTimeout, _ := ParseDurationOrDefault("telegram.send_timeout", cfg.Telegram.SendTimeout, fallbackSendTimeout)
	claimTTL, _ := ParseDurationOrDefault("publisher.claim_ttl", cfg.Publisher.ClaimTTL, fallbackClaimTTL)
	if claimTTL <= 2*sendTimeout {
		return fmt.Errorf("publisher.claim_ttl (%s) must be more than twice telegram.send_timeout (%s)", claimTTL, sendTimeout)
	}
	if cfg.Telegram.RatePerSec < 0 {
		return fmt.Errorf("telegram.rate_per_sec must be >= 0")
	}
	if base := strings.TrimSpace(cfg.Site.BaseURL); base != "" {
		if err := checkAbsURL("site.base_url", base); err != nil {
			return err
		}
	}
	if origin := strings.TrimSpace(cfg.Site.Origin); origin != "" {
		if err := checkAbsURL("site.origin", origin); err != nil {
			return err
		}
	}

	p := cfg.Publisher
	if p.BatchSize < 0 || p.Concurrency < 0 || p.ExcerptMax < 0 || p.ExcerptMin < 0 {
		return fmt.Errorf("publisher: batch_size, concurrency and excerpt bounds must be >= 0")
	}
	if p.ExcerptMax > 0 && p.ExcerptMin > p.ExcerptMax {
		return fmt.Errorf("publisher.excerpt_min (%d) must be <= excerpt_max (%d)", p.ExcerptMin, p.ExcerptMax)
	}

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
			return fmt.Errorf("task_engine: workers, queue_size, history_size and retry_max must be >= 0")
		}
		if _, err := ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
			return err
		}
		if _, err := ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
			return err
		}
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			return fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "sqlite", "sqlite3":
			if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
				return err
			}
		case "postgres", "pgx", "postgresql":
			if strings.TrimSpace(s.DSN) == "" {
				return fmt.Errorf("storage.dsn is required when storage.driver=postgres")
			}
		default:
			return fmt.Errorf("unknown storage.driver: %s", s.Driver)
		}
	}

	if l := cfg.Lock; l != nil {
		switch strings.ToLower(strings.TrimSpace(l.Driver)) {
		case "", "local":
		case "redis":
			if strings.TrimSpace(l.RedisAddr) == "" {
				return fmt.Errorf("lock.redis_addr is required when lock.driver=redis")
			}
		default:
			return fmt.Errorf("unknown lock.driver: %s", l.Driver)
		}
	}

	if h := cfg.HTTP; h != nil && h.Enabled {
		for path, raw := range map[string]string{
			"http.read_timeout":  h.ReadTimeout,
			"http.write_timeout": h.WriteTimeout,
			"http.idle_timeout":  h.IdleTimeout,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				return err
			}
		}
		if !isLoopbackAddr(h.Addr) && strings.TrimSpace(h.Token) == "" && !h.AllowInsecure {
			return fmt.Errorf("http.token is required when http.addr is not loopback")
		}
	}
	return nil
}

func checkAbsURL(path, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%s: must be an absolute http(s) URL, got %q", path, raw)
	}
	return nil
}

// isLoopbackAddr treats an empty addr as the loopback default.
func isLoopbackAddr(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
