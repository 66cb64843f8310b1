package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POSTCAST_"

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Variables already set win. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// envSetters maps POSTCAST_<NAME> to the field it overrides. Only values
// that are commonly injected per deployment (secrets, addresses) are listed.
var envSetters = map[string]func(c *Config, v string) error{
	"TELEGRAM_TOKEN":        func(c *Config, v string) error { c.Telegram.Token = v; return nil },
	"TELEGRAM_API_URL":      func(c *Config, v string) error { c.Telegram.APIURL = v; return nil },
	"TELEGRAM_DEFAULT_CHAT": func(c *Config, v string) error { c.Telegram.DefaultChat = v; return nil },
	"TELEGRAM_LOG_CHAT":     func(c *Config, v string) error { c.Telegram.LogChat = v; return nil },
	"TELEGRAM_OWNER_IDS": func(c *Config, v string) error {
		ids, err := parseIDList(v)
		if err != nil {
			return err
		}
		c.Telegram.OwnerUserIDs = ids
		return nil
	},
	"SITE_BASE_URL": func(c *Config, v string) error { c.Site.BaseURL = v; return nil },
	"SITE_ORIGIN":   func(c *Config, v string) error { c.Site.Origin = v; return nil },
	"STORAGE_DRIVER": func(c *Config, v string) error {
		storage(c).Driver = v
		return nil
	},
	"STORAGE_PATH": func(c *Config, v string) error { storage(c).Path = v; return nil },
	"DATABASE_URL": func(c *Config, v string) error {
		s := storage(c)
		s.DSN = v
		if strings.TrimSpace(s.Driver) == "" {
			s.Driver = "postgres"
		}
		return nil
	},
	"REDIS_ADDR": func(c *Config, v string) error {
		l := lock(c)
		l.RedisAddr = v
		if strings.TrimSpace(l.Driver) == "" {
			l.Driver = "redis"
		}
		return nil
	},
	"REDIS_PASSWORD": func(c *Config, v string) error { lock(c).Password = v; return nil },
	"HTTP_ADDR":      func(c *Config, v string) error { httpCfg(c).Addr = v; return nil },
	"HTTP_TOKEN":     func(c *Config, v string) error { httpCfg(c).Token = v; return nil },
	"LOG_LEVEL":      func(c *Config, v string) error { c.Logging.Level = v; return nil },
}

// ApplyEnv overrides cfg with POSTCAST_* variables from environ
// (formatted like os.Environ). Empty values are ignored.
func ApplyEnv(cfg *Config, environ []string) error {
	if cfg == nil {
		return nil
	}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, EnvPrefix) {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		set, ok := envSetters[strings.TrimPrefix(k, EnvPrefix)]
		if !ok {
			continue
		}
		if err := set(cfg, v); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
	}
	return nil
}

func parseIDList(v string) ([]int64, error) {
	var out []int64
	for _, part := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' }) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}

func storage(c *Config) *StorageConfig {
	if c.Storage == nil {
		c.Storage = &StorageConfig{}
	}
	return c.Storage
}

func lock(c *Config) *LockConfig {
	if c.Lock == nil {
		c.Lock = &LockConfig{}
	}
	return c.Lock
}

func httpCfg(c *Config) *HTTPConfig {
	if c.HTTP == nil {
		c.HTTP = &HTTPConfig{}
	}
	return c.HTTP
}
