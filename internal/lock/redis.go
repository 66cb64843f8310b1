package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "postcast:lock:"

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker backed by SET NX PX.
type Redis struct {
	client *redis.Client
	prefix string
}

// ConnectRedis creates a client and verifies it with a ping.
func ConnectRedis(ctx context.Context, cfg Config) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedis(client, cfg.Prefix), nil
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("lock key required")
	}
	if ttl <= 0 {
		// A crashed holder must not wedge the key forever.
		ttl = time.Minute
	}
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBusy, key)
	}
	return &redisLease{r: r, key: key, token: token}, nil
}

type redisLease struct {
	r     *Redis
	key   string
	token string
	once  sync.Once
	err   error
}

func (x *redisLease) Key() string { return x.key }

func (x *redisLease) Release(ctx context.Context) error {
	x.once.Do(func() {
		x.err = releaseScript.Run(ctx, x.r.client, []string{x.r.prefix + x.key}, x.token).Err()
		if errors.Is(x.err, redis.Nil) {
			x.err = nil
		}
	})
	return x.err
}

// Open builds the configured Locker.
func Open(ctx context.Context, cfg Config) (Locker, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "local":
		return NewLocal(), nil
	case "redis":
		return ConnectRedis(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown lock driver: %s", cfg.Driver)
	}
}
