// Package lock provides non-blocking, TTL-bound mutual exclusion keyed by
// string. The local implementation covers one process; the redis one covers
// replicas sharing a database.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBusy is returned when another holder owns the key.
var ErrBusy = errors.New("lock busy")

// Locker acquires exclusive leases without waiting.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock. Release is idempotent.
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

type Config struct {
	Driver    string // "local" (default) or "redis"
	RedisAddr string
	Password  string
	DB        int
	Prefix    string
}

// Local is an in-process Locker. Expired entries are taken over lazily.
type Local struct {
	mu   sync.Mutex
	held map[string]localEntry
	now  func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

func NewLocal() *Local {
	return &Local{held: map[string]localEntry{}, now: time.Now}
}

func (l *Local) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("lock key required")
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.held[key]; ok && (e.expires.IsZero() || now.Before(e.expires)) {
		return nil, fmt.Errorf("%w: %s", ErrBusy, key)
	}
	e := localEntry{token: uuid.NewString()}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	l.held[key] = e
	return &localLease{l: l, key: key, token: e.token}, nil
}

type localLease struct {
	l     *Local
	key   string
	token string
	once  sync.Once
}

func (x *localLease) Key() string { return x.key }

func (x *localLease) Release(context.Context) error {
	x.once.Do(func() {
		x.l.mu.Lock()
		if e, ok := x.l.held[x.key]; ok && e.token == x.token {
			delete(x.l.held, x.key)
		}
		x.l.mu.Unlock()
	})
	return nil
}
