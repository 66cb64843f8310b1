package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "postcast/pkg/logx"
)

const (
	watchDebounce   = 250 * time.Millisecond
	watchRetryFirst = 250 * time.Millisecond
	watchRetryMax   = 5 * time.Second
)

var errWatcherClosed = errors.New("watcher channels closed")

// Watch reloads the config whenever its file changes, until ctx is done.
// The directory is watched rather than the file so editors that replace
// the file by rename are still seen. Bursts of events collapse into one
// reload, and a broken watcher is rebuilt with backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	reload := m.debouncedReload(ctx)
	defer reload.stop()

	retry := watchRetryFirst
	for ctx.Err() == nil {
		err := m.watchOnce(ctx, dir, name, reload.trigger, func() { retry = watchRetryFirst })
		if ctx.Err() != nil {
			break
		}
		wait := retry + rand.N(retry/2+1)
		m.log.Warn("config watcher failed; retrying", logx.String("dir", dir), logx.Duration("backoff", wait), logx.Err(err))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
		retry = min(retry*2, watchRetryMax)
	}
	return nil
}

func (m *ConfigManager) watchOnce(ctx context.Context, dir, name string, changed, healthy func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	healthy()
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) {
				changed()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errWatcherClosed
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// Events were lost; the file may have changed.
				m.log.Warn("config watch overflow; reloading", logx.Err(err))
				changed()
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

type debouncer struct {
	mu    sync.Mutex
	timer *time.Timer
	fire  func()
}

func (m *ConfigManager) debouncedReload(ctx context.Context) *debouncer {
	return &debouncer{fire: func() {
		published, err := m.Reload(ctx)
		switch {
		case err != nil:
			m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
		case !published:
			m.log.Debug("config file touched but unchanged", logx.String("path", m.path))
		}
	}}
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer == nil {
		d.timer = time.AfterFunc(watchDebounce, d.fire)
		return
	}
	d.timer.Reset(watchDebounce)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
