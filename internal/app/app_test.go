package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"postcast/internal/channel/channeltest"
	"postcast/internal/config"
	"postcast/internal/post"
	logx "postcast/pkg/logx"
)

func writeConfig(t *testing.T, cfg map[string]any) string {
	t.Helper()
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func baseConfig(t *testing.T, srv *channeltest.Server) map[string]any {
	return map[string]any{
		"telegram": map[string]any{
			"token":        channeltest.Token,
			"api_url":      srv.URL,
			"default_chat": "@channel",
		},
		"site":      map[string]any{"base_url": "https://example.com"},
		"publisher": map[string]any{"scan_every": "1h"},
		"logging":   map[string]any{"level": "error"},
		"scheduler": map[string]any{"enabled": false},
		"storage":   map[string]any{"driver": "sqlite", "path": filepath.Join(t.TempDir(), "app.db")},
		"http":      map[string]any{"enabled": true, "addr": "127.0.0.1:0"},
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	srv := channeltest.NewServer(t)
	cases := []struct {
		name   string
		mutate func(map[string]any)
		want   string
	}{
		{"timezone", func(c map[string]any) { c["scheduler"] = map[string]any{"timezone": "Mars/Olympus"} }, "scheduler.timezone"},
		{"schedule", func(c map[string]any) { c["publisher"] = map[string]any{"scan_every": "every tuesday"} }, "scan_every"},
		{"storage", func(c map[string]any) { c["storage"] = map[string]any{"driver": "mongo"} }, "storage.driver"},
		{"http", func(c map[string]any) { c["http"] = map[string]any{"enabled": true, "addr": "0.0.0.0:8088"} }, "http.token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig(t, srv)
			tc.mutate(cfg)
			_, err := New(context.Background(), config.NewConfigManager(writeConfig(t, cfg)))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestStartScanStop(t *testing.T) {
	t.Parallel()
	srv := channeltest.NewServer(t)
	ctx := context.Background()

	a, err := New(ctx, config.NewConfigManager(writeConfig(t, baseConfig(t, srv))))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	past := time.Now().Add(-time.Minute)
	id, err := a.Store().InsertPost(ctx, post.Post{
		Slug:        "first-frost",
		Title:       "First Frost",
		Excerpt:     "Cover the beds tonight.",
		IsPublished: true,
		Delivery:    post.Delivery{Status: post.StatusPending, PublishAt: &past},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if a.Scanner() == nil {
		t.Fatalf("scanner not built")
	}
	rep, err := a.Scanner().RunOnce(ctx)
	if err != nil || rep.Sent != 1 {
		t.Fatalf("scan: rep=%+v err=%v", rep, err)
	}
	p, err := a.Store().GetPost(ctx, id)
	if err != nil || p.Delivery.Status != post.StatusSent {
		t.Fatalf("post after scan: %+v err=%v", p.Delivery, err)
	}
	if n := srv.CallCount("sendMessage", "sendPhoto"); n != 1 {
		t.Fatalf("sends=%d, want 1", n)
	}

	var addr string
	for deadline := time.Now().Add(2 * time.Second); addr == "" && time.Now().Before(deadline); {
		time.Sleep(10 * time.Millisecond)
		addr = a.HTTPAddr()
	}
	if addr == "" {
		t.Fatalf("http server never bound")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status=%d", resp.StatusCode)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopCommand); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("done not closed after stop")
	}
}

func TestApplyConfigTogglesScheduler(t *testing.T) {
	t.Parallel()
	srv := channeltest.NewServer(t)
	ctx := context.Background()
	raw := baseConfig(t, srv)
	raw["http"] = map[string]any{"enabled": false}
	cfgm := config.NewConfigManager(writeConfig(t, raw))

	a, err := New(ctx, cfgm)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = a.Stop(context.Background(), StopCommand) }()

	prev := cfgm.Get()
	next := *prev
	next.Scheduler = config.SchedulerConfig{Enabled: true, Timezone: "UTC"}
	a.applyConfig(a.sup.Context(), prev, &next)

	if !a.Scheduler().Enabled() || !a.engine.Enabled() {
		t.Fatalf("scheduler=%v engine=%v after enabling", a.Scheduler().Enabled(), a.engine.Enabled())
	}
	if got := a.Scheduler().Location().String(); got != "UTC" {
		t.Fatalf("location=%q", got)
	}
	snap := a.Scheduler().Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("scan schedule not active: %+v", snap.Schedules)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()
	srv := channeltest.NewServer(t)
	cfgm := config.NewConfigManager(writeConfig(t, baseConfig(t, srv)))

	first, err := Migrate(context.Background(), cfgm, logx.Nop())
	if err != nil || len(first) == 0 {
		t.Fatalf("first migrate: applied=%v err=%v", first, err)
	}
	again, err := Migrate(context.Background(), cfgm, logx.Nop())
	if err != nil || len(again) != 0 {
		t.Fatalf("second migrate: applied=%v err=%v", again, err)
	}
}
