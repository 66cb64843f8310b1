package scheduler

import (
	"context"
	"testing"
	"time"

	"postcast/internal/task/engine"
	logx "postcast/pkg/logx"
)

func TestAddScheduleUpsertsByName(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Timezone: "UTC"}, nil, logx.Nop(), nil)
	job := func(context.Context) error { return nil }

	if _, err := s.AddSchedule("publisher.scan", "1m", 0, job); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if _, err := s.AddSchedule("publisher.scan", "*/5 * * * *", 0, job); err != nil {
		t.Fatalf("AddSchedule cron: %v", err)
	}
	if _, err := s.AddSchedule("bad", "61 * * * *", 0, job); err == nil {
		t.Fatalf("expected invalid cron error")
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())

	snap := s.Snapshot()
	if len(snap.Schedules) != 1 {
		t.Fatalf("schedules=%d want 1", len(snap.Schedules))
	}
	it := snap.Schedules[0]
	if it.Spec != "*/5 * * * *" || it.Next.IsZero() {
		t.Fatalf("unexpected schedule info %+v", it)
	}
	if snap.Timezone != "UTC" {
		t.Fatalf("tz=%q", snap.Timezone)
	}
	if !s.Remove("publisher.scan") || s.Remove("publisher.scan") {
		t.Fatalf("Remove should succeed once")
	}
}

func TestIntervalTriggersEngine(t *testing.T) {
	t.Parallel()

	eng := engine.New(engine.Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop(context.Background())

	s := New(Config{Enabled: true}, eng, logx.Nop(), nil)
	ran := make(chan struct{}, 8)
	if _, err := s.AddInterval("tick", time.Second, time.Second, func(context.Context) error {
		ran <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}
	s.Start(ctx)
	defer s.Stop(context.Background())

	// first run is every + spread (spread < every), so within 2s.
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatalf("interval schedule never ran")
	}
}
