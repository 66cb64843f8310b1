package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"postcast/internal/task/engine"
	logx "postcast/pkg/logx"
)

// AddSchedule registers job under name with OverlapSkipIfRunning. See
// ParseSchedule for the accepted forms.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	return s.AddScheduleOpt(name, schedule, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

// AddScheduleOpt registers job under name, replacing any earlier
// registration with the same name.
func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	if ps.Kind == SpecInterval {
		return s.upsert(name, everySpec(ps.Every), timeout, opt, job)
	}
	if _, err := s.parser.Parse(ps.Cron); err != nil {
		return "", fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
	}
	return s.upsert(name, ps.Cron, timeout, opt, job)
}

func (s *Service) AddInterval(name string, every, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	if every <= 0 {
		return "", errNonPositive
	}
	return s.upsert(name, everySpec(every), timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

func everySpec(d time.Duration) string { return "@every " + d.String() }

func (s *Service) upsert(name, spec string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", errors.New("schedule name required")
	case job == nil:
		return "", errors.New("schedule job required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The run state outlives re-registration so a reload never lets a
	// second run start beside one that is still in flight.
	state := &engine.RunState{}
	if i := s.indexLocked(name); i >= 0 && s.defs[i].state != nil {
		state = s.defs[i].state
	}
	s.removeLocked(name)

	kind := "cron"
	if strings.HasPrefix(spec, "@every") {
		kind = "interval"
	}
	s.defs = append(s.defs, scheduleDef{
		id:      fmt.Sprintf("%s:%d", kind, time.Now().UnixNano()),
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
		opt:     opt,
		state:   state,
	})
	if s.c == nil {
		return name, nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return name, err
	}
	fields := []logx.Field{logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout)}
	if next := s.previewLocked(spec, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
	return name, nil
}

// Remove unschedules name and reports whether it was registered.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	ok := s.removeLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if ok {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return ok
}

func (s *Service) indexLocked(name string) int {
	for i := range s.defs {
		if s.defs[i].name == name {
			return i
		}
	}
	return -1
}

func (s *Service) removeLocked(name string) bool {
	if name == "" {
		return false
	}
	before := len(s.defs)
	kept := s.defs[:0]
	for _, d := range s.defs {
		if d.name != name {
			kept = append(kept, d)
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
	}
	s.defs = kept
	return len(kept) != before
}

// addCronLocked wires d into the running cron. The callback only enqueues.
func (s *Service) addCronLocked(d *scheduleDef) error {
	task := engine.Task{Name: d.name, Timeout: d.timeout, Run: d.job, Opt: d.opt, State: d.state}
	fire := cron.FuncJob(func() {
		if s.engine == nil {
			return
		}
		if err := s.engine.Enqueue(task); err != nil {
			s.reportEnqueueError(task.Name, err)
		}
	})

	d.startupSpread = 0
	if every, ok := strings.CutPrefix(d.spec, "@every"); ok {
		if dur, err := time.ParseDuration(strings.TrimSpace(every)); err == nil && dur > 0 {
			sched, jitter := makeIntervalScheduleWithSpread(dur, time.Now().In(s.locOrLocal()), d.name)
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, fire)
			return nil
		}
	}
	id, err := s.c.AddJob(d.spec, fire)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) locOrLocal() *time.Location {
	if s.loc != nil {
		return s.loc
	}
	return time.Local
}

// previewLocked lists the next n fire times, only when debug logging is on.
func (s *Service) previewLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.locOrLocal())
	out := make([]string, 0, n)
	for range n {
		if t = sched.Next(t); t.IsZero() {
			break
		}
		out = append(out, t.Format(time.DateTime))
	}
	return strings.Join(out, ", ")
}

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs at most one warning per schedule per throttle
// window. Overlap skips are expected and only debug-logged.
func (s *Service) reportEnqueueError(name string, err error) {
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	if last, ok := s.lastEnqWarn[name]; ok && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()
	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}
