package scheduler

import "postcast/internal/task/engine"

// Snapshot reports registrations with their next and previous fire times
// plus the engine's counters.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:   s.cfg.Enabled,
		Timezone:  s.cfg.Timezone,
		Schedules: make([]ScheduleInfo, 0, len(s.defs)),
	}
	if snap.Timezone == "" {
		snap.Timezone = s.locOrLocal().String()
	}
	for _, d := range s.defs {
		info := ScheduleInfo{
			ID:            d.id,
			Name:          d.name,
			Spec:          d.spec,
			Timeout:       d.timeout,
			StartupSpread: d.startupSpread,
			Running:       d.state.Running(),
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	eng := s.engine
	s.mu.Unlock()

	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	snap.RetryBase = engine.DefaultTaskOptions(engine.Config{RetryMax: snap.Engine.RetryMax}).RetryBase
	return snap
}
