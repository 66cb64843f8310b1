package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postcast/internal/eventbus"
	"postcast/internal/task/engine"
	logx "postcast/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means the host zone
}

// Aliases so registrants need not import the engine.
type (
	TaskOptions   = engine.TaskOptions
	OverlapPolicy = engine.OverlapPolicy
)

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// Service fires registered schedules into the task engine.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	loc    *time.Location // set while running
	c      *cron.Cron     // nil while stopped
	parser cron.Parser
	defs   []scheduleDef

	log    logx.Logger
	bus    eventbus.Bus
	engine *engine.Service

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type scheduleDef struct {
	id, name, spec string
	timeout        time.Duration
	opt            TaskOptions
	job            func(ctx context.Context) error
	state          *engine.RunState

	entryID       cron.EntryID
	startupSpread time.Duration
}

// ScheduleInfo describes one registration. Next and Prev are zero while
// the scheduler is stopped.
type ScheduleInfo struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Spec          string        `json:"spec"`
	Timeout       time.Duration `json:"timeout"`
	StartupSpread time.Duration `json:"startup_spread,omitempty"`
	Running       bool          `json:"running"`
	Next          time.Time     `json:"next,omitempty"`
	Prev          time.Time     `json:"prev,omitempty"`
}

type Snapshot struct {
	Enabled   bool            `json:"enabled"`
	Timezone  string          `json:"timezone"`
	Schedules []ScheduleInfo  `json:"schedules"`
	Engine    engine.Snapshot `json:"engine"`
	RetryBase time.Duration   `json:"retry_base"`
}
