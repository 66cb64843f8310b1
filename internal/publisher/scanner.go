// Package publisher runs the periodic due-post scan: recover interrupted
// claims, list pending posts whose publish time has passed and attempt each
// with bounded concurrency.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"postcast/internal/delivery"
	"postcast/internal/eventbus"
	"postcast/internal/lock"
	"postcast/internal/post"
	"postcast/internal/storage"
	"postcast/internal/task/engine"
	"postcast/internal/task/scheduler"
	logx "postcast/pkg/logx"
)

const (
	TaskName = "publisher.scan"

	DefaultSchedule    = "1m"
	DefaultBatchSize   = 20
	DefaultConcurrency = 2
	DefaultClaimTTL    = 10 * time.Minute
	DefaultScanTimeout = 10 * time.Minute

	preconditionWarnEvery = 15 * time.Minute
)

// ErrScanBusy is returned when another scan holds the process or cluster slot.
var ErrScanBusy = errors.New("scan already running")

type Config struct {
	// Schedule is a duration ("1m") or cron spec.
	Schedule    string
	BatchSize   int
	Concurrency int
	// ClaimTTL is how long an in-flight claim may live before it is failed
	// as interrupted.
	ClaimTTL    time.Duration
	ScanTimeout time.Duration
}

func (c Config) normalize() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = DefaultSchedule
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = DefaultClaimTTL
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DefaultScanTimeout
	}
	return c
}

// Store is the storage subset the scan needs.
type Store interface {
	ListDue(ctx context.Context, now time.Time, after storage.DueCursor, limit int) ([]post.Post, error)
	RecoverStale(ctx context.Context, cutoff, now time.Time, reason string) ([]int64, error)
}

// Attempter is the delivery service.
type Attempter interface {
	Attempt(ctx context.Context, id int64, mode delivery.Mode) (delivery.Result, error)
}

// Registrar is the trigger scheduler.
type Registrar interface {
	AddScheduleOpt(name, schedule string, timeout time.Duration, opt scheduler.TaskOptions, job func(ctx context.Context) error) (string, error)
}

type Scanner struct {
	mu  sync.Mutex
	cfg Config

	store  Store
	att    Attempter
	locker lock.Locker
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	running atomic.Bool

	warnMu   sync.Mutex
	lastWarn map[int64]time.Time
}

func New(cfg Config, store Store, att Attempter, locker lock.Locker, bus eventbus.Bus, log logx.Logger) *Scanner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Scanner{
		cfg:      cfg.normalize(),
		store:    store,
		att:      att,
		locker:   locker,
		bus:      bus,
		log:      log.With(logx.String("comp", "publisher")),
		now:      time.Now,
		lastWarn: map[int64]time.Time{},
	}
}

func (s *Scanner) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps scan tuning. It reports whether the trigger schedule or
// timeout changed, in which case the caller re-registers.
func (s *Scanner) Apply(cfg Config) (reschedule bool) {
	cfg = cfg.normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	reschedule = cfg.Schedule != s.cfg.Schedule || cfg.ScanTimeout != s.cfg.ScanTimeout
	s.cfg = cfg
	return reschedule
}

// Register adds (or replaces) the scan schedule. Overlapping triggers are
// skipped while a scan is queued or running.
func (s *Scanner) Register(r Registrar) error {
	cfg := s.Config()
	opt := scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning, RetryMax: -1}
	if _, err := r.AddScheduleOpt(TaskName, cfg.Schedule, cfg.ScanTimeout, opt, s.runTask); err != nil {
		return fmt.Errorf("register %s: %w", TaskName, err)
	}
	return nil
}

func (s *Scanner) runTask(ctx context.Context) error {
	_, err := s.RunOnce(ctx)
	if errors.Is(err, ErrScanBusy) {
		return nil
	}
	if err != nil {
		// The next tick is the retry.
		return engine.NoRetry(err)
	}
	return nil
}

// ScanReport summarizes one pass.
type ScanReport struct {
	Started       time.Time     `json:"started"`
	Took          time.Duration `json:"took"`
	Recovered     []int64       `json:"recovered,omitempty"`
	Due           int           `json:"due"`
	Sent          int           `json:"sent"`
	Failed        int           `json:"failed"`
	Conflicts     int           `json:"conflicts"`
	Preconditions int           `json:"preconditions"`
	Errors        int           `json:"errors"`
}

// RunOnce performs a single pass. One post's failure never stops the pass.
func (s *Scanner) RunOnce(ctx context.Context) (ScanReport, error) {
	cfg := s.Config()
	rep := ScanReport{Started: s.now()}

	if !s.running.CompareAndSwap(false, true) {
		return rep, ErrScanBusy
	}
	defer s.running.Store(false)

	lease, err := s.locker.TryLock(ctx, "scan", cfg.ScanTimeout)
	switch {
	case errors.Is(err, lock.ErrBusy):
		s.log.Debug("scan skipped; another replica is scanning")
		return rep, ErrScanBusy
	case err != nil:
		s.log.Warn("scan lock unavailable; scanning anyway", logx.Err(err))
	default:
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = lease.Release(rctx)
		}()
	}

	now := rep.Started
	recovered, err := s.store.RecoverStale(ctx, now.Add(-cfg.ClaimTTL), now, delivery.InterruptedError)
	if err != nil {
		return rep, fmt.Errorf("recover stale claims: %w", err)
	}
	rep.Recovered = recovered
	for _, id := range recovered {
		s.log.Warn("interrupted attempt marked as error", logx.Int64("post_id", id), logx.Duration("claim_ttl", cfg.ClaimTTL))
	}

	// Posts that cannot resolve a destination stay pending and due. Page past
	// them so they never crowd newer posts out of the batch.
	var (
		cur       storage.DueCursor
		attempted int
	)
	for attempted < cfg.BatchSize {
		want := cfg.BatchSize - attempted
		due, err := s.store.ListDue(ctx, now, cur, want)
		if err != nil {
			return rep, fmt.Errorf("list due posts: %w", err)
		}
		if len(due) == 0 {
			break
		}
		rep.Due += len(due)
		before := rep.Preconditions
		s.attemptAll(ctx, cfg.Concurrency, due, &rep)
		attempted += len(due) - (rep.Preconditions - before)
		if len(due) < want || ctx.Err() != nil {
			break
		}
		cur = storage.CursorAfter(due[len(due)-1])
	}

	rep.Took = s.now().Sub(rep.Started)
	if rep.Due > 0 || len(rep.Recovered) > 0 {
		s.log.Info("scan completed",
			logx.Int("due", rep.Due),
			logx.Int("sent", rep.Sent),
			logx.Int("failed", rep.Failed),
			logx.Int("conflicts", rep.Conflicts),
			logx.Int("preconditions", rep.Preconditions),
			logx.Int("errors", rep.Errors),
			logx.Int("recovered", len(rep.Recovered)),
			logx.Duration("took", rep.Took),
		)
	} else {
		s.log.Debug("scan completed; nothing due", logx.Duration("took", rep.Took))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.ScanCompleted, Data: rep})
	}
	return rep, nil
}

func (s *Scanner) attemptAll(ctx context.Context, limit int, due []post.Post, rep *ScanReport) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(limit)
	for _, p := range due {
		id := p.ID
		g.Go(func() error {
			_, err := s.att.Attempt(ctx, id, delivery.ModeAuto)
			mu.Lock()
			defer mu.Unlock()
			s.record(rep, id, err)
			return nil
		})
	}
	_ = g.Wait()
}

// record tallies one attempt. Call with the report mutex held.
func (s *Scanner) record(rep *ScanReport, id int64, err error) {
	var failed *delivery.FailedError
	switch {
	case err == nil:
		rep.Sent++
		s.clearWarn(id)
	case errors.As(err, &failed):
		// Already logged and persisted by delivery.
		rep.Failed++
	case errors.Is(err, delivery.ErrConflict):
		rep.Conflicts++
		s.log.Debug("post skipped", logx.Int64("post_id", id), logx.Err(err))
	case delivery.IsPrecondition(err):
		rep.Preconditions++
		if s.shouldWarn(id) {
			s.log.Warn("post not attempted", logx.Int64("post_id", id), logx.Err(err))
		}
	default:
		rep.Errors++
		s.log.Error("post attempt error", logx.Int64("post_id", id), logx.Err(err))
	}
}

func (s *Scanner) shouldWarn(id int64) bool {
	now := s.now()
	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	if last, ok := s.lastWarn[id]; ok && now.Sub(last) < preconditionWarnEvery {
		return false
	}
	s.lastWarn[id] = now
	// Bound the map; stale entries only cost an extra warning.
	if len(s.lastWarn) > 10_000 {
		for k, t := range s.lastWarn {
			if now.Sub(t) >= preconditionWarnEvery {
				delete(s.lastWarn, k)
			}
		}
	}
	return true
}

func (s *Scanner) clearWarn(id int64) {
	s.warnMu.Lock()
	delete(s.lastWarn, id)
	s.warnMu.Unlock()
}
