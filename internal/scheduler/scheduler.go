// Package scheduler turns target schedules into crawl executions: a timer
// loop scans the job table for due triggers and hands them to a bounded
// worker pool, with at most one in-flight run per target.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mp_watcher/internal/domain"
	"mp_watcher/internal/metrics"
	"mp_watcher/internal/schedule"
)

// TargetSource is the slice of target storage the dispatcher needs.
type TargetSource interface {
	ListEnabled(ctx context.Context) ([]domain.Target, error)
	Get(ctx context.Context, id string) (*domain.Target, error)
}

// Crawler executes one end-to-end crawl run for a target. It records its
// own outcome; the dispatcher only logs the returned error.
type Crawler interface {
	Crawl(ctx context.Context, target *domain.Target) (*domain.CrawlStats, error)
}

var (
	// ErrAlreadyRunning reports that a run for the target is in flight;
	// the new fire is skipped, not queued.
	ErrAlreadyRunning = errors.New("crawl already in flight for target")

	// ErrQueueFull reports a saturated worker queue. Recoverable: the
	// trigger fires again on a later tick.
	ErrQueueFull = errors.New("dispatch queue full")

	// ErrTargetDisabled rejects manual triggers for disabled targets.
	ErrTargetDisabled = errors.New("target is disabled")
)

type Config struct {
	Workers      int
	QueueSize    int
	TickInterval time.Duration
	GracePeriod  time.Duration
	RunTimeout   time.Duration
	Timezone     string
}

type job struct {
	targetID string
	reason   string
}

type Scheduler struct {
	targets TargetSource
	crawler Crawler
	table   *Table
	cfg     Config
	loc     *time.Location
	logger  *slog.Logger

	queue   chan job
	running *runningSet
}

// runningSet tracks target ids with an in-flight run. Check-and-insert is
// atomic, so two triggers of the same target due in the same tick cannot
// both dispatch.
type runningSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newRunningSet() *runningSet {
	return &runningSet{ids: make(map[string]struct{})}
}

func (r *runningSet) tryAcquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.ids[id]; busy {
		return false
	}
	r.ids[id] = struct{}{}
	return true
}

func (r *runningSet) release(id string) {
	r.mu.Lock()
	delete(r.ids, id)
	r.mu.Unlock()
}

func New(targets TargetSource, crawler Crawler, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 15 * time.Second
	}

	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			logger.Warn("invalid timezone, falling back to local", "tz", cfg.Timezone, "error", err)
		} else {
			loc = l
		}
	}

	return &Scheduler{
		targets: targets,
		crawler: crawler,
		table:   NewTable(),
		cfg:     cfg,
		loc:     loc,
		logger:  logger,
		queue:   make(chan job, cfg.QueueSize),
		running: newRunningSet(),
	}
}

// Start runs the worker pool and the tick loop until ctx is canceled. The
// schedule is refreshed once before the first tick so missed daily slots
// are caught up on startup.
func (s *Scheduler) Start(ctx context.Context) error {
	for i := 0; i < s.cfg.Workers; i++ {
		go s.worker(ctx, i)
	}

	if err := s.Refresh(ctx); err != nil {
		s.logger.Error("initial schedule refresh failed", "error", err)
	}

	s.logger.Info("scheduler started",
		"workers", s.cfg.Workers,
		"tick", s.cfg.TickInterval,
		"tz", s.loc.String(),
	)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.dispatch(time.Now().In(s.loc))
		}
	}
}

// Refresh rebuilds the job table from the currently enabled targets and
// submits catch-up runs for daily targets with elapsed, uncovered slots.
// Safe to call repeatedly: the per-target running set prevents a second
// refresh from double-firing a catch-up already in flight, and a completed
// catch-up covers its slots via last_run_at.
func (s *Scheduler) Refresh(ctx context.Context) error {
	targets, err := s.targets.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("list enabled targets: %w", err)
	}

	now := time.Now().In(s.loc)
	var specs []schedule.TriggerSpec
	for i := range targets {
		ts, err := schedule.TriggersFor(&targets[i])
		if err != nil {
			s.logger.Warn("schedule configuration error", "target", targets[i].Name, "error", err)
		}
		specs = append(specs, ts...)
	}

	s.table.Rebuild(specs, now)
	metrics.ScheduledTriggers.Set(float64(s.table.Len()))

	for i := range targets {
		missed := schedule.MissedDailyTimes(&targets[i], now)
		if len(missed) == 0 {
			continue
		}
		// one catch-up run per target, no matter how many slots elapsed
		s.logger.Info("daily slots missed, submitting catch-up run",
			"target", targets[i].Name,
			"slots", missed,
		)
		if err := s.submit(targets[i].ID, "catch-up "+missed[0]); err != nil {
			s.logger.Warn("catch-up submission skipped", "target", targets[i].Name, "reason", err)
		}
	}

	s.logger.Info("schedule refreshed", "targets", len(targets), "triggers", s.table.Len())
	return nil
}

// RunNow submits a manual run for the target through the regular dispatch
// path, subject to the same per-target exclusivity.
func (s *Scheduler) RunNow(ctx context.Context, targetID string) error {
	target, err := s.targets.Get(ctx, targetID)
	if err != nil {
		return fmt.Errorf("load target: %w", err)
	}
	if !target.Enabled {
		return ErrTargetDisabled
	}
	return s.submit(targetID, "manual")
}

// NextFireTimes exposes the job table's trigger schedule for diagnostics.
func (s *Scheduler) NextFireTimes() map[string]time.Time {
	return s.table.NextFireTimes()
}

func (s *Scheduler) dispatch(now time.Time) {
	fire, expired := s.table.Collect(now, s.cfg.GracePeriod)

	for _, f := range expired {
		metrics.DispatchSkipsTotal.WithLabelValues("expired").Inc()
		s.logger.Warn("trigger overdue beyond grace period, not firing",
			"trigger", f.TriggerID,
			"due", f.Due,
		)
	}

	for _, f := range fire {
		if err := s.submit(f.TargetID, "trigger "+f.TriggerID); err != nil {
			s.logger.Debug("fire skipped", "trigger", f.TriggerID, "reason", err)
		}
	}
}

// submit marks the target as running and enqueues the job. Dispatch never
// blocks: if the queue is full the mark is rolled back and the fire is
// dropped for this tick.
func (s *Scheduler) submit(targetID, reason string) error {
	if !s.running.tryAcquire(targetID) {
		metrics.DispatchSkipsTotal.WithLabelValues("already_running").Inc()
		return ErrAlreadyRunning
	}

	select {
	case s.queue <- job{targetID: targetID, reason: reason}:
		return nil
	default:
		s.running.release(targetID)
		metrics.DispatchSkipsTotal.WithLabelValues("queue_full").Inc()
		return ErrQueueFull
	}
}

func (s *Scheduler) worker(ctx context.Context, idx int) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			s.execute(ctx, j)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, j job) {
	defer s.running.release(j.targetID)

	// re-read the target so a run dispatched just before a disable/delete
	// sees the current state
	target, err := s.targets.Get(ctx, j.targetID)
	if err != nil {
		s.logger.Warn("target vanished before execution", "target_id", j.targetID, "error", err)
		return
	}
	if !target.Enabled {
		s.logger.Info("target disabled before execution, skipping", "target", target.Name)
		return
	}

	runCtx := ctx
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}

	s.logger.Info("starting crawl", "target", target.Name, "reason", j.reason)
	stats, err := s.crawler.Crawl(runCtx, target)
	if err != nil {
		// the executor already recorded the failure; one target's error
		// must not take down the loop
		s.logger.Error("crawl failed", "target", target.Name, "error", err)
		return
	}
	s.logger.Info("crawl finished",
		"target", target.Name,
		"fetched", stats.Fetched,
		"new", stats.New,
		"duration", stats.Duration,
	)
}
