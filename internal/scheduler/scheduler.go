// Package scheduler drives the two cron-cadenced background jobs the
// runtime needs beyond the request/response dispatch loop: memory
// compaction (spec §4.5) and the web3 confirmation-timeout sweep
// (SPEC_FULL.md's web3 supplement). Grounded on the teacher's
// pkg/devclaw/scheduler.Scheduler — robfig/cron for parsing, a
// panic-recovering per-job runner, and structured logging around every
// run — but scoped down to two fixed internal jobs instead of a
// user-programmable job store, since nothing in the spec calls for
// operators or the LLM to register arbitrary cron jobs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/starkcore/starkcore/internal/memory"
	"github.com/starkcore/starkcore/internal/storage"
)

// Config configures the scheduler's two jobs.
type Config struct {
	// CompactionSchedule is a robfig/cron expression for how often the
	// compaction sweep runs. Defaults to hourly.
	CompactionSchedule string
	// CompactionAge is how old a daily_log memory must be before it is
	// eligible for compaction. Defaults to 24h.
	CompactionAge time.Duration

	// ConfirmationSweepSchedule is a robfig/cron expression for how often
	// the web3 confirmation-timeout sweep runs. Defaults to every 5 minutes.
	ConfirmationSweepSchedule string
	// ConfirmationTimeout is how long a tx may sit in TxBroadcast before
	// the sweep marks it TxTimeout. Defaults to 2 minutes.
	ConfirmationTimeout time.Duration
}

// DefaultConfig returns sane defaults for both jobs.
func DefaultConfig() Config {
	return Config{
		CompactionSchedule:        "@hourly",
		CompactionAge:             24 * time.Hour,
		ConfirmationSweepSchedule: "@every 5m",
		ConfirmationTimeout:       2 * time.Minute,
	}
}

// Scheduler owns a robfig/cron instance running the compaction and
// confirmation-timeout jobs against the shared store and memory subsystem.
type Scheduler struct {
	cfg    Config
	store  storage.Store
	mem    *memory.Subsystem
	logger *slog.Logger

	cron *cron.Cron

	mu      sync.Mutex
	running map[string]bool
}

// New builds a Scheduler. mem may be nil to disable the compaction job
// (e.g. when no embedding provider is configured); store must not be nil.
func New(store storage.Store, mem *memory.Subsystem, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CompactionSchedule == "" {
		cfg.CompactionSchedule = "@hourly"
	}
	if cfg.CompactionAge == 0 {
		cfg.CompactionAge = 24 * time.Hour
	}
	if cfg.ConfirmationSweepSchedule == "" {
		cfg.ConfirmationSweepSchedule = "@every 5m"
	}
	if cfg.ConfirmationTimeout == 0 {
		cfg.ConfirmationTimeout = 2 * time.Minute
	}
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		mem:     mem,
		logger:  logger.With("component", "scheduler"),
		running: make(map[string]bool),
	}
}

// Start registers both jobs with a fresh cron instance and starts it.
// Cancelling ctx stops the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()

	if s.mem != nil {
		if _, err := s.cron.AddFunc(s.cfg.CompactionSchedule, func() { s.runJob(ctx, "compaction", s.runCompaction) }); err != nil {
			return fmt.Errorf("scheduler: invalid compaction schedule %q: %w", s.cfg.CompactionSchedule, err)
		}
	}
	if _, err := s.cron.AddFunc(s.cfg.ConfirmationSweepSchedule, func() { s.runJob(ctx, "confirmation_sweep", s.runConfirmationSweep) }); err != nil {
		return fmt.Errorf("scheduler: invalid confirmation sweep schedule %q: %w", s.cfg.ConfirmationSweepSchedule, err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "compaction_schedule", s.cfg.CompactionSchedule, "confirmation_sweep_schedule", s.cfg.ConfirmationSweepSchedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop drains in-flight runs (bounded by 10s) and stops the cron loop.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out waiting for in-flight jobs")
	}
	s.logger.Info("scheduler stopped")
}

// runJob guards against overlapping runs of the same job and recovers
// from panics so one bad run doesn't take down the cron loop, mirroring
// the teacher's executeJob guard.
func (s *Scheduler) runJob(ctx context.Context, name string, fn func(context.Context) error) {
	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		s.logger.Warn("skipping job, previous run still in flight", "job", name)
		return
	}
	s.running[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
		if r := recover(); r != nil {
			s.logger.Error("scheduled job panicked", "job", name, "panic", r)
		}
	}()

	start := time.Now()
	if err := fn(ctx); err != nil {
		s.logger.Error("scheduled job failed", "job", name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("scheduled job completed", "job", name, "duration", time.Since(start))
}

// runCompaction walks every distinct identity with a session and
// compacts its stale daily logs. There is no dedicated identity listing
// on the store, so sessions are the entry point — every identity with
// activity has at least one session.
func (s *Scheduler) runCompaction(ctx context.Context) error {
	sessions, err := s.store.ListSessions(ctx, 1000, 0)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	seen := make(map[string]bool, len(sessions))
	var compacted int
	for _, sess := range sessions {
		if sess.IdentityID == "" || seen[sess.IdentityID] {
			continue
		}
		seen[sess.IdentityID] = true

		mem, err := s.mem.Compact(ctx, sess.IdentityID, s.cfg.CompactionAge)
		if err != nil {
			s.logger.Error("compaction failed for identity", "identity_id", sess.IdentityID, "error", err)
			continue
		}
		if mem != nil {
			compacted++
		}
	}
	s.logger.Info("compaction sweep complete", "identities_scanned", len(seen), "identities_compacted", compacted)
	return nil
}

// runConfirmationSweep transitions any TxBroadcast transaction older than
// ConfirmationTimeout to TxTimeout. There is no real chain client wired
// in (see internal/web3's DESIGN.md entry), so this is the only
// mechanism that ever resolves a broadcast tx out of that state.
func (s *Scheduler) runConfirmationSweep(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.ConfirmationTimeout)
	stale, err := s.store.ListStaleBroadcasts(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("listing stale broadcasts: %w", err)
	}
	for _, tx := range stale {
		if err := s.store.UpdateTxStatus(ctx, tx.UUID, storage.TxTimeout, tx.TxHash); err != nil {
			s.logger.Error("failed to time out stale broadcast", "uuid", tx.UUID, "error", err)
			continue
		}
		s.logger.Info("web3 tx timed out awaiting confirmation", "uuid", tx.UUID, "network", tx.Network)
	}
	if len(stale) > 0 {
		s.logger.Info("confirmation sweep complete", "timed_out", len(stale))
	}
	return nil
}
