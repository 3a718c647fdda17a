package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/dispatch"
)

// StandbyChecker reports whether this instance holds the primary role. The
// scheduler only polls and dispatches while primary.
type StandbyChecker interface {
	IsPrimary() bool
}

// WarningService is the sink for operational warnings raised by the
// scheduler.
type WarningService interface {
	AddWarning(category, severity, message, source string)
}

// Config holds configuration for the dispatch scheduler.
type Config struct {
	// PollInterval is how often to poll for pending jobs.
	PollInterval time.Duration

	// BatchSize is the maximum jobs fetched per poll.
	BatchSize int

	// MaxConcurrentDispatches bounds parallel dispatches across groups.
	MaxConcurrentDispatches int

	// StaleThreshold is how long a job may sit in QUEUED before it is
	// considered lost and reset to PENDING.
	StaleThreshold time.Duration

	// StaleCheckInterval is how often to look for stale QUEUED jobs.
	StaleCheckInterval time.Duration

	// StaleMaxResets bounds how often a single job is rescued from QUEUED
	// before it is marked ERROR.
	StaleMaxResets int

	// BlockWarningThreshold is how long a group may stay blocked before a
	// GROUP_BLOCKED warning is emitted.
	BlockWarningThreshold time.Duration

	// ProcessingEndpoint is the mediation target the router calls back to
	// process jobs.
	ProcessingEndpoint string

	// DefaultDispatchPoolCode is used when a job names no pool.
	DefaultDispatchPoolCode string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:            5 * time.Second,
		BatchSize:               100,
		MaxConcurrentDispatches: 10,
		StaleThreshold:          15 * time.Minute,
		StaleCheckInterval:      60 * time.Second,
		StaleMaxResets:          5,
		BlockWarningThreshold:   5 * time.Minute,
		ProcessingEndpoint:      "http://localhost:8080/api/dispatch/process",
		DefaultDispatchPoolCode: "DEFAULT-POOL",
	}
}

// Scheduler coordinates the pending job poller, the per-group dispatcher,
// and the stale-QUEUED recovery poller.
type Scheduler struct {
	config *Config

	jobRepo         dispatch.Repository
	blockChecker    *BlockChecker
	jobDispatcher   *JobDispatcher
	groupDispatcher *GroupDispatcher

	standbyChecker StandbyChecker
	warningService WarningService

	// blockedSince tracks when each group was first seen blocked, for the
	// GROUP_BLOCKED warning threshold.
	blockedSince   map[string]time.Time
	blockedSinceMu sync.Mutex

	// staleResets bounds per-job rescue attempts from QUEUED.
	staleResets   map[string]int
	staleResetsMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// NewScheduler creates a dispatch scheduler over the given repository and
// publisher.
func NewScheduler(jobRepo dispatch.Repository, publisher Publisher, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	jobDispatcher := NewJobDispatcher(jobRepo, publisher, config.ProcessingEndpoint, config.DefaultDispatchPoolCode)

	s := &Scheduler{
		config:        config,
		jobRepo:       jobRepo,
		blockChecker:  NewBlockChecker(jobRepo),
		jobDispatcher: jobDispatcher,
		blockedSince:  make(map[string]time.Time),
		staleResets:   make(map[string]int),
		ctx:           ctx,
		cancel:        cancel,
	}
	s.groupDispatcher = NewGroupDispatcher(config.MaxConcurrentDispatches, jobDispatcher.Dispatch)
	return s
}

// WithStandbyChecker gates the scheduler on the primary role.
func (s *Scheduler) WithStandbyChecker(checker StandbyChecker) *Scheduler {
	s.standbyChecker = checker
	return s
}

// WithWarningService sets the warning sink.
func (s *Scheduler) WithWarningService(ws WarningService) *Scheduler {
	s.warningService = ws
	return s
}

// Start starts the polling loops.
func (s *Scheduler) Start() {
	s.runningMu.Lock()
	if s.running {
		s.runningMu.Unlock()
		slog.Warn("scheduler already running")
		return
	}
	s.running = true
	s.runningMu.Unlock()

	s.wg.Add(2)
	go s.pollLoop()
	go s.staleRecoveryLoop()

	slog.Info("dispatch scheduler started",
		"pollInterval", s.config.PollInterval,
		"batchSize", s.config.BatchSize,
		"maxConcurrentDispatches", s.config.MaxConcurrentDispatches)
}

// Stop stops the scheduler and drains in-flight dispatches.
func (s *Scheduler) Stop() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return
	}
	s.running = false
	s.runningMu.Unlock()

	slog.Info("stopping dispatch scheduler")

	s.cancel()
	s.wg.Wait()
	s.groupDispatcher.Stop()

	slog.Info("dispatch scheduler stopped")
}

// IsRunning reports whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	return s.running
}

// IsPrimary reports whether this instance may dispatch.
func (s *Scheduler) IsPrimary() bool {
	if s.standbyChecker == nil {
		return true
	}
	return s.standbyChecker.IsPrimary()
}

func (s *Scheduler) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.pollAndDispatch()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.pollAndDispatch()
		}
	}
}

// pollAndDispatch is one cycle of the pending job poller: load PENDING jobs
// whose scheduledFor has lapsed, skip groups halted by BLOCK_ON_ERROR, and
// hand the rest to the group dispatcher.
func (s *Scheduler) pollAndDispatch() {
	if !s.IsPrimary() {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	jobs, err := s.jobRepo.FindPending(ctx, int64(s.config.BatchSize))
	if err != nil {
		slog.Error("failed to poll for pending jobs", "error", err)
		return
	}

	metrics.SchedulerJobsPending.Set(float64(len(jobs)))
	if len(jobs) == 0 {
		s.clearBlockTracking(nil)
		return
	}

	allowed, blockedGroups := s.blockChecker.FilterBlocked(ctx, jobs)
	s.trackBlockedGroups(blockedGroups)

	if len(allowed) > 0 {
		slog.Debug("enqueueing pending dispatch jobs",
			"total", len(jobs), "allowed", len(allowed), "blockedGroups", len(blockedGroups))
		s.groupDispatcher.Enqueue(allowed)
	}
}

// trackBlockedGroups emits GROUP_BLOCKED once a group has been continuously
// blocked past the warning threshold.
func (s *Scheduler) trackBlockedGroups(blocked map[string]bool) {
	now := time.Now()

	s.blockedSinceMu.Lock()
	defer s.blockedSinceMu.Unlock()

	for group := range blocked {
		since, seen := s.blockedSince[group]
		if !seen {
			s.blockedSince[group] = now
			continue
		}
		if now.Sub(since) >= s.config.BlockWarningThreshold && s.warningService != nil {
			s.warningService.AddWarning("GROUP_BLOCKED", "WARNING",
				fmt.Sprintf("message group %s blocked by a BLOCK_ON_ERROR failure for %s",
					group, now.Sub(since).Round(time.Second)),
				"DispatchScheduler")
		}
	}

	for group := range s.blockedSince {
		if !blocked[group] {
			delete(s.blockedSince, group)
		}
	}
}

func (s *Scheduler) clearBlockTracking(except map[string]bool) {
	s.blockedSinceMu.Lock()
	defer s.blockedSinceMu.Unlock()
	for group := range s.blockedSince {
		if except == nil || !except[group] {
			delete(s.blockedSince, group)
		}
	}
}

func (s *Scheduler) staleRecoveryLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.StaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.recoverStaleJobs()
		}
	}
}

// recoverStaleJobs finds jobs stuck in QUEUED past the threshold and resets
// them to PENDING, up to a bounded number of rescues per job.
func (s *Scheduler) recoverStaleJobs() {
	if !s.IsPrimary() {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	stale, err := s.jobRepo.FindStaleQueued(ctx, s.config.StaleThreshold)
	if err != nil {
		slog.Error("failed to find stale queued jobs", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	recovered := 0
	for _, job := range stale {
		s.staleResetsMu.Lock()
		s.staleResets[job.ID]++
		resets := s.staleResets[job.ID]
		s.staleResetsMu.Unlock()

		if resets > s.config.StaleMaxResets {
			if err := s.jobRepo.MarkError(ctx, job.ID,
				fmt.Sprintf("stuck in QUEUED %d times without progress", resets)); err != nil {
				slog.Error("failed to mark repeatedly stale job as error", "error", err, "jobId", job.ID)
			}
			s.staleResetsMu.Lock()
			delete(s.staleResets, job.ID)
			s.staleResetsMu.Unlock()
			continue
		}

		if err := s.jobRepo.ResetToPending(ctx, job.ID, time.Now()); err != nil {
			slog.Error("failed to reset stale job", "error", err, "jobId", job.ID)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		metrics.SchedulerStaleJobs.Add(float64(recovered))
		slog.Warn("recovered stale QUEUED jobs",
			"count", recovered, "threshold", s.config.StaleThreshold)
	}
}
