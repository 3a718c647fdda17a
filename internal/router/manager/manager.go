// Package manager provides the routing core of the message router: the pool
// registry, the consumer-to-pool routing pipeline, and the supporting
// housekeeping loops (config sync, visibility extension, stale-entry cleanup,
// leak detection).
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/router/codec"
	"go.flowcatalyst.tech/internal/router/health"
	routermetrics "go.flowcatalyst.tech/internal/router/metrics"
	"go.flowcatalyst.tech/internal/router/model"
	"go.flowcatalyst.tech/internal/router/pipeline"
	"go.flowcatalyst.tech/internal/router/pool"
	"go.flowcatalyst.tech/internal/router/warning"
)

// Default pool configuration constants.
const (
	DefaultPoolConcurrency         = 20
	DefaultQueueCapacityMultiplier = 2
	MinQueueCapacity               = 50
	DefaultQueueCapacity           = 500
	DefaultPoolCode                = "DEFAULT-POOL"

	// MaxConcurrency bounds a single pool's concurrency.
	MaxConcurrency = 10_000

	// DefaultMaxPools is the global cap on live pools.
	DefaultMaxPools = 2000

	// poisonNackDelaySeconds is the short redelivery delay given to a
	// message whose body cannot be decoded, before it is dropped on the
	// next delivery.
	poisonNackDelaySeconds = 5
)

// StandbyChecker reports whether this instance currently holds the primary
// role. Config sync and routing are gated on it in HA deployments.
type StandbyChecker interface {
	IsPrimary() bool
}

// WarningService is the sink for operational warnings raised by the manager.
type WarningService interface {
	AddWarning(category, severity, message, source string)
}

// PoolConfig holds configuration for a processing pool.
type PoolConfig struct {
	Code               string
	Concurrency        int
	QueueCapacity      int
	RateLimitPerMinute *int
}

// PoolConfigSource supplies the set of enabled pool configurations. The
// persistence behind it is external; the manager only depends on this port.
type PoolConfigSource interface {
	FindAllEnabled(ctx context.Context) ([]PoolConfig, error)
}

// ConfigSyncConfig holds configuration for pool config sync.
type ConfigSyncConfig struct {
	Enabled  bool
	Interval time.Duration
	// InitialRetryAttempts is how many times to retry the initial sync.
	InitialRetryAttempts int
	InitialRetryDelay    time.Duration
	// FailOnInitialSyncError panics if the initial sync fails after all
	// retries; routing with no pool config is worse than not starting.
	FailOnInitialSyncError bool
}

// DefaultConfigSyncConfig returns sensible defaults.
func DefaultConfigSyncConfig() *ConfigSyncConfig {
	return &ConfigSyncConfig{
		Enabled:                false,
		Interval:               5 * time.Minute,
		InitialRetryAttempts:   12,
		InitialRetryDelay:      5 * time.Second,
		FailOnInitialSyncError: true,
	}
}

// PipelineCleanupConfig holds configuration for stale pipeline entry cleanup.
type PipelineCleanupConfig struct {
	Enabled  bool
	Interval time.Duration
	// TTL is how long a message can sit in the pipeline before it is
	// considered leaked by a crashed worker.
	TTL time.Duration
}

// DefaultPipelineCleanupConfig returns sensible defaults.
func DefaultPipelineCleanupConfig() *PipelineCleanupConfig {
	return &PipelineCleanupConfig{
		Enabled:  true,
		Interval: 5 * time.Minute,
		TTL:      1 * time.Hour,
	}
}

// VisibilityExtenderConfig holds configuration for visibility timeout
// extension of long-running messages.
type VisibilityExtenderConfig struct {
	Enabled  bool
	Interval time.Duration
	// Threshold is how long a message must be processing before its
	// visibility is extended.
	Threshold time.Duration
}

// DefaultVisibilityExtenderConfig returns sensible defaults.
func DefaultVisibilityExtenderConfig() *VisibilityExtenderConfig {
	return &VisibilityExtenderConfig{
		Enabled:   true,
		Interval:  55 * time.Second,
		Threshold: 50 * time.Second,
	}
}

// ConsumerHealthConfig holds configuration for consumer health monitoring.
type ConsumerHealthConfig struct {
	Enabled            bool
	CheckInterval      time.Duration
	StallThreshold     time.Duration
	MaxRestartAttempts int
	RestartDelay       time.Duration
}

// DefaultConsumerHealthConfig returns sensible defaults.
func DefaultConsumerHealthConfig() *ConsumerHealthConfig {
	return &ConsumerHealthConfig{
		Enabled:            true,
		CheckInterval:      60 * time.Second,
		StallThreshold:     60 * time.Second,
		MaxRestartAttempts: 3,
		RestartDelay:       5 * time.Second,
	}
}

// LeakDetectionConfig holds configuration for pipeline leak detection.
type LeakDetectionConfig struct {
	Enabled  bool
	Interval time.Duration
}

// DefaultLeakDetectionConfig returns sensible defaults.
func DefaultLeakDetectionConfig() *LeakDetectionConfig {
	return &LeakDetectionConfig{
		Enabled:  true,
		Interval: 30 * time.Second,
	}
}

// QueueManager is the pool registry and routing core. It owns the pools, the
// in-pipeline set, and the per-outcome bridge back to the broker callbacks.
type QueueManager struct {
	pools         map[string]*pool.ProcessPool
	poolsMu       sync.RWMutex
	drainingPools sync.Map // poolCode -> *pool.ProcessPool

	inPipeline *pipeline.Set

	// poisonSightings tracks undecodable broker messages by broker message
	// id so the second delivery can be dropped instead of looping.
	poisonSightings sync.Map // brokerMessageID -> int64 (first seen, millis)

	mediator        pool.Mediator
	messageCallback *managerCallback

	maxPools int

	running     bool
	runningMu   sync.Mutex
	initialized bool

	standbyChecker StandbyChecker
	warningService WarningService
	queueMetrics   routermetrics.QueueMetricsService

	configSource PoolConfigSource
	syncConfig   *ConfigSyncConfig
	syncCtx      context.Context
	syncCancel   context.CancelFunc
	syncWg       sync.WaitGroup

	cleanupConfig *PipelineCleanupConfig
	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
	cleanupWg     sync.WaitGroup

	visibilityConfig *VisibilityExtenderConfig
	visibilityCtx    context.Context
	visibilityCancel context.CancelFunc
	visibilityWg     sync.WaitGroup

	leakDetectionConfig *LeakDetectionConfig
	leakDetectionCtx    context.Context
	leakDetectionCancel context.CancelFunc
	leakDetectionWg     sync.WaitGroup
}

// NewQueueManager creates a new queue manager routing through the given
// mediator.
func NewQueueManager(mediator pool.Mediator) *QueueManager {
	qm := &QueueManager{
		pools:               make(map[string]*pool.ProcessPool),
		inPipeline:          pipeline.New(),
		mediator:            mediator,
		maxPools:            DefaultMaxPools,
		syncConfig:          DefaultConfigSyncConfig(),
		cleanupConfig:       DefaultPipelineCleanupConfig(),
		visibilityConfig:    DefaultVisibilityExtenderConfig(),
		leakDetectionConfig: DefaultLeakDetectionConfig(),
	}
	qm.messageCallback = &managerCallback{manager: qm}
	return qm
}

// WithMaxPools overrides the global pool cap.
func (m *QueueManager) WithMaxPools(n int) *QueueManager {
	if n > 0 {
		m.maxPools = n
	}
	return m
}

// WithVisibilityExtender configures visibility timeout extension.
func (m *QueueManager) WithVisibilityExtender(cfg *VisibilityExtenderConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultVisibilityExtenderConfig()
	}
	m.visibilityConfig = cfg
	return m
}

// WithPipelineCleanup configures stale pipeline entry cleanup.
func (m *QueueManager) WithPipelineCleanup(cfg *PipelineCleanupConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultPipelineCleanupConfig()
	}
	m.cleanupConfig = cfg
	return m
}

// WithConfigSync enables pool configuration sync from the given source.
func (m *QueueManager) WithConfigSync(source PoolConfigSource, cfg *ConfigSyncConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultConfigSyncConfig()
	}
	m.configSource = source
	m.syncConfig = cfg
	return m
}

// WithStandbyChecker gates config sync on the primary role in HA mode.
func (m *QueueManager) WithStandbyChecker(checker StandbyChecker) *QueueManager {
	m.standbyChecker = checker
	return m
}

// WithLeakDetection configures pipeline leak detection.
func (m *QueueManager) WithLeakDetection(cfg *LeakDetectionConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultLeakDetectionConfig()
	}
	m.leakDetectionConfig = cfg
	return m
}

// WithWarningService sets the warning sink.
func (m *QueueManager) WithWarningService(ws WarningService) *QueueManager {
	m.warningService = ws
	return m
}

// WithQueueMetrics sets the queue metrics recorder.
func (m *QueueManager) WithQueueMetrics(qm routermetrics.QueueMetricsService) *QueueManager {
	m.queueMetrics = qm
	return m
}

// Start starts the queue manager and its housekeeping loops.
func (m *QueueManager) Start() {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()

	m.running = true

	if m.syncConfig.Enabled && m.configSource != nil {
		m.syncCtx, m.syncCancel = context.WithCancel(context.Background())
		m.syncWg.Add(1)
		go m.runConfigSync()
		slog.Info("pool config sync started", "interval", m.syncConfig.Interval)
	}

	if m.cleanupConfig.Enabled {
		m.cleanupCtx, m.cleanupCancel = context.WithCancel(context.Background())
		m.cleanupWg.Add(1)
		go m.runPipelineCleanup()
		slog.Info("pipeline cleanup started", "interval", m.cleanupConfig.Interval, "ttl", m.cleanupConfig.TTL)
	}

	if m.visibilityConfig.Enabled {
		m.visibilityCtx, m.visibilityCancel = context.WithCancel(context.Background())
		m.visibilityWg.Add(1)
		go m.runVisibilityExtender()
		slog.Info("visibility extender started",
			"interval", m.visibilityConfig.Interval,
			"threshold", m.visibilityConfig.Threshold)
	}

	if m.leakDetectionConfig.Enabled {
		m.leakDetectionCtx, m.leakDetectionCancel = context.WithCancel(context.Background())
		m.leakDetectionWg.Add(1)
		go m.runLeakDetection()
	}

	slog.Info("queue manager started")
}

// Stop stops the queue manager and shuts down all pools.
func (m *QueueManager) Stop() {
	m.runningMu.Lock()
	m.running = false
	m.runningMu.Unlock()

	for _, cancel := range []context.CancelFunc{m.syncCancel, m.cleanupCancel, m.visibilityCancel, m.leakDetectionCancel} {
		if cancel != nil {
			cancel()
		}
	}
	m.syncWg.Wait()
	m.cleanupWg.Wait()
	m.visibilityWg.Wait()
	m.leakDetectionWg.Wait()

	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	for code, p := range m.pools {
		slog.Info("shutting down pool", "pool", code)
		p.Shutdown()
	}

	slog.Info("queue manager stopped")
}

// GetOrCreatePool returns the pool for cfg.Code, creating it when absent.
// Returns nil when the global pool cap would be exceeded.
func (m *QueueManager) GetOrCreatePool(cfg *PoolConfig) *pool.ProcessPool {
	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	if p, exists := m.pools[cfg.Code]; exists {
		return p
	}

	if len(m.pools) >= m.maxPools {
		m.warn(warning.CategoryPoolLimit, warning.SeverityError,
			fmt.Sprintf("pool limit reached (%d); refusing to create pool %s", m.maxPools, cfg.Code))
		return nil
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultPoolConcurrency
	}
	if concurrency > MaxConcurrency {
		concurrency = MaxConcurrency
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = max(concurrency*DefaultQueueCapacityMultiplier, MinQueueCapacity)
	}

	p := pool.NewProcessPool(cfg.Code, concurrency, capacity, cfg.RateLimitPerMinute, m.mediator, m.messageCallback)
	m.pools[cfg.Code] = p
	p.Start()

	slog.Info("created processing pool",
		"pool", cfg.Code,
		"concurrency", concurrency,
		"queueCapacity", capacity,
		"rateLimitPerMinute", cfg.RateLimitPerMinute)

	return p
}

// GetPool returns the live pool for code, nil when absent.
func (m *QueueManager) GetPool(code string) *pool.ProcessPool {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	return m.pools[code]
}

// PoolCount returns the number of live pools.
func (m *QueueManager) PoolCount() int {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	return len(m.pools)
}

// Reconcile applies the given pool configurations: creates missing pools,
// updates concurrency and rate limits on existing ones (in-flight work
// completes at the old concurrency), and drains pools absent from the
// config. Reconciling with the currently loaded config is a no-op.
func (m *QueueManager) Reconcile(configs []PoolConfig) {
	activeCodes := make(map[string]bool, len(configs))

	for i := range configs {
		cfg := &configs[i]
		activeCodes[cfg.Code] = true

		existing := m.GetPool(cfg.Code)
		if existing == nil {
			m.GetOrCreatePool(cfg)
			continue
		}

		if cfg.Concurrency > 0 && cfg.Concurrency != existing.GetConcurrency() {
			existing.UpdateConcurrency(min(cfg.Concurrency, MaxConcurrency), 60)
		}
		existing.UpdateRateLimit(cfg.RateLimitPerMinute)
	}

	m.poolsMu.RLock()
	var toRemove []string
	for code := range m.pools {
		if !activeCodes[code] && code != DefaultPoolCode {
			toRemove = append(toRemove, code)
		}
	}
	m.poolsMu.RUnlock()

	for _, code := range toRemove {
		m.drainPool(code)
	}
}

// RouteMessage routes a decoded pointer into its processing pool, tracking it
// in the in-pipeline set. Every path completes the broker message exactly
// once, through the pointer's own callbacks.
func (m *QueueManager) RouteMessage(ptr *model.MessagePointer, msg queue.Message, queueID string) {
	m.runningMu.Lock()
	running := m.running
	m.runningMu.Unlock()

	if !running {
		msg.Nak()
		return
	}

	callbacks := pipeline.Callbacks{InProgress: msg.InProgress}
	if updatable, ok := msg.(queue.ReceiptHandleUpdatable); ok {
		callbacks.UpdateReceiptHandle = updatable.UpdateReceiptHandle
	}

	res := m.inPipeline.TryAdd(ptr.ID, msg.ID(), queueID, ptr.PoolCode, callbacks)
	if !res.Added {
		if res.RefreshedReceipt {
			// The broker redelivered while the original is still processing:
			// the original's receipt handle was refreshed, so this copy can
			// be dropped to avoid head-of-line blocking.
			slog.Info("redelivery while processing, acked duplicate after receipt refresh",
				"messageId", ptr.ID, "brokerMessageId", msg.ID())
			msg.Ack()
			return
		}
		slog.Debug("duplicate delivery, message already in pipeline", "messageId", ptr.ID)
		msg.Nak()
		return
	}

	p := m.GetPool(ptr.PoolCode)
	if p == nil {
		p = m.GetOrCreatePool(&PoolConfig{Code: ptr.PoolCode})
	}
	if p == nil {
		// Pool cap exceeded: permanent config failure, drop like ERROR_CONFIG.
		m.inPipeline.Remove(ptr.ID)
		m.warn(warning.CategoryConfiguration, warning.SeverityError,
			fmt.Sprintf("no pool available for code %s, dropping message %s", ptr.PoolCode, ptr.ID))
		msg.Ack()
		return
	}

	pointer := m.buildPoolPointer(ptr, msg, queueID)

	if !p.Submit(pointer) {
		m.inPipeline.Remove(ptr.ID)
		slog.Warn("pool rejected message, nacking for redelivery",
			"pool", ptr.PoolCode, "messageId", ptr.ID,
			"queueSize", p.GetQueueSize(), "capacity", p.GetQueueCapacity())
		msg.NakWithDelay(time.Duration(model.DefaultDelaySeconds) * time.Second)
	}
}

// buildPoolPointer converts a wire pointer plus its broker message into the
// pool's internal representation, wrapping the ack so repeated calls are
// idempotent.
func (m *QueueManager) buildPoolPointer(ptr *model.MessagePointer, msg queue.Message, queueID string) *pool.MessagePointer {
	var ackOnce sync.Once
	ack := func() error {
		var err error
		ackOnce.Do(func() { err = msg.Ack() })
		return err
	}

	return &pool.MessagePointer{
		ID:              ptr.ID,
		BrokerMessageID: msg.ID(),
		BatchID:         ptr.BatchID,
		QueueID:         queueID,
		MessageGroupID:  ptr.MessageGroupID,
		MediationTarget: ptr.MediationTarget,
		MediationType:   ptr.MediationType,
		Payload:         msg.Data(),
		AckFunc:         ack,
		NakFunc:         msg.Nak,
		NakDelayFunc:    msg.NakWithDelay,
		InProgressFunc:  msg.InProgress,
	}
}

// handlePoison deals with a broker message whose body cannot be decoded: one
// NACK with a short delay, then an ACK on the next sighting to drop it.
func (m *QueueManager) handlePoison(msg queue.Message, queueID string, decodeErr error) {
	if _, seen := m.poisonSightings.LoadOrStore(msg.ID(), time.Now().UnixMilli()); seen {
		m.poisonSightings.Delete(msg.ID())
		m.warn(warning.CategoryConfiguration, warning.SeverityWarning,
			fmt.Sprintf("dropping poison message %s from %s: %v", msg.ID(), queueID, decodeErr))
		msg.Ack()
		return
	}
	slog.Warn("undecodable message, nacking once before dropping",
		"brokerMessageId", msg.ID(), "queue", queueID, "error", decodeErr)
	msg.NakWithDelay(poisonNackDelaySeconds * time.Second)
}

// Ack completes a message at the broker and releases its pipeline entry.
func (m *QueueManager) Ack(msg *pool.MessagePointer) {
	m.inPipeline.Remove(msg.ID)
	if m.queueMetrics != nil && msg.QueueID != "" {
		m.queueMetrics.RecordMessageProcessed(msg.QueueID, true)
	}
	if msg.AckFunc != nil {
		if err := msg.AckFunc(); err != nil {
			slog.Error("failed to ack message", "error", err, "messageId", msg.ID)
		}
	}
}

// Nack returns a message to the broker and releases its pipeline entry.
func (m *QueueManager) Nack(msg *pool.MessagePointer) {
	m.inPipeline.Remove(msg.ID)
	if m.queueMetrics != nil && msg.QueueID != "" {
		m.queueMetrics.RecordMessageProcessed(msg.QueueID, false)
	}
	if msg.NakFunc != nil {
		if err := msg.NakFunc(); err != nil {
			slog.Error("failed to nack message", "error", err, "messageId", msg.ID)
		}
	}
}

// managerCallback implements pool.MessageCallback against the manager.
type managerCallback struct {
	manager *QueueManager
}

func (c *managerCallback) Ack(msg *pool.MessagePointer)  { c.manager.Ack(msg) }
func (c *managerCallback) Nack(msg *pool.MessagePointer) { c.manager.Nack(msg) }

func (c *managerCallback) SetVisibilityDelay(msg *pool.MessagePointer, seconds int) {
	if msg.NakDelayFunc != nil {
		msg.NakDelayFunc(time.Duration(model.ClampDelaySeconds(seconds)) * time.Second)
	}
}

func (c *managerCallback) SetFastFailVisibility(msg *pool.MessagePointer) {
	c.SetVisibilityDelay(msg, 1)
}

func (c *managerCallback) ResetVisibilityToDefault(msg *pool.MessagePointer) {
	// Default visibility is the broker's own; nothing to do.
}

func (m *QueueManager) warn(category, severity, message string) {
	if m.warningService != nil {
		m.warningService.AddWarning(category, severity, message, "QueueManager")
	}
}

// --- monitoring surface ---

// GetAllPoolStats implements health.PoolMetricsProvider.
func (m *QueueManager) GetAllPoolStats() map[string]*health.PoolStats {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()

	result := make(map[string]*health.PoolStats, len(m.pools))
	for code, p := range m.pools {
		result[code] = poolStatsToHealth(p.Stats())
	}
	return result
}

// GetLastActivityTimestamp implements health.PoolMetricsProvider.
func (m *QueueManager) GetLastActivityTimestamp(poolCode string) *time.Time {
	p := m.GetPool(poolCode)
	if p == nil {
		return nil
	}
	return p.LastActivityAt()
}

func poolStatsToHealth(s pool.Stats) *health.PoolStats {
	successRate := 0.0
	if s.TotalProcessed > 0 {
		successRate = float64(s.TotalSucceeded) / float64(s.TotalProcessed)
	}
	return &health.PoolStats{
		PoolCode:         s.PoolCode,
		TotalProcessed:   s.TotalProcessed,
		TotalSucceeded:   s.TotalSucceeded,
		TotalFailed:      s.TotalFailed,
		TotalRateLimited: s.TotalRateLimited,
		SuccessRate:      successRate,
		ActiveWorkers:    s.ActiveWorkers,
		AvailablePermits: s.AvailablePermits,
		MaxConcurrency:   s.MaxConcurrency,
		QueueSize:        s.QueueSize,
		MaxQueueCapacity: s.MaxQueueCapacity,
		Processed5m:      s.Window5m.Processed,
		Succeeded5m:      s.Window5m.Succeeded,
		SuccessRate5m:    s.Window5m.SuccessRate(),
		Processed30m:     s.Window30m.Processed,
		Succeeded30m:     s.Window30m.Succeeded,
		SuccessRate30m:   s.Window30m.SuccessRate(),
	}
}

// GetInFlightMessages returns a read-only snapshot of in-flight messages for
// the monitoring surface, optionally filtered by message id.
func (m *QueueManager) GetInFlightMessages(limit int, messageID string) []*health.InFlightMessage {
	snapshot := m.inPipeline.Snapshot()
	result := make([]*health.InFlightMessage, 0, len(snapshot))
	now := time.Now().UnixMilli()

	for _, entry := range snapshot {
		if messageID != "" && entry.MessageID != messageID {
			continue
		}
		result = append(result, &health.InFlightMessage{
			MessageID:  entry.MessageID,
			PoolCode:   entry.PoolCode,
			StartedAt:  time.UnixMilli(entry.AddedAtMillis),
			DurationMs: now - entry.AddedAtMillis,
		})
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result
}

// GetPipelineSize returns the current size of the in-pipeline set.
func (m *QueueManager) GetPipelineSize() int {
	return m.inPipeline.Size()
}

// GetTotalPoolCapacity returns the total queue capacity across pools.
func (m *QueueManager) GetTotalPoolCapacity() int {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()

	total := 0
	for _, p := range m.pools {
		total += p.GetQueueCapacity()
	}
	return total
}

// --- housekeeping loops ---

func (m *QueueManager) runConfigSync() {
	defer m.syncWg.Done()

	if !m.doInitialSyncWithRetry() {
		if m.syncConfig.FailOnInitialSyncError {
			slog.Error("initial pool config sync failed after all retries - shutting down")
			panic("initial pool config sync failed")
		}
		slog.Error("initial pool config sync failed - continuing with empty config")
	}

	ticker := time.NewTicker(m.syncConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.syncCtx.Done():
			slog.Info("pool config sync stopped")
			return
		case <-ticker.C:
			m.syncPoolConfig()
		}
	}
}

func (m *QueueManager) doInitialSyncWithRetry() bool {
	maxAttempts := m.syncConfig.InitialRetryAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if m.standbyChecker != nil && !m.standbyChecker.IsPrimary() {
			slog.Info("in standby mode, waiting for primary lock before initial sync", "attempt", attempt)
			time.Sleep(m.syncConfig.InitialRetryDelay)
			continue
		}

		if m.syncPoolConfigWithResult() {
			m.runningMu.Lock()
			m.initialized = true
			m.runningMu.Unlock()
			slog.Info("initial pool config sync completed", "attempt", attempt)
			return true
		}

		if attempt < maxAttempts {
			slog.Warn("initial pool config sync failed, retrying",
				"attempt", attempt, "maxAttempts", maxAttempts)
			time.Sleep(m.syncConfig.InitialRetryDelay)
		}
	}

	return false
}

func (m *QueueManager) syncPoolConfig() {
	if m.standbyChecker != nil && !m.standbyChecker.IsPrimary() {
		return
	}
	m.syncPoolConfigWithResult()
}

func (m *QueueManager) syncPoolConfigWithResult() bool {
	ctx, cancel := context.WithTimeout(m.syncCtx, 30*time.Second)
	defer cancel()

	configs, err := m.configSource.FindAllEnabled(ctx)
	if err != nil {
		slog.Error("failed to fetch pool configs", "error", err)
		m.warn(warning.CategoryConfiguration, warning.SeverityWarning,
			fmt.Sprintf("pool config sync failed, keeping prior state: %v", err))
		return false
	}

	m.Reconcile(configs)
	return true
}

func (m *QueueManager) drainPool(code string) {
	m.poolsMu.Lock()
	p, exists := m.pools[code]
	if !exists {
		m.poolsMu.Unlock()
		return
	}
	delete(m.pools, code)
	m.poolsMu.Unlock()

	m.drainingPools.Store(code, p)

	slog.Info("draining pool removed from config", "pool", code)

	go func() {
		p.Drain()
		p.Shutdown()
		m.drainingPools.Delete(code)
		slog.Info("pool drained and removed", "pool", code)
	}()
}

func (m *QueueManager) runPipelineCleanup() {
	defer m.cleanupWg.Done()

	ticker := time.NewTicker(m.cleanupConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.cleanupCtx.Done():
			return
		case <-ticker.C:
			m.cleanupStalePipelineEntries()
		}
	}
}

func (m *QueueManager) cleanupStalePipelineEntries() {
	cutoff := time.Now().Add(-m.cleanupConfig.TTL).UnixMilli()
	stale := m.inPipeline.RemoveOlderThan(cutoff)
	if len(stale) > 0 {
		slog.Warn("cleaned up stale pipeline entries - messages may have been stuck",
			"count", len(stale), "ttl", m.cleanupConfig.TTL)
	}

	// Poison sightings expire on the same cadence so an isolated decode
	// failure does not pin memory forever.
	m.poisonSightings.Range(func(k, v any) bool {
		if v.(int64) < cutoff {
			m.poisonSightings.Delete(k)
		}
		return true
	})
}

func (m *QueueManager) runVisibilityExtender() {
	defer m.visibilityWg.Done()

	ticker := time.NewTicker(m.visibilityConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.visibilityCtx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.visibilityConfig.Threshold).UnixMilli()
			if extended := m.inPipeline.ExtendVisibility(cutoff); extended > 0 {
				slog.Info("extended visibility for long-running messages",
					"count", extended, "threshold", m.visibilityConfig.Threshold)
			}
		}
	}
}

func (m *QueueManager) runLeakDetection() {
	defer m.leakDetectionWg.Done()

	ticker := time.NewTicker(m.leakDetectionConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.leakDetectionCtx.Done():
			return
		case <-ticker.C:
			m.checkForPipelineLeaks()
		}
	}
}

// checkForPipelineLeaks warns when the in-pipeline set outgrows the total
// pool capacity, which means workers are not removing entries at terminal
// outcome.
func (m *QueueManager) checkForPipelineLeaks() {
	m.runningMu.Lock()
	running := m.running
	m.runningMu.Unlock()
	if !running {
		return
	}

	pipelineSize := m.inPipeline.Size()
	totalCapacity := m.GetTotalPoolCapacity()
	if totalCapacity == 0 {
		totalCapacity = MinQueueCapacity
	}

	if pipelineSize > totalCapacity {
		message := fmt.Sprintf("in-pipeline set size (%d) exceeds total pool capacity (%d) - possible leak",
			pipelineSize, totalCapacity)
		slog.Warn(message, "pipelineSize", pipelineSize, "totalCapacity", totalCapacity)
		m.warn(warning.CategoryHealth, warning.SeverityWarning, message)
	}

	metrics.PipelineMapSize.Set(float64(pipelineSize))
}

// --- consumer + router ---

// Consumer consumes messages from a broker and routes them.
type Consumer struct {
	manager  *QueueManager
	consumer queue.Consumer
	queueID  string
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	lastActivity   atomic.Int64
	restartCount   int
	restartCountMu sync.Mutex
	stalled        atomic.Bool
}

// NewConsumer creates a consumer routing into manager. queueID labels the
// source queue in metrics and the in-pipeline set.
func NewConsumer(manager *QueueManager, queueConsumer queue.Consumer, queueID string) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		manager:  manager,
		consumer: queueConsumer,
		queueID:  queueID,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.lastActivity.Store(time.Now().Unix())
	return c
}

func (c *Consumer) updateActivity() {
	c.lastActivity.Store(time.Now().Unix())
}

// GetLastActivity returns the last time the consumer saw traffic.
func (c *Consumer) GetLastActivity() time.Time {
	return time.Unix(c.lastActivity.Load(), 0)
}

// IsStalled reports whether the consumer is considered stalled.
func (c *Consumer) IsStalled() bool {
	return c.stalled.Load()
}

// GetRestartCount returns the number of restart attempts.
func (c *Consumer) GetRestartCount() int {
	c.restartCountMu.Lock()
	defer c.restartCountMu.Unlock()
	return c.restartCount
}

func (c *Consumer) incrementRestartCount() int {
	c.restartCountMu.Lock()
	defer c.restartCountMu.Unlock()
	c.restartCount++
	return c.restartCount
}

func (c *Consumer) resetRestartCount() {
	c.restartCountMu.Lock()
	defer c.restartCountMu.Unlock()
	c.restartCount = 0
}

// Start starts consuming messages.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consume()
	}()
	slog.Info("consumer started", "queue", c.queueID)
}

// Stop stops the consumer.
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
	slog.Info("consumer stopped", "queue", c.queueID)
}

func (c *Consumer) consume() {
	err := c.consumer.Consume(c.ctx, func(msg queue.Message) error {
		c.updateActivity()

		if c.manager.queueMetrics != nil {
			c.manager.queueMetrics.RecordMessageReceived(c.queueID)
		}

		pointer, err := codec.Decode(msg.Data())
		if err != nil {
			c.manager.handlePoison(msg, c.queueID, err)
			return nil
		}

		c.manager.RouteMessage(pointer, msg, c.queueID)
		return nil
	})

	if err != nil && err != context.Canceled {
		slog.Error("consumer error", "error", err, "queue", c.queueID)
	}
}

// ConsumerFactory creates new queue consumers for restart.
type ConsumerFactory func() queue.Consumer

// Router ties together the manager and consumer with health monitoring.
type Router struct {
	manager         *QueueManager
	consumer        *Consumer
	consumerMu      sync.Mutex
	consumerFactory ConsumerFactory
	queueID         string

	healthConfig *ConsumerHealthConfig
	healthCtx    context.Context
	healthCancel context.CancelFunc
	healthWg     sync.WaitGroup
}

// NewRouter creates a message router over the given consumer.
func NewRouter(manager *QueueManager, queueConsumer queue.Consumer, queueID string) *Router {
	var consumer *Consumer
	if queueConsumer != nil {
		consumer = NewConsumer(manager, queueConsumer, queueID)
	}

	return &Router{
		manager:      manager,
		consumer:     consumer,
		queueID:      queueID,
		healthConfig: DefaultConsumerHealthConfig(),
	}
}

// WithConsumerFactory sets a factory for creating new consumers on restart.
func (r *Router) WithConsumerFactory(factory ConsumerFactory) *Router {
	r.consumerFactory = factory
	return r
}

// WithConsumerHealthConfig configures consumer health monitoring.
func (r *Router) WithConsumerHealthConfig(cfg *ConsumerHealthConfig) *Router {
	if cfg == nil {
		cfg = DefaultConsumerHealthConfig()
	}
	r.healthConfig = cfg
	return r
}

// Start starts the router.
func (r *Router) Start() {
	r.manager.Start()
	if r.consumer != nil {
		r.consumer.Start()
	}

	if r.healthConfig.Enabled && r.consumer != nil {
		r.healthCtx, r.healthCancel = context.WithCancel(context.Background())
		r.healthWg.Add(1)
		go r.runConsumerHealthMonitor()
		slog.Info("consumer health monitor started",
			"checkInterval", r.healthConfig.CheckInterval,
			"stallThreshold", r.healthConfig.StallThreshold,
			"maxRestarts", r.healthConfig.MaxRestartAttempts)
	}

	slog.Info("message router started")
}

// Stop stops the router.
func (r *Router) Stop() {
	if r.healthCancel != nil {
		r.healthCancel()
		r.healthWg.Wait()
	}

	r.consumerMu.Lock()
	consumer := r.consumer
	r.consumerMu.Unlock()

	if consumer != nil {
		consumer.Stop()
	}
	r.manager.Stop()
	slog.Info("message router stopped")
}

// Manager returns the queue manager.
func (r *Router) Manager() *QueueManager {
	return r.manager
}

// Consumer returns the current consumer.
func (r *Router) Consumer() *Consumer {
	r.consumerMu.Lock()
	defer r.consumerMu.Unlock()
	return r.consumer
}

func (r *Router) runConsumerHealthMonitor() {
	defer r.healthWg.Done()

	ticker := time.NewTicker(r.healthConfig.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.healthCtx.Done():
			return
		case <-ticker.C:
			r.checkConsumerHealth()
		}
	}
}

func (r *Router) checkConsumerHealth() {
	r.consumerMu.Lock()
	consumer := r.consumer
	r.consumerMu.Unlock()

	if consumer == nil {
		return
	}

	stalledDuration := time.Since(consumer.GetLastActivity())
	if stalledDuration < r.healthConfig.StallThreshold {
		if consumer.IsStalled() {
			consumer.stalled.Store(false)
			consumer.resetRestartCount()
			slog.Info("consumer recovered from stalled state")
		}
		return
	}

	consumer.stalled.Store(true)
	restartCount := consumer.GetRestartCount()

	metrics.ConsumerStallEvents.Inc()

	slog.Warn("consumer appears stalled",
		"stalledFor", stalledDuration,
		"restartAttempts", restartCount,
		"maxAttempts", r.healthConfig.MaxRestartAttempts)

	if restartCount >= r.healthConfig.MaxRestartAttempts {
		slog.Error("consumer exceeded max restart attempts - requires manual intervention",
			"attempts", restartCount)
		return
	}

	r.restartConsumer()
}

func (r *Router) restartConsumer() {
	r.consumerMu.Lock()
	defer r.consumerMu.Unlock()

	oldConsumer := r.consumer
	if oldConsumer == nil {
		return
	}

	attempt := oldConsumer.incrementRestartCount()
	metrics.ConsumerRestarts.Inc()

	slog.Info("restarting stalled consumer",
		"attempt", attempt, "maxAttempts", r.healthConfig.MaxRestartAttempts)

	oldConsumer.Stop()
	time.Sleep(r.healthConfig.RestartDelay)

	queueConsumer := oldConsumer.consumer
	if r.consumerFactory != nil {
		if fresh := r.consumerFactory(); fresh != nil {
			queueConsumer = fresh
		}
	}

	newConsumer := NewConsumer(r.manager, queueConsumer, r.queueID)
	newConsumer.restartCount = attempt
	newConsumer.Start()
	r.consumer = newConsumer
}
